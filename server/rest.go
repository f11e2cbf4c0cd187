package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"obscomm/models"

	jww "github.com/spf13/jwalterweatherman"
)

// REST collaborators for the surrounding admin console. The client core
// treats these as opaque JSON contracts; only the hub serves them.

type onlineUsersResponse struct {
	Count int           `json:"count"`
	Users []models.User `json:"users"`
}

func (s *Server) handleOnlineUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := onlineUsersResponse{Users: []models.User{}}
	for _, status := range s.onlineStatuses() {
		user, err := s.db.GetUser(status.UserID)
		if err != nil {
			jww.ERROR.Printf("online-users lookup %d: %v", status.UserID, err)
			continue
		}
		user.Status = status.Status
		resp.Users = append(resp.Users, *user)
	}
	resp.Count = len(resp.Users)

	writeJSON(w, http.StatusOK, &resp)
}

func (s *Server) handleMessageHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, err1 := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	partnerID, err2 := strconv.ParseInt(r.URL.Query().Get("partner_id"), 10, 64)
	if err1 != nil || err2 != nil {
		http.Error(w, "user_id and partner_id required", http.StatusBadRequest)
		return
	}

	offset := 0
	limit := s.config.HistoryLimit
	if v := r.URL.Query().Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed < limit {
			limit = parsed
		}
	}

	messages, err := s.db.GetMessages(userID, partnerID, offset, limit)
	if err != nil {
		jww.ERROR.Printf("message history %d/%d: %v", userID, partnerID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}

	writeJSON(w, http.StatusOK, messages)
}

type upsertUserRequest struct {
	models.User
	Token string `json:"token"`
}

// handleUsers serves the user directory: GET lists every registered user,
// POST creates or updates one.
func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		users, err := s.db.ListUsers()
		if err != nil {
			jww.ERROR.Printf("list users: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if users == nil {
			users = []models.User{}
		}
		writeJSON(w, http.StatusOK, users)
	case http.MethodPost:
		s.handleUpsertUser(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleUpsertUser(w http.ResponseWriter, r *http.Request) {
	var req upsertUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.Username == "" {
		http.Error(w, "username required", http.StatusBadRequest)
		return
	}

	id, err := s.db.UpsertUser(&req.User, req.Token)
	if err != nil {
		jww.ERROR.Printf("upsert user %q: %v", req.Username, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"id": id})
}

// handleUnread serves the per-sender unread counts for one user, used by
// the console's conversation badges.
func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}

	counts, err := s.db.UnreadCounts(userID)
	if err != nil {
		jww.ERROR.Printf("unread counts for %d: %v", userID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make(map[string]int, len(counts))
	for senderID, n := range counts {
		out[strconv.FormatInt(senderID, 10)] = n
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		jww.ERROR.Printf("write response: %v", err)
	}
}
