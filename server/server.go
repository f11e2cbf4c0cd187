package server

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"obscomm/db"
	"obscomm/models"
	"obscomm/protocol"

	"github.com/gorilla/websocket"
	jww "github.com/spf13/jwalterweatherman"
)

type Server struct {
	db       *db.DB
	config   *Config
	sessions map[int64]*Session
	mu       sync.RWMutex

	// In-flight signaling pairings, so a dropped connection hangs up on
	// its counterpart.
	calls   map[int64]callPeer
	callsMu sync.Mutex

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	ring     *RingLog
}

type Config struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	HistoryLimit int
}

type Session struct {
	UserID int64
	Status string
	Conn   *websocket.Conn
	mu     sync.Mutex
	done   chan struct{}
}

type callPeer struct {
	peerID    int64
	sessionID string
}

func New(database *db.DB, config *Config, ring *RingLog) *Server {
	if config.HistoryLimit == 0 {
		config.HistoryLimit = 1000
	}
	if config.PingInterval == 0 {
		config.PingInterval = 30 * time.Second
	}

	return &Server{
		db:       database,
		config:   config,
		sessions: make(map[int64]*Session),
		calls:    make(map[int64]callPeer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ring: ring,
	}
}

// Handler returns the full HTTP surface: the websocket endpoint plus the
// REST collaborators consumed by the admin console.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/communications", s.handleWS)
	mux.HandleFunc("/api/communications/online-users", s.handleOnlineUsers)
	mux.HandleFunc("/api/communications/messages", s.handleMessageHistory)
	mux.HandleFunc("/api/communications/users", s.handleUsers)
	mux.HandleFunc("/api/communications/unread", s.handleUnread)
	return mux
}

func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.Handler(),
	}
	jww.INFO.Printf("communication hub listening on %s", s.config.ListenAddr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// handleWS authenticates the handshake and upgrades the connection. Auth
// failures are rejected before the upgrade so the client sees a plain HTTP
// error and can surface it as a connection error.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, "missing or invalid user_id", http.StatusUnauthorized)
		return
	}

	token := r.URL.Query().Get("token")
	ok, err := s.db.Authenticate(userID, token)
	if err != nil {
		jww.ERROR.Printf("handshake auth for user %d: %v", userID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "invalid credentials", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		jww.ERROR.Printf("upgrade for user %d: %v", userID, err)
		return
	}

	s.handleConnection(userID, conn)
}

func (s *Server) handleConnection(userID int64, conn *websocket.Conn) {
	remoteAddr := conn.RemoteAddr().String()
	jww.INFO.Printf("user %d connected from %s", userID, remoteAddr)

	session := &Session{
		UserID: userID,
		Status: models.StatusOnline,
		Conn:   conn,
		done:   make(chan struct{}),
	}

	s.register(session)
	defer s.unregister(session)

	go s.pingLoop(session)

	conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				jww.INFO.Printf("user %d dropped from %s: %v", userID, remoteAddr, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

		env, err := protocol.Decode(raw)
		if err != nil {
			jww.WARN.Printf("malformed frame from user %d: %v", userID, err)
			continue
		}

		s.handleEvent(session, env)
	}
}

// register installs the session, displacing any previous connection for
// the same user, then delivers the presence snapshot and the queued
// offline messages.
func (s *Server) register(session *Session) {
	s.mu.Lock()
	old := s.sessions[session.UserID]
	s.sessions[session.UserID] = session
	s.mu.Unlock()

	if old != nil {
		jww.INFO.Printf("user %d reconnected elsewhere, displacing old session", session.UserID)
		old.closeWith(websocket.ClosePolicyViolation, "session displaced")
	}

	now := time.Now().UTC()
	if err := s.db.UpdateLastOnline(session.UserID, now); err != nil {
		jww.ERROR.Printf("update last_online for user %d: %v", session.UserID, err)
	}

	// Snapshot first: consumers treat state before it as unconfirmed.
	s.sendEvent(session, protocol.EventPresenceSnapshot, &protocol.PresenceSnapshot{
		Users: s.onlineStatuses(),
	})
	s.broadcast(protocol.EventPresenceUpdate, &protocol.UserStatus{
		UserID:   session.UserID,
		Status:   models.StatusOnline,
		LastSeen: now,
	}, session.UserID)

	s.drainUndelivered(session)
}

func (s *Server) unregister(session *Session) {
	s.mu.Lock()
	current, ok := s.sessions[session.UserID]
	if ok && current == session {
		delete(s.sessions, session.UserID)
	}
	s.mu.Unlock()
	close(session.done)
	session.Conn.Close()

	// A displaced session must not mark the fresh one offline.
	if !ok || current != session {
		return
	}

	now := time.Now().UTC()
	if err := s.db.UpdateLastOffline(session.UserID, now); err != nil {
		jww.ERROR.Printf("update last_offline for user %d: %v", session.UserID, err)
	}

	s.broadcast(protocol.EventPresenceUpdate, &protocol.UserStatus{
		UserID:   session.UserID,
		Status:   models.StatusOffline,
		LastSeen: now,
	}, session.UserID)

	s.hangupOnDisconnect(session.UserID)
	jww.INFO.Printf("user %d disconnected", session.UserID)
}

func (s *Server) pingLoop(session *Session) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-session.done:
			return
		case <-ticker.C:
			session.mu.Lock()
			err := session.Conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(s.config.WriteTimeout))
			session.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) drainUndelivered(session *Session) {
	queued, err := s.db.Undelivered(session.UserID)
	if err != nil {
		jww.ERROR.Printf("load undelivered for user %d: %v", session.UserID, err)
		return
	}
	if len(queued) == 0 {
		return
	}

	ids := make([]string, 0, len(queued))
	for i := range queued {
		m := &queued[i]
		if !s.sendEvent(session, protocol.EventMessageNew, &protocol.MessageData{
			ID:         m.ID,
			SenderID:   m.SenderID,
			ReceiverID: m.ReceiverID,
			Content:    m.Content,
			Type:       m.Type,
			SentAt:     m.SentAt,
			Seq:        m.Seq,
		}) {
			break
		}
		ids = append(ids, m.ID)
	}

	if err := s.db.MarkDelivered(ids); err != nil {
		jww.ERROR.Printf("mark delivered for user %d: %v", session.UserID, err)
	}
	jww.INFO.Printf("delivered %d queued messages to user %d", len(ids), session.UserID)
}

func (s *Server) sendEvent(session *Session, event string, data interface{}) bool {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		jww.ERROR.Printf("encode %s: %v", event, err)
		return false
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	session.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := session.Conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		jww.WARN.Printf("write %s to user %d: %v", event, session.UserID, err)
		return false
	}
	return true
}

func (s *Server) broadcast(event string, data interface{}, exceptID int64) {
	s.mu.RLock()
	targets := make([]*Session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		if id != exceptID {
			targets = append(targets, sess)
		}
	}
	s.mu.RUnlock()

	for _, sess := range targets {
		s.sendEvent(sess, event, data)
	}
}

func (s *Server) getSession(userID int64) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[userID]
	return session, ok
}

func (s *Server) onlineStatuses() []protocol.UserStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]protocol.UserStatus, 0, len(s.sessions))
	for _, sess := range s.sessions {
		statuses = append(statuses, protocol.UserStatus{
			UserID: sess.UserID,
			Status: sess.Status,
		})
	}
	return statuses
}

func (sess *Session) closeWith(code int, reason string) {
	sess.mu.Lock()
	sess.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	sess.mu.Unlock()
	sess.Conn.Close()
}

// Shutdown closes every session with a reasoned close frame and stops the
// HTTP listener.
func (s *Server) Shutdown(reason string) {
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	now := time.Now().UTC()
	for _, sess := range sessions {
		sess.closeWith(websocket.CloseGoingAway, reason)
		if err := s.db.UpdateLastOffline(sess.UserID, now); err != nil {
			jww.ERROR.Printf("update last_offline for user %d: %v", sess.UserID, err)
		}
		s.mu.Lock()
		delete(s.sessions, sess.UserID)
		s.mu.Unlock()
	}

	if s.httpSrv != nil {
		s.httpSrv.Close()
	}
}

// GetStats returns hub statistics for the control socket.
func (s *Server) GetStats() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := ""
	for id := range s.sessions {
		if users != "" {
			users += ";"
		}
		users += strconv.FormatInt(id, 10)
	}

	return "connections=" + strconv.Itoa(len(s.sessions)) + ",users=" + users
}

// RecentLog returns the contents of the in-memory log ring.
func (s *Server) RecentLog() string {
	if s.ring == nil {
		return ""
	}
	return s.ring.String()
}
