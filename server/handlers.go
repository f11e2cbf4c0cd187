package server

import (
	"time"

	"obscomm/models"
	"obscomm/protocol"

	jww "github.com/spf13/jwalterweatherman"
)

func (s *Server) handleEvent(session *Session, env *protocol.Envelope) {
	switch env.Event {
	case protocol.EventMessageNew:
		s.handleMessageNew(session, env)
	case protocol.EventMessageRead:
		s.handleMessageRead(session, env)
	case protocol.EventPresenceUpdate:
		s.handlePresenceUpdate(session, env)
	case protocol.EventCallOffer:
		s.handleCallOffer(session, env)
	case protocol.EventCallAnswer:
		s.handleCallAnswer(session, env)
	case protocol.EventCallCandidate:
		s.handleCallCandidate(session, env)
	case protocol.EventCallEnd:
		s.handleCallEnd(session, env)
	default:
		jww.DEBUG.Printf("ignoring %s from user %d", env.Event, session.UserID)
	}
}

// handleMessageNew persists a submitted message, acks it back to the
// sender and forwards it to the recipient when online. Persistence is
// idempotent on the message id, so client retries never duplicate.
func (s *Server) handleMessageNew(session *Session, env *protocol.Envelope) {
	var data protocol.MessageData
	if err := env.Unmarshal(&data); err != nil {
		jww.WARN.Printf("message:new from user %d: %v", session.UserID, err)
		return
	}

	if data.ID == "" || data.ReceiverID == 0 {
		jww.WARN.Printf("message:new from user %d missing id or receiver", session.UserID)
		return
	}

	exists, err := s.db.UserExists(data.ReceiverID)
	if err != nil {
		jww.ERROR.Printf("message:new recipient lookup: %v", err)
		return
	}
	if !exists {
		jww.WARN.Printf("message:new from user %d to unknown user %d", session.UserID, data.ReceiverID)
		return
	}

	if data.Type == "" {
		data.Type = models.MessageText
	}
	if data.SentAt.IsZero() {
		data.SentAt = time.Now().UTC()
	}

	seq, sentAt, err := s.db.SaveMessage(&models.Message{
		ID:         data.ID,
		SenderID:   session.UserID,
		ReceiverID: data.ReceiverID,
		Content:    data.Content,
		Type:       data.Type,
		SentAt:     data.SentAt,
	})
	if err != nil {
		jww.ERROR.Printf("save message %s: %v", data.ID, err)
		return
	}
	data.SenderID = session.UserID
	data.Seq = seq
	data.SentAt = sentAt

	s.sendEvent(session, protocol.EventMessageAck, &protocol.MessageAck{
		ID:     data.ID,
		Seq:    seq,
		SentAt: sentAt,
	})

	if recipient, ok := s.getSession(data.ReceiverID); ok {
		if s.sendEvent(recipient, protocol.EventMessageNew, &data) {
			if err := s.db.MarkDelivered([]string{data.ID}); err != nil {
				jww.ERROR.Printf("mark delivered %s: %v", data.ID, err)
			}
		}
	}
}

// handleMessageRead persists the read flags and forwards the receipt to
// the counterpart when online. Best-effort: an offline counterpart never
// sees it.
func (s *Server) handleMessageRead(session *Session, env *protocol.Envelope) {
	var receipt protocol.ReadReceipt
	if err := env.Unmarshal(&receipt); err != nil {
		jww.WARN.Printf("message:read from user %d: %v", session.UserID, err)
		return
	}
	receipt.ReaderID = session.UserID

	if err := s.db.MarkReadFrom(receipt.CounterpartID, receipt.ReaderID); err != nil {
		jww.ERROR.Printf("mark read from %d for %d: %v", receipt.CounterpartID, receipt.ReaderID, err)
		return
	}

	if counterpart, ok := s.getSession(receipt.CounterpartID); ok {
		s.sendEvent(counterpart, protocol.EventMessageRead, &receipt)
	}
}

func (s *Server) handlePresenceUpdate(session *Session, env *protocol.Envelope) {
	var status protocol.UserStatus
	if err := env.Unmarshal(&status); err != nil {
		jww.WARN.Printf("presence:update from user %d: %v", session.UserID, err)
		return
	}

	if status.Status != models.StatusOnline && status.Status != models.StatusAway {
		return
	}

	// s.mu also orders this write against onlineStatuses readers.
	s.mu.Lock()
	session.Status = status.Status
	s.mu.Unlock()

	s.broadcast(protocol.EventPresenceUpdate, &protocol.UserStatus{
		UserID:   session.UserID,
		Status:   status.Status,
		LastSeen: time.Now().UTC(),
	}, session.UserID)
}

func (s *Server) handleCallOffer(session *Session, env *protocol.Envelope) {
	var offer protocol.CallOffer
	if err := env.Unmarshal(&offer); err != nil {
		jww.WARN.Printf("call:offer from user %d: %v", session.UserID, err)
		return
	}
	offer.CallerID = session.UserID

	target, ok := s.getSession(offer.TargetID)
	if !ok {
		// Nobody to ring: report failure so the caller stops ringing.
		s.sendEvent(session, protocol.EventCallEnd, &protocol.CallEnd{
			SessionID: offer.SessionID,
			SenderID:  offer.TargetID,
			TargetID:  session.UserID,
			Reason:    models.EndFailed,
		})
		return
	}

	s.trackCall(session.UserID, offer.TargetID, offer.SessionID)
	s.sendEvent(target, protocol.EventCallOffer, &offer)
}

func (s *Server) handleCallAnswer(session *Session, env *protocol.Envelope) {
	var answer protocol.CallAnswer
	if err := env.Unmarshal(&answer); err != nil {
		jww.WARN.Printf("call:answer from user %d: %v", session.UserID, err)
		return
	}
	answer.ResponderID = session.UserID

	if target, ok := s.getSession(answer.TargetID); ok {
		s.sendEvent(target, protocol.EventCallAnswer, &answer)
	}
}

func (s *Server) handleCallCandidate(session *Session, env *protocol.Envelope) {
	var candidate protocol.ICECandidate
	if err := env.Unmarshal(&candidate); err != nil {
		jww.WARN.Printf("call:ice-candidate from user %d: %v", session.UserID, err)
		return
	}
	candidate.SenderID = session.UserID

	if target, ok := s.getSession(candidate.TargetID); ok {
		s.sendEvent(target, protocol.EventCallCandidate, &candidate)
	}
}

func (s *Server) handleCallEnd(session *Session, env *protocol.Envelope) {
	var end protocol.CallEnd
	if err := env.Unmarshal(&end); err != nil {
		jww.WARN.Printf("call:end from user %d: %v", session.UserID, err)
		return
	}
	end.SenderID = session.UserID

	s.untrackCall(session.UserID, end.TargetID)

	if target, ok := s.getSession(end.TargetID); ok {
		s.sendEvent(target, protocol.EventCallEnd, &end)
	}
}

func (s *Server) trackCall(callerID, targetID int64, sessionID string) {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.calls[callerID] = callPeer{peerID: targetID, sessionID: sessionID}
	s.calls[targetID] = callPeer{peerID: callerID, sessionID: sessionID}
}

func (s *Server) untrackCall(a, b int64) {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	if peer, ok := s.calls[a]; ok && peer.peerID == b {
		delete(s.calls, a)
	}
	if peer, ok := s.calls[b]; ok && peer.peerID == a {
		delete(s.calls, b)
	}
}

// hangupOnDisconnect treats a dropped connection as an implicit hang-up
// towards whoever the user was signaling with.
func (s *Server) hangupOnDisconnect(userID int64) {
	s.callsMu.Lock()
	peer, ok := s.calls[userID]
	if ok {
		delete(s.calls, userID)
		if back, exists := s.calls[peer.peerID]; exists && back.peerID == userID {
			delete(s.calls, peer.peerID)
		}
	}
	s.callsMu.Unlock()

	if !ok {
		return
	}

	if target, online := s.getSession(peer.peerID); online {
		s.sendEvent(target, protocol.EventCallEnd, &protocol.CallEnd{
			SessionID: peer.sessionID,
			SenderID:  userID,
			TargetID:  peer.peerID,
			Reason:    models.EndDisconnected,
		})
	}
}
