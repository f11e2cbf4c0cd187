package client

import (
	"context"
	"sync"
	"time"

	"obscomm/models"
	"obscomm/protocol"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// MediaStream is a handle on acquired capture devices. Stop releases
// every track.
type MediaStream interface {
	Stop()
}

// MediaProvider acquires microphone/camera tracks. The controller only
// asks for media when a call actually starts or is answered, never
// eagerly.
type MediaProvider interface {
	Acquire(ctx context.Context, callType models.CallType) (MediaStream, error)
}

type callSession struct {
	id        string
	peerID    int64
	callType  models.CallType
	outgoing  bool
	remoteSDP string
	stream    MediaStream
	ringTimer *time.Timer
}

// CallController drives the single local call session through
// Idle -> Ringing -> Active -> Idle. At most one session is non-idle at a
// time; a second incoming offer is answered with a busy signal. Every
// path back to Idle runs through release, so acquired media can never
// outlive the session.
type CallController struct {
	selfID      int64
	send        func(event string, data interface{}) error
	media       MediaProvider
	ringTimeout time.Duration

	mu    sync.Mutex
	state models.CallState
	sess  *callSession

	onState     func(state models.CallState, peerID int64)
	onIncoming  func(offer protocol.CallOffer)
	onAnswer    func(sdp string)
	onCandidate func(candidate string)
}

func newCallController(selfID int64, send func(string, interface{}) error,
	media MediaProvider, ringTimeout time.Duration) *CallController {
	return &CallController{
		selfID:      selfID,
		send:        send,
		media:       media,
		ringTimeout: ringTimeout,
		state:       models.CallIdle,
	}
}

// OnStateChange registers the session state observer.
func (c *CallController) OnStateChange(f func(state models.CallState, peerID int64)) {
	c.mu.Lock()
	c.onState = f
	c.mu.Unlock()
}

// OnIncomingCall fires when an offer rings through while idle.
func (c *CallController) OnIncomingCall(f func(offer protocol.CallOffer)) {
	c.mu.Lock()
	c.onIncoming = f
	c.mu.Unlock()
}

// OnRemoteAnswer delivers the counterpart's SDP answer for the peer
// connection to consume.
func (c *CallController) OnRemoteAnswer(f func(sdp string)) {
	c.mu.Lock()
	c.onAnswer = f
	c.mu.Unlock()
}

// OnRemoteCandidate delivers trickled ICE candidates from the
// counterpart.
func (c *CallController) OnRemoteCandidate(f func(candidate string)) {
	c.mu.Lock()
	c.onCandidate = f
	c.mu.Unlock()
}

func (c *CallController) State() models.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Peer returns the counterpart of the current session, zero when idle.
func (c *CallController) Peer() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return 0
	}
	return c.sess.peerID
}

// StartCall acquires media, rings the target and arms the ring timeout.
// Media denial aborts with ErrMediaAcquisition and no state left behind.
func (c *CallController) StartCall(ctx context.Context, targetID int64, callType models.CallType, sdp string) (string, error) {
	c.mu.Lock()
	if c.state != models.CallIdle {
		c.mu.Unlock()
		return "", errors.Wrapf(ErrSignaling, "call already in progress with user %d", c.sess.peerID)
	}

	sess := &callSession{
		id:       uuid.NewString(),
		peerID:   targetID,
		callType: callType,
		outgoing: true,
	}
	c.state = models.CallRingingOut
	c.sess = sess
	c.mu.Unlock()

	stream, err := c.media.Acquire(ctx, callType)
	if err != nil {
		c.abort(sess.id, "", 0)
		return "", errors.Wrap(ErrMediaAcquisition, err.Error())
	}

	c.mu.Lock()
	if c.sess != sess {
		// Cancelled while acquiring; nothing may leak.
		c.mu.Unlock()
		stream.Stop()
		return "", errors.Wrap(ErrSignaling, "call cancelled")
	}
	sess.stream = stream
	sess.ringTimer = time.AfterFunc(c.ringTimeout, func() { c.ringExpired(sess.id) })
	c.mu.Unlock()
	c.notifyState()

	err = c.send(protocol.EventCallOffer, &protocol.CallOffer{
		SessionID: sess.id,
		CallerID:  c.selfID,
		TargetID:  targetID,
		CallType:  string(callType),
		SDP:       sdp,
	})
	if err != nil {
		c.abort(sess.id, "", 0)
		return "", errors.Wrapf(err, "ring user %d", targetID)
	}

	return sess.id, nil
}

// AnswerCall accepts the ringing incoming call: acquires media, goes
// Active and sends the answer back.
func (c *CallController) AnswerCall(ctx context.Context, sdp string) error {
	c.mu.Lock()
	if c.state != models.CallRingingIn || c.sess == nil {
		c.mu.Unlock()
		return errors.Wrap(ErrSignaling, "no ringing call to answer")
	}
	sess := c.sess
	c.mu.Unlock()

	stream, err := c.media.Acquire(ctx, sess.callType)
	if err != nil {
		c.abort(sess.id, models.EndFailed, sess.peerID)
		return errors.Wrap(ErrMediaAcquisition, err.Error())
	}

	c.mu.Lock()
	if c.sess != sess || c.state != models.CallRingingIn {
		c.mu.Unlock()
		stream.Stop()
		return errors.Wrap(ErrSignaling, "call ended while answering")
	}
	sess.stream = stream
	c.state = models.CallActive
	c.mu.Unlock()
	c.notifyState()

	err = c.send(protocol.EventCallAnswer, &protocol.CallAnswer{
		SessionID:   sess.id,
		ResponderID: c.selfID,
		TargetID:    sess.peerID,
		SDP:         sdp,
	})
	if err != nil {
		// The caller is still ringing and must be told to stop.
		c.abort(sess.id, models.EndFailed, sess.peerID)
		return errors.Wrapf(err, "answer user %d", sess.peerID)
	}

	return nil
}

// RejectCall declines the ringing incoming call.
func (c *CallController) RejectCall() error {
	c.mu.Lock()
	if c.state != models.CallRingingIn || c.sess == nil {
		c.mu.Unlock()
		return errors.Wrap(ErrSignaling, "no ringing call to reject")
	}
	sess := c.sess
	c.releaseLocked()
	c.mu.Unlock()
	c.notifyState()

	c.sendEnd(sess.id, sess.peerID, models.EndRejected)
	return nil
}

// EndCall hangs up whatever session is in flight. Calling it while idle
// is a no-op, so it doubles as the cancel for an in-flight StartCall.
func (c *CallController) EndCall() error {
	c.mu.Lock()
	if c.state == models.CallIdle || c.sess == nil {
		c.mu.Unlock()
		return nil
	}
	sess := c.sess
	c.releaseLocked()
	c.mu.Unlock()
	c.notifyState()

	c.sendEnd(sess.id, sess.peerID, models.EndHangup)
	return nil
}

// SendCandidate trickles a local ICE candidate to the counterpart.
func (c *CallController) SendCandidate(candidate string) error {
	c.mu.Lock()
	if c.sess == nil {
		c.mu.Unlock()
		return errors.Wrap(ErrSignaling, "no call session for candidate")
	}
	sess := c.sess
	c.mu.Unlock()

	return c.send(protocol.EventCallCandidate, &protocol.ICECandidate{
		SessionID: sess.id,
		SenderID:  c.selfID,
		TargetID:  sess.peerID,
		Candidate: candidate,
	})
}

// HandleOffer rings on an idle controller and busy-rejects otherwise: an
// established or already ringing session always wins.
func (c *CallController) HandleOffer(offer protocol.CallOffer) {
	c.mu.Lock()
	if c.state != models.CallIdle {
		c.mu.Unlock()
		jww.INFO.Printf("busy-rejecting call %s from user %d", offer.SessionID, offer.CallerID)
		c.sendEnd(offer.SessionID, offer.CallerID, models.EndBusy)
		return
	}

	c.state = models.CallRingingIn
	c.sess = &callSession{
		id:        offer.SessionID,
		peerID:    offer.CallerID,
		callType:  models.CallType(offer.CallType),
		remoteSDP: offer.SDP,
	}
	incoming := c.onIncoming
	c.mu.Unlock()
	c.notifyState()

	if incoming != nil {
		incoming(offer)
	}
}

// HandleAnswer completes an outgoing ring. A late answer for a session
// that was already cancelled is answered with a hang-up instead of
// transitioning to Active.
func (c *CallController) HandleAnswer(answer protocol.CallAnswer) {
	c.mu.Lock()
	sess := c.sess

	if sess == nil || answer.SessionID != sess.id {
		c.mu.Unlock()
		c.sendEnd(answer.SessionID, answer.ResponderID, models.EndHangup)
		return
	}

	if c.state != models.CallRingingOut || answer.ResponderID != sess.peerID {
		// Out-of-sequence answer on a live session.
		peerID := sess.peerID
		c.releaseLocked()
		c.mu.Unlock()
		c.notifyState()
		jww.ERROR.Printf("out-of-sequence answer for call %s", answer.SessionID)
		c.sendEnd(answer.SessionID, peerID, models.EndFailed)
		return
	}

	if sess.ringTimer != nil {
		sess.ringTimer.Stop()
		sess.ringTimer = nil
	}
	c.state = models.CallActive
	cb := c.onAnswer
	c.mu.Unlock()
	c.notifyState()

	if cb != nil {
		cb(answer.SDP)
	}
}

// HandleCandidate forwards a counterpart candidate to the consumer while
// the matching session lives; trailing candidates are ignored.
func (c *CallController) HandleCandidate(candidate protocol.ICECandidate) {
	c.mu.Lock()
	sess := c.sess
	cb := c.onCandidate
	c.mu.Unlock()

	if sess == nil || candidate.SessionID != sess.id || candidate.SenderID != sess.peerID {
		return
	}
	if cb != nil {
		cb(candidate.Candidate)
	}
}

// HandleEnd applies a remote hang-up, reject, busy or timeout.
func (c *CallController) HandleEnd(end protocol.CallEnd) {
	c.mu.Lock()
	if c.sess == nil || end.SessionID != c.sess.id {
		c.mu.Unlock()
		return
	}
	c.releaseLocked()
	c.mu.Unlock()
	c.notifyState()

	jww.INFO.Printf("call %s ended by user %d: %s", end.SessionID, end.SenderID, end.Reason)
}

// HandleDisconnect treats a transport drop as an implicit hang-up; the
// hub notifies the counterpart on our behalf.
func (c *CallController) HandleDisconnect() {
	c.mu.Lock()
	if c.state == models.CallIdle {
		c.mu.Unlock()
		return
	}
	c.releaseLocked()
	c.mu.Unlock()
	c.notifyState()
}

func (c *CallController) ringExpired(sessionID string) {
	c.mu.Lock()
	if c.sess == nil || c.sess.id != sessionID || c.state != models.CallRingingOut {
		c.mu.Unlock()
		return
	}
	peerID := c.sess.peerID
	c.releaseLocked()
	c.mu.Unlock()
	c.notifyState()

	jww.INFO.Printf("call %s timed out ringing user %d", sessionID, peerID)
	c.sendEnd(sessionID, peerID, models.EndTimeout)
}

// abort tears the session down after a local failure, optionally
// notifying the counterpart.
func (c *CallController) abort(sessionID, reason string, peerID int64) {
	c.mu.Lock()
	if c.sess == nil || c.sess.id != sessionID {
		c.mu.Unlock()
		return
	}
	c.releaseLocked()
	c.mu.Unlock()
	c.notifyState()

	if reason != "" {
		c.sendEnd(sessionID, peerID, reason)
	}
}

// releaseLocked is the single exit chokepoint: stops the ring timer,
// stops every acquired media track and resets to Idle. Must run under
// c.mu.
func (c *CallController) releaseLocked() {
	if c.sess != nil {
		if c.sess.ringTimer != nil {
			c.sess.ringTimer.Stop()
			c.sess.ringTimer = nil
		}
		if c.sess.stream != nil {
			c.sess.stream.Stop()
			c.sess.stream = nil
		}
	}
	c.sess = nil
	c.state = models.CallIdle
}

func (c *CallController) sendEnd(sessionID string, targetID int64, reason string) {
	err := c.send(protocol.EventCallEnd, &protocol.CallEnd{
		SessionID: sessionID,
		SenderID:  c.selfID,
		TargetID:  targetID,
		Reason:    reason,
	})
	if err != nil {
		jww.WARN.Printf("call:end (%s) for %s not sent: %v", reason, sessionID, err)
	}
}

func (c *CallController) notifyState() {
	c.mu.Lock()
	f := c.onState
	state := c.state
	var peerID int64
	if c.sess != nil {
		peerID = c.sess.peerID
	}
	c.mu.Unlock()

	if f != nil {
		f(state, peerID)
	}
}
