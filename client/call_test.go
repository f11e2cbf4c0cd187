package client

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"obscomm/models"
	"obscomm/protocol"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	stopped atomic.Bool
}

func (s *fakeStream) Stop() { s.stopped.Store(true) }

type fakeMedia struct {
	fail    bool
	streams []*fakeStream
}

func (m *fakeMedia) Acquire(ctx context.Context, callType models.CallType) (MediaStream, error) {
	if m.fail {
		return nil, errors.New("permission denied")
	}
	s := &fakeStream{}
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *fakeMedia) allStopped() bool {
	for _, s := range m.streams {
		if !s.stopped.Load() {
			return false
		}
	}
	return true
}

func (f *fakeSender) lastEnd(t *testing.T) protocol.CallEnd {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].event == protocol.EventCallEnd {
			return *f.events[i].data.(*protocol.CallEnd)
		}
	}
	t.Fatal("no call:end sent")
	return protocol.CallEnd{}
}

func newTestController(ringTimeout time.Duration) (*CallController, *fakeSender, *fakeMedia) {
	sender := &fakeSender{}
	media := &fakeMedia{}
	return newCallController(selfID, sender.send, media, ringTimeout), sender, media
}

func TestStartCallAndAnswer(t *testing.T) {
	ctrl, sender, media := newTestController(time.Minute)

	sessionID, err := ctrl.StartCall(context.Background(), 2, models.CallVideo, "offer-sdp")
	require.NoError(t, err)
	require.Equal(t, models.CallRingingOut, ctrl.State())
	require.Equal(t, int64(2), ctrl.Peer())
	require.Equal(t, 1, sender.count(protocol.EventCallOffer))
	require.Len(t, media.streams, 1)

	var gotSDP string
	ctrl.OnRemoteAnswer(func(sdp string) { gotSDP = sdp })

	ctrl.HandleAnswer(protocol.CallAnswer{
		SessionID:   sessionID,
		ResponderID: 2,
		TargetID:    selfID,
		SDP:         "answer-sdp",
	})
	require.Equal(t, models.CallActive, ctrl.State())
	require.Equal(t, "answer-sdp", gotSDP)

	require.NoError(t, ctrl.EndCall())
	require.Equal(t, models.CallIdle, ctrl.State())
	require.True(t, media.allStopped())
	require.Equal(t, models.EndHangup, sender.lastEnd(t).Reason)
}

func TestStartCallWhileBusy(t *testing.T) {
	ctrl, _, _ := newTestController(time.Minute)

	_, err := ctrl.StartCall(context.Background(), 2, models.CallAudio, "sdp")
	require.NoError(t, err)

	_, err = ctrl.StartCall(context.Background(), 3, models.CallAudio, "sdp")
	require.True(t, errors.Is(err, ErrSignaling))
	require.Equal(t, int64(2), ctrl.Peer())
}

func TestMediaDenialLeavesNoState(t *testing.T) {
	ctrl, sender, media := newTestController(time.Minute)
	media.fail = true

	_, err := ctrl.StartCall(context.Background(), 2, models.CallVideo, "sdp")
	require.True(t, errors.Is(err, ErrMediaAcquisition))
	require.Equal(t, models.CallIdle, ctrl.State())
	require.Zero(t, ctrl.Peer())
	// The target was never rung, so nothing to signal.
	require.Zero(t, sender.count(protocol.EventCallOffer))
	require.Zero(t, sender.count(protocol.EventCallEnd))
}

func TestRingTimeout(t *testing.T) {
	ctrl, sender, media := newTestController(30 * time.Millisecond)

	var mu sync.Mutex
	var states []models.CallState
	ctrl.OnStateChange(func(state models.CallState, peerID int64) {
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
	})

	_, err := ctrl.StartCall(context.Background(), 2, models.CallAudio, "sdp")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return ctrl.State() == models.CallIdle && sender.count(protocol.EventCallEnd) == 1
	}, time.Second, 5*time.Millisecond)

	require.True(t, media.allStopped())
	require.Equal(t, models.EndTimeout, sender.lastEnd(t).Reason)
	mu.Lock()
	require.Equal(t, models.CallRingingOut, states[0])
	mu.Unlock()
}

func TestLateAnswerAfterCancel(t *testing.T) {
	ctrl, sender, media := newTestController(time.Minute)

	sessionID, err := ctrl.StartCall(context.Background(), 2, models.CallAudio, "sdp")
	require.NoError(t, err)
	require.NoError(t, ctrl.EndCall())
	require.True(t, media.allStopped())

	// The answer raced our hang-up: never back to Active, counterpart
	// told to tear down.
	ctrl.HandleAnswer(protocol.CallAnswer{
		SessionID:   sessionID,
		ResponderID: 2,
		TargetID:    selfID,
		SDP:         "answer-sdp",
	})
	require.Equal(t, models.CallIdle, ctrl.State())

	end := sender.lastEnd(t)
	require.Equal(t, models.EndHangup, end.Reason)
	require.Equal(t, sessionID, end.SessionID)
}

func TestIncomingOfferAnswered(t *testing.T) {
	ctrl, sender, media := newTestController(time.Minute)

	var incoming protocol.CallOffer
	ctrl.OnIncomingCall(func(offer protocol.CallOffer) { incoming = offer })

	ctrl.HandleOffer(protocol.CallOffer{
		SessionID: "sess-1",
		CallerID:  2,
		TargetID:  selfID,
		CallType:  string(models.CallVideo),
		SDP:       "offer-sdp",
	})
	require.Equal(t, models.CallRingingIn, ctrl.State())
	require.Equal(t, "offer-sdp", incoming.SDP)
	// No media until the user actually answers.
	require.Empty(t, media.streams)

	require.NoError(t, ctrl.AnswerCall(context.Background(), "answer-sdp"))
	require.Equal(t, models.CallActive, ctrl.State())
	require.Len(t, media.streams, 1)
	require.Equal(t, 1, sender.count(protocol.EventCallAnswer))
}

func TestAnswerSendFailureNotifiesCaller(t *testing.T) {
	ctrl, sender, media := newTestController(time.Minute)
	sender.failOn = protocol.EventCallAnswer

	ctrl.HandleOffer(protocol.CallOffer{
		SessionID: "sess-1",
		CallerID:  2,
		TargetID:  selfID,
		CallType:  string(models.CallAudio),
	})

	err := ctrl.AnswerCall(context.Background(), "answer-sdp")
	require.Error(t, err)
	require.Equal(t, models.CallIdle, ctrl.State())
	require.True(t, media.allStopped())

	// The caller would keep ringing otherwise.
	end := sender.lastEnd(t)
	require.Equal(t, models.EndFailed, end.Reason)
	require.Equal(t, "sess-1", end.SessionID)
	require.Equal(t, int64(2), end.TargetID)
}

func TestIncomingOfferWhileBusy(t *testing.T) {
	ctrl, sender, _ := newTestController(time.Minute)

	_, err := ctrl.StartCall(context.Background(), 2, models.CallAudio, "sdp")
	require.NoError(t, err)

	ctrl.HandleOffer(protocol.CallOffer{
		SessionID: "intruder",
		CallerID:  3,
		TargetID:  selfID,
		CallType:  string(models.CallAudio),
	})

	// The in-flight session survives; the second caller gets busy.
	require.Equal(t, models.CallRingingOut, ctrl.State())
	require.Equal(t, int64(2), ctrl.Peer())

	end := sender.lastEnd(t)
	require.Equal(t, models.EndBusy, end.Reason)
	require.Equal(t, "intruder", end.SessionID)
	require.Equal(t, int64(3), end.TargetID)
}

func TestRejectCall(t *testing.T) {
	ctrl, sender, media := newTestController(time.Minute)

	ctrl.HandleOffer(protocol.CallOffer{
		SessionID: "sess-1",
		CallerID:  2,
		TargetID:  selfID,
		CallType:  string(models.CallAudio),
	})
	require.NoError(t, ctrl.RejectCall())
	require.Equal(t, models.CallIdle, ctrl.State())
	require.True(t, media.allStopped())
	require.Equal(t, models.EndRejected, sender.lastEnd(t).Reason)

	// Nothing left to reject.
	require.Error(t, ctrl.RejectCall())
}

func TestRemoteEndReleasesSession(t *testing.T) {
	ctrl, _, media := newTestController(time.Minute)

	sessionID, err := ctrl.StartCall(context.Background(), 2, models.CallAudio, "sdp")
	require.NoError(t, err)

	// An end for some stale session is ignored.
	ctrl.HandleEnd(protocol.CallEnd{SessionID: "other", SenderID: 2, Reason: models.EndHangup})
	require.Equal(t, models.CallRingingOut, ctrl.State())

	ctrl.HandleEnd(protocol.CallEnd{SessionID: sessionID, SenderID: 2, Reason: models.EndRejected})
	require.Equal(t, models.CallIdle, ctrl.State())
	require.True(t, media.allStopped())
}

func TestDisconnectReleasesSession(t *testing.T) {
	ctrl, _, media := newTestController(time.Minute)

	_, err := ctrl.StartCall(context.Background(), 2, models.CallAudio, "sdp")
	require.NoError(t, err)

	ctrl.HandleDisconnect()
	require.Equal(t, models.CallIdle, ctrl.State())
	require.True(t, media.allStopped())

	// Idle disconnects are a no-op.
	ctrl.HandleDisconnect()
	require.Equal(t, models.CallIdle, ctrl.State())
}

func TestCandidateRouting(t *testing.T) {
	ctrl, sender, _ := newTestController(time.Minute)

	sessionID, err := ctrl.StartCall(context.Background(), 2, models.CallAudio, "sdp")
	require.NoError(t, err)

	var got []string
	ctrl.OnRemoteCandidate(func(candidate string) { got = append(got, candidate) })

	ctrl.HandleCandidate(protocol.ICECandidate{
		SessionID: sessionID, SenderID: 2, TargetID: selfID, Candidate: "cand-1",
	})
	// Wrong session and wrong sender are dropped.
	ctrl.HandleCandidate(protocol.ICECandidate{
		SessionID: "other", SenderID: 2, TargetID: selfID, Candidate: "cand-2",
	})
	ctrl.HandleCandidate(protocol.ICECandidate{
		SessionID: sessionID, SenderID: 9, TargetID: selfID, Candidate: "cand-3",
	})
	require.Equal(t, []string{"cand-1"}, got)

	require.NoError(t, ctrl.SendCandidate("local-cand"))
	require.Equal(t, 1, sender.count(protocol.EventCallCandidate))

	require.NoError(t, ctrl.EndCall())
	require.Error(t, ctrl.SendCandidate("too-late"))
}
