package client

import "github.com/pkg/errors"

// Error taxonomy of the communication core. Transport errors recover
// automatically via reconnect; the rest must surface to the caller.
var (
	// ErrConnection is a handshake or transport failure.
	ErrConnection = errors.New("connection failed")

	// ErrSendFailure means a message could not be transmitted; the
	// message is kept locally in a failed state and can be retried.
	ErrSendFailure = errors.New("message send failed")

	// ErrMediaAcquisition means the microphone or camera was denied or
	// unavailable; the call is aborted with no partial state.
	ErrMediaAcquisition = errors.New("media acquisition failed")

	// ErrSignaling is a malformed or out-of-sequence call message; the
	// call session is forced back to idle.
	ErrSignaling = errors.New("signaling failure")
)
