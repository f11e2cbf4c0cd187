// Package client is the communication core of the observer console: the
// transport channel, presence tracker, conversation/message store and
// call signaling controller behind the chat and call panels.
//
// The core is an explicitly constructed service object with an owned
// lifecycle: build it with New, start it with Start, dispose of it with
// Close. Consumers receive the sub-components by reference; there is no
// package-level state.
package client

import (
	"context"
	"time"

	"obscomm/protocol"

	jww "github.com/spf13/jwalterweatherman"
)

type Config struct {
	ServerURL string // e.g. ws://localhost:3215
	UserID    int64
	Token     string

	PingInterval  time.Duration
	WriteTimeout  time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	RingTimeout   time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ReconnectBase == 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.RingTimeout == 0 {
		cfg.RingTimeout = 30 * time.Second
	}
}

type Client struct {
	transport *Transport
	presence  *Presence
	store     *Store
	calls     *CallController
}

// New wires the core together. The media provider is only consulted when
// a call starts or is answered.
func New(cfg Config, media MediaProvider) *Client {
	cfg.applyDefaults()

	transport := newTransport(cfg.ServerURL, cfg.UserID, cfg.Token, &cfg)
	c := &Client{
		transport: transport,
		presence:  newPresence(),
		store:     newStore(cfg.UserID, transport.Send),
		calls:     newCallController(cfg.UserID, transport.Send, media, cfg.RingTimeout),
	}

	transport.On(protocol.EventPresenceSnapshot, func(env *protocol.Envelope) {
		var snap protocol.PresenceSnapshot
		if err := env.Unmarshal(&snap); err != nil {
			jww.WARN.Printf("presence snapshot: %v", err)
			return
		}
		c.presence.ApplySnapshot(snap.Users)
	})
	transport.On(protocol.EventPresenceUpdate, func(env *protocol.Envelope) {
		var status protocol.UserStatus
		if err := env.Unmarshal(&status); err != nil {
			jww.WARN.Printf("presence update: %v", err)
			return
		}
		c.presence.Apply(status)
	})
	transport.On(protocol.EventMessageNew, func(env *protocol.Envelope) {
		var data protocol.MessageData
		if err := env.Unmarshal(&data); err != nil {
			jww.WARN.Printf("message: %v", err)
			return
		}
		c.store.Receive(data)
	})
	transport.On(protocol.EventMessageAck, func(env *protocol.Envelope) {
		var ack protocol.MessageAck
		if err := env.Unmarshal(&ack); err != nil {
			jww.WARN.Printf("message ack: %v", err)
			return
		}
		c.store.Ack(ack)
	})
	transport.On(protocol.EventMessageRead, func(env *protocol.Envelope) {
		var receipt protocol.ReadReceipt
		if err := env.Unmarshal(&receipt); err != nil {
			jww.WARN.Printf("read receipt: %v", err)
			return
		}
		c.store.ApplyReadReceipt(receipt)
	})
	transport.On(protocol.EventCallOffer, func(env *protocol.Envelope) {
		var offer protocol.CallOffer
		if err := env.Unmarshal(&offer); err != nil {
			jww.WARN.Printf("call offer: %v", err)
			return
		}
		c.calls.HandleOffer(offer)
	})
	transport.On(protocol.EventCallAnswer, func(env *protocol.Envelope) {
		var answer protocol.CallAnswer
		if err := env.Unmarshal(&answer); err != nil {
			jww.WARN.Printf("call answer: %v", err)
			return
		}
		c.calls.HandleAnswer(answer)
	})
	transport.On(protocol.EventCallCandidate, func(env *protocol.Envelope) {
		var candidate protocol.ICECandidate
		if err := env.Unmarshal(&candidate); err != nil {
			jww.WARN.Printf("ice candidate: %v", err)
			return
		}
		c.calls.HandleCandidate(candidate)
	})
	transport.On(protocol.EventCallEnd, func(env *protocol.Envelope) {
		var end protocol.CallEnd
		if err := env.Unmarshal(&end); err != nil {
			jww.WARN.Printf("call end: %v", err)
			return
		}
		c.calls.HandleEnd(end)
	})

	// A transport drop hangs up any call in flight; presence rebuilds
	// from the snapshot that follows reconnection.
	transport.OnConnectionChange(func(connected bool) {
		if !connected {
			c.calls.HandleDisconnect()
		}
	})

	return c
}

// Start connects to the hub. Returns ErrConnection when the handshake is
// rejected.
func (c *Client) Start(ctx context.Context) error {
	return c.transport.Connect(ctx)
}

// Close disposes of the core and releases the connection.
func (c *Client) Close() error {
	c.calls.HandleDisconnect()
	return c.transport.Close()
}

func (c *Client) Transport() *Transport { return c.transport }

func (c *Client) Presence() *Presence { return c.presence }

func (c *Client) Store() *Store { return c.store }

func (c *Client) Calls() *CallController { return c.calls }
