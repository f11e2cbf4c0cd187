package server

import (
	"io"
	"sync"

	"github.com/armon/circbuf"
	jww "github.com/spf13/jwalterweatherman"
)

// RingLog keeps the tail of the log stream in a fixed-size circular
// buffer so the control socket can dump recent activity without touching
// disk.
type RingLog struct {
	threshold jww.Threshold
	mu        sync.Mutex
	cb        *circbuf.Buffer
}

func NewRingLog(size int, threshold jww.Threshold) (*RingLog, error) {
	cb, err := circbuf.NewBuffer(int64(size))
	if err != nil {
		return nil, err
	}
	return &RingLog{threshold: threshold, cb: cb}, nil
}

func (r *RingLog) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cb.Write(p)
}

// Listen adheres to the jwalterweatherman.LogListener type.
func (r *RingLog) Listen(t jww.Threshold) io.Writer {
	if t < r.threshold {
		return nil
	}
	return r
}

func (r *RingLog) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.cb.Bytes())
}
