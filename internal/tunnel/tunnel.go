// Package tunnel turns a control-plane allocation into a relayed data channel.
//
// The server side (Manager) asks a client over its control connection to dial
// a destination, then pairs the client's separate data connection with the
// public socket by conn_id. The client side (Agent) serves AllocTunnelRequest.
package tunnel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matst80/kproxy/internal/proto"
)

var (
	ErrClientOffline   = errors.New("tunnel: client offline")
	ErrConnectRefused  = errors.New("tunnel: connection refused")
	ErrHostUnreachable = errors.New("tunnel: host unreachable")
	ErrTimeout         = errors.New("tunnel: timeout")
	ErrAllocFailed     = errors.New("tunnel: allocation failed")
	ErrRelay           = errors.New("tunnel: relay error")
	ErrRateLimited     = errors.New("tunnel: rate limited")
	ErrManagerClosed   = errors.New("tunnel: manager closed")
)

// AllocError is a non-OK AllocTunnelResponse.
type AllocError struct {
	TunnelID uint64
	Result   proto.Result
}

func (e *AllocError) Error() string {
	return fmt.Sprintf("tunnel %d: %s", e.TunnelID, e.Result)
}

func (e *AllocError) Is(target error) bool {
	switch target {
	case ErrConnectRefused:
		return e.Result == proto.ResultConnectRefused
	case ErrHostUnreachable:
		return e.Result == proto.ResultHostUnreachable
	case ErrTimeout:
		return e.Result == proto.ResultTimeout
	case ErrAllocFailed:
		return true
	}
	return false
}

// State is a tunnel lifecycle stage.
type State int

const (
	Requested State = iota
	Allocated
	Active
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Requested:
		return "requested"
	case Allocated:
		return "allocated"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Tunnel is a negotiated path to Destination through the client ClientID.
type Tunnel struct {
	ID          uint64
	ClientID    uint64
	Destination proto.Address
	Created     time.Time

	mu       sync.Mutex
	state    State
	channels int
}

func (t *Tunnel) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tunnel) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Tunnel) addChannel() {
	t.mu.Lock()
	t.channels++
	t.state = Active
	t.mu.Unlock()
}

// removeChannel reports whether the tunnel has no channels left.
func (t *Tunnel) removeChannel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channels--
	if t.channels > 0 {
		return false
	}
	t.state = Closing
	return true
}

// TunnelInfo is a point-in-time view of a tunnel.
type TunnelInfo struct {
	ID          uint64 `json:"id"`
	ClientID    uint64 `json:"client_id"`
	Destination string `json:"destination"`
	State       string `json:"state"`
	Channels    int    `json:"channels"`
	AgeSeconds  int64  `json:"age_seconds"`
}

func (t *Tunnel) info(now time.Time) TunnelInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TunnelInfo{
		ID:          t.ID,
		ClientID:    t.ClientID,
		Destination: t.Destination.String(),
		State:       t.state.String(),
		Channels:    t.channels,
		AgeSeconds:  int64(now.Sub(t.Created).Seconds()),
	}
}
