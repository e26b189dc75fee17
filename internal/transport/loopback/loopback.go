// Package loopback is a transport that accepts every unit and logs it. It is
// used in development when no messaging network is configured.
package loopback

import (
	"context"
	"sync"

	"github.com/labstack/gommon/log"
	"uk.co.dudmesh.courier/internal/destination"
	"uk.co.dudmesh.courier/internal/transport"
)

var Scheme = destination.Scheme{
	IndividualSuffix: "@loopback",
	GroupSuffix:      "@group.loopback",
}

// Sent is one unit accepted by the transport.
type Sent struct {
	DestinationID string
	Text          string
}

type Transport struct {
	mu        sync.Mutex
	state     transport.State
	listeners map[int]func(transport.State)
	nextID    int
	sent      []Sent
	fail      func(destinationID, text string) error
	logger    *log.Logger
}

func New(logger *log.Logger) *Transport {
	return &Transport{
		state:     transport.Connected,
		listeners: make(map[int]func(transport.State)),
		logger:    logger,
	}
}

func (t *Transport) SendUnit(ctx context.Context, destinationID, text string) error {
	if err := ctx.Err(); err != nil {
		return transport.NewTransient("context done", err)
	}

	t.mu.Lock()
	connected := t.state == transport.Connected
	fail := t.fail
	t.mu.Unlock()

	if !connected {
		return transport.ErrNotConnected
	}
	if fail != nil {
		if err := fail(destinationID, text); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.sent = append(t.sent, Sent{DestinationID: destinationID, Text: text})
	t.mu.Unlock()

	t.logger.Infof("message sent to %s: %s", destinationID, preview(text))
	return nil
}

func (t *Transport) State() transport.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) OnStateChange(fn func(transport.State)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners, id)
	}
}

func (t *Transport) Scheme() destination.Scheme {
	return Scheme
}

// SetFail installs a hook consulted before every send. A non-nil result is
// returned to the caller instead of accepting the unit.
func (t *Transport) SetFail(fn func(destinationID, text string) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fail = fn
}

// SetState switches connectivity and notifies listeners on a transition.
func (t *Transport) SetState(state transport.State) {
	t.mu.Lock()
	if t.state == state {
		t.mu.Unlock()
		return
	}
	t.state = state
	listeners := make([]func(transport.State), 0, len(t.listeners))
	for _, fn := range t.listeners {
		listeners = append(listeners, fn)
	}
	t.mu.Unlock()

	t.logger.Infof("connection %s", state)
	for _, fn := range listeners {
		fn(state)
	}
}

// Sent returns a copy of every accepted unit in send order.
func (t *Transport) Sent() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Sent, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *Transport) Close(ctx context.Context) error {
	t.SetState(transport.Disconnected)
	t.mu.Lock()
	t.sent = nil
	t.mu.Unlock()
	return nil
}

func preview(text string) string {
	r := []rune(text)
	if len(r) <= 30 {
		return text
	}
	return string(r[:30]) + "..."
}
