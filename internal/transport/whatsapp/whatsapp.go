// Package whatsapp adapts a paired whatsmeow client to transport.Port.
package whatsapp

import (
	"context"
	"errors"
	"sync"

	"github.com/labstack/gommon/log"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
	"uk.co.dudmesh.courier/internal/destination"
	"uk.co.dudmesh.courier/internal/transport"
)

var Scheme = destination.Scheme{
	IndividualSuffix: "@" + types.DefaultUserServer,
	GroupSuffix:      "@" + types.GroupServer,
}

// Client is the part of *whatsmeow.Client the transport uses.
type Client interface {
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	IsConnected() bool
	IsLoggedIn() bool
	AddEventHandler(handler whatsmeow.EventHandler) uint32
	RemoveEventHandler(id uint32) bool
	Logout(ctx context.Context) error
	Disconnect()
}

type Options struct {
	// LogoutOnClose unpairs the device when the transport is closed, which
	// removes its credentials from the device store.
	LogoutOnClose bool
	Logger        *log.Logger
}

type Transport struct {
	client    Client
	opts      Options
	handlerID uint32

	mu        sync.Mutex
	state     transport.State
	listeners map[int]func(transport.State)
	nextID    int
	closed    bool
}

func New(client Client, opts Options) *Transport {
	if opts.Logger == nil {
		opts.Logger = log.New("whatsapp")
	}
	t := &Transport{
		client:    client,
		opts:      opts,
		listeners: make(map[int]func(transport.State)),
	}
	if client.IsConnected() && client.IsLoggedIn() {
		t.state = transport.Connected
	}
	t.handlerID = client.AddEventHandler(t.handleEvent)
	return t
}

func (t *Transport) handleEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.Connected:
		t.setState(transport.Connected)
	case *events.Disconnected:
		t.setState(transport.Disconnected)
	case *events.LoggedOut:
		t.opts.Logger.Warnf("device logged out: %v", e.Reason)
		t.setState(transport.Disconnected)
	case *events.StreamReplaced:
		t.opts.Logger.Warnf("stream replaced by another connection")
		t.setState(transport.Disconnected)
	}
}

func (t *Transport) setState(state transport.State) {
	t.mu.Lock()
	if t.closed || t.state == state {
		t.mu.Unlock()
		return
	}
	t.state = state
	listeners := t.snapshotListeners()
	t.mu.Unlock()

	t.notify(state, listeners)
}

// snapshotListeners must be called with mu held.
func (t *Transport) snapshotListeners() []func(transport.State) {
	listeners := make([]func(transport.State), 0, len(t.listeners))
	for _, fn := range t.listeners {
		listeners = append(listeners, fn)
	}
	return listeners
}

func (t *Transport) notify(state transport.State, listeners []func(transport.State)) {
	t.opts.Logger.Infof("transport %s", state)
	for _, fn := range listeners {
		fn(state)
	}
}

func (t *Transport) SendUnit(ctx context.Context, destinationID, text string) error {
	if t.State() != transport.Connected {
		return transport.ErrNotConnected
	}

	jid, err := types.ParseJID(destinationID)
	if err != nil {
		return transport.NewPermanent("invalid destination", err)
	}

	resp, err := t.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return classify(err)
	}
	t.opts.Logger.Debugf("sent %s to %s", resp.ID, jid)
	return nil
}

var permanentErrors = []struct {
	err    error
	reason string
}{
	{whatsmeow.ErrNotLoggedIn, "not logged in"},
	{whatsmeow.ErrIQBadRequest, "bad request"},
	{whatsmeow.ErrIQNotAuthorized, "not authorized"},
	{whatsmeow.ErrIQForbidden, "forbidden"},
	{whatsmeow.ErrIQNotFound, "not found"},
}

func classify(err error) error {
	if errors.Is(err, whatsmeow.ErrNotConnected) {
		return transport.NewPermanent(transport.ErrNotConnected.Reason, err)
	}
	for _, p := range permanentErrors {
		if errors.Is(err, p.err) {
			return transport.NewPermanent(p.reason, err)
		}
	}
	return transport.NewTransient("send failed", err)
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

// Close disconnects the client, notifying listeners. It is safe to call more
// than once and from several goroutines; only the first call tears down.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	var err error
	if t.opts.LogoutOnClose && t.client.IsLoggedIn() {
		if err = t.client.Logout(ctx); err != nil {
			t.opts.Logger.Errorf("logging out: %v", err)
		}
	}
	t.client.RemoveEventHandler(t.handlerID)
	t.client.Disconnect()

	t.mu.Lock()
	changed := t.state != transport.Disconnected
	t.state = transport.Disconnected
	listeners := t.snapshotListeners()
	t.mu.Unlock()
	if changed {
		t.notify(transport.Disconnected, listeners)
	}
	return err
}
