package whatsapp

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/labstack/gommon/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"uk.co.dudmesh.courier/internal/destination"
	"uk.co.dudmesh.courier/internal/model"
	"uk.co.dudmesh.courier/internal/transport"
)

type sent struct {
	to   types.JID
	text string
}

type fakeClient struct {
	mu        sync.Mutex
	connected bool
	loggedIn  bool
	handlers  map[uint32]whatsmeow.EventHandler
	nextID    uint32
	sent      []sent
	sendErr   error
	loggedOut bool
	closed    bool
	logouts   int
	closes    int
}

func newFakeClient() *fakeClient {
	return &fakeClient{connected: true, loggedIn: true, handlers: make(map[uint32]whatsmeow.EventHandler)}
}

func (c *fakeClient) SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return whatsmeow.SendResponse{}, c.sendErr
	}
	c.sent = append(c.sent, sent{to: to, text: message.GetConversation()})
	return whatsmeow.SendResponse{ID: "3EB0TEST"}, nil
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) IsLoggedIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedIn
}

func (c *fakeClient) AddEventHandler(handler whatsmeow.EventHandler) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.handlers[c.nextID] = handler
	return c.nextID
}

func (c *fakeClient) RemoveEventHandler(id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[id]
	delete(c.handlers, id)
	return ok
}

func (c *fakeClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = true
	c.loggedIn = false
	c.logouts++
	return nil
}

func (c *fakeClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.connected = false
	c.closes++
}

func (c *fakeClient) emit(evt interface{}) {
	c.mu.Lock()
	handlers := make([]whatsmeow.EventHandler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

func newTestTransport(client *fakeClient, logoutOnClose bool) *Transport {
	logger := log.New("whatsapp")
	logger.SetOutput(io.Discard)
	return New(client, Options{Logger: logger, LogoutOnClose: logoutOnClose})
}

func TestSendUnit(t *testing.T) {
	assert := assert.New(t)
	client := newFakeClient()
	tr := newTestTransport(client, false)

	to := destination.Resolve("+44 7700 900123", model.TargetKindIndividual, tr.Scheme())
	require.NoError(t, tr.SendUnit(context.Background(), to, "hello"))

	group := destination.Resolve("120363-0001", model.TargetKindGroup, tr.Scheme())
	require.NoError(t, tr.SendUnit(context.Background(), group, "hi all"))

	require.Len(t, client.sent, 2)
	assert.Equal(types.NewJID("447700900123", types.DefaultUserServer), client.sent[0].to)
	assert.Equal("hello", client.sent[0].text)
	assert.Equal(types.NewJID("1203630001", types.GroupServer), client.sent[1].to)
}

func TestSendUnitErrors(t *testing.T) {
	tests := []struct {
		name      string
		sendErr   error
		wantClass transport.Class
	}{
		{"not logged in", whatsmeow.ErrNotLoggedIn, transport.Permanent},
		{"forbidden", whatsmeow.ErrIQForbidden, transport.Permanent},
		{"not found", whatsmeow.ErrIQNotFound, transport.Permanent},
		{"wrapped bad request", errors.Join(errors.New("upload"), whatsmeow.ErrIQBadRequest), transport.Permanent},
		{"client not connected", whatsmeow.ErrNotConnected, transport.Permanent},
		{"timeout", context.DeadlineExceeded, transport.Transient},
		{"server hiccup", errors.New("websocket closed"), transport.Transient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeClient()
			client.sendErr = tt.sendErr
			tr := newTestTransport(client, false)

			err := tr.SendUnit(context.Background(), "123@s.whatsapp.net", "x")
			require.Error(t, err)
			class, unexpected := transport.Classify(err)
			assert.Equal(t, tt.wantClass, class)
			assert.False(t, unexpected)
			assert.ErrorIs(t, err, tt.sendErr)
		})
	}
}

func TestStateFollowsEvents(t *testing.T) {
	assert := assert.New(t)
	client := newFakeClient()
	client.connected = false
	tr := newTestTransport(client, false)
	assert.Equal(transport.Disconnected, tr.State())

	var seen []transport.State
	cancel := tr.OnStateChange(func(s transport.State) { seen = append(seen, s) })

	client.emit(&events.Connected{})
	assert.Equal(transport.Connected, tr.State())
	client.emit(&events.Connected{})
	client.emit(&events.LoggedOut{})
	assert.Equal(transport.Disconnected, tr.State())
	client.emit(&events.Connected{})
	client.emit(&events.StreamReplaced{})
	client.emit(&events.Message{})

	assert.Equal([]transport.State{transport.Connected, transport.Disconnected, transport.Connected, transport.Disconnected}, seen)
	assert.Equal(transport.ErrNotConnected, tr.SendUnit(context.Background(), "1@s.whatsapp.net", "x"))

	cancel()
	client.emit(&events.Connected{})
	assert.Len(seen, 4)
}

func TestClose(t *testing.T) {
	t.Run("Disconnect only", func(t *testing.T) {
		client := newFakeClient()
		tr := newTestTransport(client, false)
		var seen []transport.State
		tr.OnStateChange(func(s transport.State) { seen = append(seen, s) })

		require.NoError(t, tr.Close(context.Background()))
		assert.True(t, client.closed)
		assert.False(t, client.loggedOut)
		assert.Empty(t, client.handlers)
		assert.Equal(t, []transport.State{transport.Disconnected}, seen)
		assert.Equal(t, transport.Disconnected, tr.State())

		require.NoError(t, tr.Close(context.Background()))
	})

	t.Run("Logout", func(t *testing.T) {
		client := newFakeClient()
		tr := newTestTransport(client, true)
		require.NoError(t, tr.Close(context.Background()))
		assert.True(t, client.loggedOut)
		assert.True(t, client.closed)
	})

	t.Run("Concurrent", func(t *testing.T) {
		client := newFakeClient()
		tr := newTestTransport(client, true)
		var mu sync.Mutex
		var seen []transport.State
		tr.OnStateChange(func(s transport.State) {
			mu.Lock()
			seen = append(seen, s)
			mu.Unlock()
		})

		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				assert.NoError(t, tr.Close(context.Background()))
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, 1, client.logouts)
		assert.Equal(t, 1, client.closes)
		assert.Equal(t, []transport.State{transport.Disconnected}, seen)
		assert.Equal(t, transport.Disconnected, tr.State())
	})
}
