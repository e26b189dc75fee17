package handlers

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"uk.co.dudmesh.courier/internal/events"
	"uk.co.dudmesh.courier/internal/model"
	"uk.co.dudmesh.courier/internal/transport"
	"uk.co.dudmesh.courier/pkg/crypt"
)

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[model.SessionID]*model.Session
	running  map[model.SessionID]bool
	state    transport.State
	halted   bool
	launched []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		sessions: make(map[model.SessionID]*model.Session),
		running:  make(map[model.SessionID]bool),
		state:    transport.Connected,
	}
}

func (f *fakeSessions) Launch(ctx context.Context, accountID model.UserID, config *model.SessionConfig, content string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != transport.Connected {
		return nil, model.ErrorNotInitialized
	}
	session, err := config.NewSession(accountID, model.DefaultSessionDefaults(), time.Now())
	if err != nil {
		return nil, err
	}
	f.sessions[session.ID] = session
	f.running[session.ID] = true
	f.launched = append(f.launched, content)
	return session, nil
}

func (f *fakeSessions) Stop(ctx context.Context, id model.SessionID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return false, model.ErrorSessionNotFound
	}
	was := f.running[id]
	f.running[id] = false
	f.sessions[id].Status = model.SessionStatusStopped
	return was, nil
}

func (f *fakeSessions) Get(ctx context.Context, id model.SessionID) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[id]
	if !ok {
		return nil, model.ErrorSessionNotFound
	}
	copied := *session
	return &copied, nil
}

func (f *fakeSessions) Status(ctx context.Context, id model.SessionID) (model.SessionStatus, error) {
	session, err := f.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return session.Status, nil
}

func (f *fakeSessions) ListActive(ctx context.Context) ([]model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var active []model.Session
	for _, s := range f.sessions {
		if s.Status == model.SessionStatusActive {
			active = append(active, *s)
		}
	}
	return active, nil
}

func (f *fakeSessions) TransportState() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSessions) HaltAll(ctx context.Context, teardown bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.running {
		f.running[id] = false
		f.sessions[id].Status = model.SessionStatusStopped
	}
	f.halted = true
	if teardown {
		f.state = transport.Disconnected
	}
	return nil
}

type fakeUsers struct{}

func (fakeUsers) Create(ctx context.Context, params *model.CreateUserParams) (*model.User, error) {
	if params.Username == "taken" {
		return nil, model.ErrorUsernameTaken
	}
	if len(params.Password) < 8 {
		return nil, model.ErrorInvalidUserParams
	}
	return &model.User{ID: "new-user", Username: params.Username, Password: "hashed"}, nil
}

func (fakeUsers) Authenticate(ctx context.Context, params *model.LoginParams) (*model.User, error) {
	if params.Username == "alice" && params.Password == "password" {
		return &model.User{ID: "alice-id", Username: "alice"}, nil
	}
	return nil, model.ErrorInvalidUsernameOrPassword
}

type testServer struct {
	*echo.Echo
	sessions *fakeSessions
	signer   *crypt.Signer
	hub      *events.Hub
}

func newTestServer(t *testing.T, auth bool) *testServer {
	t.Helper()
	logger := log.New("test")
	logger.SetOutput(io.Discard)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	s := &testServer{
		Echo:     echo.New(),
		sessions: newFakeSessions(),
		signer:   crypt.NewSigner(key, time.Hour),
		hub:      events.NewHub(logger),
	}
	s.HTTPErrorHandler = ErrorHandler(logger)
	s.Logger.SetOutput(io.Discard)

	s.POST("/login", Login(fakeUsers{}, s.signer))
	s.POST("/accounts", CreateUser(fakeUsers{}))
	s.GET("/.well-known/jwks.json", JWKS(s.signer))

	api := s.Group("")
	if auth {
		api.Use(RequireAccount(s.signer))
	}
	api.POST("/sessions", LaunchSession(s.sessions))
	api.GET("/sessions/active", ListActiveSessions(s.sessions))
	api.GET("/sessions/:id", GetSession(s.sessions))
	api.GET("/sessions/:id/status", SessionStatus(s.sessions))
	api.POST("/sessions/:id/stop", StopSession(s.sessions))
	api.GET("/transport/status", TransportStatus(s.sessions))
	api.POST("/transport/disconnect", DisconnectTransport(s.sessions))
	api.GET("/events", Events(s.hub, NewUpgrader([]string{"*"})))
	return s
}

func (s *testServer) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) token(t *testing.T, accountID string) string {
	t.Helper()
	token, _, err := s.signer.Issue(accountID)
	require.NoError(t, err)
	return token
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestSessionLifecycle(t *testing.T) {
	assert := assert.New(t)
	s := newTestServer(t, false)

	rec := s.do(t, http.MethodPost, "/sessions", `{"destinationAddress":"+1 555 0100","targetKind":"group","messageDelayMs":0,"continuousEnabled":true,"content":"a\nb"}`, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[model.Session](t, rec)
	assert.Equal(model.SessionStatusActive, created.Status)
	assert.Equal(model.TargetKindGroup, created.TargetKind)
	assert.Equal(0, created.MessageDelayMs)
	assert.True(created.ContinuousEnabled)
	assert.Equal([]string{"a\nb"}, s.sessions.launched)

	rec = s.do(t, http.MethodGet, "/sessions/active", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(decode[[]model.Session](t, rec), 1)

	rec = s.do(t, http.MethodPost, "/sessions/"+string(created.ID)+"/stop", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(stopResponse{ID: created.ID, Stopped: true}, decode[stopResponse](t, rec))

	rec = s.do(t, http.MethodGet, "/sessions/"+string(created.ID)+"/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(statusResponse{ID: created.ID, Status: model.SessionStatusStopped}, decode[statusResponse](t, rec))

	rec = s.do(t, http.MethodGet, "/sessions/"+string(created.ID), "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(model.SessionStatusStopped, decode[model.Session](t, rec).Status)
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t, false)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
	}{
		{"Invalid destination", http.MethodPost, "/sessions", `{"destinationAddress":"nobody"}`, http.StatusBadRequest},
		{"Negative retries", http.MethodPost, "/sessions", `{"destinationAddress":"123","maxRetries":-1}`, http.StatusBadRequest},
		{"Malformed body", http.MethodPost, "/sessions", `{"destinationAddress":`, http.StatusBadRequest},
		{"Unknown session", http.MethodGet, "/sessions/missing/status", "", http.StatusNotFound},
		{"Stop unknown", http.MethodPost, "/sessions/missing/stop", "", http.StatusNotFound},
		{"Username taken", http.MethodPost, "/accounts", `{"username":"taken","password":"password"}`, http.StatusConflict},
		{"Bad login", http.MethodPost, "/login", `{"username":"alice","password":"nope"}`, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, tt.body, "")
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[errorResponse](t, rec).Error)
		})
	}
}

func TestTransport(t *testing.T) {
	assert := assert.New(t)
	s := newTestServer(t, false)

	rec := s.do(t, http.MethodGet, "/transport/status", "", "")
	assert.Equal(transportResponse{State: "connected"}, decode[transportResponse](t, rec))

	rec = s.do(t, http.MethodPost, "/transport/disconnect", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(transportResponse{State: "disconnected"}, decode[transportResponse](t, rec))
	assert.True(s.sessions.halted)

	rec = s.do(t, http.MethodPost, "/sessions", `{"destinationAddress":"123","content":"hi"}`, "")
	assert.Equal(http.StatusServiceUnavailable, rec.Code)
	assert.Equal(model.ErrorNotInitialized.Error(), decode[errorResponse](t, rec).Error)
}

func TestAuth(t *testing.T) {
	assert := assert.New(t)
	s := newTestServer(t, true)

	rec := s.do(t, http.MethodPost, "/sessions", `{"destinationAddress":"123"}`, "")
	assert.Equal(http.StatusUnauthorized, rec.Code)
	rec = s.do(t, http.MethodPost, "/sessions", `{"destinationAddress":"123"}`, "not-a-token")
	assert.Equal(http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/login", `{"username":"alice","password":"password"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	login := decode[loginResponse](t, rec)
	assert.Equal(model.UserID("alice-id"), login.AccountID)

	rec = s.do(t, http.MethodPost, "/sessions", `{"destinationAddress":"123","content":"hi"}`, login.Token)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[model.Session](t, rec)
	assert.Equal(model.UserID("alice-id"), created.AccountID)

	other := s.token(t, "bob-id")
	rec = s.do(t, http.MethodGet, "/sessions/"+string(created.ID), "", other)
	assert.Equal(http.StatusNotFound, rec.Code)
	rec = s.do(t, http.MethodPost, "/sessions/"+string(created.ID)+"/stop", "", other)
	assert.Equal(http.StatusNotFound, rec.Code)
	rec = s.do(t, http.MethodGet, "/sessions/active", "", other)
	assert.Empty(decode[[]model.Session](t, rec))

	rec = s.do(t, http.MethodGet, "/sessions/active", "", login.Token)
	assert.Len(decode[[]model.Session](t, rec), 1)

	rec = s.do(t, http.MethodGet, "/.well-known/jwks.json", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(rec.Body.String(), s.signer.KeyID())
}

func TestEventsRequireToken(t *testing.T) {
	s := newTestServer(t, true)
	server := httptest.NewServer(s)
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/events"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token="+s.token(t, "alice-id"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	s.hub.Publish(model.StatusEvent{SessionID: "other", AccountID: "bob-id", Status: model.SessionStatusStopped})
	s.hub.Publish(model.StatusEvent{SessionID: "mine", AccountID: "alice-id", Status: model.SessionStatusCompleted})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var envelope struct {
		Event   string            `json:"event"`
		Payload model.StatusEvent `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.Equal(t, events.EventSessionStatus, envelope.Event)
	assert.Equal(t, model.SessionID("mine"), envelope.Payload.SessionID)
}
