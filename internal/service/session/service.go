package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/labstack/gommon/log"
	"uk.co.dudmesh.courier/internal/dispatch"
	"uk.co.dudmesh.courier/internal/model"
	"uk.co.dudmesh.courier/internal/transport"
)

const interruptedError = "interrupted: process restarted"

type Database interface {
	CreateSession(ctx context.Context, session *model.Session) (*model.Session, error)
	GetSession(ctx context.Context, id model.SessionID) (*model.Session, error)
	ListActiveSessions(ctx context.Context) ([]model.Session, error)
	UpdateSessionStatus(ctx context.Context, id model.SessionID, update model.StatusUpdate) (*model.Session, error)
}

type Publisher interface {
	Publish(evt model.StatusEvent)
}

type Observer interface {
	SessionStarted()
	SessionFinished(status model.SessionStatus)
}

type Options struct {
	Defaults  model.SessionDefaults
	Publisher Publisher
	Observer  Observer
	Logger    *log.Logger
}

type service struct {
	db        Database
	port      transport.Port
	engine    *dispatch.Engine
	defaults  model.SessionDefaults
	publisher Publisher
	observer  Observer
	logger    *log.Logger

	mu      sync.Mutex
	running map[model.SessionID]*dispatch.Handle
}

func New(db Database, port transport.Port, engine *dispatch.Engine, opts Options) *service {
	s := &service{
		db:        db,
		port:      port,
		engine:    engine,
		defaults:  opts.Defaults,
		publisher: opts.Publisher,
		observer:  opts.Observer,
		logger:    opts.Logger,
		running:   make(map[model.SessionID]*dispatch.Handle),
	}
	if s.defaults == (model.SessionDefaults{}) {
		s.defaults = model.DefaultSessionDefaults()
	}
	if s.publisher == nil {
		s.publisher = nopPublisher{}
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	if s.logger == nil {
		s.logger = log.New("session")
		s.logger.SetOutput(io.Discard)
	}
	return s
}

// Launch persists a new active session and starts dispatching content for it.
func (s *service) Launch(ctx context.Context, accountID model.UserID, config *model.SessionConfig, content string) (*model.Session, error) {
	session, err := config.NewSession(accountID, s.defaults, time.Now())
	if err != nil {
		return nil, err
	}
	if s.port.State() != transport.Connected {
		return nil, model.ErrorNotInitialized
	}

	created, err := s.db.CreateSession(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.running[created.ID]; ok {
		return nil, model.ErrorSessionRunning
	}

	// the run may finish before Start returns
	s.observer.SessionStarted()
	s.publisher.Publish(model.StatusEvent{
		SessionID: created.ID,
		AccountID: created.AccountID,
		Status:    created.Status,
		At:        created.CreatedAt,
	})

	handle, err := s.engine.Start(context.WithoutCancel(ctx), created, content, s.finish(created))
	if err != nil {
		// the transport dropped between the check and the start
		s.record(created, dispatch.Result{
			SessionID: created.ID,
			Status:    model.SessionStatusFailed,
			LastError: err.Error(),
		})
		return nil, fmt.Errorf("starting session: %w", err)
	}
	s.running[created.ID] = handle
	s.logger.Infof("session %s: launched for %s (%s)", created.ID, created.DestinationAddress, created.TargetKind)

	return created, nil
}

// finish returns the report callback of a run. It runs on the engine's
// goroutine before the handle reports Done.
func (s *service) finish(session *model.Session) func(dispatch.Result) {
	return func(result dispatch.Result) {
		s.record(session, result)

		s.mu.Lock()
		delete(s.running, result.SessionID)
		s.mu.Unlock()
	}
}

// record writes the terminal status, then notifies metrics and subscribers.
func (s *service) record(session *model.Session, result dispatch.Result) {
	updated, err := s.db.UpdateSessionStatus(context.Background(), result.SessionID, model.StatusUpdate{
		Status:    result.Status,
		LastError: result.LastError,
		Cycles:    result.Cycles,
	})
	if err != nil {
		s.logger.Errorf("session %s: recording %s status: %v", result.SessionID, result.Status, err)
	}

	s.observer.SessionFinished(result.Status)

	at := time.Now().UTC()
	if updated != nil && updated.UpdatedAt != nil {
		at = *updated.UpdatedAt
	}
	s.publisher.Publish(model.StatusEvent{
		SessionID: result.SessionID,
		AccountID: session.AccountID,
		Status:    result.Status,
		LastError: result.LastError,
		Cycles:    result.Cycles,
		At:        at,
	})
}

// Stop asks the running engine of id to stop. It reports false when the
// session exists but is not running in this process.
func (s *service) Stop(ctx context.Context, id model.SessionID) (bool, error) {
	s.mu.Lock()
	handle, ok := s.running[id]
	s.mu.Unlock()

	if !ok {
		if _, err := s.db.GetSession(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}

	handle.Stop()
	s.logger.Infof("session %s: stop requested", id)
	return true, nil
}

func (s *service) Get(ctx context.Context, id model.SessionID) (*model.Session, error) {
	return s.db.GetSession(ctx, id)
}

func (s *service) Status(ctx context.Context, id model.SessionID) (model.SessionStatus, error) {
	session, err := s.db.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	return session.Status, nil
}

func (s *service) ListActive(ctx context.Context) ([]model.Session, error) {
	return s.db.ListActiveSessions(ctx)
}

// Running returns the ids of sessions with a live engine in this process.
func (s *service) Running() []model.SessionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]model.SessionID, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	return ids
}

// TransportState reports the connectivity of the shared transport.
func (s *service) TransportState() transport.State {
	return s.port.State()
}

// HaltAll stops every running engine and waits for their terminal status to
// be recorded, or for ctx to expire. With teardown the transport is closed
// afterwards, clearing its temporary state.
func (s *service) HaltAll(ctx context.Context, teardown bool) error {
	s.mu.Lock()
	handles := make([]*dispatch.Handle, 0, len(s.running))
	for _, h := range s.running {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	s.logger.Infof("halting %d running session(s)", len(handles))
	for _, h := range handles {
		h.Stop()
	}
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return fmt.Errorf("waiting for session %s: %w", h.SessionID(), ctx.Err())
		}
	}

	if teardown {
		if err := s.port.Close(ctx); err != nil {
			return fmt.Errorf("closing transport: %w", err)
		}
		s.logger.Infof("transport closed")
	}
	return nil
}

// Reconcile marks sessions left active by a previous process as failed.
// Call it before launching anything.
func (s *service) Reconcile(ctx context.Context) (int, error) {
	active, err := s.db.ListActiveSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing active sessions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, session := range active {
		if _, ok := s.running[session.ID]; ok {
			continue
		}
		updated, err := s.db.UpdateSessionStatus(ctx, session.ID, model.StatusUpdate{
			Status:    model.SessionStatusFailed,
			LastError: interruptedError,
			Cycles:    session.Cycles,
		})
		if err != nil {
			return count, fmt.Errorf("reconciling session %s: %w", session.ID, err)
		}
		count++
		evt := model.StatusEvent{
			SessionID: session.ID,
			AccountID: session.AccountID,
			Status:    updated.Status,
			LastError: updated.LastError,
			At:        time.Now().UTC(),
		}
		s.publisher.Publish(evt)
	}
	if count > 0 {
		s.logger.Warnf("marked %d stale active session(s) as failed", count)
	}
	return count, nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(model.StatusEvent) {}

type nopObserver struct{}

func (nopObserver) SessionStarted() {}

func (nopObserver) SessionFinished(model.SessionStatus) {}
