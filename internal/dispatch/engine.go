// Package dispatch drives the send attempts of a single session: message
// units in order, per-unit retries, pacing between units and the optional
// continuous loop. Every wait is cancellable by a stop request, a transport
// disconnect or the run context.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/labstack/gommon/log"
	"uk.co.dudmesh.courier/internal/destination"
	"uk.co.dudmesh.courier/internal/model"
	"uk.co.dudmesh.courier/internal/transport"
)

const DefaultRetryBackoff = time.Second

var (
	errStopped      = errors.New("dispatch: stop requested")
	errDisconnected = errors.New("dispatch: transport disconnected")
)

// Clock is the timer source for every wait of the engine.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Observer receives counters from running sessions. All methods must be
// safe for concurrent use.
type Observer interface {
	UnitSent()
	SendFailed(class transport.Class, unexpected bool)
	Retrying()
	CycleCompleted()
}

type Options struct {
	// RetryBackoff is the fixed wait between two attempts of the same unit.
	RetryBackoff time.Duration
	Clock        Clock
	Logger       *log.Logger
	Observer     Observer
}

// Result describes how a run ended.
type Result struct {
	SessionID model.SessionID
	Status    model.SessionStatus
	Cycles    int
	UnitsSent int
	LastError string
}

type Engine struct {
	port transport.Port
	opts Options
}

func New(port transport.Port, opts Options) *Engine {
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.New("dispatch")
		opts.Logger.SetOutput(io.Discard)
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Engine{port: port, opts: opts}
}

// Handle controls one running session.
type Handle struct {
	sessionID model.SessionID
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	result    Result
}

func (h *Handle) SessionID() model.SessionID {
	return h.sessionID
}

// Stop requests cancellation. The run observes it at its next suspension
// point; a send already in flight is allowed to finish.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Done is closed after the terminal status has been reported.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the outcome once Done is closed.
func (h *Handle) Result() (Result, bool) {
	select {
	case <-h.done:
		return h.result, true
	default:
		return Result{}, false
	}
}

// Start launches the run for session in its own goroutine. report is called
// exactly once with the terminal result, before Done is closed. ctx bounds
// the whole run, including in-flight sends.
func (e *Engine) Start(ctx context.Context, session *model.Session, content string, report func(Result)) (*Handle, error) {
	h := &Handle{
		sessionID: session.ID,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	r := &run{
		engine:       e,
		ctx:          ctx,
		session:      *session,
		units:        SplitUnits(content),
		stop:         h.stop,
		disconnected: make(chan struct{}),
	}
	r.destinationID = destination.Resolve(session.DestinationAddress, session.TargetKind, e.port.Scheme())

	cancel := e.port.OnStateChange(func(state transport.State) {
		if state == transport.Disconnected {
			r.disconnectOnce.Do(func() { close(r.disconnected) })
		}
	})
	if e.port.State() != transport.Connected {
		cancel()
		return nil, model.ErrorNotInitialized
	}

	go func() {
		defer close(h.done)
		result := r.loop()
		cancel()
		h.result = result
		if report != nil {
			report(result)
		}
	}()

	return h, nil
}

type run struct {
	engine         *Engine
	ctx            context.Context
	session        model.Session
	units          []string
	destinationID  string
	stop           <-chan struct{}
	disconnected   chan struct{}
	disconnectOnce sync.Once
	unitsSent      int
}

// unitError is a cycle abort caused by one unit exhausting its attempts.
type unitError struct {
	index int
	total int
	err   error
}

func (e *unitError) Error() string {
	class, unexpected := transport.Classify(e.err)
	if unexpected {
		return fmt.Sprintf("unit %d/%d: %s: unexpected: %v", e.index+1, e.total, class, e.err)
	}
	return fmt.Sprintf("unit %d/%d: %v", e.index+1, e.total, e.err)
}

func (e *unitError) Unwrap() error {
	return e.err
}

func (r *run) loop() Result {
	logger := r.engine.opts.Logger
	result := Result{SessionID: r.session.ID}
	finish := func(status model.SessionStatus) Result {
		result.Status = status
		result.UnitsSent = r.unitsSent
		logger.Infof("session %s: %s after %d cycle(s), %d unit(s) sent", r.session.ID, status, result.Cycles, r.unitsSent)
		return result
	}

	if r.session.ContinuousEnabled {
		logger.Infof("session %s: continuous mode, %s between loops", r.session.ID, r.session.LoopDelay())
	}

	for {
		err := r.cycle()
		switch {
		case err == nil:
			result.Cycles++
			r.engine.opts.Observer.CycleCompleted()
		case errors.Is(err, errDisconnected):
			logger.Infof("session %s: transport disconnected", r.session.ID)
			return finish(model.SessionStatusStopped)
		case errors.Is(err, errStopped):
			return finish(model.SessionStatusStopped)
		default:
			if r.interrupted() != nil {
				return finish(model.SessionStatusStopped)
			}
			// the send can fail before the disconnect notification arrives
			if r.engine.port.State() != transport.Connected {
				logger.Infof("session %s: transport disconnected during send: %v", r.session.ID, err)
				return finish(model.SessionStatusStopped)
			}
			result.LastError = err.Error()
			logger.Errorf("session %s: cycle aborted: %v", r.session.ID, err)
			return finish(model.SessionStatusFailed)
		}

		if !r.session.ContinuousEnabled {
			return finish(model.SessionStatusCompleted)
		}

		if err := r.wait(r.session.LoopDelay()); err != nil {
			return finish(model.SessionStatusStopped)
		}
		if r.engine.port.State() != transport.Connected {
			logger.Infof("session %s: continuous loop stopped, transport disconnected", r.session.ID)
			return finish(model.SessionStatusStopped)
		}
	}
}

// cycle sends every unit once, in order.
func (r *run) cycle() error {
	for i, unit := range r.units {
		if err := r.send(i, unit); err != nil {
			return err
		}
		if i < len(r.units)-1 {
			if err := r.wait(r.session.MessageDelay()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *run) send(index int, unit string) error {
	logger := r.engine.opts.Logger
	observer := r.engine.opts.Observer

	for attempt := 1; ; attempt++ {
		if err := r.interrupted(); err != nil {
			return err
		}

		err := r.engine.port.SendUnit(r.ctx, r.destinationID, unit)
		if err == nil {
			r.unitsSent++
			observer.UnitSent()
			logger.Debugf("session %s: unit %d/%d sent to %s", r.session.ID, index+1, len(r.units), r.destinationID)
			return nil
		}

		class, unexpected := transport.Classify(err)
		observer.SendFailed(class, unexpected)
		if unexpected {
			logger.Errorf("session %s: unexpected transport error on unit %d (attempt %d): %v", r.session.ID, index+1, attempt, err)
		} else {
			logger.Warnf("session %s: unit %d failed (attempt %d): %v", r.session.ID, index+1, attempt, err)
		}

		if class == transport.Permanent || !r.session.RetryEnabled || attempt > r.session.MaxRetries {
			return &unitError{index: index, total: len(r.units), err: err}
		}

		observer.Retrying()
		if err := r.wait(r.engine.opts.RetryBackoff); err != nil {
			return err
		}
	}
}

// wait blocks for d unless the run is interrupted first. A stop or disconnect
// that arrives together with the timer still wins.
func (r *run) wait(d time.Duration) error {
	if err := r.interrupted(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	select {
	case <-r.engine.opts.Clock.After(d):
	case <-r.stop:
	case <-r.disconnected:
	case <-r.ctx.Done():
	}
	return r.interrupted()
}

func (r *run) interrupted() error {
	select {
	case <-r.stop:
		return errStopped
	default:
	}
	select {
	case <-r.disconnected:
		return errDisconnected
	default:
	}
	if r.ctx.Err() != nil {
		return errStopped
	}
	return nil
}

type nopObserver struct{}

func (nopObserver) UnitSent() {}
func (nopObserver) SendFailed(transport.Class, bool) {}
func (nopObserver) Retrying() {}
func (nopObserver) CycleCompleted() {}
