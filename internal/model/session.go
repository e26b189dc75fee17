package model

import (
	"fmt"
	"strings"
	"time"
)

type SessionID string

type TargetKind string

const (
	TargetKindIndividual TargetKind = "individual"
	TargetKindGroup      TargetKind = "group"
)

type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusStopped   SessionStatus = "stopped"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusStopped, SessionStatusCompleted, SessionStatusFailed:
		return true
	}
	return false
}

// SessionDefaults fills the optional fields of a SessionConfig. The process
// wide values can be overridden from a TOML file, see boot.Config.
// Upper bounds of the pacing fields. Larger values would overflow a
// time.Duration.
const (
	MaxMessageDelayMs   = int(24 * time.Hour / time.Millisecond)
	MaxLoopDelaySeconds = int(24 * time.Hour / time.Second)
)

type SessionDefaults struct {
	TargetKind       TargetKind `toml:"target_kind"`
	MessageDelayMs   int        `toml:"message_delay_ms"`
	MaxRetries       int        `toml:"max_retries"`
	LoopDelaySeconds int        `toml:"loop_delay_seconds"`
}

func DefaultSessionDefaults() SessionDefaults {
	return SessionDefaults{
		TargetKind:       TargetKindIndividual,
		MessageDelayMs:   1000,
		MaxRetries:       3,
		LoopDelaySeconds: 5,
	}
}

// SessionConfig is what a caller supplies when launching a session. Numeric
// fields are pointers so that an explicit zero can be told apart from unset.
type SessionConfig struct {
	DestinationAddress string     `json:"destinationAddress"`
	TargetKind         TargetKind `json:"targetKind,omitempty"`
	MessageDelayMs     *int       `json:"messageDelayMs,omitempty"`
	RetryEnabled       bool       `json:"retryEnabled"`
	MaxRetries         *int       `json:"maxRetries,omitempty"`
	ContinuousEnabled  bool       `json:"continuousEnabled"`
	LoopDelaySeconds   *int       `json:"loopDelaySeconds,omitempty"`
}

type Session struct {
	ID                 SessionID     `db:"ID" json:"id"`
	AccountID          UserID        `db:"AccountID" json:"accountId,omitempty"`
	DestinationAddress string        `db:"DestinationAddress" json:"destinationAddress"`
	TargetKind         TargetKind    `db:"TargetKind" json:"targetKind"`
	MessageDelayMs     int           `db:"MessageDelayMs" json:"messageDelayMs"`
	RetryEnabled       bool          `db:"RetryEnabled" json:"retryEnabled"`
	MaxRetries         int           `db:"MaxRetries" json:"maxRetries"`
	ContinuousEnabled  bool          `db:"ContinuousEnabled" json:"continuousEnabled"`
	LoopDelaySeconds   int           `db:"LoopDelaySeconds" json:"loopDelaySeconds"`
	Status             SessionStatus `db:"Status" json:"status"`
	LastError          string        `db:"LastError" json:"lastError,omitempty"`
	Cycles             int           `db:"Cycles" json:"cycles"`
	CreatedAt          time.Time     `db:"CreatedAt" json:"createdAt"`
	UpdatedAt          *time.Time    `db:"UpdatedAt" json:"updatedAt,omitempty"`
}

// StatusUpdate is a terminal (or reconciliation) write against a session.
type StatusUpdate struct {
	Status    SessionStatus
	LastError string
	Cycles    int
}

// StatusEvent is published for every status transition of a session.
type StatusEvent struct {
	SessionID SessionID     `json:"id"`
	AccountID UserID        `json:"-"`
	Status    SessionStatus `json:"status"`
	LastError string        `json:"lastError,omitempty"`
	Cycles    int           `json:"cycles"`
	At        time.Time     `json:"at"`
}

// MessageDelay is the pause between two consecutive message units.
func (s *Session) MessageDelay() time.Duration {
	return time.Duration(s.MessageDelayMs) * time.Millisecond
}

// LoopDelay is the pause between two full cycles in continuous mode.
func (s *Session) LoopDelay() time.Duration {
	return time.Duration(s.LoopDelaySeconds) * time.Second
}

// NewSession applies defaults to the config, validates it and returns an
// active session record ready to be persisted.
func (c *SessionConfig) NewSession(accountID UserID, defaults SessionDefaults, now time.Time) (*Session, error) {
	s := &Session{
		ID:                 SessionID(CreateID()),
		AccountID:          accountID,
		DestinationAddress: strings.TrimSpace(c.DestinationAddress),
		TargetKind:         c.TargetKind,
		MessageDelayMs:     defaults.MessageDelayMs,
		RetryEnabled:       c.RetryEnabled,
		MaxRetries:         defaults.MaxRetries,
		ContinuousEnabled:  c.ContinuousEnabled,
		LoopDelaySeconds:   defaults.LoopDelaySeconds,
		Status:             SessionStatusActive,
		CreatedAt:          now.UTC(),
	}
	if s.TargetKind == "" {
		s.TargetKind = defaults.TargetKind
	}
	if c.MessageDelayMs != nil {
		s.MessageDelayMs = *c.MessageDelayMs
	}
	if c.MaxRetries != nil {
		s.MaxRetries = *c.MaxRetries
	}
	if c.LoopDelaySeconds != nil {
		s.LoopDelaySeconds = *c.LoopDelaySeconds
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the caller controlled fields of a session.
func (s *Session) Validate() error {
	if !strings.ContainsAny(s.DestinationAddress, "0123456789") {
		return fmt.Errorf("%w: destinationAddress must contain digits", ErrorInvalidConfiguration)
	}
	switch s.TargetKind {
	case TargetKindIndividual, TargetKindGroup:
	default:
		return fmt.Errorf("%w: unknown targetKind %q", ErrorInvalidConfiguration, s.TargetKind)
	}
	if s.MessageDelayMs < 0 || s.MessageDelayMs > MaxMessageDelayMs {
		return fmt.Errorf("%w: messageDelayMs must be between 0 and %d", ErrorInvalidConfiguration, MaxMessageDelayMs)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("%w: maxRetries must not be negative", ErrorInvalidConfiguration)
	}
	if s.LoopDelaySeconds <= 0 || s.LoopDelaySeconds > MaxLoopDelaySeconds {
		return fmt.Errorf("%w: loopDelaySeconds must be between 1 and %d", ErrorInvalidConfiguration, MaxLoopDelaySeconds)
	}
	return nil
}
