package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"uk.co.dudmesh.courier/internal/model"
)

type Store struct {
	db *sqlx.DB
}

// Open connects to the SQLite database at dsn and creates missing tables.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// sqlite has a single writer; sessions finish concurrently
	db.SetMaxOpenConns(1)

	s := &Store{db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	_, err := s.db.Exec(`create table if not exists user(
		ID text not null primary key,
		CreatedAt DATETIME not null,
		Username  text not null unique,
		Password  text not null
	)`)
	if err != nil {
		return fmt.Errorf("creating user table: %w", err)
	}

	_, err = s.db.Exec(`create table if not exists session(
		ID text not null primary key,
		AccountID          text not null default '',
		DestinationAddress text not null,
		TargetKind         text not null,
		MessageDelayMs     integer not null,
		RetryEnabled       boolean not null default 0,
		MaxRetries         integer not null,
		ContinuousEnabled  boolean not null default 0,
		LoopDelaySeconds   integer not null,
		Status             text not null,
		LastError          text not null default '',
		Cycles             integer not null default 0,
		CreatedAt          DATETIME not null,
		UpdatedAt          DATETIME null
	)`)
	if err != nil {
		return fmt.Errorf("creating session table: %w", err)
	}

	_, err = s.db.Exec(`create index if not exists session_status on session(Status)`)
	if err != nil {
		return fmt.Errorf("creating session index: %w", err)
	}

	return nil
}

func (s *Store) CreateSession(ctx context.Context, session *model.Session) (*model.Session, error) {
	res, err := s.db.NamedExecContext(ctx, `insert into session
		(ID, AccountID, DestinationAddress, TargetKind, MessageDelayMs, RetryEnabled, MaxRetries,
		 ContinuousEnabled, LoopDelaySeconds, Status, LastError, Cycles, CreatedAt)
		values(:ID, :AccountID, :DestinationAddress, :TargetKind, :MessageDelayMs, :RetryEnabled, :MaxRetries,
		 :ContinuousEnabled, :LoopDelaySeconds, :Status, :LastError, :Cycles, :CreatedAt)`, session)
	if err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}
	if rows, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("getting rows affected: %w", err)
	} else if rows != 1 {
		return nil, fmt.Errorf("expected 1 row to be affected, got %d", rows)
	}

	return s.GetSession(ctx, session.ID)
}

func (s *Store) GetSession(ctx context.Context, id model.SessionID) (*model.Session, error) {
	session := &model.Session{}
	err := s.db.GetContext(ctx, session, `select * from session where ID = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrorSessionNotFound
		}
		return nil, fmt.Errorf("fetching session: %w", err)
	}
	return session, nil
}

func (s *Store) ListActiveSessions(ctx context.Context) ([]model.Session, error) {
	sessions := []model.Session{}
	err := s.db.SelectContext(ctx, &sessions, `select * from session where Status = ? order by CreatedAt, ID`, model.SessionStatusActive)
	if err != nil {
		return nil, fmt.Errorf("listing active sessions: %w", err)
	}
	return sessions, nil
}

// UpdateSessionStatus applies update to an active session. A session that
// already reached a terminal status is returned unchanged.
func (s *Store) UpdateSessionStatus(ctx context.Context, id model.SessionID, update model.StatusUpdate) (*model.Session, error) {
	_, err := s.db.ExecContext(ctx, `update session
		set Status = ?, LastError = ?, Cycles = ?, UpdatedAt = ?
		where ID = ? and Status = ?`,
		update.Status, update.LastError, update.Cycles, time.Now().UTC(), id, model.SessionStatusActive)
	if err != nil {
		return nil, fmt.Errorf("updating session status: %w", err)
	}
	return s.GetSession(ctx, id)
}

func (s *Store) CreateUser(ctx context.Context, user *model.User) error {
	res, err := s.db.NamedExecContext(ctx, `insert into user
		(ID, CreatedAt, Username, Password)
		values(:ID, :CreatedAt, :Username, :Password)`, user)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return model.ErrorUsernameTaken
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	if rows, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	} else if rows != 1 {
		return fmt.Errorf("expected 1 row to be affected, got %d", rows)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id model.UserID) (*model.User, error) {
	return s.getUser(ctx, `select * from user where ID = ?`, id)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.getUser(ctx, `select * from user where Username = ?`, username)
}

func (s *Store) getUser(ctx context.Context, query string, arg any) (*model.User, error) {
	user := &model.User{}
	err := s.db.GetContext(ctx, user, query, arg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrorUserNotFound
		}
		return nil, fmt.Errorf("fetching user: %w", err)
	}
	return user, nil
}
