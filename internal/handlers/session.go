package handlers

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"uk.co.dudmesh.courier/internal/model"
	"uk.co.dudmesh.courier/internal/transport"
)

type SessionService interface {
	Launch(ctx context.Context, accountID model.UserID, config *model.SessionConfig, content string) (*model.Session, error)
	Stop(ctx context.Context, id model.SessionID) (bool, error)
	Get(ctx context.Context, id model.SessionID) (*model.Session, error)
	Status(ctx context.Context, id model.SessionID) (model.SessionStatus, error)
	ListActive(ctx context.Context) ([]model.Session, error)
	TransportState() transport.State
	HaltAll(ctx context.Context, teardown bool) error
}

type launchRequest struct {
	model.SessionConfig
	Content string `json:"content"`
}

type statusResponse struct {
	ID     model.SessionID     `json:"id"`
	Status model.SessionStatus `json:"status"`
}

type stopResponse struct {
	ID      model.SessionID `json:"id"`
	Stopped bool            `json:"stopped"`
}

func LaunchSession(sessionService SessionService) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := &launchRequest{}
		if err := c.Bind(req); err != nil {
			return err
		}
		session, err := sessionService.Launch(c.Request().Context(), accountFrom(c), &req.SessionConfig, req.Content)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, session)
	}
}

// ownedSession loads the session named in the path. Sessions of other
// accounts are reported as not found.
func ownedSession(c echo.Context, sessionService SessionService) (*model.Session, error) {
	session, err := sessionService.Get(c.Request().Context(), model.SessionID(c.Param("id")))
	if err != nil {
		return nil, err
	}
	if accountID := accountFrom(c); accountID != "" && session.AccountID != accountID {
		return nil, model.ErrorSessionNotFound
	}
	return session, nil
}

func GetSession(sessionService SessionService) echo.HandlerFunc {
	return func(c echo.Context) error {
		session, err := ownedSession(c, sessionService)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, session)
	}
}

func SessionStatus(sessionService SessionService) echo.HandlerFunc {
	return func(c echo.Context) error {
		session, err := ownedSession(c, sessionService)
		if err != nil {
			return err
		}
		status, err := sessionService.Status(c.Request().Context(), session.ID)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, statusResponse{ID: session.ID, Status: status})
	}
}

func StopSession(sessionService SessionService) echo.HandlerFunc {
	return func(c echo.Context) error {
		session, err := ownedSession(c, sessionService)
		if err != nil {
			return err
		}
		stopped, err := sessionService.Stop(c.Request().Context(), session.ID)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, stopResponse{ID: session.ID, Stopped: stopped})
	}
}

func ListActiveSessions(sessionService SessionService) echo.HandlerFunc {
	return func(c echo.Context) error {
		sessions, err := sessionService.ListActive(c.Request().Context())
		if err != nil {
			return err
		}
		accountID := accountFrom(c)
		visible := make([]model.Session, 0, len(sessions))
		for _, s := range sessions {
			if accountID == "" || s.AccountID == accountID {
				visible = append(visible, s)
			}
		}
		return c.JSON(http.StatusOK, visible)
	}
}
