package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type transportResponse struct {
	State string `json:"state"`
}

func TransportStatus(sessionService SessionService) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, transportResponse{State: sessionService.TransportState().String()})
	}
}

// DisconnectTransport stops every running session and then closes the
// transport.
func DisconnectTransport(sessionService SessionService) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := sessionService.HaltAll(c.Request().Context(), true); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, transportResponse{State: sessionService.TransportState().String()})
	}
}
