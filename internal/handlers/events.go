package handlers

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"uk.co.dudmesh.courier/internal/events"
)

// NewUpgrader accepts websocket upgrades from the given origins; "*" allows
// any origin.
func NewUpgrader(origins []string) *websocket.Upgrader {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if _, ok := allowed["*"]; ok {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

// Events streams session status transitions of the caller's account over a
// websocket.
func Events(hub *events.Hub, upgrader *websocket.Upgrader) echo.HandlerFunc {
	return func(c echo.Context) error {
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			// the upgrader has already written the failure response
			c.Logger().Warnf("websocket upgrade: %v", err)
			return nil
		}

		client := events.NewClient(hub, conn, accountFrom(c))
		hub.Register(client)
		go client.WritePump()
		go client.ReadPump()
		return nil
	}
}
