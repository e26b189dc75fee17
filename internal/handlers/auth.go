package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"uk.co.dudmesh.courier/internal/model"
)

const accountKey = "accountID"

type TokenSigner interface {
	Issue(subject string) (string, time.Time, error)
	Parse(raw string) (string, error)
	JWKS() ([]byte, error)
}

// RequireAccount rejects requests without a valid bearer token. Browsers
// cannot set headers on websocket upgrades, so a token query parameter is
// accepted as well.
func RequireAccount(signer TokenSigner) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := c.QueryParam("token")
			if header := c.Request().Header.Get(echo.HeaderAuthorization); header != "" {
				scheme, token, ok := strings.Cut(header, " ")
				if !ok || !strings.EqualFold(scheme, "Bearer") {
					return echo.NewHTTPError(http.StatusUnauthorized, "expected bearer token")
				}
				raw = strings.TrimSpace(token)
			}
			if raw == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}

			subject, err := signer.Parse(raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid bearer token")
			}
			c.Set(accountKey, model.UserID(subject))
			return next(c)
		}
	}
}

// accountFrom returns the authenticated account, or "" when auth is off.
func accountFrom(c echo.Context) model.UserID {
	accountID, _ := c.Get(accountKey).(model.UserID)
	return accountID
}

func JWKS(signer TokenSigner) echo.HandlerFunc {
	return func(c echo.Context) error {
		keySet, err := signer.JWKS()
		if err != nil {
			return err
		}
		return c.JSONBlob(http.StatusOK, keySet)
	}
}
