package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"uk.co.dudmesh.courier/internal/model"
)

type errorResponse struct {
	Error string `json:"error"`
}

var statusCodes = []struct {
	err  error
	code int
}{
	{model.ErrorInvalidConfiguration, http.StatusBadRequest},
	{model.ErrorInvalidUserParams, http.StatusBadRequest},
	{model.ErrorInvalidUsernameOrPassword, http.StatusUnauthorized},
	{model.ErrorSessionNotFound, http.StatusNotFound},
	{model.ErrorUserNotFound, http.StatusNotFound},
	{model.ErrorSessionRunning, http.StatusConflict},
	{model.ErrorUsernameTaken, http.StatusConflict},
	{model.ErrorNotInitialized, http.StatusServiceUnavailable},
}

// StatusCode maps err to the HTTP status returned to clients.
func StatusCode(err error) int {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code
	}
	for _, s := range statusCodes {
		if errors.Is(err, s.err) {
			return s.code
		}
	}
	return http.StatusInternalServerError
}

// ErrorHandler renders every error as {"error": "..."}. Internal errors are
// logged and their detail withheld.
func ErrorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := StatusCode(err)
		message := err.Error()
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			message = http.StatusText(httpErr.Code)
			if m, ok := httpErr.Message.(string); ok {
				message = m
			}
		}
		if code == http.StatusInternalServerError {
			logger.Errorf("%s %s: %v", c.Request().Method, c.Request().URL.Path, err)
			message = http.StatusText(code)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, errorResponse{Error: message})
		}
		if err != nil {
			logger.Errorf("writing error response: %v", err)
		}
	}
}
