package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"uk.co.dudmesh.courier/internal/model"
)

type UserService interface {
	Create(ctx context.Context, params *model.CreateUserParams) (*model.User, error)
	Authenticate(ctx context.Context, params *model.LoginParams) (*model.User, error)
}

type loginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
	AccountID model.UserID `json:"accountId"`
}

func CreateUser(userService UserService) echo.HandlerFunc {
	return func(c echo.Context) error {
		params := &model.CreateUserParams{}
		if err := c.Bind(params); err != nil {
			return err
		}
		user, err := userService.Create(c.Request().Context(), params)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, user)
	}
}

func Login(userService UserService, signer TokenSigner) echo.HandlerFunc {
	return func(c echo.Context) error {
		params := &model.LoginParams{}
		if err := c.Bind(params); err != nil {
			return err
		}
		user, err := userService.Authenticate(c.Request().Context(), params)
		if err != nil {
			return err
		}
		token, expires, err := signer.Issue(string(user.ID))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, loginResponse{Token: token, ExpiresAt: expires, AccountID: user.ID})
	}
}
