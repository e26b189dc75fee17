package user

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"uk.co.dudmesh.courier/internal/model"
)

const (
	MinPasswordLength int = 8
	passwordCost      int = 10
)

type Database interface {
	CreateUser(ctx context.Context, user *model.User) error
	GetUser(ctx context.Context, id model.UserID) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
}

type service struct {
	db Database
}

func New(db Database) *service {
	return &service{db}
}

func (s *service) Create(ctx context.Context, params *model.CreateUserParams) (*model.User, error) {
	username := strings.TrimSpace(params.Username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", model.ErrorInvalidUserParams)
	}
	if len(params.Password) < MinPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", model.ErrorInvalidUserParams, MinPasswordLength)
	}

	passwordBytes, err := bcrypt.GenerateFromPassword([]byte(params.Password), passwordCost)
	if err != nil {
		return nil, fmt.Errorf("generating encoded password: %w", err)
	}
	encodedPassword := base64.StdEncoding.EncodeToString(passwordBytes)

	user := &model.User{
		ID:        model.UserID(model.CreateID()),
		CreatedAt: time.Now().UTC(),
		Username:  username,
		Password:  encodedPassword,
	}

	if err := s.db.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	return user, nil
}

func (s *service) Fetch(ctx context.Context, userID model.UserID) (*model.User, error) {
	user, err := s.db.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("fetching user: %w", err)
	}
	return user, nil
}

// Authenticate returns the user matching the credentials. Unknown usernames
// and wrong passwords both yield ErrorInvalidUsernameOrPassword.
func (s *service) Authenticate(ctx context.Context, params *model.LoginParams) (*model.User, error) {
	user, err := s.db.GetUserByUsername(ctx, strings.TrimSpace(params.Username))
	if err != nil {
		if errors.Is(err, model.ErrorUserNotFound) {
			return nil, model.ErrorInvalidUsernameOrPassword
		}
		return nil, err
	}

	passwordBytes, err := base64.StdEncoding.DecodeString(user.Password)
	if err != nil {
		return nil, fmt.Errorf("decoding stored password: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword(passwordBytes, []byte(params.Password)); err != nil {
		return nil, model.ErrorInvalidUsernameOrPassword
	}

	return user, nil
}
