package model

import "time"

type UserID string // account id e.g. 3GFQNuSg3dPqDD1emxv5bqX42oxq

type CreateUserParams struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginParams struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// User is an operator account allowed to launch sessions when auth is on.
type User struct {
	ID        UserID    `db:"ID" json:"id"`
	CreatedAt time.Time `db:"CreatedAt" json:"createdAt"`
	Username  string    `db:"Username" json:"username"`
	Password  string    `db:"Password" json:"-"`
}
