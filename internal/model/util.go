package model

import (
	"github.com/btcsuite/btcutil/base58"
	"github.com/google/uuid"
)

// CreateID returns a random base58 encoded UUID used for session and account ids.
func CreateID() string {
	id := uuid.New()
	return base58.Encode(id[:])
}

// IntPtr is a convenience for filling optional SessionConfig fields.
func IntPtr(v int) *int {
	return &v
}
