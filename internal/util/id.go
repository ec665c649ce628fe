package util

import "github.com/google/uuid"

// NewID returns a random UUID string used as an entity id.
func NewID() string {
	return uuid.NewString()
}
