package app

import "errors"

var (
	// ErrForbidden indicates the caller's role may not post chat turns.
	ErrForbidden            = errors.New("forbidden")
	ErrFamilyNotFound       = errors.New("family not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrEmptyTitle           = errors.New("title required")
)
