package app

import (
	"errors"
	"fmt"
)

var (
	// ErrFamilyNotFound indicates the target family does not exist.
	ErrFamilyNotFound = errors.New("family not found")
	// ErrFileNotFound indicates the file does not exist within the family.
	ErrFileNotFound = errors.New("file not found")
)

// DuplicateContentError is returned when byte-identical content was already
// uploaded to the family. It names the conflicting file.
type DuplicateContentError struct {
	Filename string
}

func (e *DuplicateContentError) Error() string {
	return fmt.Sprintf("duplicate content: already uploaded as %q", e.Filename)
}
