package merge

import (
	"errors"
	"fmt"
)

var (
	ErrInProgress = errors.New("merge already in progress")
	ErrNotReady   = errors.New("collection is not generated")
)

type Op string

const (
	OpDownload    Op = "download"
	OpConcat      Op = "concat"
	OpPageNumbers Op = "page_numbers"
	OpUpload      Op = "upload"
)

// MergeError describes which step of a merge failed and, for downloads, which component.
type MergeError struct {
	CollectionID string
	ComponentID  string
	Op           Op
	Err          error
}

func (e *MergeError) Error() string {
	if e.ComponentID != "" {
		return fmt.Sprintf("merge %s: %s component %s: %v", e.CollectionID, e.Op, e.ComponentID, e.Err)
	}
	return fmt.Sprintf("merge %s: %s: %v", e.CollectionID, e.Op, e.Err)
}

func (e *MergeError) Unwrap() error { return e.Err }
