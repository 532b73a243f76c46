package pers

import (
	"errors"
	"fmt"
)

// ErrShutdown is returned for writes attempted after Shutdown began.
var ErrShutdown = errors.New("persistence layer is shutting down")

// ErrNotFound is returned by Get when no record exists for a TSID.
var ErrNotFound = errors.New("object not found")

// ErrDuplicate is returned by Create when the TSID already exists and upsert
// was not requested.
type ErrDuplicate struct {
	TSID string
}

func (e *ErrDuplicate) Error() string {
	return fmt.Sprintf("object %s already exists", e.TSID)
}
