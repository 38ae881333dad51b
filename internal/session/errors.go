package session

import (
	"errors"
	"fmt"
)

var (
	ErrEngine         = errors.New("engine error")
	ErrSessionClosed  = errors.New("session closed")
	ErrNotStarted     = errors.New("session not started")
	ErrAlreadyStarted = errors.New("session already started")
)

func wrapEngine(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrEngine, err)
}
