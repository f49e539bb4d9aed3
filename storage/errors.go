package storage

import (
	"errors"
	"fmt"
)

var ErrPollNotFound = errors.New("poll not found in storage")
var ErrPollExists = errors.New("poll with this id already exists")
var ErrUnavailable = errors.New("poll repository unavailable")
var ErrResultsFinal = errors.New("poll results are already stored")
var ErrBallotsChanged = errors.New("poll ballots changed since they were read")

// unavailable tags a backend failure so callers can match ErrUnavailable while keeping the cause.
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
