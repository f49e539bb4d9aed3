// Package ids generates poll, participant and nomination identifiers.
package ids

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// PollAlphabet keeps poll ids short enough to read out loud.
const PollAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

const (
	PollIDLength       = 4
	NominationIDLength = 8
)

func NewPollID() (string, error) {
	return gonanoid.Generate(PollAlphabet, PollIDLength)
}

func NewParticipantID() (string, error) {
	return gonanoid.New()
}

func NewNominationID() (string, error) {
	return gonanoid.New(NominationIDLength)
}
