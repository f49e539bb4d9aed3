package realtime

import (
	"encoding/json"

	"github.com/alex-pricope/ranked-polls/polls"
	"github.com/alex-pricope/ranked-polls/storage"
)

// Inbound events.
const (
	EventNominate          = "nominate"
	EventRemoveNomination  = "remove_nomination"
	EventRemoveParticipant = "remove_participant"
	EventSubmitRankings    = "submit_rankings"
	EventStartVote         = "start_vote"
	EventClosePoll         = "close_poll"
	EventCancelPoll        = "cancel_poll"
)

// Outbound events.
const (
	EventPollUpdated   = "poll_updated"
	EventPollCancelled = "poll_cancelled"
	EventException     = "exception"
)

type Inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type Outbound struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

type NominatePayload struct {
	Text string `json:"text"`
}

type IDPayload struct {
	ID string `json:"id"`
}

type RankingsPayload struct {
	Rankings []string `json:"rankings"`
}

type CancelledPayload struct {
	PollID string `json:"pollID"`
}

// Exception is sent to the caller only, when an action was rejected.
type Exception struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func exceptionFor(err error) Exception {
	return Exception{Type: polls.Code(err), Message: polls.Message(err)}
}

func encode(event string, data interface{}) ([]byte, error) {
	return json.Marshal(Outbound{Event: event, Data: data})
}

func pollUpdated(p *storage.Poll) ([]byte, error) {
	return encode(EventPollUpdated, p)
}
