package storage

import "time"

// Poll is the document every backend stores. Field tags cover the JSON wire form and the DynamoDB item.
type Poll struct {
	ID            string                `json:"id" dynamodbav:"PK"`
	Topic         string                `json:"topic" dynamodbav:"Topic"`
	VotesPerVoter int                   `json:"votesPerVoter" dynamodbav:"VotesPerVoter"`
	Participants  map[string]string     `json:"participants" dynamodbav:"Participants"`
	Nominations   map[string]Nomination `json:"nominations" dynamodbav:"Nominations"`
	AdminID       string                `json:"adminID" dynamodbav:"AdminID"`
	HasStarted    bool                  `json:"hasStarted" dynamodbav:"HasStarted"`
	Rankings      map[string][]string   `json:"rankings" dynamodbav:"Rankings"`
	Results       []Result              `json:"results,omitempty" dynamodbav:"Results,omitempty"`
	ExpiresAt     int64                 `json:"expiresAt" dynamodbav:"ExpiresAt"`
	// BallotRevision grows with every change to the counted ballots: a stored ranking or a removed
	// participant. Results are only accepted for the revision they were tallied from.
	BallotRevision int64 `json:"ballotRevision" dynamodbav:"BallotRevision"`
}

type Nomination struct {
	UserID string `json:"userID" dynamodbav:"UserID"`
	Text   string `json:"text" dynamodbav:"Text"`
}

type Result struct {
	NominationID string `json:"nominationID" dynamodbav:"NominationID"`
	Score        int    `json:"score" dynamodbav:"Score"`
}

type State string

const (
	StateOpen   State = "open"
	StateVoting State = "voting"
	StateClosed State = "closed"
)

func (p *Poll) State() State {
	switch {
	case len(p.Results) > 0:
		return StateClosed
	case p.HasStarted:
		return StateVoting
	default:
		return StateOpen
	}
}

func (p *Poll) IsAdmin(participantID string) bool {
	return participantID != "" && participantID == p.AdminID
}

func (p *Poll) HasParticipant(participantID string) bool {
	_, ok := p.Participants[participantID]
	return ok
}

func (p *Poll) Expired(now time.Time) bool {
	return p.ExpiresAt > 0 && now.Unix() >= p.ExpiresAt
}

// Clone returns a deep copy, so callers never share maps with a backend.
func (p *Poll) Clone() *Poll {
	c := *p
	c.Participants = make(map[string]string, len(p.Participants))
	for k, v := range p.Participants {
		c.Participants[k] = v
	}
	c.Nominations = make(map[string]Nomination, len(p.Nominations))
	for k, v := range p.Nominations {
		c.Nominations[k] = v
	}
	c.Rankings = make(map[string][]string, len(p.Rankings))
	for k, v := range p.Rankings {
		c.Rankings[k] = append([]string(nil), v...)
	}
	if p.Results != nil {
		c.Results = append([]Result(nil), p.Results...)
	}
	return &c
}

// normalize replaces nil maps left by decoders with empty ones.
func (p *Poll) normalize() *Poll {
	if p.Participants == nil {
		p.Participants = map[string]string{}
	}
	if p.Nominations == nil {
		p.Nominations = map[string]Nomination{}
	}
	if p.Rankings == nil {
		p.Rankings = map[string][]string{}
	}
	return p
}
