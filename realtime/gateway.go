package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/alex-pricope/ranked-polls/auth"
	"github.com/alex-pricope/ranked-polls/logging"
	"github.com/alex-pricope/ranked-polls/polls"
	"github.com/alex-pricope/ranked-polls/storage"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// PollService is the part of the coordinator the gateway drives.
type PollService interface {
	GetPoll(ctx context.Context, pollID string) (*storage.Poll, error)
	RejoinPoll(ctx context.Context, fields polls.RejoinPollFields) (*storage.Poll, error)
	Leave(ctx context.Context, pollID, userID string) (*storage.Poll, error)
	AddNomination(ctx context.Context, fields polls.AddNominationFields) (*storage.Poll, error)
	RemoveNomination(ctx context.Context, pollID, actorID, nominationID string) (*storage.Poll, error)
	RemoveParticipant(ctx context.Context, pollID, actorID, participantID string) (*storage.Poll, error)
	SubmitRankings(ctx context.Context, fields polls.SubmitRankingsFields) (*storage.Poll, error)
	StartPoll(ctx context.Context, pollID, actorID string) (*storage.Poll, error)
	ComputeResults(ctx context.Context, pollID, actorID string) (*storage.Poll, error)
	CancelPoll(ctx context.Context, pollID, actorID string) error
}

type CredentialVerifier interface {
	Verify(token string) (auth.Identity, error)
}

type Gateway struct {
	service  PollService
	verifier CredentialVerifier
	registry *Registry
	upgrader websocket.Upgrader
}

// NewGateway builds the websocket gateway. checkOrigin decides which browser origins may connect; nil
// accepts only same-origin requests.
func NewGateway(service PollService, verifier CredentialVerifier, registry *Registry, checkOrigin func(r *http.Request) bool) *Gateway {
	return &Gateway{
		service:  service,
		verifier: verifier,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

func (g *Gateway) RegisterRoutes(engine *gin.Engine) {
	engine.GET("/polls/ws", g.connect)
}

func credential(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	if token := c.GetHeader("token"); token != "" {
		return token
	}
	return strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
}

func (g *Gateway) connect(c *gin.Context) {
	identity, err := g.verifier.Verify(credential(c))
	if err != nil {
		logging.Log.Warnf("WS: rejected connection from %s: %v", c.ClientIP(), err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": polls.CodeUnauthorized, "message": "invalid credential"})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader already replied with an error status.
		logging.Log.Warnf("WS: upgrade failed for poll %s: %v", identity.PollID, err)
		return
	}

	client := newClient(conn, identity)
	go client.writePump()
	log := logging.ForPoll(identity.PollID, identity.ParticipantID)

	// Registered before the store write, so an older connection of the same participant closing
	// meanwhile does not count as its last one.
	first := g.registry.Register(identity.PollID, identity.ParticipantID, client)
	poll, err := g.service.RejoinPoll(c.Request.Context(), polls.RejoinPollFields{
		PollID: identity.PollID,
		UserID: identity.ParticipantID,
		Name:   identity.Name,
	})
	if err != nil {
		log.Infof("WS: connect refused: %v", err)
		g.reject(client, err)
		client.Close()
		g.disconnect(client)
		client.readPump(func([]byte) {})
		return
	}

	log.Debugf("WS: connected %s (first connection: %t)", client.ID(), first)
	g.broadcast(poll)

	client.readPump(func(msg []byte) {
		g.handle(c.Request.Context(), client, msg)
	})
	client.Close()
	g.disconnect(client)
}

// disconnect runs after the transport is gone, so failures are only logged.
func (g *Gateway) disconnect(client *Client) {
	binding, last, ok := g.registry.Unregister(client.ID())
	if !ok || !last {
		return
	}
	log := logging.ForPoll(binding.PollID, binding.ParticipantID)
	log.Debugf("WS: disconnected, %d participants still connected, %d polls with connections",
		len(g.registry.Participants(binding.PollID)), g.registry.Len())

	poll, err := g.service.Leave(context.Background(), binding.PollID, binding.ParticipantID)
	if err != nil {
		log.Debugf("WS: leave after disconnect failed: %v", err)
		return
	}
	if poll != nil {
		g.broadcast(poll)
	}
}

func (g *Gateway) handle(ctx context.Context, client *Client, msg []byte) {
	var in Inbound
	if err := json.Unmarshal(msg, &in); err != nil {
		g.reject(client, errors.Wrap(polls.ErrInvalidArgument, "malformed message"))
		return
	}

	id := client.Identity()
	var poll *storage.Poll
	var err error
	var after func()

	switch in.Event {
	case EventNominate:
		var data NominatePayload
		if err = decode(in.Data, &data); err == nil {
			poll, err = g.service.AddNomination(ctx, polls.AddNominationFields{PollID: id.PollID, UserID: id.ParticipantID, Text: data.Text})
		}
	case EventRemoveNomination:
		var data IDPayload
		if err = decode(in.Data, &data); err == nil {
			poll, err = g.service.RemoveNomination(ctx, id.PollID, id.ParticipantID, data.ID)
		}
	case EventSubmitRankings:
		var data RankingsPayload
		if err = decode(in.Data, &data); err == nil {
			poll, err = g.service.SubmitRankings(ctx, polls.SubmitRankingsFields{PollID: id.PollID, UserID: id.ParticipantID, Rankings: data.Rankings})
		}
	case EventRemoveParticipant:
		var data IDPayload
		if err = decode(in.Data, &data); err == nil {
			if err = g.requireAdmin(ctx, id); err == nil {
				poll, err = g.service.RemoveParticipant(ctx, id.PollID, id.ParticipantID, data.ID)
				removed := data.ID
				after = func() { g.dropParticipant(id.PollID, removed) }
			}
		}
	case EventStartVote:
		if err = g.requireAdmin(ctx, id); err == nil {
			poll, err = g.service.StartPoll(ctx, id.PollID, id.ParticipantID)
		}
	case EventClosePoll:
		if err = g.requireAdmin(ctx, id); err == nil {
			poll, err = g.service.ComputeResults(ctx, id.PollID, id.ParticipantID)
		}
	case EventCancelPoll:
		if err = g.requireAdmin(ctx, id); err == nil {
			if err = g.service.CancelPoll(ctx, id.PollID, id.ParticipantID); err == nil {
				g.cancelled(id.PollID)
				return
			}
		}
	default:
		err = errors.Wrapf(polls.ErrInvalidArgument, "unknown event %q", in.Event)
	}

	if err != nil {
		logging.ForPoll(id.PollID, id.ParticipantID).Debugf("WS: %s rejected: %v", in.Event, err)
		g.reject(client, err)
		return
	}
	g.broadcast(poll)
	if after != nil {
		after()
	}
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return errors.Wrap(polls.ErrInvalidArgument, "missing data")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrap(polls.ErrInvalidArgument, "malformed data")
	}
	return nil
}

func (g *Gateway) requireAdmin(ctx context.Context, id auth.Identity) error {
	poll, err := g.service.GetPoll(ctx, id.PollID)
	if err != nil {
		return err
	}
	if !poll.IsAdmin(id.ParticipantID) {
		return errors.Wrap(polls.ErrForbidden, "admin only")
	}
	return nil
}

// dropParticipant closes the connections of a participant the admin removed, once they saw the update.
func (g *Gateway) dropParticipant(pollID, participantID string) {
	for _, conn := range g.registry.Connections(pollID) {
		if b, ok := g.registry.Lookup(conn.ID()); ok && b.ParticipantID == participantID {
			g.registry.Unregister(conn.ID())
			conn.Close()
		}
	}
}

func (g *Gateway) cancelled(pollID string) {
	msg, err := encode(EventPollCancelled, CancelledPayload{PollID: pollID})
	if err != nil {
		logging.Log.Errorf("WS: encode cancellation: %v", err)
		return
	}
	conns := g.registry.CloseRoom(pollID)
	for _, conn := range conns {
		conn.Send(msg)
		conn.Close()
	}
	logging.ForPoll(pollID, "").Infof("WS: poll cancelled, closed %d connections", len(conns))
}

func (g *Gateway) broadcast(poll *storage.Poll) {
	msg, err := pollUpdated(poll)
	if err != nil {
		logging.Log.Errorf("WS: encode poll %s: %v", poll.ID, err)
		return
	}
	for _, conn := range g.registry.Connections(poll.ID) {
		conn.Send(msg)
	}
}

func (g *Gateway) reject(client *Client, err error) {
	msg, encErr := encode(EventException, exceptionFor(err))
	if encErr != nil {
		return
	}
	client.Send(msg)
}
