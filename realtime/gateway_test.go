package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alex-pricope/ranked-polls/auth"
	"github.com/alex-pricope/ranked-polls/logging"
	"github.com/alex-pricope/ranked-polls/polls"
	"github.com/alex-pricope/ranked-polls/storage"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	service  *polls.Service
	registry *Registry
	server   *httptest.Server
}

type received struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

const gatewaySecret = "gateway-test-secret"

func setupTestGateway(t *testing.T) *testEnv {
	return setupTestGatewayWith(t, func(s *polls.Service) PollService { return s })
}

// setupTestGatewayWith lets a test put its own PollService in front of the coordinator.
func setupTestGatewayWith(t *testing.T, wrap func(*polls.Service) PollService) *testEnv {
	t.Helper()
	logging.Log = logrus.New()

	tokens := auth.NewTokenIssuer(gatewaySecret)
	service := polls.NewService(storage.NewMemoryPollStorage(time.Hour), tokens, true)
	registry := NewRegistry()
	gateway := NewGateway(wrap(service), tokens, registry, func(r *http.Request) bool { return true })

	gin.SetMode(gin.TestMode)
	r := gin.New()
	gateway.RegisterRoutes(r)

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return &testEnv{service: service, registry: registry, server: server}
}

func (e *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/polls/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	msg := map[string]interface{}{"event": event}
	if data != nil {
		msg["data"] = data
	}
	require.NoError(t, conn.WriteJSON(msg))
}

// waitFor reads until a message of the given event satisfies match.
func waitFor(t *testing.T, conn *websocket.Conn, event string, match func(json.RawMessage) bool) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg received
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %s", event)
		if msg.Event == event && (match == nil || match(msg.Data)) {
			return msg.Data
		}
	}
}

func waitForPoll(t *testing.T, conn *websocket.Conn, match func(p *storage.Poll) bool) *storage.Poll {
	t.Helper()
	var poll storage.Poll
	waitFor(t, conn, EventPollUpdated, func(raw json.RawMessage) bool {
		poll = storage.Poll{}
		return json.Unmarshal(raw, &poll) == nil && match(&poll)
	})
	return &poll
}

func waitForException(t *testing.T, conn *websocket.Conn) Exception {
	t.Helper()
	var ex Exception
	raw := waitFor(t, conn, EventException, nil)
	require.NoError(t, json.Unmarshal(raw, &ex))
	return ex
}

func createAndJoin(t *testing.T, e *testEnv, votesPerVoter int) (*storage.Poll, *websocket.Conn, *websocket.Conn, string) {
	t.Helper()
	ctx := context.Background()
	admin, err := e.service.CreatePoll(ctx, polls.CreatePollFields{Topic: gofakeit.Word(), VotesPerVoter: votesPerVoter, Name: "Admin"})
	require.NoError(t, err)
	adminConn := e.dial(t, admin.AccessToken)
	waitForPoll(t, adminConn, func(p *storage.Poll) bool { return len(p.Participants) == 1 })

	guest, err := e.service.JoinPoll(ctx, polls.JoinPollFields{PollID: admin.Poll.ID, Name: "Guest"})
	require.NoError(t, err)
	guestConn := e.dial(t, guest.AccessToken)

	joined := waitForPoll(t, adminConn, func(p *storage.Poll) bool { return len(p.Participants) == 2 })
	waitForPoll(t, guestConn, func(p *storage.Poll) bool { return len(p.Participants) == 2 })

	guestID := ""
	for id := range joined.Participants {
		if id != admin.Poll.AdminID {
			guestID = id
		}
	}
	return admin.Poll, adminConn, guestConn, guestID
}

func TestGatewayConnect(t *testing.T) {
	e := setupTestGateway(t)

	t.Run("Unhappy path - invalid credential is refused before upgrade", func(t *testing.T) {
		url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/polls/ws?token=garbage"
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("Happy path - connect records and broadcasts the participant", func(t *testing.T) {
		poll, _, _, guestID := createAndJoin(t, e, 1)
		assert.ElementsMatch(t, []string{poll.AdminID, guestID}, e.registry.Participants(poll.ID))
	})

	t.Run("Happy path - disconnect before start removes the guest", func(t *testing.T) {
		poll, adminConn, guestConn, guestID := createAndJoin(t, e, 1)
		require.NoError(t, guestConn.Close())

		got := waitForPoll(t, adminConn, func(p *storage.Poll) bool { return len(p.Participants) == 1 })
		assert.NotContains(t, got.Participants, guestID)
		assert.Contains(t, got.Participants, poll.AdminID)
	})
}

// holdingService parks the next RejoinPoll after its write until release is closed.
type holdingService struct {
	*polls.Service
	armed   atomic.Bool
	reached chan struct{}
	release chan struct{}
}

func (h *holdingService) RejoinPoll(ctx context.Context, fields polls.RejoinPollFields) (*storage.Poll, error) {
	poll, err := h.Service.RejoinPoll(ctx, fields)
	if h.armed.CompareAndSwap(true, false) {
		close(h.reached)
		<-h.release
	}
	return poll, err
}

func TestGatewaySecondConnection(t *testing.T) {
	held := &holdingService{reached: make(chan struct{}), release: make(chan struct{})}
	e := setupTestGatewayWith(t, func(s *polls.Service) PollService {
		held.Service = s
		return held
	})
	ctx := context.Background()

	t.Run("Happy path - older connection closing during a reconnect keeps the participant", func(t *testing.T) {
		poll, adminConn, guestConn, guestID := createAndJoin(t, e, 1)
		token, err := auth.NewTokenIssuer(gatewaySecret).Issue(auth.Identity{
			ParticipantID: guestID,
			PollID:        poll.ID,
			Name:          "Guest",
		}, time.Unix(poll.ExpiresAt, 0))
		require.NoError(t, err)

		held.armed.Store(true)
		second := e.dial(t, token)
		select {
		case <-held.reached:
		case <-time.After(3 * time.Second):
			t.Fatal("second connection never reached the store")
		}

		require.NoError(t, guestConn.Close())
		assert.Eventually(t, func() bool {
			return len(e.registry.Connections(poll.ID)) == 2
		}, 3*time.Second, 20*time.Millisecond)
		close(held.release)

		waitForPoll(t, second, func(p *storage.Poll) bool { return len(p.Participants) == 2 })
		assert.Never(t, func() bool {
			p, err := e.service.GetPoll(ctx, poll.ID)
			return err != nil || !p.HasParticipant(guestID)
		}, 300*time.Millisecond, 20*time.Millisecond)

		send(t, second, EventNominate, NominatePayload{Text: "Soup"})
		waitForPoll(t, adminConn, func(p *storage.Poll) bool { return len(p.Nominations) == 1 })
	})
}

func TestGatewayActions(t *testing.T) {
	e := setupTestGateway(t)

	t.Run("Happy path - nominate, start and vote to results", func(t *testing.T) {
		poll, adminConn, guestConn, _ := createAndJoin(t, e, 1)

		send(t, guestConn, EventNominate, NominatePayload{Text: "Pizza"})
		got := waitForPoll(t, adminConn, func(p *storage.Poll) bool { return len(p.Nominations) == 1 })
		waitForPoll(t, guestConn, func(p *storage.Poll) bool { return len(p.Nominations) == 1 })

		var nominationID string
		for id := range got.Nominations {
			nominationID = id
		}

		send(t, guestConn, EventStartVote, nil)
		assert.Equal(t, polls.CodeForbidden, waitForException(t, guestConn).Type)

		send(t, adminConn, EventStartVote, nil)
		waitForPoll(t, adminConn, func(p *storage.Poll) bool { return p.HasStarted })
		waitForPoll(t, guestConn, func(p *storage.Poll) bool { return p.HasStarted })

		send(t, guestConn, EventSubmitRankings, RankingsPayload{Rankings: []string{nominationID}})
		waitForPoll(t, adminConn, func(p *storage.Poll) bool { return len(p.Rankings) == 1 })

		send(t, adminConn, EventSubmitRankings, RankingsPayload{Rankings: []string{nominationID}})
		closed := waitForPoll(t, guestConn, func(p *storage.Poll) bool { return len(p.Results) > 0 })
		assert.Equal(t, []storage.Result{{NominationID: nominationID, Score: 2}}, closed.Results)
		assert.Equal(t, poll.ID, closed.ID)
	})

	t.Run("Unhappy path - rejected actions reach the caller only", func(t *testing.T) {
		_, adminConn, guestConn, _ := createAndJoin(t, e, 1)

		send(t, guestConn, EventStartVote, nil)
		assert.Equal(t, polls.CodeForbidden, waitForException(t, guestConn).Type)

		send(t, adminConn, EventStartVote, nil)
		assert.Equal(t, polls.CodeInvalidState, waitForException(t, adminConn).Type)

		send(t, guestConn, "dance", nil)
		assert.Equal(t, polls.CodeBadRequest, waitForException(t, guestConn).Type)

		require.NoError(t, guestConn.WriteMessage(websocket.TextMessage, []byte("{not json")))
		assert.Equal(t, polls.CodeBadRequest, waitForException(t, guestConn).Type)

		send(t, guestConn, EventNominate, nil)
		assert.Equal(t, polls.CodeBadRequest, waitForException(t, guestConn).Type)
	})

	t.Run("Happy path - admin removes a participant", func(t *testing.T) {
		poll, adminConn, guestConn, guestID := createAndJoin(t, e, 1)

		send(t, adminConn, EventRemoveParticipant, IDPayload{ID: guestID})
		got := waitForPoll(t, adminConn, func(p *storage.Poll) bool { return len(p.Participants) == 1 })
		assert.NotContains(t, got.Participants, guestID)

		waitForPoll(t, guestConn, func(p *storage.Poll) bool { return len(p.Participants) == 1 })
		assert.Eventually(t, func() bool {
			return len(e.registry.Participants(poll.ID)) == 1
		}, 3*time.Second, 20*time.Millisecond)
	})

	t.Run("Happy path - cancel notifies and closes the room", func(t *testing.T) {
		poll, adminConn, guestConn, _ := createAndJoin(t, e, 1)

		send(t, adminConn, EventCancelPoll, nil)
		raw := waitFor(t, guestConn, EventPollCancelled, nil)
		var payload CancelledPayload
		require.NoError(t, json.Unmarshal(raw, &payload))
		assert.Equal(t, poll.ID, payload.PollID)
		waitFor(t, adminConn, EventPollCancelled, nil)

		require.NoError(t, guestConn.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, _, err := guestConn.ReadMessage()
		assert.Error(t, err, "connection is closed after cancellation")

		_, err = e.service.GetPoll(context.Background(), poll.ID)
		assert.ErrorIs(t, err, polls.ErrNotFound)
		assert.Empty(t, e.registry.Participants(poll.ID))
	})
}
