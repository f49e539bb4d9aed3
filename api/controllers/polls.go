package controllers

import (
	"context"
	"net/http"

	"github.com/alex-pricope/ranked-polls/api/models"
	"github.com/alex-pricope/ranked-polls/api/transport"
	"github.com/alex-pricope/ranked-polls/logging"
	"github.com/alex-pricope/ranked-polls/polls"
	"github.com/alex-pricope/ranked-polls/storage"
	"github.com/gin-gonic/gin"
)

// PollService is what the REST surface needs from the coordinator.
type PollService interface {
	CreatePoll(ctx context.Context, fields polls.CreatePollFields) (*polls.PollAccess, error)
	JoinPoll(ctx context.Context, fields polls.JoinPollFields) (*polls.PollAccess, error)
	RejoinPoll(ctx context.Context, fields polls.RejoinPollFields) (*storage.Poll, error)
}

type PollsController struct {
	service  PollService
	verifier transport.CredentialVerifier
}

func NewPollsController(service PollService, verifier transport.CredentialVerifier) *PollsController {
	return &PollsController{
		service:  service,
		verifier: verifier,
	}
}

func (c *PollsController) RegisterRoutes(engine *gin.Engine) {
	group := engine.Group("/polls")

	group.POST("", c.createPoll)
	group.POST("/join", c.joinPoll)
	group.POST("/rejoin", transport.CredentialMiddleware(c.verifier), c.rejoinPoll)

	engine.GET("/healthz", c.health)
}

// createPoll godoc
// @Summary Create a poll
// @Description Creates a poll with the caller as its admin and returns the admin credential
// @Tags polls
// @Accept json
// @Produce json
// @Param poll body models.CreatePollRequest true "Poll to create"
// @Success 201 {object} models.PollAccessResponse
// @Failure 400 {object} models.ErrorResponse "Invalid poll data"
// @Failure 503 {object} models.ErrorResponse "Storage unavailable"
// @Failure 500 {object} models.ErrorResponse "Unexpected internal error"
// @Router /polls [post]
func (c *PollsController) createPoll(g *gin.Context) {
	var req models.CreatePollRequest
	if err := g.ShouldBindJSON(&req); err != nil {
		g.JSON(http.StatusBadRequest, models.NewBadRequest("invalid request, topic, votesPerVoter and name are required"))
		return
	}

	access, err := c.service.CreatePoll(g.Request.Context(), polls.CreatePollFields{
		Topic:         req.Topic,
		VotesPerVoter: req.VotesPerVoter,
		Name:          req.Name,
	})
	if err != nil {
		c.fail(g, "create poll", err)
		return
	}

	logging.Log.Infof("HTTP: created poll %s", access.Poll.ID)
	g.JSON(http.StatusCreated, models.TransformPollAccessToResponse(access))
}

// joinPoll godoc
// @Summary Join a poll
// @Description Issues a participant credential for an open poll. The participant is recorded on connect
// @Tags polls
// @Accept json
// @Produce json
// @Param join body models.JoinPollRequest true "Poll id and display name"
// @Success 200 {object} models.PollAccessResponse
// @Failure 400 {object} models.ErrorResponse "Invalid join data"
// @Failure 404 {object} models.ErrorResponse "Poll not found"
// @Failure 409 {object} models.ErrorResponse "Voting has already started"
// @Failure 500 {object} models.ErrorResponse "Unexpected internal error"
// @Router /polls/join [post]
func (c *PollsController) joinPoll(g *gin.Context) {
	var req models.JoinPollRequest
	if err := g.ShouldBindJSON(&req); err != nil {
		g.JSON(http.StatusBadRequest, models.NewBadRequest("invalid request, pollID and name are required"))
		return
	}

	access, err := c.service.JoinPoll(g.Request.Context(), polls.JoinPollFields{
		PollID: req.PollID,
		Name:   req.Name,
	})
	if err != nil {
		c.fail(g, "join poll", err)
		return
	}

	g.JSON(http.StatusOK, models.TransformPollAccessToResponse(access))
}

// rejoinPoll godoc
// @Summary Rejoin a poll
// @Description Records the credential's participant again and returns the current poll
// @Tags polls
// @Produce json
// @Success 200 {object} storage.Poll
// @Failure 401 {object} models.ErrorResponse "Missing or invalid credential"
// @Failure 404 {object} models.ErrorResponse "Poll not found"
// @Failure 409 {object} models.ErrorResponse "Voting started without this participant"
// @Failure 500 {object} models.ErrorResponse "Unexpected internal error"
// @Security ParticipantToken
// @Router /polls/rejoin [post]
func (c *PollsController) rejoinPoll(g *gin.Context) {
	id, ok := transport.IdentityFrom(g)
	if !ok {
		g.JSON(http.StatusUnauthorized, &models.ErrorResponse{Code: polls.CodeUnauthorized, Message: "invalid credential"})
		return
	}

	poll, err := c.service.RejoinPoll(g.Request.Context(), polls.RejoinPollFields{
		PollID: id.PollID,
		UserID: id.ParticipantID,
		Name:   id.Name,
	})
	if err != nil {
		c.fail(g, "rejoin poll", err)
		return
	}

	g.JSON(http.StatusOK, poll)
}

// health godoc
// @Summary Health check
// @Tags meta
// @Produce json
// @Success 200 {object} models.HealthResponse
// @Router /healthz [get]
func (c *PollsController) health(g *gin.Context) {
	g.JSON(http.StatusOK, &models.HealthResponse{Status: "ok"})
}

func (c *PollsController) fail(g *gin.Context, op string, err error) {
	status, body := models.TransformErrorToResponse(err)
	if status >= http.StatusInternalServerError {
		logging.Log.Errorf("HTTP: %s failed: %v", op, err)
	} else {
		logging.Log.Warnf("HTTP: %s rejected: %v", op, err)
	}
	g.JSON(status, body)
}
