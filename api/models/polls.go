package models

import (
	"github.com/alex-pricope/ranked-polls/polls"
	"github.com/alex-pricope/ranked-polls/storage"
)

type CreatePollRequest struct {
	Topic         string `json:"topic" binding:"required,max=100"`
	VotesPerVoter int    `json:"votesPerVoter" binding:"required,min=1,max=5"`
	Name          string `json:"name" binding:"required,max=25"`
}

type JoinPollRequest struct {
	PollID string `json:"pollID" binding:"required,len=4"`
	Name   string `json:"name" binding:"required,max=25"`
}

type PollAccessResponse struct {
	Poll        *storage.Poll `json:"poll"`
	AccessToken string        `json:"accessToken"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

func TransformPollAccessToResponse(access *polls.PollAccess) PollAccessResponse {
	return PollAccessResponse{
		Poll:        access.Poll,
		AccessToken: access.AccessToken,
	}
}
