package server

import (
	"encoding/json"
	"time"

	"storyvote/internal/domain"
	"storyvote/internal/engine"
	"storyvote/internal/story"
)

// Request payloads

type ImportStoryRequest struct {
	Story domain.StoryGraph `json:"story"`
}

type StartGameRequest struct {
	StoryID       string `json:"story_id"`
	GameID        *string `json:"game_id,omitempty"`
	RoundDuration *int    `json:"round_duration,omitempty"`
	Accelerated   *bool   `json:"accelerated,omitempty"`
}

type AdvanceGameRequest struct {
	ChoiceID string `json:"choice_id"`
}

// Response payloads

type StoryReportResponse struct {
	StoryID  string            `json:"story_id,omitempty"`
	Valid    bool              `json:"valid"`
	Errors   []story.ValidationError `json:"errors,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}

type GameResponse struct {
	GameID           string   `json:"game_id"`
	StoryID          string   `json:"story_id"`
	Status           string   `json:"status"`
	CurrentNodeID    string   `json:"current_node_id"`
	RoundNumber      int      `json:"round_number"`
	Path             []string `json:"path"`
	RoundStartedAt   string   `json:"round_started_at" format:"date-time"`
	RoundDeadline    string   `json:"round_deadline" format:"date-time"`
	RoundDuration    int      `json:"round_duration"`
	Accelerated      bool     `json:"accelerated"`
	TimeRemainingSec int      `json:"time_remaining_seconds"`
	Expired          bool     `json:"expired"`
}

type TallyEntryResponse struct {
	ChoiceID string `json:"choice_id"`
	Ref      string `json:"ref"`
	Score    int    `json:"score"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	GameID  string         `json:"game_id,omitempty"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload"`
}

func gameResponse(e engine.Engine, s domain.RoundState) GameResponse {
	remaining := e.TimeRemaining(s)
	return GameResponse{
		GameID:           s.GameID,
		StoryID:          s.StoryID,
		Status:           string(s.Status),
		CurrentNodeID:    s.CurrentNodeID,
		RoundNumber:      s.RoundNumber,
		Path:             s.Path,
		RoundStartedAt:   s.RoundStartedAt.UTC().Format(time.RFC3339),
		RoundDeadline:    s.Deadline().UTC().Format(time.RFC3339),
		RoundDuration:    s.RoundDuration,
		Accelerated:      s.Accelerated,
		TimeRemainingSec: int(remaining / time.Second),
		Expired:          remaining == 0,
	}
}

func mapGames(e engine.Engine, in []domain.RoundState) []GameResponse {
	out := make([]GameResponse, 0, len(in))
	for _, s := range in {
		out = append(out, gameResponse(e, s))
	}
	return out
}

func mapTally(in domain.TallyResult) []TallyEntryResponse {
	out := make([]TallyEntryResponse, 0, len(in))
	for _, entry := range in {
		out = append(out, TallyEntryResponse{ChoiceID: entry.ChoiceID, Ref: entry.Ref, Score: entry.Score})
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	var payload map[string]any
	_ = json.Unmarshal([]byte(e.Payload), &payload)
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		GameID:  e.GameID,
		ActorID: e.ActorID,
		Payload: payload,
	}
}
