package domain

import "time"

// Choice is a labeled edge from one story node to another, selectable by vote.
type Choice struct {
	ID     string `json:"id" yaml:"id"`
	Label  string `json:"label" yaml:"label"`
	NextID string `json:"next_id" yaml:"next"`
}

// StoryNode is a single narrative beat. Terminal nodes carry no choices.
type StoryNode struct {
	ID       string   `json:"id" yaml:"id"`
	Title    string   `json:"title" yaml:"title"`
	Body     string   `json:"body" yaml:"body"`
	ImageRef string   `json:"image_ref,omitempty" yaml:"image,omitempty"`
	Terminal bool     `json:"terminal,omitempty" yaml:"terminal,omitempty"`
	Choices  []Choice `json:"choices,omitempty" yaml:"choices,omitempty"`
}

// StoryGraph is the full directed story. Immutable once validated; the
// engine only ever reads it.
type StoryGraph struct {
	Title   string      `json:"title" yaml:"title"`
	StartID string      `json:"start_id" yaml:"start"`
	Nodes   []StoryNode `json:"nodes" yaml:"nodes"`
}

// GameStatus tracks the round state machine's coarse state.
type GameStatus string

const (
	GameNotStarted GameStatus = "not_started"
	GameActive     GameStatus = "active"
	GameCompleted  GameStatus = "completed"
)

// RoundState is the single mutable record per game. It is always read and
// written as a unit so its invariants hold atomically.
type RoundState struct {
	GameID         string     `json:"game_id"`
	StoryID        string     `json:"story_id"`
	Status         GameStatus `json:"status"`
	CurrentNodeID  string     `json:"current_node_id"`
	RoundNumber    int        `json:"round_number"`
	Path           []string   `json:"path"`
	RoundStartedAt time.Time  `json:"round_started_at"`
	RoundDuration  int        `json:"round_duration"`
	Accelerated    bool       `json:"accelerated"`
	CreatedAt      string     `json:"created_at" format:"date-time"`
	UpdatedAt      string     `json:"updated_at" format:"date-time"`
}

// Active reports whether the game still accepts transitions.
func (s RoundState) Active() bool { return s.Status == GameActive }

// DurationValue converts the stored round duration to a wall-clock span.
// The unit (hours normally, minutes when accelerated) is fixed at game
// start and never re-derived per round.
func (s RoundState) DurationValue() time.Duration {
	if s.Accelerated {
		return time.Duration(s.RoundDuration) * time.Minute
	}
	return time.Duration(s.RoundDuration) * time.Hour
}

// Deadline is the instant the current round expires.
func (s RoundState) Deadline() time.Time {
	return s.RoundStartedAt.Add(s.DurationValue())
}

// Clone returns a deep copy, used for pre-transition snapshots.
func (s RoundState) Clone() RoundState {
	out := s
	out.Path = append([]string(nil), s.Path...)
	return out
}

// VoteRecord maps a round's choices to the external references whose
// scores decide the round. Superseded, not deleted, once the round moves.
type VoteRecord struct {
	GameID      string            `json:"game_id"`
	RoundNumber int               `json:"round_number"`
	NodeID      string            `json:"node_id"`
	PostRef     string            `json:"post_ref,omitempty"`
	ChoiceRefs  map[string]string `json:"choice_refs"`
	Deadline    time.Time         `json:"deadline"`
	CreatedAt   string            `json:"created_at" format:"date-time"`
}

// Publication is the outcome of publishing a round to the external
// platform: the post reference plus one fresh vote reference per choice.
type Publication struct {
	PostRef    string            `json:"post_ref"`
	ChoiceRefs map[string]string `json:"choice_refs"`
}

// TallyEntry is one ranked row of a tally.
type TallyEntry struct {
	ChoiceID string `json:"choice_id"`
	Ref      string `json:"ref"`
	Score    int    `json:"score"`
}

// TallyResult is sorted by score descending, stable on the order choices
// were tracked for equal scores.
type TallyResult []TallyEntry

// Event is one row of the append-only game log.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	GameID  string `json:"game_id,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

// APIKey authenticates operator calls against the HTTP API.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
