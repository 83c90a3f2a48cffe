package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"storyvote/internal/config"
	"storyvote/internal/domain"
	"storyvote/internal/events"
	"storyvote/internal/repo"
	"storyvote/internal/story"
)

// Engine is the round state machine. It owns every mutation of a game's
// RoundState; all other components go through it.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// writer returns the event writer on the engine's clock, so log timestamps
// match the state timestamps they commit with.
func (e Engine) writer() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

var (
	// ErrUnknownChoice means an advance named a choice id the current node
	// does not carry. State is left untouched.
	ErrUnknownChoice = errors.New("unknown choice")
	// ErrGameInactive means the game no longer accepts transitions.
	ErrGameInactive = errors.New("game is not active")
)

// ImportStory validates and stores a story definition, returning its id
// and the validation report. Nothing is stored when validation fails.
func (e Engine) ImportStory(ctx context.Context, g domain.StoryGraph, actorID string) (string, story.Report, error) {
	graph, rep := story.Validate(g)
	if !rep.OK() {
		return "", rep, rep.Err()
	}
	id := uuid.NewString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", rep, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertStory(ctx, tx, id, graph.Raw()); err != nil {
		return "", rep, err
	}
	if err := e.writer().Append(ctx, tx, "story.imported", "", actorID, events.EventPayload{
		"story_id": id,
		"title":    graph.Title(),
		"nodes":    graph.Len(),
	}); err != nil {
		return "", rep, err
	}
	if err := tx.Commit(); err != nil {
		return "", rep, err
	}
	return id, rep, nil
}

// Graph loads a stored story and revalidates it. Stored stories passed
// validation at import time, so a failure here means corruption.
func (e Engine) Graph(ctx context.Context, storyID string) (*story.Graph, error) {
	raw, err := e.Repo.GetStoryGraph(ctx, storyID)
	if err != nil {
		return nil, err
	}
	graph, rep := story.Validate(raw)
	if !rep.OK() {
		return nil, fmt.Errorf("stored story %s failed validation: %w", storyID, rep.Err())
	}
	return graph, nil
}

// StartOptions are parameters for starting a game.
type StartOptions struct {
	GameID        string
	StoryID       string
	RoundDuration int  // zero means the configured default
	Accelerated   bool // minutes instead of hours per round
	ActorID       string
}

// StartGame creates a game on a stored story with roundNumber 1 and the
// path seeded with the start node.
func (e Engine) StartGame(ctx context.Context, opts StartOptions) (domain.RoundState, error) {
	if opts.StoryID == "" {
		return domain.RoundState{}, errors.New("story id is required")
	}
	graph, err := e.Graph(ctx, opts.StoryID)
	if err != nil {
		return domain.RoundState{}, err
	}
	duration := opts.RoundDuration
	if duration == 0 && e.Config != nil {
		duration = e.Config.Game.RoundDuration
	}
	if duration <= 0 {
		return domain.RoundState{}, errors.New("round duration must be positive")
	}
	id := opts.GameID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now().UTC()
	ts := now.Format(time.RFC3339)
	state := domain.RoundState{
		GameID:         id,
		StoryID:        opts.StoryID,
		Status:         domain.GameActive,
		CurrentNodeID:  graph.StartID(),
		RoundNumber:    1,
		Path:           []string{graph.StartID()},
		RoundStartedAt: now,
		RoundDuration:  duration,
		Accelerated:    opts.Accelerated,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RoundState{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertGame(ctx, tx, state); err != nil {
		return domain.RoundState{}, err
	}
	if err := e.writer().Append(ctx, tx, "game.started", id, opts.ActorID, events.EventPayload{
		"story_id":       opts.StoryID,
		"start_node":     graph.StartID(),
		"round_duration": duration,
		"accelerated":    opts.Accelerated,
	}); err != nil {
		return domain.RoundState{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RoundState{}, err
	}
	return state, nil
}

// Advance applies one choice edge to a game: currentNodeID moves along the
// edge, roundNumber increments, the round clock restarts, and the path is
// extended (skipping an append that would duplicate the last entry). The
// returned node is the one now current; its terminal flag tells the caller
// whether finalization is next.
func (e Engine) Advance(ctx context.Context, gameID, choiceID, actorID string) (domain.RoundState, domain.StoryNode, error) {
	state, err := e.Repo.GetRoundState(ctx, gameID)
	if err != nil {
		return domain.RoundState{}, domain.StoryNode{}, err
	}
	if !state.Active() {
		return state, domain.StoryNode{}, fmt.Errorf("game %s: %w", gameID, ErrGameInactive)
	}
	graph, err := e.Graph(ctx, state.StoryID)
	if err != nil {
		return state, domain.StoryNode{}, err
	}
	choice, err := graph.Choice(state.CurrentNodeID, choiceID)
	if err != nil {
		return state, domain.StoryNode{}, fmt.Errorf("%w: %s on node %s", ErrUnknownChoice, choiceID, state.CurrentNodeID)
	}
	next, err := graph.Node(choice.NextID)
	if err != nil {
		return state, domain.StoryNode{}, err
	}

	now := e.now().UTC()
	updated := state.Clone()
	updated.CurrentNodeID = next.ID
	updated.RoundNumber = state.RoundNumber + 1
	updated.RoundStartedAt = now
	updated.UpdatedAt = now.Format(time.RFC3339)
	if n := len(updated.Path); n == 0 || updated.Path[n-1] != next.ID {
		updated.Path = append(updated.Path, next.ID)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return state, domain.StoryNode{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetRoundState(ctx, tx, updated); err != nil {
		return state, domain.StoryNode{}, err
	}
	if err := e.writer().Append(ctx, tx, "round.advanced", gameID, actorID, events.EventPayload{
		"round":     updated.RoundNumber,
		"choice_id": choiceID,
		"from_node": state.CurrentNodeID,
		"to_node":   next.ID,
		"terminal":  next.Terminal,
	}); err != nil {
		return state, domain.StoryNode{}, err
	}
	if err := tx.Commit(); err != nil {
		return state, domain.StoryNode{}, err
	}
	return updated, next, nil
}

// FinalizeGame marks a game completed. Kept separate from Advance so that
// reaching a terminal node and declaring the game over can be retried
// independently when the recap publication fails.
func (e Engine) FinalizeGame(ctx context.Context, gameID, actorID string) (domain.RoundState, error) {
	state, err := e.Repo.GetRoundState(ctx, gameID)
	if err != nil {
		return domain.RoundState{}, err
	}
	if !state.Active() {
		return state, fmt.Errorf("game %s: %w", gameID, ErrGameInactive)
	}
	graph, err := e.Graph(ctx, state.StoryID)
	if err != nil {
		return state, err
	}
	node, err := graph.Node(state.CurrentNodeID)
	if err != nil {
		return state, err
	}
	if !node.Terminal {
		return state, fmt.Errorf("game %s: node %s is not terminal", gameID, node.ID)
	}

	updated := state.Clone()
	updated.Status = domain.GameCompleted
	updated.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return state, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetRoundState(ctx, tx, updated); err != nil {
		return state, err
	}
	if err := e.writer().Append(ctx, tx, "game.completed", gameID, actorID, events.EventPayload{
		"final_node": node.ID,
		"rounds":     updated.RoundNumber,
		"path":       updated.Path,
	}); err != nil {
		return state, err
	}
	if err := tx.Commit(); err != nil {
		return state, err
	}
	return updated, nil
}

// Reset returns an active game to its not-started shape: round 1, path
// seeded with the start node, no further transitions accepted. The stored
// story and the game's duration settings are untouched.
func (e Engine) Reset(ctx context.Context, gameID, actorID string) (domain.RoundState, error) {
	state, err := e.Repo.GetRoundState(ctx, gameID)
	if err != nil {
		return domain.RoundState{}, err
	}
	if !state.Active() {
		return state, fmt.Errorf("game %s: %w", gameID, ErrGameInactive)
	}
	graph, err := e.Graph(ctx, state.StoryID)
	if err != nil {
		return state, err
	}

	now := e.now().UTC()
	updated := state.Clone()
	updated.Status = domain.GameNotStarted
	updated.CurrentNodeID = graph.StartID()
	updated.RoundNumber = 1
	updated.Path = []string{graph.StartID()}
	updated.RoundStartedAt = now
	updated.UpdatedAt = now.Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return state, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetRoundState(ctx, tx, updated); err != nil {
		return state, err
	}
	if err := e.writer().Append(ctx, tx, "game.reset", gameID, actorID, nil); err != nil {
		return state, err
	}
	if err := tx.Commit(); err != nil {
		return state, err
	}
	return updated, nil
}

// Restore writes back a previously-read snapshot verbatim. Used by the
// scheduler to roll a transition back when its public artifact was never
// created.
func (e Engine) Restore(ctx context.Context, snapshot domain.RoundState, actorID, reason string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetRoundState(ctx, tx, snapshot); err != nil {
		return err
	}
	if err := e.writer().Append(ctx, tx, "round.rolled_back", snapshot.GameID, actorID, events.EventPayload{
		"round":  snapshot.RoundNumber,
		"node":   snapshot.CurrentNodeID,
		"reason": reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// LogEvent appends a standalone event outside any state transaction, for
// lifecycle notices like timer scheduling.
func (e Engine) LogEvent(ctx context.Context, evtType, gameID, actorID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.writer().Append(ctx, tx, evtType, gameID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// TimeRemaining reports how long until the current round expires, floored
// at zero.
func (e Engine) TimeRemaining(state domain.RoundState) time.Duration {
	remaining := state.Deadline().Sub(e.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsExpired reports whether the current round's timer has run out.
func (e Engine) IsExpired(state domain.RoundState) bool {
	return e.TimeRemaining(state) == 0
}
