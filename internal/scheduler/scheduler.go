package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"storyvote/internal/config"
	"storyvote/internal/domain"
	"storyvote/internal/engine"
	"storyvote/internal/events"
	"storyvote/internal/repo"
	"storyvote/internal/tally"
)

// Publisher creates the public artifacts for a round: the next-round post
// with fresh vote references, or the end-of-game recap.
type Publisher interface {
	PublishNextRound(ctx context.Context, node domain.StoryNode, state domain.RoundState) (domain.Publication, error)
	PublishRecap(ctx context.Context, g domain.StoryGraph, state domain.RoundState) (string, error)
}

// TimerHandle cancels one pending timer. Cancel reports whether the timer
// had not yet fired.
type TimerHandle interface {
	Cancel() bool
}

// Timers is the one-shot timer facility. The default is process-local
// time.AfterFunc; tests substitute a fake to fire deterministically.
type Timers interface {
	Schedule(fireAt time.Time, fire func()) TimerHandle
}

type realTimers struct{}

type realHandle struct{ t *time.Timer }

func (h realHandle) Cancel() bool { return h.t.Stop() }

func (realTimers) Schedule(fireAt time.Time, fire func()) TimerHandle {
	return realHandle{t: time.AfterFunc(time.Until(fireAt), fire)}
}

// ErrRollbackFailed means the rollback write after a failed publication
// itself failed. The game may look advanced without its public artifact;
// this is escalated, never retried.
var ErrRollbackFailed = errors.New("round rollback failed")

// Outcome classifies one firing of the advancement sequence.
type Outcome string

const (
	OutcomeAdvanced  Outcome = "advanced"  // non-terminal transition, next round armed
	OutcomeCompleted Outcome = "completed" // terminal node reached and finalized
	OutcomeStale     Outcome = "stale"     // timer belonged to an older round; no-op
	OutcomeInactive  Outcome = "inactive"  // game ended or was reset; no-op
	OutcomeNoWinner  Outcome = "no_winner" // threshold unmet or no votes tracked
	OutcomeFailed    Outcome = "failed"    // hard failure or retry budget exhausted
)

// Result is what callers (timer callback, manual trigger, HTTP layer) see
// from a firing. Internal errors never escape uncaptured.
type Result struct {
	Outcome  Outcome `json:"outcome"`
	GameID   string  `json:"game_id"`
	Round    int     `json:"round"`
	ChoiceID string  `json:"choice_id,omitempty"`
	NodeID   string  `json:"node_id,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

// Scheduler drives round advancement: it arms one timer per active game,
// runs the firing sequence when a timer pops or an operator forces it, and
// owns the retry and rollback policy around that sequence.
type Scheduler struct {
	Engine     engine.Engine
	Tally      tally.Engine
	Publisher  Publisher
	Timers     Timers
	Attempts   int
	RetryDelay time.Duration
	Sleep      func(time.Duration)
	Logger     *log.Logger
	Rand       *rand.Rand

	mu      sync.Mutex
	pending map[timerKey]TimerHandle
	games   map[string]*sync.Mutex
}

type timerKey struct {
	gameID string
	round  int
}

// New wires a scheduler from config defaults.
func New(eng engine.Engine, t tally.Engine, pub Publisher) *Scheduler {
	s := &Scheduler{
		Engine:     eng,
		Tally:      t,
		Publisher:  pub,
		Timers:     realTimers{},
		Attempts:   3,
		RetryDelay: 5 * time.Second,
		pending:    make(map[timerKey]TimerHandle),
		games:      make(map[string]*sync.Mutex),
	}
	if eng.Config != nil {
		s.Attempts = eng.Config.Firing.Attempts
		s.RetryDelay = eng.Config.RetryDelay()
	}
	return s
}

func (s *Scheduler) attempts() int {
	if s.Attempts <= 0 {
		return 3
	}
	return s.Attempts
}

func (s *Scheduler) sleep(d time.Duration) {
	if s.Sleep != nil {
		s.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (s *Scheduler) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

func (s *Scheduler) gameMu(gameID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.games[gameID]
	if !ok {
		mu = &sync.Mutex{}
		s.games[gameID] = mu
	}
	return mu
}

// ScheduleRound arms the timer that will advance the given round when it
// expires. Any previously pending timer for the same (game, round) is
// cancelled first so at most one exists.
func (s *Scheduler) ScheduleRound(state domain.RoundState) {
	key := timerKey{gameID: state.GameID, round: state.RoundNumber}
	fireAt := state.Deadline()

	s.mu.Lock()
	if old, ok := s.pending[key]; ok {
		old.Cancel()
	}
	s.pending[key] = s.Timers.Schedule(fireAt, func() {
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
		res := s.Fire(context.Background(), key.gameID, key.round)
		s.logger().Printf("scheduler: game %s round %d fired: %s %s", key.gameID, key.round, res.Outcome, res.Reason)
	})
	s.mu.Unlock()

	if err := s.Engine.LogEvent(context.Background(), "timer.scheduled", state.GameID, "scheduler", events.EventPayload{
		"round":   state.RoundNumber,
		"fire_at": fireAt.UTC().Format(time.RFC3339),
	}); err != nil {
		s.logger().Printf("scheduler: record timer.scheduled for game %s: %v", state.GameID, err)
	}
}

// CancelGame cancels every pending timer for a game, returning how many
// were dropped. Called on reset and completion.
func (s *Scheduler) CancelGame(gameID string) int {
	s.mu.Lock()
	n := 0
	for key, handle := range s.pending {
		if key.gameID != gameID {
			continue
		}
		handle.Cancel()
		delete(s.pending, key)
		n++
	}
	s.mu.Unlock()
	if n > 0 {
		if err := s.Engine.LogEvent(context.Background(), "timer.cancelled", gameID, "scheduler", events.EventPayload{"count": n}); err != nil {
			s.logger().Printf("scheduler: record timer.cancelled for game %s: %v", gameID, err)
		}
	}
	return n
}

// Fire runs the advancement sequence for a round with the configured retry
// policy: transient errors retry up to the attempt budget with a fixed
// delay; no-winner, stale, and inactive outcomes are final on the first
// pass; a failed rollback aborts immediately.
func (s *Scheduler) Fire(ctx context.Context, gameID string, round int) Result {
	var lastErr error
	for attempt := 1; attempt <= s.attempts(); attempt++ {
		res, err := s.ExecuteAdvancement(ctx, gameID, round)
		if err == nil {
			return res
		}
		if errors.Is(err, ErrRollbackFailed) {
			s.logger().Printf("scheduler: game %s round %d: UNRECOVERABLE: %v", gameID, round, err)
			return Result{Outcome: OutcomeFailed, GameID: gameID, Round: round, Reason: err.Error()}
		}
		lastErr = err
		s.logger().Printf("scheduler: game %s round %d attempt %d/%d failed: %v", gameID, round, attempt, s.attempts(), err)
		if attempt < s.attempts() {
			s.sleep(s.RetryDelay)
		}
	}
	// Retries exhausted; the round stays un-advanced until the next
	// trigger, manual or otherwise.
	return Result{Outcome: OutcomeFailed, GameID: gameID, Round: round, Reason: lastErr.Error()}
}

// ExecuteAdvancement runs one pass of the firing sequence. It is the
// single funnel for both timer pops and manual triggers, serialized per
// game. A nil error means the result is final; a non-nil error is
// transient and safe to retry.
func (s *Scheduler) ExecuteAdvancement(ctx context.Context, gameID string, round int) (Result, error) {
	mu := s.gameMu(gameID)
	mu.Lock()
	defer mu.Unlock()

	// Step 1: re-read state; a reset or completed game makes this firing
	// a no-op, not an error.
	state, err := s.Engine.Repo.GetRoundState(ctx, gameID)
	if err != nil {
		return Result{Outcome: OutcomeFailed, GameID: gameID, Round: round}, err
	}
	if !state.Active() {
		return Result{Outcome: OutcomeInactive, GameID: gameID, Round: round}, nil
	}
	graph, err := s.Engine.Graph(ctx, state.StoryID)
	if err != nil {
		return Result{Outcome: OutcomeFailed, GameID: gameID, Round: round}, err
	}
	node, err := graph.Node(state.CurrentNodeID)
	if err != nil {
		return Result{Outcome: OutcomeFailed, GameID: gameID, Round: round}, err
	}

	// An active game already sitting on a terminal node means an earlier
	// recap publication failed after the transition persisted. The state's
	// round number is ahead of the fired round on that path, so this check
	// runs before the staleness guard: retry the finalization instead of
	// tallying a node that has no choices. Finalization is idempotent.
	if node.Terminal {
		if _, err := s.Publisher.PublishRecap(ctx, graph.Raw(), state); err != nil {
			return Result{Outcome: OutcomeFailed, GameID: gameID, Round: round}, fmt.Errorf("publish recap: %w", err)
		}
		if _, err := s.Engine.FinalizeGame(ctx, gameID, "scheduler"); err != nil {
			return Result{Outcome: OutcomeFailed, GameID: gameID, Round: round}, err
		}
		s.CancelGame(gameID)
		return Result{Outcome: OutcomeCompleted, GameID: gameID, Round: round, NodeID: node.ID}, nil
	}

	// Step 2: stale or duplicate timers must not advance twice.
	if state.RoundNumber != round {
		return Result{
			Outcome: OutcomeStale, GameID: gameID, Round: round,
			Reason: fmt.Sprintf("state is at round %d", state.RoundNumber),
		}, nil
	}
	snapshot := state.Clone()

	// Step 3: tally and pick a winner. No votes tracked reads as no winner.
	rec, err := s.Engine.Repo.GetVoteRecord(ctx, gameID, round)
	if errors.Is(err, repo.ErrNotFound) {
		return s.noWinner(ctx, gameID, round, "no vote record for round"), nil
	}
	if err != nil {
		return Result{Outcome: OutcomeFailed, GameID: gameID, Round: round}, err
	}
	tallied := s.Tally.Tally(ctx, rec)
	minVotes, mode := s.tallyPolicy()
	choice, err := tally.WinningChoice(tallied, node, graph, minVotes, mode, s.Rand)
	if errors.Is(err, tally.ErrNoWinner) {
		return s.noWinner(ctx, gameID, round, "no choice met the vote threshold"), nil
	}
	if errors.Is(err, tally.ErrInvalidWinningChoice) {
		// Re-running the same tally reproduces the same bad edge, so this
		// is final, not transient.
		return Result{Outcome: OutcomeFailed, GameID: gameID, Round: round, Reason: err.Error()}, nil
	}
	if err != nil {
		return Result{Outcome: OutcomeFailed, GameID: gameID, Round: round}, err
	}

	// Step 4: apply and persist the transition.
	newState, newNode, err := s.Engine.Advance(ctx, gameID, choice.ID, "scheduler")
	if err != nil {
		return Result{Outcome: OutcomeFailed, GameID: gameID, Round: round}, err
	}

	// Step 5: terminal node. Recap first, completion second: if the recap
	// fails the game stays active at the terminal node, and the next pass
	// picks finalization back up via the terminal check above.
	if newNode.Terminal {
		if _, err := s.Publisher.PublishRecap(ctx, graph.Raw(), newState); err != nil {
			return Result{Outcome: OutcomeFailed, GameID: gameID, Round: round}, fmt.Errorf("publish recap: %w", err)
		}
		if _, err := s.Engine.FinalizeGame(ctx, gameID, "scheduler"); err != nil {
			return Result{Outcome: OutcomeFailed, GameID: gameID, Round: round}, err
		}
		s.CancelGame(gameID)
		return Result{
			Outcome: OutcomeCompleted, GameID: gameID, Round: round,
			ChoiceID: choice.ID, NodeID: newNode.ID,
		}, nil
	}

	// Step 6: publish the next round. The round must not appear advanced
	// if its public artifact was never created, so a publish failure rolls
	// the state back to the step-1 snapshot before surfacing the error.
	pub, err := s.Publisher.PublishNextRound(ctx, newNode, newState)
	if err != nil {
		if rbErr := s.Engine.Restore(ctx, snapshot, "scheduler", "publish failed"); rbErr != nil {
			return Result{Outcome: OutcomeFailed, GameID: gameID, Round: round},
				fmt.Errorf("%w: %v (after publish failure: %v)", ErrRollbackFailed, rbErr, err)
		}
		return Result{Outcome: OutcomeFailed, GameID: gameID, Round: round}, fmt.Errorf("publish next round: %w", err)
	}
	if err := s.Engine.Repo.PutVoteRecord(ctx, nil, domain.VoteRecord{
		GameID:      gameID,
		RoundNumber: newState.RoundNumber,
		NodeID:      newNode.ID,
		PostRef:     pub.PostRef,
		ChoiceRefs:  pub.ChoiceRefs,
		Deadline:    newState.Deadline(),
	}); err != nil {
		// The post exists, so the advancement stands; without a vote
		// record the next firing reports no winner and an operator steps
		// in.
		s.logger().Printf("scheduler: game %s round %d advanced but vote record write failed: %v", gameID, newState.RoundNumber, err)
	}

	// A scheduling hiccup does not undo a successful advancement; the game
	// can continue through manual triggers.
	s.ScheduleRound(newState)
	return Result{
		Outcome: OutcomeAdvanced, GameID: gameID, Round: round,
		ChoiceID: choice.ID, NodeID: newNode.ID,
	}, nil
}

func (s *Scheduler) tallyPolicy() (minVotes int, mode string) {
	mode = config.TieBreakFirst
	if s.Engine.Config != nil {
		minVotes = s.Engine.Config.Game.MinimumVotes
		mode = s.Engine.Config.Game.TieBreak
	}
	return minVotes, mode
}

func (s *Scheduler) noWinner(ctx context.Context, gameID string, round int, reason string) Result {
	if err := s.Engine.LogEvent(ctx, "round.no_winner", gameID, "scheduler", events.EventPayload{
		"round":  round,
		"reason": reason,
	}); err != nil {
		s.logger().Printf("scheduler: record round.no_winner for game %s: %v", gameID, err)
	}
	return Result{Outcome: OutcomeNoWinner, GameID: gameID, Round: round, Reason: reason}
}

// Resume re-arms timers for every active game, used at process start. An
// already-expired round fires immediately.
func (s *Scheduler) Resume(ctx context.Context) error {
	games, err := s.Engine.Repo.ListGames(ctx)
	if err != nil {
		return err
	}
	for _, g := range games {
		if g.Active() {
			s.ScheduleRound(g)
		}
	}
	return nil
}
