package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"reflect"
	"sync"
	"testing"
	"time"

	"storyvote/internal/config"
	"storyvote/internal/db"
	"storyvote/internal/domain"
	"storyvote/internal/engine"
	"storyvote/internal/migrate"
	"storyvote/internal/scheduler"
	"storyvote/internal/tally"
)

type fakeScores struct {
	mu     sync.Mutex
	scores map[string]int
}

func (f *fakeScores) GetScore(ctx context.Context, ref string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	score, ok := f.scores[ref]
	if !ok {
		return 0, fmt.Errorf("unknown ref %s", ref)
	}
	return score, nil
}

type fakePublisher struct {
	mu          sync.Mutex
	failRounds  int // PublishNextRound failures before succeeding
	failRecaps  int
	roundCalls  int
	recapCalls  int
	publication domain.Publication
}

func (f *fakePublisher) PublishNextRound(ctx context.Context, node domain.StoryNode, state domain.RoundState) (domain.Publication, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roundCalls++
	if f.failRounds > 0 {
		f.failRounds--
		return domain.Publication{}, errors.New("platform down")
	}
	pub := f.publication
	if pub.PostRef == "" {
		pub = domain.Publication{PostRef: fmt.Sprintf("post-r%d", state.RoundNumber), ChoiceRefs: map[string]string{}}
		for _, c := range node.Choices {
			pub.ChoiceRefs[c.ID] = fmt.Sprintf("ref-%s-r%d", c.ID, state.RoundNumber)
		}
	}
	return pub, nil
}

func (f *fakePublisher) PublishRecap(ctx context.Context, g domain.StoryGraph, state domain.RoundState) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recapCalls++
	if f.failRecaps > 0 {
		f.failRecaps--
		return "", errors.New("platform down")
	}
	return "recap-1", nil
}

type fakeHandle struct{ cancelled *bool }

func (h fakeHandle) Cancel() bool {
	was := *h.cancelled
	*h.cancelled = true
	return !was
}

type fakeTimers struct {
	mu        sync.Mutex
	scheduled []time.Time
}

func (f *fakeTimers) Schedule(fireAt time.Time, fire func()) scheduler.TimerHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, fireAt)
	cancelled := false
	return fakeHandle{cancelled: &cancelled}
}

func (f *fakeTimers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.scheduled)
}

type testEnv struct {
	Engine    engine.Engine
	Scheduler *scheduler.Scheduler
	Publisher *fakePublisher
	Scores    *fakeScores
	Timers    *fakeTimers
	Ctx       context.Context
	GameID    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	ctx := context.Background()
	storyID, rep, err := eng.ImportStory(ctx, domain.StoryGraph{
		Title:   "The Forest",
		StartID: "start",
		Nodes: []domain.StoryNode{
			{ID: "start", Title: "Clearing", Body: "Paths lead north and east.", Choices: []domain.Choice{
				{ID: "north", Label: "Go north", NextID: "river"},
				{ID: "east", Label: "Go east", NextID: "end"},
			}},
			{ID: "river", Title: "River", Body: "The water is cold.", Choices: []domain.Choice{
				{ID: "cross", Label: "Cross", NextID: "end"},
				{ID: "back", Label: "Turn back", NextID: "start"},
			}},
			{ID: "end", Title: "Home", Body: "You make it home.", Terminal: true},
		},
	}, "tester")
	if err != nil {
		t.Fatalf("import story: %v (%v)", err, rep.Errors)
	}
	state, err := eng.StartGame(ctx, engine.StartOptions{StoryID: storyID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("start game: %v", err)
	}

	scores := &fakeScores{scores: map[string]int{}}
	pub := &fakePublisher{}
	timers := &fakeTimers{}
	quiet := log.New(io.Discard, "", 0)
	sched := scheduler.New(eng, tally.Engine{
		Scores: scores,
		Sleep:  func(time.Duration) {},
		Logger: quiet,
	}, pub)
	sched.Timers = timers
	sched.Sleep = func(time.Duration) {}
	sched.Logger = quiet

	return &testEnv{
		Engine:    eng,
		Scheduler: sched,
		Publisher: pub,
		Scores:    scores,
		Timers:    timers,
		Ctx:       ctx,
		GameID:    state.GameID,
	}
}

// trackRound stores the vote record the scheduler would have written when
// round N was published.
func (env *testEnv) trackRound(t *testing.T, round int, nodeID string, refs map[string]string) {
	t.Helper()
	state, err := env.Engine.Repo.GetRoundState(env.Ctx, env.GameID)
	if err != nil {
		t.Fatal(err)
	}
	err = env.Engine.Repo.PutVoteRecord(env.Ctx, nil, domain.VoteRecord{
		GameID:      env.GameID,
		RoundNumber: round,
		NodeID:      nodeID,
		PostRef:     "post-seed",
		ChoiceRefs:  refs,
		Deadline:    state.Deadline(),
	})
	if err != nil {
		t.Fatalf("seed vote record: %v", err)
	}
}

func TestFireAdvancesHighestScoringChoice(t *testing.T) {
	env := newTestEnv(t)
	env.trackRound(t, 1, "start", map[string]string{"north": "ref-n", "east": "ref-e"})
	env.Scores.scores = map[string]int{"ref-n": 5, "ref-e": 3}

	res := env.Scheduler.Fire(env.Ctx, env.GameID, 1)
	if res.Outcome != scheduler.OutcomeAdvanced {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if res.ChoiceID != "north" || res.NodeID != "river" {
		t.Fatalf("result = %+v", res)
	}

	state, err := env.Engine.Repo.GetRoundState(env.Ctx, env.GameID)
	if err != nil {
		t.Fatal(err)
	}
	if state.RoundNumber != 2 || state.CurrentNodeID != "river" {
		t.Fatalf("state = %+v", state)
	}

	// The new round's votes are tracked and its timer is armed.
	rec, err := env.Engine.Repo.GetVoteRecord(env.Ctx, env.GameID, 2)
	if err != nil {
		t.Fatalf("round 2 record: %v", err)
	}
	if rec.NodeID != "river" || len(rec.ChoiceRefs) != 2 {
		t.Fatalf("record = %+v", rec)
	}
	if env.Timers.count() != 1 {
		t.Fatalf("timers scheduled = %d", env.Timers.count())
	}
}

func TestFireCompletesGameAtTerminalNode(t *testing.T) {
	env := newTestEnv(t)
	env.trackRound(t, 1, "start", map[string]string{"north": "ref-n", "east": "ref-e"})
	env.Scores.scores = map[string]int{"ref-n": 1, "ref-e": 9}

	res := env.Scheduler.Fire(env.Ctx, env.GameID, 1)
	if res.Outcome != scheduler.OutcomeCompleted {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if env.Publisher.recapCalls != 1 {
		t.Fatalf("recap calls = %d", env.Publisher.recapCalls)
	}
	if env.Publisher.roundCalls != 0 {
		t.Fatalf("next-round publish on terminal path: %d", env.Publisher.roundCalls)
	}

	state, err := env.Engine.Repo.GetRoundState(env.Ctx, env.GameID)
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != domain.GameCompleted {
		t.Fatalf("status = %s", state.Status)
	}
	if env.Timers.count() != 0 {
		t.Fatalf("completed game armed a timer")
	}
}

func TestFireRecapFailureRetriesFinalization(t *testing.T) {
	env := newTestEnv(t)
	env.trackRound(t, 1, "start", map[string]string{"north": "ref-n", "east": "ref-e"})
	env.Scores.scores = map[string]int{"ref-n": 1, "ref-e": 9}
	env.Publisher.failRecaps = 1

	// The first attempt advances onto the terminal node and fails the
	// recap. Advance has committed round 2 by then, so the retry fires
	// against an active game on a terminal node with an old round number,
	// which must re-run finalization rather than read as stale.
	res := env.Scheduler.Fire(env.Ctx, env.GameID, 1)
	if res.Outcome != scheduler.OutcomeCompleted {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if env.Publisher.recapCalls != 2 {
		t.Fatalf("recap calls = %d, want 2", env.Publisher.recapCalls)
	}
	state, err := env.Engine.Repo.GetRoundState(env.Ctx, env.GameID)
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != domain.GameCompleted {
		t.Fatalf("status = %s", state.Status)
	}
	if env.Timers.count() != 0 {
		t.Fatalf("completed game armed a timer")
	}
}

func TestFireRecapExhaustionReportsFailureAndStaysRetryable(t *testing.T) {
	env := newTestEnv(t)
	env.trackRound(t, 1, "start", map[string]string{"north": "ref-n", "east": "ref-e"})
	env.Scores.scores = map[string]int{"ref-n": 1, "ref-e": 9}
	env.Publisher.failRecaps = 100
	env.Scheduler.Attempts = 3

	res := env.Scheduler.Fire(env.Ctx, env.GameID, 1)
	if res.Outcome != scheduler.OutcomeFailed {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if env.Publisher.recapCalls != 3 {
		t.Fatalf("recap calls = %d, want 3", env.Publisher.recapCalls)
	}
	state, err := env.Engine.Repo.GetRoundState(env.Ctx, env.GameID)
	if err != nil {
		t.Fatal(err)
	}
	if !state.Active() || state.CurrentNodeID != "end" {
		t.Fatalf("state = %+v", state)
	}

	// A later firing, once the platform recovers, finishes the game.
	env.Publisher.failRecaps = 0
	res = env.Scheduler.Fire(env.Ctx, env.GameID, state.RoundNumber)
	if res.Outcome != scheduler.OutcomeCompleted {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	state, err = env.Engine.Repo.GetRoundState(env.Ctx, env.GameID)
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != domain.GameCompleted {
		t.Fatalf("status = %s", state.Status)
	}
}

func TestFirePublishFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.trackRound(t, 1, "start", map[string]string{"north": "ref-n", "east": "ref-e"})
	env.Scores.scores = map[string]int{"ref-n": 5, "ref-e": 3}
	env.Publisher.failRounds = 100
	env.Scheduler.Attempts = 2

	before, err := env.Engine.Repo.GetRoundState(env.Ctx, env.GameID)
	if err != nil {
		t.Fatal(err)
	}

	res := env.Scheduler.Fire(env.Ctx, env.GameID, 1)
	if res.Outcome != scheduler.OutcomeFailed {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if env.Publisher.roundCalls != 2 {
		t.Fatalf("publish attempts = %d, want 2", env.Publisher.roundCalls)
	}

	after, err := env.Engine.Repo.GetRoundState(env.Ctx, env.GameID)
	if err != nil {
		t.Fatal(err)
	}
	after.UpdatedAt = before.UpdatedAt
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("state changed despite rollback:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestFireRetriesTransientPublishFailure(t *testing.T) {
	env := newTestEnv(t)
	env.trackRound(t, 1, "start", map[string]string{"north": "ref-n", "east": "ref-e"})
	env.Scores.scores = map[string]int{"ref-n": 5, "ref-e": 3}
	env.Publisher.failRounds = 2 // two failures, then success

	res := env.Scheduler.Fire(env.Ctx, env.GameID, 1)
	if res.Outcome != scheduler.OutcomeAdvanced {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if env.Publisher.roundCalls != 3 {
		t.Fatalf("publish attempts = %d, want 3", env.Publisher.roundCalls)
	}
	state, err := env.Engine.Repo.GetRoundState(env.Ctx, env.GameID)
	if err != nil {
		t.Fatal(err)
	}
	if state.RoundNumber != 2 || state.CurrentNodeID != "river" {
		t.Fatalf("state = %+v", state)
	}
}

func TestFireStaleRoundIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.Engine.Advance(env.Ctx, env.GameID, "north", "tester"); err != nil {
		t.Fatal(err)
	}

	res := env.Scheduler.Fire(env.Ctx, env.GameID, 1)
	if res.Outcome != scheduler.OutcomeStale {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	state, err := env.Engine.Repo.GetRoundState(env.Ctx, env.GameID)
	if err != nil {
		t.Fatal(err)
	}
	if state.RoundNumber != 2 {
		t.Fatalf("stale firing advanced the game: %+v", state)
	}
}

func TestFireInactiveGameIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Reset(env.Ctx, env.GameID, "tester"); err != nil {
		t.Fatal(err)
	}

	res := env.Scheduler.Fire(env.Ctx, env.GameID, 1)
	if res.Outcome != scheduler.OutcomeInactive {
		t.Fatalf("outcome = %s", res.Outcome)
	}
}

func TestFireNoVoteRecordReportsNoWinnerWithoutRetry(t *testing.T) {
	env := newTestEnv(t)

	res := env.Scheduler.Fire(env.Ctx, env.GameID, 1)
	if res.Outcome != scheduler.OutcomeNoWinner {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if env.Publisher.roundCalls != 0 || env.Publisher.recapCalls != 0 {
		t.Fatalf("publisher reached on a no-winner round")
	}
	state, err := env.Engine.Repo.GetRoundState(env.Ctx, env.GameID)
	if err != nil {
		t.Fatal(err)
	}
	if state.RoundNumber != 1 {
		t.Fatalf("no-winner round advanced the game: %+v", state)
	}
}

func TestFireMinimumVotesThreshold(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Game.MinimumVotes = 10
	env.trackRound(t, 1, "start", map[string]string{"north": "ref-n", "east": "ref-e"})
	env.Scores.scores = map[string]int{"ref-n": 5, "ref-e": 3}

	res := env.Scheduler.Fire(env.Ctx, env.GameID, 1)
	if res.Outcome != scheduler.OutcomeNoWinner {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
}

func TestScheduleRoundReplacesPendingTimer(t *testing.T) {
	env := newTestEnv(t)
	state, err := env.Engine.Repo.GetRoundState(env.Ctx, env.GameID)
	if err != nil {
		t.Fatal(err)
	}
	env.Scheduler.ScheduleRound(state)
	env.Scheduler.ScheduleRound(state)
	if got := env.Timers.count(); got != 2 {
		t.Fatalf("schedule calls = %d", got)
	}
	if n := env.Scheduler.CancelGame(env.GameID); n != 1 {
		t.Fatalf("pending timers = %d, want 1 (re-arm must replace)", n)
	}
}

func TestConcurrentFiringsAdvanceExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.trackRound(t, 1, "start", map[string]string{"north": "ref-n", "east": "ref-e"})
	env.Scores.scores = map[string]int{"ref-n": 5, "ref-e": 3}

	const n = 4
	results := make([]scheduler.Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = env.Scheduler.Fire(env.Ctx, env.GameID, 1)
		}(i)
	}
	wg.Wait()

	advanced, stale := 0, 0
	for _, res := range results {
		switch res.Outcome {
		case scheduler.OutcomeAdvanced:
			advanced++
		case scheduler.OutcomeStale:
			stale++
		default:
			t.Fatalf("unexpected outcome %s (%s)", res.Outcome, res.Reason)
		}
	}
	if advanced != 1 || stale != n-1 {
		t.Fatalf("advanced=%d stale=%d", advanced, stale)
	}
	state, err := env.Engine.Repo.GetRoundState(env.Ctx, env.GameID)
	if err != nil {
		t.Fatal(err)
	}
	if state.RoundNumber != 2 {
		t.Fatalf("round = %d", state.RoundNumber)
	}
}

func TestResumeArmsActiveGamesOnly(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Reset(env.Ctx, env.GameID, "tester"); err != nil {
		t.Fatal(err)
	}
	if err := env.Scheduler.Resume(env.Ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if env.Timers.count() != 0 {
		t.Fatalf("inactive game armed at resume")
	}

	// A second, active game does get a timer.
	stories, err := env.Engine.Repo.ListStories(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	var storyID string
	for id := range stories {
		storyID = id
	}
	if _, err := env.Engine.StartGame(env.Ctx, engine.StartOptions{StoryID: storyID, ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if err := env.Scheduler.Resume(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if env.Timers.count() != 1 {
		t.Fatalf("timers = %d", env.Timers.count())
	}
}
