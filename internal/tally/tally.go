package tally

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"storyvote/internal/config"
	"storyvote/internal/domain"
	"storyvote/internal/story"
)

// ScoreSource reads the current score of one external vote reference.
// Implementations carry their own per-call timeout.
type ScoreSource interface {
	GetScore(ctx context.Context, ref string) (int, error)
}

var (
	// ErrNoWinner means no choice met the minimum-vote threshold. Not
	// retryable by policy; an operator decides what happens next.
	ErrNoWinner = errors.New("no winning choice")
	// ErrInvalidWinningChoice means the tally picked a choice whose edge
	// does not resolve on the current node. Retrying would reproduce the
	// same result, so this is terminal for the firing.
	ErrInvalidWinningChoice = errors.New("invalid winning choice")
)

// Engine fetches scores for a round's tracked choices and ranks them.
type Engine struct {
	Scores   ScoreSource
	Attempts int                 // per-reference fetch attempts
	Sleep    func(time.Duration) // injectable for tests
	Logger   *log.Logger
}

func (e Engine) attempts() int {
	if e.Attempts <= 0 {
		return 3
	}
	return e.Attempts
}

func (e Engine) sleep(d time.Duration) {
	if e.Sleep != nil {
		e.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// Backoff returns the delay before retry attempt+1 of a score fetch:
// 1s, 2s, 4s, ...
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(1<<(attempt-1)) * time.Second
}

// Tally reads the score of every tracked reference and returns entries
// sorted by score descending, stable on choice-id order for equal scores.
// Fetches run concurrently; a failed reference scores 0 and never blocks
// or aborts its siblings.
func (e Engine) Tally(ctx context.Context, rec domain.VoteRecord) domain.TallyResult {
	ids := make([]string, 0, len(rec.ChoiceRefs))
	for id := range rec.ChoiceRefs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	result := make(domain.TallyResult, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		ref := rec.ChoiceRefs[id]
		result[i] = domain.TallyEntry{ChoiceID: id, Ref: ref}
		wg.Add(1)
		go func(i int, id, ref string) {
			defer wg.Done()
			result[i].Score = e.fetchScore(ctx, id, ref)
		}(i, id, ref)
	}
	wg.Wait()

	sort.SliceStable(result, func(i, j int) bool { return result[i].Score > result[j].Score })
	return result
}

func (e Engine) fetchScore(ctx context.Context, choiceID, ref string) int {
	var lastErr error
	for attempt := 1; attempt <= e.attempts(); attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		score, err := e.Scores.GetScore(ctx, ref)
		if err == nil {
			if score < 0 {
				score = 0
			}
			return score
		}
		lastErr = err
		if attempt < e.attempts() {
			e.sleep(Backoff(attempt))
		}
	}
	e.logger().Printf("tally: score fetch for choice %s (ref %s) failed, defaulting to 0: %v", choiceID, ref, lastErr)
	return 0
}

// WinningChoice picks the round winner from a tally. Choices below
// minVotes are dropped; ties at the top score break by the current node's
// choice order (deterministic) or uniformly at random, per mode. The
// winner is revalidated against the node and graph before returning.
func WinningChoice(res domain.TallyResult, node domain.StoryNode, graph *story.Graph, minVotes int, mode string, rng *rand.Rand) (domain.Choice, error) {
	var eligible domain.TallyResult
	for _, entry := range res {
		if entry.Score >= minVotes {
			eligible = append(eligible, entry)
		}
	}
	if len(eligible) == 0 {
		return domain.Choice{}, ErrNoWinner
	}

	topScore := eligible[0].Score
	for _, entry := range eligible[1:] {
		if entry.Score > topScore {
			topScore = entry.Score
		}
	}
	topSet := map[string]bool{}
	for _, entry := range eligible {
		if entry.Score == topScore {
			topSet[entry.ChoiceID] = true
		}
	}

	var winnerID string
	switch {
	case len(topSet) == 1:
		for id := range topSet {
			winnerID = id
		}
	case mode == config.TieBreakRandom:
		// Node order keeps the draw deterministic under a seeded source.
		var tied []string
		for _, c := range node.Choices {
			if topSet[c.ID] {
				tied = append(tied, c.ID)
			}
		}
		if len(tied) == 0 {
			return domain.Choice{}, fmt.Errorf("%w: tied choices not on node %s", ErrInvalidWinningChoice, node.ID)
		}
		if rng == nil {
			rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		winnerID = tied[rng.Intn(len(tied))]
	default:
		// Deterministic fallback: first tied entry in the node's own
		// choice order, not tally order.
		for _, c := range node.Choices {
			if topSet[c.ID] {
				winnerID = c.ID
				break
			}
		}
		if winnerID == "" {
			return domain.Choice{}, fmt.Errorf("%w: tied choices not on node %s", ErrInvalidWinningChoice, node.ID)
		}
	}

	choice, err := graph.Choice(node.ID, winnerID)
	if err != nil {
		return domain.Choice{}, fmt.Errorf("%w: %s on node %s", ErrInvalidWinningChoice, winnerID, node.ID)
	}
	if _, err := graph.Node(choice.NextID); err != nil {
		return domain.Choice{}, fmt.Errorf("%w: %s leads to missing node %s", ErrInvalidWinningChoice, winnerID, choice.NextID)
	}
	return choice, nil
}
