package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storyvote/internal/domain"
)

// Repo is the typed persistence layer over sqlite. Key layout and
// serialization are implementation details; callers only see domain types.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	if tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	return r.DB.ExecContext(ctx, query, args...)
}

// InsertStory stores a validated story graph as a new story.
func (r Repo) InsertStory(ctx context.Context, tx *sql.Tx, id string, g domain.StoryGraph) error {
	if id == "" {
		return errors.New("story id required")
	}
	payload, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal story: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.exec(ctx, tx, `INSERT INTO stories(id,title,payload_json,created_at) VALUES (?,?,?,?)`,
		id, g.Title, string(payload), now)
	if err != nil {
		return fmt.Errorf("insert story %s: %w", id, err)
	}
	return nil
}

// GetStoryGraph loads a stored story graph by id.
func (r Repo) GetStoryGraph(ctx context.Context, id string) (domain.StoryGraph, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT payload_json FROM stories WHERE id=?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return domain.StoryGraph{}, fmt.Errorf("story %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.StoryGraph{}, fmt.Errorf("get story %s: %w", id, err)
	}
	var g domain.StoryGraph
	if err := json.Unmarshal([]byte(payload), &g); err != nil {
		return domain.StoryGraph{}, fmt.Errorf("unmarshal story %s: %w", id, err)
	}
	return g, nil
}

// ListStories returns id/title pairs of stored stories, newest first.
func (r Repo) ListStories(ctx context.Context) (map[string]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,title FROM stories ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var id, title string
		if err := rows.Scan(&id, &title); err != nil {
			return nil, err
		}
		out[id] = title
	}
	return out, rows.Err()
}

// InsertGame creates a new game row from an initial round state.
func (r Repo) InsertGame(ctx context.Context, tx *sql.Tx, s domain.RoundState) error {
	pathJSON, err := json.Marshal(s.Path)
	if err != nil {
		return err
	}
	_, err = r.exec(ctx, tx, `INSERT INTO games(id,story_id,status,current_node_id,round_number,path_json,round_started_at,round_duration,accelerated,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		s.GameID, s.StoryID, string(s.Status), s.CurrentNodeID, s.RoundNumber, string(pathJSON),
		s.RoundStartedAt.UTC().Format(time.RFC3339), s.RoundDuration, boolInt(s.Accelerated), s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert game %s: %w", s.GameID, err)
	}
	return nil
}

// GetRoundState loads the full round state for a game.
func (r Repo) GetRoundState(ctx context.Context, gameID string) (domain.RoundState, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,story_id,status,current_node_id,round_number,path_json,round_started_at,round_duration,accelerated,created_at,updated_at
		FROM games WHERE id=?`, gameID)
	s, err := scanRoundState(row)
	if errors.Is(err, ErrNotFound) {
		return s, fmt.Errorf("game %s: %w", gameID, ErrNotFound)
	}
	return s, err
}

// SetRoundState writes the full round state as a unit. Partial field
// updates are deliberately not offered; the record's invariants hold only
// when it is replaced whole.
func (r Repo) SetRoundState(ctx context.Context, tx *sql.Tx, s domain.RoundState) error {
	pathJSON, err := json.Marshal(s.Path)
	if err != nil {
		return err
	}
	res, err := r.exec(ctx, tx, `UPDATE games SET status=?,current_node_id=?,round_number=?,path_json=?,round_started_at=?,updated_at=? WHERE id=?`,
		string(s.Status), s.CurrentNodeID, s.RoundNumber, string(pathJSON),
		s.RoundStartedAt.UTC().Format(time.RFC3339), s.UpdatedAt, s.GameID)
	if err != nil {
		return fmt.Errorf("set round state %s: %w", s.GameID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("game %s: %w", s.GameID, ErrNotFound)
	}
	return nil
}

// ListGames returns all games, newest first.
func (r Repo) ListGames(ctx context.Context) ([]domain.RoundState, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,story_id,status,current_node_id,round_number,path_json,round_started_at,round_duration,accelerated,created_at,updated_at
		FROM games ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.RoundState
	for rows.Next() {
		s, err := scanRoundStateRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SingleActiveGame returns the only active game, for CLI default selection.
func (r Repo) SingleActiveGame(ctx context.Context) (domain.RoundState, error) {
	games, err := r.ListGames(ctx)
	if err != nil {
		return domain.RoundState{}, err
	}
	var active []domain.RoundState
	for _, g := range games {
		if g.Active() {
			active = append(active, g)
		}
	}
	if len(active) == 0 {
		return domain.RoundState{}, ErrNotFound
	}
	if len(active) > 1 {
		return domain.RoundState{}, fmt.Errorf("multiple active games; specify --game")
	}
	return active[0], nil
}

// PutVoteRecord upserts the vote record for a round. Re-registering the
// same round replaces its references.
func (r Repo) PutVoteRecord(ctx context.Context, tx *sql.Tx, rec domain.VoteRecord) error {
	refsJSON, err := json.Marshal(rec.ChoiceRefs)
	if err != nil {
		return err
	}
	if rec.CreatedAt == "" {
		rec.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err = r.exec(ctx, tx, `INSERT INTO vote_records(game_id,round_number,node_id,post_ref,choice_refs_json,deadline,created_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(game_id,round_number) DO UPDATE SET node_id=excluded.node_id,post_ref=excluded.post_ref,choice_refs_json=excluded.choice_refs_json,deadline=excluded.deadline`,
		rec.GameID, rec.RoundNumber, rec.NodeID, nullable(rec.PostRef), string(refsJSON),
		rec.Deadline.UTC().Format(time.RFC3339), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("put vote record %s/%d: %w", rec.GameID, rec.RoundNumber, err)
	}
	return nil
}

// GetVoteRecord loads the vote record tracked for a round.
func (r Repo) GetVoteRecord(ctx context.Context, gameID string, round int) (domain.VoteRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT game_id,round_number,node_id,COALESCE(post_ref,''),choice_refs_json,deadline,created_at
		FROM vote_records WHERE game_id=? AND round_number=?`, gameID, round)
	var rec domain.VoteRecord
	var refsJSON, deadline string
	err := row.Scan(&rec.GameID, &rec.RoundNumber, &rec.NodeID, &rec.PostRef, &refsJSON, &deadline, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.VoteRecord{}, fmt.Errorf("vote record %s/%d: %w", gameID, round, ErrNotFound)
	}
	if err != nil {
		return domain.VoteRecord{}, fmt.Errorf("get vote record %s/%d: %w", gameID, round, err)
	}
	if err := json.Unmarshal([]byte(refsJSON), &rec.ChoiceRefs); err != nil {
		return domain.VoteRecord{}, fmt.Errorf("unmarshal vote record %s/%d: %w", gameID, round, err)
	}
	rec.Deadline, err = time.Parse(time.RFC3339, deadline)
	if err != nil {
		return domain.VoteRecord{}, fmt.Errorf("parse deadline %s/%d: %w", gameID, round, err)
	}
	return rec, nil
}

// EventsAfter returns up to limit events with id greater than afterID,
// optionally scoped to a game.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64, gameID string) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(game_id,''),actor_id,payload_json FROM events WHERE id>?`
	args := []any{afterID}
	if gameID != "" {
		query += ` AND game_id=?`
		args = append(args, gameID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.GameID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanRoundState(row *sql.Row) (domain.RoundState, error) {
	var s domain.RoundState
	var status, pathJSON, startedAt string
	var accel int
	err := row.Scan(&s.GameID, &s.StoryID, &status, &s.CurrentNodeID, &s.RoundNumber, &pathJSON, &startedAt, &s.RoundDuration, &accel, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	return finishRoundState(s, status, pathJSON, startedAt, accel)
}

func scanRoundStateRows(rows *sql.Rows) (domain.RoundState, error) {
	var s domain.RoundState
	var status, pathJSON, startedAt string
	var accel int
	if err := rows.Scan(&s.GameID, &s.StoryID, &status, &s.CurrentNodeID, &s.RoundNumber, &pathJSON, &startedAt, &s.RoundDuration, &accel, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return s, err
	}
	return finishRoundState(s, status, pathJSON, startedAt, accel)
}

func finishRoundState(s domain.RoundState, status, pathJSON, startedAt string, accel int) (domain.RoundState, error) {
	s.Status = domain.GameStatus(status)
	s.Accelerated = accel != 0
	if err := json.Unmarshal([]byte(pathJSON), &s.Path); err != nil {
		return s, fmt.Errorf("unmarshal game path: %w", err)
	}
	ts, err := time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return s, fmt.Errorf("parse round_started_at: %w", err)
	}
	s.RoundStartedAt = ts
	return s, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
