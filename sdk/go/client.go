package storyvotesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Storyvote HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Choice is one selectable option on a story node.
type Choice struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Next  string `json:"next"`
}

// StoryNode is a single node in a story graph.
type StoryNode struct {
	ID       string   `json:"id"`
	Title    string   `json:"title,omitempty"`
	Body     string   `json:"body"`
	ImageRef string   `json:"image_ref,omitempty"`
	Terminal bool     `json:"terminal,omitempty"`
	Choices  []Choice `json:"choices,omitempty"`
}

// Story is a full story graph as accepted by the import endpoint.
type Story struct {
	Title string      `json:"title"`
	Start string      `json:"start"`
	Nodes []StoryNode `json:"nodes"`
}

// StoryReport is the result of validating or importing a story.
type StoryReport struct {
	StoryID  string   `json:"story_id,omitempty"`
	Valid    bool     `json:"valid"`
	Errors   []any    `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Game represents the API game model.
type Game struct {
	GameID               string   `json:"game_id"`
	StoryID              string   `json:"story_id"`
	Status               string   `json:"status"`
	CurrentNodeID        string   `json:"current_node_id"`
	RoundNumber          int      `json:"round_number"`
	Path                 []string `json:"path"`
	RoundStartedAt       string   `json:"round_started_at"`
	RoundDuration        int      `json:"round_duration"`
	Accelerated          bool     `json:"accelerated"`
	RoundDeadline        string   `json:"round_deadline,omitempty"`
	TimeRemainingSeconds int64    `json:"time_remaining_seconds"`
	Expired              bool     `json:"expired"`
}

// TallyEntry is one ranked choice in a tally preview.
type TallyEntry struct {
	ChoiceID string `json:"choice_id"`
	Ref      string `json:"ref"`
	Score    int    `json:"score"`
}

// FireResult reports how a forced round firing concluded.
type FireResult struct {
	Outcome  string `json:"outcome"`
	GameID   string `json:"game_id"`
	Round    int    `json:"round"`
	ChoiceID string `json:"choice_id,omitempty"`
	NodeID   string `json:"node_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	GameID  string         `json:"game_id"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ImportStory validates and stores a story.
func (c *Client) ImportStory(ctx context.Context, s Story) (StoryReport, error) {
	var resp StoryReport
	err := c.do(ctx, http.MethodPost, "v0/stories", map[string]any{"story": s}, &resp)
	return resp, err
}

// ValidateStory checks a story without storing it.
func (c *Client) ValidateStory(ctx context.Context, s Story) (StoryReport, error) {
	var resp StoryReport
	err := c.do(ctx, http.MethodPost, "v0/stories/validate", map[string]any{"story": s}, &resp)
	return resp, err
}

// StartGameOptions tunes how a game begins.
type StartGameOptions struct {
	GameID        string
	RoundDuration int
	Accelerated   bool
}

// StartGame starts a game on a stored story.
func (c *Client) StartGame(ctx context.Context, storyID string, opts *StartGameOptions) (Game, error) {
	body := map[string]any{"story_id": storyID}
	if opts != nil {
		if opts.GameID != "" {
			body["game_id"] = opts.GameID
		}
		if opts.RoundDuration > 0 {
			body["round_duration"] = opts.RoundDuration
		}
		if opts.Accelerated {
			body["accelerated"] = true
		}
	}
	var resp Game
	err := c.do(ctx, http.MethodPost, "v0/games", body, &resp)
	return resp, err
}

// Games lists all games.
func (c *Client) Games(ctx context.Context) ([]Game, error) {
	var resp []Game
	err := c.do(ctx, http.MethodGet, "v0/games", nil, &resp)
	return resp, err
}

// Game fetches a game's current state.
func (c *Client) Game(ctx context.Context, gameID string) (Game, error) {
	var resp Game
	err := c.do(ctx, http.MethodGet, c.gamePath(gameID, ""), nil, &resp)
	return resp, err
}

// Tally previews the current round's ranked scores.
func (c *Client) Tally(ctx context.Context, gameID string) ([]TallyEntry, error) {
	var resp []TallyEntry
	err := c.do(ctx, http.MethodGet, c.gamePath(gameID, "tally"), nil, &resp)
	return resp, err
}

// Fire forces the current round to advance now.
func (c *Client) Fire(ctx context.Context, gameID string) (FireResult, error) {
	var resp FireResult
	err := c.do(ctx, http.MethodPost, c.gamePath(gameID, "fire"), nil, &resp)
	return resp, err
}

// Advance moves a game along an explicit choice.
func (c *Client) Advance(ctx context.Context, gameID, choiceID string) (Game, error) {
	var resp Game
	err := c.do(ctx, http.MethodPost, c.gamePath(gameID, "advance"), map[string]any{"choice_id": choiceID}, &resp)
	return resp, err
}

// Reset returns an active game to its start node.
func (c *Client) Reset(ctx context.Context, gameID string) (Game, error) {
	var resp Game
	err := c.do(ctx, http.MethodPost, c.gamePath(gameID, "reset"), nil, &resp)
	return resp, err
}

// Events returns a game's event log.
func (c *Client) Events(ctx context.Context, gameID string, limit int, after int64) ([]Event, error) {
	endpoint := c.gamePath(gameID, "events")
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if after > 0 {
		params.Set("after", fmt.Sprint(after))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) gamePath(gameID, p string) string {
	endpoint := fmt.Sprintf("v0/games/%s", url.PathEscape(gameID))
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
