package social

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

	"storyvote/internal/config"
	"storyvote/internal/domain"
)

const defaultTimeout = 10 * time.Second

// Client talks to the external social platform: reading vote scores,
// creating round posts and per-choice vote comments, and posting the
// final recap. Content formatting and layout belong to the platform side;
// the client only ships the structured round data.
type Client struct {
	BaseURL    string
	Board      string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New builds a client from config with sane defaults.
func New(cfg *config.Config) *Client {
	c := &Client{Timeout: defaultTimeout}
	if cfg != nil {
		c.BaseURL = cfg.Platform.BaseURL
		c.Board = cfg.Platform.Board
		c.Token = cfg.Platform.Token
		if cfg.Platform.TimeoutSeconds > 0 {
			c.Timeout = cfg.PlatformTimeout()
		}
	}
	return c
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: c.Timeout}
}

func (c *Client) do(ctx context.Context, method, p string, in, out any) error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("platform base_url not configured")
	}
	u, err := url.JoinPath(c.BaseURL, p)
	if err != nil {
		return err
	}
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("platform %s %s: status %d: %s", method, p, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("platform %s %s: decode response: %w", method, p, err)
		}
	}
	return nil
}

// GetScore reads the current score of one vote reference.
func (c *Client) GetScore(ctx context.Context, ref string) (int, error) {
	var out struct {
		Score int `json:"score"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/refs/"+url.PathEscape(ref)+"/score", nil, &out); err != nil {
		return 0, err
	}
	if out.Score < 0 {
		return 0, nil
	}
	return out.Score, nil
}

type postRequest struct {
	Board    string `json:"board"`
	GameID   string `json:"game_id"`
	Round    int    `json:"round"`
	NodeID   string `json:"node_id"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	ImageRef string `json:"image_ref,omitempty"`
}

type postResponse struct {
	Ref string `json:"ref"`
}

type commentRequest struct {
	ChoiceID string `json:"choice_id"`
	Label    string `json:"label"`
}

// PublishNextRound creates the public post for a node and one vote comment
// per choice, returning the fresh references the next round tallies.
func (c *Client) PublishNextRound(ctx context.Context, node domain.StoryNode, state domain.RoundState) (domain.Publication, error) {
	var post postResponse
	err := c.do(ctx, http.MethodPost, "/api/posts", postRequest{
		Board:    c.Board,
		GameID:   state.GameID,
		Round:    state.RoundNumber,
		NodeID:   node.ID,
		Title:    node.Title,
		Body:     node.Body,
		ImageRef: node.ImageRef,
	}, &post)
	if err != nil {
		return domain.Publication{}, fmt.Errorf("publish round %d: %w", state.RoundNumber, err)
	}
	pub := domain.Publication{PostRef: post.Ref, ChoiceRefs: make(map[string]string, len(node.Choices))}
	for _, choice := range node.Choices {
		var comment postResponse
		err := c.do(ctx, http.MethodPost, "/api/posts/"+url.PathEscape(post.Ref)+"/comments", commentRequest{
			ChoiceID: choice.ID,
			Label:    choice.Label,
		}, &comment)
		if err != nil {
			return domain.Publication{}, fmt.Errorf("register choice %s: %w", choice.ID, err)
		}
		pub.ChoiceRefs[choice.ID] = comment.Ref
	}
	return pub, nil
}

type recapRequest struct {
	Board  string   `json:"board"`
	GameID string   `json:"game_id"`
	Title  string   `json:"title"`
	Rounds int      `json:"rounds"`
	Path   []string `json:"path"`
}

// PublishRecap posts the end-of-game summary for a completed path.
func (c *Client) PublishRecap(ctx context.Context, g domain.StoryGraph, state domain.RoundState) (string, error) {
	var post postResponse
	err := c.do(ctx, http.MethodPost, "/api/recaps", recapRequest{
		Board:  c.Board,
		GameID: state.GameID,
		Title:  g.Title,
		Rounds: state.RoundNumber,
		Path:   state.Path,
	}, &post)
	if err != nil {
		return "", fmt.Errorf("publish recap: %w", err)
	}
	return post.Ref, nil
}
