package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"storyvote/internal/engine"
	"storyvote/internal/repo"
	"storyvote/internal/scheduler"
	"storyvote/internal/story"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	Scheduler *scheduler.Scheduler
	BasePath  string
	Auth      AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"unknown_choice"`
	Message string         `json:"message" example:"choice c3 not present on current node"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Storyvote API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Storyvote API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStories(group, cfg.Engine)
	registerGames(group, cfg.Engine, cfg.Scheduler)
	registerEvents(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, story.ErrNodeNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrUnknownChoice):
		return newAPIError(http.StatusUnprocessableEntity, "unknown_choice", err.Error(), nil)
	case errors.Is(err, engine.ErrGameInactive):
		return newAPIError(http.StatusConflict, "game_inactive", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid story"):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_story", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Storyvote API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStories(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "validate-story",
		Method:      http.MethodPost,
		Path:        "/stories/validate",
		Summary:     "Validate a story without storing it",
	}, func(ctx context.Context, input *struct {
		Body ImportStoryRequest `json:"body"`
	}) (*struct {
		Body StoryReportResponse `json:"body"`
	}, error) {
		_, rep := story.Validate(input.Body.Story)
		return &struct {
			Body StoryReportResponse `json:"body"`
		}{Body: StoryReportResponse{Valid: rep.OK(), Errors: rep.Errors, Warnings: rep.Warnings}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stories",
		Method:      http.MethodGet,
		Path:        "/stories",
		Summary:     "List stored stories",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		items, err := e.Repo.ListStories(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "import-story",
		Method:        http.MethodPost,
		Path:          "/stories",
		Summary:       "Validate and store a story",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body ImportStoryRequest `json:"body"`
	}) (*struct {
		Body StoryReportResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id, rep, err := e.ImportStory(ctx, input.Body.Story, actorID)
		if err != nil {
			if !rep.OK() {
				return nil, newAPIError(http.StatusUnprocessableEntity, "invalid_story", err.Error(), map[string]any{
					"errors":   rep.Errors,
					"warnings": rep.Warnings,
				})
			}
			return nil, handleError(err)
		}
		return &struct {
			Body StoryReportResponse `json:"body"`
		}{Body: StoryReportResponse{StoryID: id, Valid: true, Warnings: rep.Warnings}}, nil
	})
}

func registerGames(api huma.API, e engine.Engine, sched *scheduler.Scheduler) {
	type gamePath struct {
		GameID string `path:"game_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "start-game",
		Method:        http.MethodPost,
		Path:          "/games",
		Summary:       "Start a game on a stored story",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body StartGameRequest `json:"body"`
	}) (*struct {
		Body GameResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.StoryID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "story_id is required", nil)
		}
		opts := engine.StartOptions{StoryID: input.Body.StoryID, ActorID: actorID}
		if input.Body.GameID != nil {
			opts.GameID = *input.Body.GameID
		}
		if input.Body.RoundDuration != nil {
			opts.RoundDuration = *input.Body.RoundDuration
		}
		if input.Body.Accelerated != nil {
			opts.Accelerated = *input.Body.Accelerated
		}
		state, err := e.StartGame(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		if sched != nil {
			sched.ScheduleRound(state)
		}
		return &struct {
			Body GameResponse `json:"body"`
		}{Body: gameResponse(e, state)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-games",
		Method:      http.MethodGet,
		Path:        "/games",
		Summary:     "List games",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []GameResponse `json:"body"`
	}, error) {
		games, err := e.Repo.ListGames(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []GameResponse `json:"body"`
		}{Body: mapGames(e, games)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "game-status",
		Method:      http.MethodGet,
		Path:        "/games/{game_id}",
		Summary:     "Game status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *gamePath) (*struct {
		Body GameResponse `json:"body"`
	}, error) {
		state, err := e.Repo.GetRoundState(ctx, input.GameID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GameResponse `json:"body"`
		}{Body: gameResponse(e, state)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "game-tally",
		Method:      http.MethodGet,
		Path:        "/games/{game_id}/tally",
		Summary:     "Preview the current round's tally",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *gamePath) (*struct {
		Body []TallyEntryResponse `json:"body"`
	}, error) {
		state, err := e.Repo.GetRoundState(ctx, input.GameID)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := e.Repo.GetVoteRecord(ctx, state.GameID, state.RoundNumber)
		if err != nil {
			return nil, handleError(err)
		}
		if sched == nil {
			return nil, newAPIError(http.StatusConflict, "conflict", "scheduler not running", nil)
		}
		return &struct {
			Body []TallyEntryResponse `json:"body"`
		}{Body: mapTally(sched.Tally.Tally(ctx, rec))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fire-game",
		Method:      http.MethodPost,
		Path:        "/games/{game_id}/fire",
		Summary:     "Force the current round to advance now",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *gamePath) (*struct {
		Body scheduler.Result `json:"body"`
	}, error) {
		state, err := e.Repo.GetRoundState(ctx, input.GameID)
		if err != nil {
			return nil, handleError(err)
		}
		if sched == nil {
			return nil, newAPIError(http.StatusConflict, "conflict", "scheduler not running", nil)
		}
		res := sched.Fire(ctx, state.GameID, state.RoundNumber)
		return &struct {
			Body scheduler.Result `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-game",
		Method:      http.MethodPost,
		Path:        "/games/{game_id}/advance",
		Summary:     "Advance along an explicit choice",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		GameID string             `path:"game_id"`
		Body   AdvanceGameRequest `json:"body"`
	}) (*struct {
		Body GameResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ChoiceID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "choice_id is required", nil)
		}
		state, node, err := e.Advance(ctx, input.GameID, input.Body.ChoiceID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if sched != nil {
			sched.CancelGame(state.GameID)
			if !node.Terminal {
				sched.ScheduleRound(state)
			}
		}
		return &struct {
			Body GameResponse `json:"body"`
		}{Body: gameResponse(e, state)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-game",
		Method:      http.MethodPost,
		Path:        "/games/{game_id}/reset",
		Summary:     "Reset an active game",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *gamePath) (*struct {
		Body GameResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if sched != nil {
			sched.CancelGame(input.GameID)
		}
		state, err := e.Reset(ctx, input.GameID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GameResponse `json:"body"`
		}{Body: gameResponse(e, state)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/games/{game_id}/events",
		Summary:     "Game event log",
	}, func(ctx context.Context, input *struct {
		GameID string `path:"game_id"`
		After  int64  `query:"after"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		items, err := e.Repo.EventsAfter(ctx, limit, input.After, input.GameID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, item := range items {
			out = append(out, eventResponse(item))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Issue a short-lived dev token (development only)",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body struct {
			ActorID string `json:"actor_id"`
		} `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if !authCfg.DevTokens {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "dev tokens disabled", nil)
		}
		actorID := strings.TrimSpace(input.Body.ActorID)
		if actorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := issueDevToken(actorID, authCfg.JWTSecret, 12*time.Hour)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"token": token}}, nil
	})
}
