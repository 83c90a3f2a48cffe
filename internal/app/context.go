package app

import (
	"context"
	"fmt"

	"storyvote/internal/config"
	"storyvote/internal/db"
	"storyvote/internal/domain"
	"storyvote/internal/engine"
	"storyvote/internal/migrate"
	"storyvote/internal/repo"
)

// Open prepares a workspace: database opened, migrations applied, config
// loaded (defaults when storyvote.yml is absent), engine wired.
func Open(workspace string) (engine.Engine, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, err
	}
	if err := migrate.Migrate(conn); err != nil {
		return engine.Engine{}, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return engine.Engine{}, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return engine.New(conn, cfg), nil
}

// ResolveGame picks the game a command should act on: the explicit
// override when given, otherwise the single active game.
func ResolveGame(ctx context.Context, gameOverride string, r repo.Repo) (domain.RoundState, error) {
	if gameOverride != "" {
		return r.GetRoundState(ctx, gameOverride)
	}
	state, err := r.SingleActiveGame(ctx)
	if err != nil {
		return domain.RoundState{}, fmt.Errorf("game not specified; use --game: %w", err)
	}
	return state, nil
}
