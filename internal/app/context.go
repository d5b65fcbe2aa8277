package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"onboardgate/internal/config"
	"onboardgate/internal/db"
	"onboardgate/internal/engine"
	"onboardgate/internal/migrate"
)

// Open prepares the workspace: it opens the database, applies migrations,
// loads onboardgate.yml (falling back to defaults) and validates the shipped
// flow. The returned close func releases the database.
func Open(ctx context.Context, workspace string) (engine.Engine, func() error, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return engine.Engine{}, nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return engine.Engine{}, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	if err := e.Flow().Validate(); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("onboarding flow: %w", err)
	}
	return e, conn.Close, nil
}

// OpenDB opens and migrates the workspace database without loading config.
func OpenDB(ctx context.Context, workspace string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return conn, nil
}

// ParseFacts turns path=value arguments into fields for Engine.SetFacts.
// Values that parse as JSON keep their type (true, 3, null, [..], {..});
// anything else is stored as a string.
func ParseFacts(args []string) (map[string]any, error) {
	fields := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid fact %q; expected path=value", arg)
		}
		var v any
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil || dec.More() {
			v = raw
		}
		fields[key] = v
	}
	return fields, nil
}
