// Package commands holds the revealctl subcommands.
package commands

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"revealgate.dev/internal/app"
	"revealgate.dev/internal/config"
)

// Env lazily builds the app shared by every subcommand.
type Env struct {
	ConfigPath string

	app *app.App
}

// NewEnvWithApp wraps an already built app.
func NewEnvWithApp(a *app.App) *Env {
	return &Env{app: a}
}

// App loads the configuration and builds the app on first use.
func (e *Env) App(ctx context.Context) (*app.App, error) {
	if e.app != nil {
		return e.app, nil
	}
	cfg, err := config.Load(e.ConfigPath)
	if err != nil {
		return nil, err
	}
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	a, err := app.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	e.app = a
	return a, nil
}

// Close releases the app if one was built.
func (e *Env) Close() {
	if e.app != nil {
		e.app.Close()
	}
}

func readYAML(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}
