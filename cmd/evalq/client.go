package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/evalq/internal/config"
	"github.com/kalambet/evalq/internal/remote"
	"github.com/kalambet/evalq/internal/submission"
)

// newAPIClient loads config and returns a client for the configured server.
// Tests replace it to point at an httptest server.
var newAPIClient = func() (*remote.Client, config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.APIToken == "" {
		return nil, cfg, fmt.Errorf("no API token configured. Set EVALQ_API_TOKEN or run `evalq token` on the server host")
	}
	return remote.New(cfg.ServerURL(), cfg.Server.APIToken, remote.WithLogger(slog.Default())), cfg, nil
}

// explain turns client errors into operator-facing messages.
func explain(err error, serverURL string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, remote.ErrUnauthorized):
		return fmt.Errorf("the server at %s rejected the API token", serverURL)
	case errors.Is(err, submission.ErrTransient):
		return fmt.Errorf("server not reachable at %s. Is `evalq serve` running? (%w)", serverURL, err)
	}
	switch k := submission.KindOf(err); k {
	case submission.KindNotFound, submission.KindConflict:
		return fmt.Errorf("%s (%w)", k.Message(), err)
	}
	return err
}
