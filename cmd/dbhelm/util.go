package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/loykin/dbhelm/internal/config"
	"github.com/loykin/dbhelm/pkg/client"
)

// apiClient builds a client for --api-url, falling back to the configured
// listen address and base path.
func apiClient(g *GlobalFlags) (*client.Client, error) {
	url := g.APIUrl
	if url == "" {
		cfg, err := config.Load(g.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
		url = "http://" + cfg.Server.Listen + cfg.Server.BasePath
	}
	return client.New(client.Config{BaseURL: strings.TrimRight(url, "/"), Timeout: g.APITimeout}), nil
}

// withClient runs fn against the API and fails early when the server is down.
func withClient(g *GlobalFlags, fn func(ctx context.Context, c *client.Client) error) error {
	c, err := apiClient(g)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if !c.IsReachable(ctx) {
		return fmt.Errorf("dbhelm server is not reachable; start it with 'dbhelm serve'")
	}
	return fn(ctx, c)
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || p < 1 || p > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return p, nil
}
