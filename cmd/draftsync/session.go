package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	cli "github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/yangwenmai/draftsync/internal/backend"
	"github.com/yangwenmai/draftsync/internal/config"
	"github.com/yangwenmai/draftsync/internal/logging"
	"github.com/yangwenmai/draftsync/internal/pipesync"
	"github.com/yangwenmai/draftsync/internal/realtime"
)

// session is one opened engine plus the resources behind it.
type session struct {
	engine *pipesync.Engine
	client *backend.Client
	logger *slog.Logger
}

func newLogger(cmd *cli.Command) *slog.Logger {
	return logging.New(cmd.String("log-level"), cmd.String("log-format"), os.Stderr)
}

func newClient(cfg config.Config, cmd *cli.Command) *backend.Client {
	return backend.New(cmd.String("api"), cfg.HTTPTimeout)
}

// openSession opens a sync engine for id. Push is enabled when a realtime
// URL is configured.
func openSession(ctx context.Context, cfg config.Config, cmd *cli.Command, id string) (*session, error) {
	logger := newLogger(cmd)
	client := newClient(cfg, cmd)

	opts := pipesync.Options{
		Logger:            logger,
		QuietPeriod:       cfg.AutosaveQuietPeriod,
		RegenerationLimit: cfg.ImageRegenerationLimit,
	}
	if u := cmd.String("realtime"); u != "" {
		opts.Channel = realtime.NewSocketIOChannel(u, logger)
	}

	e, err := pipesync.Open(ctx, id, client, opts)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("open %s: %w", id, err)
	}
	return &session{engine: e, client: client, logger: logger}, nil
}

func (s *session) Close() {
	s.engine.Close()
	s.client.Close()
}

// printYAML renders v with its JSON field names.
func printYAML(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(generic)
}

// stateView is the printable part of pipesync.State.
type stateView struct {
	pipesync.State
	Error string `json:"error,omitempty"`
}

func viewOf(st pipesync.State) stateView {
	v := stateView{State: st}
	if st.LastError != nil {
		v.Error = st.LastError.Error()
	}
	return v
}
