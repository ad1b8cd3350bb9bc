package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

// SocketIOChannel is a Channel backed by a socket.io server that understands
// artifact:subscribe and emits artifact:update.
type SocketIOChannel struct {
	url       string
	namespace string
	logger    *slog.Logger
}

// NewSocketIOChannel creates a channel for the server at rawURL, for example
// http://localhost:8080/socket.io/.
func NewSocketIOChannel(rawURL string, logger *slog.Logger) *SocketIOChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketIOChannel{url: rawURL, namespace: "/", logger: logger}
}

// Subscribe connects in the background. The subscription is re-sent after
// every reconnect.
func (c *SocketIOChannel) Subscribe(_ context.Context, artifactID string, onEvent func(ChangeEvent), onError func(error)) (Subscription, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("realtime url %q must be absolute", c.url)
	}

	opts := socket.DefaultOptions()
	if u.Path != "" && u.Path != "/" {
		opts.SetPath(u.Path)
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	baseURL := fmt.Sprintf("%s://%s", u.Scheme, u.Host)
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(c.namespace, opts)
	logger := c.logger.With("artifact_id", artifactID, "url", c.url)

	sub := &socketSubscription{io: io, artifactID: artifactID}

	io.On(types.EventName("connect"), func(...any) {
		logger.Debug("socket.io connected, subscribing", "sid", io.Id())
		io.Emit(SubscribeEvent, map[string]any{"id": artifactID})
	})
	io.On(types.EventName(UpdateEvent), func(data ...any) {
		if len(data) == 0 {
			return
		}
		ev, err := DecodeChangeEvent(data[0])
		if err != nil {
			logger.Warn("dropping malformed update", "error", err)
			return
		}
		onEvent(ev)
	})
	io.On(types.EventName("connect_error"), func(errs ...any) {
		if sub.isClosed() {
			return
		}
		onError(firstError(errs, "connect failed"))
	})
	io.On(types.EventName("disconnect"), func(reasons ...any) {
		if sub.isClosed() {
			return
		}
		onError(fmt.Errorf("disconnected: %v", reasons))
	})

	io.Connect()
	return sub, nil
}

type socketSubscription struct {
	io         *socket.Socket
	artifactID string

	mu     sync.Mutex
	closed bool
}

func (s *socketSubscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *socketSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.io.Connected() {
		s.io.Emit(UnsubscribeEvent, map[string]any{"id": s.artifactID})
	}
	s.io.Disconnect()
	return nil
}

// DecodeChangeEvent converts a decoded socket.io payload into a ChangeEvent.
func DecodeChangeEvent(v any) (ChangeEvent, error) {
	var raw []byte
	switch p := v.(type) {
	case string:
		raw = []byte(p)
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return ChangeEvent{}, fmt.Errorf("re-encode payload: %w", err)
		}
		raw = b
	}
	var ev ChangeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ChangeEvent{}, fmt.Errorf("decode change event: %w", err)
	}
	if ev.ArtifactID == "" && ev.New != nil {
		ev.ArtifactID = ev.New.ID
	}
	if ev.ArtifactID == "" {
		return ChangeEvent{}, errors.New("change event without artifact id")
	}
	return ev, nil
}

func firstError(args []any, fallback string) error {
	for _, a := range args {
		if err, ok := a.(error); ok {
			return err
		}
	}
	return errors.New(fallback)
}
