package api

import (
	"log/slog"
	"net/http"

	"github.com/zishang520/socket.io/v2/socket"

	"github.com/yangwenmai/draftsync/internal/realtime"
	"github.com/yangwenmai/draftsync/internal/store"
)

// Hub pushes artifact changes to socket.io clients. A client joins the room
// of an artifact by emitting artifact:subscribe {id} and receives
// artifact:update for every write to it.
type Hub struct {
	io     *socket.Server
	logger *slog.Logger
}

// NewHub creates a Hub. A nil logger means slog.Default().
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{io: socket.NewServer(nil, nil), logger: logger}
	h.io.On("connection", h.onConnection)
	return h
}

func (h *Hub) onConnection(clients ...any) {
	if len(clients) == 0 {
		return
	}
	client, ok := clients[0].(*socket.Socket)
	if !ok {
		return
	}
	h.logger.Debug("socket connected", "socket_id", client.Id())
	client.On(realtime.SubscribeEvent, func(args ...any) {
		if id := roomOf(args); id != "" {
			client.Join(socket.Room(id))
			h.logger.Debug("socket subscribed", "socket_id", client.Id(), "artifact_id", id)
		}
	})
	client.On(realtime.UnsubscribeEvent, func(args ...any) {
		if id := roomOf(args); id != "" {
			client.Leave(socket.Room(id))
		}
	})
}

// Handler serves the socket.io endpoint.
func (h *Hub) Handler() http.Handler {
	return h.io.ServeHandler(nil)
}

// Publish emits the change to every client subscribed to the artifact.
// It is meant to be registered with store.WithChangeHook.
func (h *Hub) Publish(ch store.Change) {
	ev := realtime.NewChangeEvent(ch.Old, ch.New)
	if ev.ArtifactID == "" {
		return
	}
	if err := h.io.To(socket.Room(ev.ArtifactID)).Emit(realtime.UpdateEvent, ev); err != nil {
		h.logger.Warn("publish change failed", "artifact_id", ev.ArtifactID, "error", err)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.io.Close(nil)
}

// roomOf reads the artifact id from a subscribe payload: {"id": "..."} or a
// bare string.
func roomOf(args []any) string {
	if len(args) == 0 {
		return ""
	}
	switch v := args[0].(type) {
	case string:
		return v
	case map[string]any:
		id, _ := v["id"].(string)
		return id
	}
	return ""
}
