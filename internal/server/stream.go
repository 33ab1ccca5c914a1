package server

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/matthewbaird/recipehub/internal/eventbus"
	"github.com/matthewbaird/recipehub/internal/types"
)

// StreamMessage is the envelope for all server-to-client stream messages.
type StreamMessage struct {
	Type string `json:"type"` // "hello", "activity", "ping"
	Data any    `json:"data,omitempty"`
}

// HelloData is sent once after the stream opens.
type HelloData struct {
	Namespace string `json:"namespace"`
}

// StreamHandler pushes newly collected activity to websocket clients,
// filtered to the caller's namespace.
type StreamHandler struct {
	bus          *eventbus.Bus
	log          *zap.Logger
	pingInterval time.Duration
}

// NewStreamHandler creates a StreamHandler fed by bus.
func NewStreamHandler(bus *eventbus.Bus, log *zap.Logger) *StreamHandler {
	return &StreamHandler{bus: bus, log: log, pingInterval: 30 * time.Second}
}

// ServeHTTP upgrades to WebSocket and forwards events until either side
// goes away.
// GET /v1/activity/stream
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ns := namespaceFrom(r.Context())
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Debug("stream: websocket accept", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	events := h.bus.SubscribeChan(64)
	defer h.bus.Unsubscribe(events)

	// The client sends nothing; CloseRead cancels ctx when it disconnects.
	ctx := conn.CloseRead(r.Context())

	if err := h.send(ctx, conn, StreamMessage{Type: "hello", Data: HelloData{Namespace: ns.Key()}}); err != nil {
		return
	}

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case evt, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if !matches(evt, ns) {
				continue
			}
			if err := h.send(ctx, conn, StreamMessage{Type: "activity", Data: evt.Entry}); err != nil {
				return
			}
		case <-ping.C:
			if err := h.send(ctx, conn, StreamMessage{Type: "ping"}); err != nil {
				return
			}
		}
	}
}

func matches(evt eventbus.Event, ns types.Namespace) bool {
	return evt.Kind == eventbus.KindActivityCollected && evt.Namespace == ns.Key() && evt.Entry != nil
}

func (h *StreamHandler) send(ctx context.Context, conn *websocket.Conn, msg StreamMessage) error {
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wsjson.Write(wctx, conn, msg); err != nil {
		h.log.Debug("stream: write failed", zap.String("type", msg.Type), zap.Error(err))
		return err
	}
	return nil
}
