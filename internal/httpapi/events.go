package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/agentworkforce/relaygraph/internal/relaygraph"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const eventWriteTimeout = 10 * time.Second

// handleEvents upgrades to a websocket and streams the tenant's change
// events as JSON messages until either side goes away. A subscriber that
// falls behind is disconnected with StatusTryAgainLater.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, rc requestContext) {
	if s.deps.Events == nil {
		writeError(w, http.StatusNotFound, "not_found", "event stream is not enabled", rc.correlationID)
		return
	}
	if !s.authorize(w, r, rc, relaygraph.PermissionRead, relaygraph.RoleViewer) {
		return
	}
	// Subscribe before the upgrade so nothing published after the handshake
	// is missed.
	events, cancel := s.deps.Events.Subscribe(rc.graphID)
	defer cancel()

	// The hijacked connection keeps the server's request deadlines.
	controller := http.NewResponseController(w)
	_ = controller.SetReadDeadline(time.Time{})
	_ = controller.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.String("correlation_id", rc.correlationID), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// Clients send nothing; CloseRead handles control frames and cancels ctx
	// when the peer closes.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusTryAgainLater, "subscriber fell behind")
				return
			}
			if err := writeEvent(ctx, conn, event); err != nil {
				s.logger.Debug("event stream closed", zap.String("graph_id", rc.graphID), zap.Error(err))
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, event relaygraph.Event) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, event)
}
