package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/agentcore/internal/bus"
)

const (
	streamWriteTimeout = 5 * time.Second
	streamPingInterval = 30 * time.Second
)

// streamMessage is one frame on the /ws notification stream.
type streamMessage struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// eventOwner extracts the owner a bus payload belongs to. Payloads without
// one are never forwarded.
func eventOwner(payload any) string {
	switch p := payload.(type) {
	case bus.UserNotification:
		return p.Owner
	case bus.AgentStatusEvent:
		return p.Owner
	case bus.PluginExecutedEvent:
		return p.Owner
	case bus.TaskExecutedEvent:
		return p.Owner
	case bus.PermissionDecisionEvent:
		return p.Owner
	}
	return ""
}

func topicFilter(raw string) []string {
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func wantTopic(filters []string, topic string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if strings.HasPrefix(topic, f) {
			return true
		}
	}
	return false
}

// handleWS streams the caller's bus events as JSON frames. The optional
// ?topics= query narrows the stream to a comma-separated list of prefixes.
// The connection is write-only; client frames are discarded.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		unavailable(w, "event bus")
		return
	}
	owner := ownerFrom(r.Context())
	filters := topicFilter(r.URL.Query().Get("topics"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "owner", owner, "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := conn.CloseRead(r.Context())
	s.logger.Info("ws: client connected", "owner", owner, "topics", strings.Join(filters, ","))

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("ws: client gone", "owner", owner)
			return
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		case ev, ok := <-sub.Ch():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if eventOwner(ev.Payload) != owner || !wantTopic(filters, ev.Topic) {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(wctx, conn, streamMessage{Topic: ev.Topic, Payload: ev.Payload})
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Warn("ws: write failed", "owner", owner, "topic", ev.Topic, "error", err)
				}
				return
			}
		}
	}
}
