package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/fairyhunter13/dmctl/internal/domain"
)

// EventsHandler upgrades to a single bidirectional connection on which
// the caller receives every event.Event published on the topics given
// by the `topics` query parameter (comma-separated; all topics when
// omitted) (§4.6, §6).
func (s *Server) EventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var topics []string
		if raw := r.URL.Query().Get("topics"); raw != "" {
			topics = strings.Split(raw, ",")
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		defer func() { _ = conn.CloseNow() }()

		ch, unsubscribe := s.Bus.Subscribe(topics...)
		defer unsubscribe()

		ctx := conn.CloseRead(r.Context())
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if err := writeEvent(ctx, conn, evt); err != nil {
					slog.Debug("events connection write failed, closing", slog.Any("error", err))
					return
				}
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt domain.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, body)
}
