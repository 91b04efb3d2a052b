package httpserver

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/dmctl/internal/config"
	"github.com/fairyhunter13/dmctl/internal/domain"
	"github.com/fairyhunter13/dmctl/internal/eventbus"
)

func TestEventsHandlerDeliversMatchingTopic(t *testing.T) {
	bus := eventbus.New()
	srv := NewServer(config.Config{}, nil, nil, nil, nil, nil, bus, nil, "/tmp/dmctl-events-test")

	ts := httptest.NewServer(srv.EventsHandler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "?topics=queue"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	// Give the handler a moment to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)
	bus.Publish(context.Background(), "downloads", "download.progress", nil)
	bus.Publish(context.Background(), "queue", "job.completed", map[string]any{"job_id": "job-1"})

	_, body, err := conn.Read(ctx)
	require.NoError(t, err)

	var evt domain.Event
	require.NoError(t, json.Unmarshal(body, &evt))
	assert.Equal(t, "queue", evt.Topic)
	assert.Equal(t, "job.completed", evt.Type)
}
