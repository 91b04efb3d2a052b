package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupervisorShutsDownOnContextCancel(t *testing.T) {
	srv := &http.Server{Addr: "127.0.0.1:0"}

	var bgStarted, bgStopped atomic.Bool
	sup := &Supervisor{
		HTTPServer:      srv,
		ShutdownTimeout: time.Second,
		Background: []Runnable{
			func(ctx context.Context) {
				bgStarted.Store(true)
				<-ctx.Done()
				bgStopped.Store(true)
			},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, bgStarted.Load, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down")
	}
	assert.True(t, bgStopped.Load())
}

func TestSupervisorReturnsErrorOnHTTPServerFailure(t *testing.T) {
	busy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer busy.Close()

	srv := &http.Server{Addr: busy.Listener.Addr().String()}
	sup := &Supervisor{HTTPServer: srv, ShutdownTimeout: time.Second}

	err := sup.Run(context.Background())
	require.Error(t, err)
}
