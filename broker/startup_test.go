package broker

import (
	"chat-relay/errors"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

// Nothing listens on port 1.
const unreachable = "127.0.0.1:1"

func TestRedis_Unreachable_At_Startup_Runs_Degraded(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	// Given a Redis server that is down
	r, err := NewRedis(log, "redis://"+unreachable+"/0", "chat.")

	// Then the broker is still created
	req.NoError(err)
	defer func() { _ = r.Close() }()

	// And publishing reports the outage
	err = r.Publish(context.Background(), "conv.c1", []byte("{}"))
	req.ErrorIs(err, errors.ErrBrokerUnavailable)

	// And the adapter keeps retrying without ever connecting
	ctx, cancel := context.WithCancel(context.Background())
	adapter := NewAdapter(log, r, &fakeRegistry{}, "instance-a", WithBackoff(10*time.Millisecond, 20*time.Millisecond))
	done := make(chan error, 1)
	go func() { done <- adapter.Run(ctx) }()
	req.Never(adapter.Connected, 200*time.Millisecond, 10*time.Millisecond)
	cancel()
	req.NoError(<-done)
}

func TestRedis_Invalid_URL_Is_Rejected(t *testing.T) {
	req := require.New(t)
	_, err := NewRedis(logs.GetLoggerFromLevel(slog.LevelDebug), "not a url", "chat.")
	req.Error(err)
}

func TestNATS_Unreachable_At_Startup_Runs_Degraded(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	// Given a NATS server that is down
	n, err := NewNATS(log, "nats://"+unreachable, "chat", "chat-relay-test")

	// Then the connection is retried in the background instead of failing
	req.NoError(err)
	defer func() { _ = n.Close() }()

	// And subscribing reports the outage so the adapter backs off
	ready := false
	err = n.Subscribe(context.Background(), func() { ready = true }, func(string, []byte) {})
	req.ErrorIs(err, errors.ErrBrokerUnavailable)
	req.False(ready)
}
