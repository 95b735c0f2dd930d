package resourceaccess

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loomkit/loomkit/pkg/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoHandler struct {
	mu       sync.Mutex
	received []CommandID
}

func (h *echoHandler) HandleCommand(_ context.Context, command CommandID, payload []byte) (bool, []byte, error) {
	h.mu.Lock()
	h.received = append(h.received, command)
	h.mu.Unlock()
	return true, payload, nil
}

func startTestServer(t *testing.T, socketPath string) (*Server, *echoHandler) {
	t.Helper()
	handler := &echoHandler{}
	revisions := broker.New[uint64](8, 4)
	revisions.Start()
	notifications := broker.New[Notification](8, 4)
	notifications.Start()

	server, err := NewServer(socketPath, handler, revisions, notifications)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go server.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		server.Close()
		revisions.Stop()
		notifications.Stop()
	})
	return server, handler
}

func TestClientConnectsAndRoundTripsCompletion(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "resource.sock")
	_, handler := startTestServer(t, socketPath)

	client := NewClient("instance-a", socketPath, nil, WithBackoff(10*time.Millisecond))
	defer client.Close()
	require.NoError(t, client.Open(context.Background()))

	done := make(chan bool, 1)
	client.Enqueue(CommandCreateEntity, []byte("payload"), func(success bool, body []byte) {
		done <- success
	})

	select {
	case success := <-done:
		assert.True(t, success)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Contains(t, handler.received, CommandCreateEntity)
}

func TestClientSpawnsResourceOnFirstConnectFailure(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "resource.sock")
	var spawned int
	var mu sync.Mutex

	spawn := func(ctx context.Context, instanceID string) error {
		mu.Lock()
		spawned++
		mu.Unlock()
		startTestServer(t, socketPath)
		return nil
	}

	client := NewClient("instance-a", socketPath, spawn, WithBackoff(10*time.Millisecond), WithMaxConnectAttempts(50))
	defer client.Close()
	require.NoError(t, client.Open(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, spawned)
}

func TestRevisionUpdateBroadcastsToClient(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "resource.sock")
	server, _ := startTestServer(t, socketPath)

	client := NewClient("instance-a", socketPath, nil, WithBackoff(10*time.Millisecond))
	defer client.Close()
	require.NoError(t, client.Open(context.Background()))

	sub := client.Revisions().Subscribe()
	defer client.Revisions().Unsubscribe(sub)

	time.Sleep(50 * time.Millisecond)
	server.revisions.Publish(7)

	select {
	case revision := <-sub:
		assert.Equal(t, uint64(7), revision)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for revision broadcast")
	}
}

func TestStatusTrackerRollsUpToWorstStatus(t *testing.T) {
	tracker := NewStatusTracker()
	tracker.Update(Notification{ResourceID: "a", Status: StatusConnected})
	tracker.Update(Notification{ResourceID: "b", Status: StatusBusy})
	assert.Equal(t, StatusBusy, tracker.Rollup())

	tracker.Update(Notification{ResourceID: "c", Status: StatusError})
	assert.Equal(t, StatusError, tracker.Rollup())

	tracker.Remove("c")
	assert.Equal(t, StatusBusy, tracker.Rollup())
}
