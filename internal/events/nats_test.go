package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fyrsmithlabs/loopd/internal/config"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestNATSServer starts an embedded NATS server on a random port.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestNATSPublisher_Publish(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("loops.>")
	require.NoError(t, err)

	pub, err := NewNATSPublisher(nc, "", nil)
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	err = pub.Publish(context.Background(), Event{
		Type:   TypePromoted,
		LoopID: "loop-42",
		At:     at,
		Data:   map[string]any{"workstream": "proj-1"},
	})
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "loops.loop-42.promoted", msg.Subject)

	var got Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, TypePromoted, got.Type)
	assert.Equal(t, "loop-42", got.LoopID)
	assert.True(t, got.At.Equal(at))
	assert.Equal(t, "proj-1", got.Data["workstream"])

	// Close leaves a borrowed connection open.
	require.NoError(t, pub.Close())
	assert.False(t, nc.IsClosed())
}

func TestConnect_OwnsConnection(t *testing.T) {
	server := startTestNATSServer(t)

	pub, err := Connect(config.NATSConfig{URL: server.ClientURL(), SubjectPrefix: "dev.loops"}, nil)
	require.NoError(t, err)

	watcher, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer watcher.Close()
	sub, err := watcher.SubscribeSync("dev.loops.*.status")
	require.NoError(t, err)
	require.NoError(t, watcher.Flush())

	require.NoError(t, pub.Publish(context.Background(), Event{Type: TypeStatus, LoopID: "ns:loop.7"}))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "dev.loops.ns:loop_7.status", msg.Subject)

	require.NoError(t, pub.Close())
}

func TestPublish_CancelledContext(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	pub, err := NewNATSPublisher(nc, "loops", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, pub.Publish(ctx, Event{Type: TypeCreated, LoopID: "x"}), context.Canceled)
}

func TestSubject(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"loop-1", "loops.loop-1.weight"},
		{"a.b", "loops.a_b.weight"},
		{"", "loops._.weight"},
		{"x*y>z", "loops.x_y_z.weight"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Subject("loops", Event{Type: TypeWeight, LoopID: tt.id}))
	}
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	require.NoError(t, r.Publish(context.Background(), Event{Type: TypeCreated, LoopID: "a"}))
	require.NoError(t, r.Publish(context.Background(), Event{Type: TypeStatus, LoopID: "a"}))
	assert.Len(t, r.Events(), 2)
	assert.Len(t, r.OfType(TypeStatus), 1)

	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), Event{}))
}
