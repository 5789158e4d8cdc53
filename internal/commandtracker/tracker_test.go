package commandtracker

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcon/bcon-server/internal/wire"
)

func TestTrackRequiresAck(t *testing.T) {
	tr := New(nil)
	defer tr.Close()

	out := wire.NewOutgoing("command", json.RawMessage(`{}`))
	id, ok := tr.Track(out, "conn-1")
	assert.False(t, ok)
	assert.Empty(t, id)

	out = out.WithRequiresAck(true)
	id, ok = tr.Track(out, "conn-1")
	assert.True(t, ok)
	assert.NotEmpty(t, id)
	assert.Len(t, tr.GetPendingForConnection("conn-1"), 1)
}

func TestHandleAckConsumesByReplyTo(t *testing.T) {
	tr := New(nil)
	defer tr.Close()

	out := wire.NewOutgoing("command", json.RawMessage(`{}`)).WithRequiresAck(true).WithMessageID("cmd-42")
	id, ok := tr.Track(out, "conn-1")
	require.True(t, ok)
	assert.Equal(t, "cmd-42", id)

	ack := wire.Incoming{EventType: "ack", ReplyTo: strPtr("cmd-42")}
	pc, ok := tr.HandleAck(ack)
	require.True(t, ok)
	assert.Equal(t, "conn-1", pc.ConnectionID)

	// A second ack for the same id no longer matches anything.
	_, ok = tr.HandleAck(ack)
	assert.False(t, ok)
}

func TestHandleAckFallsBackToMessageID(t *testing.T) {
	tr := New(nil)
	defer tr.Close()

	out := wire.NewOutgoing("command", nil).WithRequiresAck(true).WithMessageID("cmd-7")
	_, ok := tr.Track(out, "conn-2")
	require.True(t, ok)

	msg := wire.Incoming{EventType: "ack", MessageID: strPtr("cmd-7")}
	_, ok = tr.HandleAck(msg)
	assert.True(t, ok)
}

func TestCleanupConnectionRemovesOnlyThatConnection(t *testing.T) {
	tr := New(nil)
	defer tr.Close()

	out1 := wire.NewOutgoing("command", nil).WithRequiresAck(true)
	out2 := wire.NewOutgoing("command", nil).WithRequiresAck(true)
	tr.Track(out1, "conn-a")
	tr.Track(out2, "conn-b")

	tr.CleanupConnection("conn-a")
	assert.Empty(t, tr.GetPendingForConnection("conn-a"))
	assert.Len(t, tr.GetPendingForConnection("conn-b"), 1)
}

func TestTimeoutRetriesThenReEmitsSyntheticTimeout(t *testing.T) {
	var mu sync.Mutex
	var reEmitted []wire.Outgoing

	tr := New(func(connectionID string, env wire.Outgoing) {
		mu.Lock()
		defer mu.Unlock()
		reEmitted = append(reEmitted, env)
	})
	defer tr.Close()

	out := wire.NewOutgoing("command", nil).WithRequiresAck(true).WithTimeoutMs(10).WithMessageID("cmd-timeout")
	_, ok := tr.Track(out, "conn-1")
	require.True(t, ok)

	// MaxRetries is 3; each retry doubles the timeout starting from 10ms,
	// which stays far below the 1Hz sweep period, so the three retries and
	// the final synthetic timeout take four sweeps (about four seconds).
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, env := range reEmitted {
			if env.Success != nil && !*env.Success && env.MessageID != nil && *env.MessageID == "cmd-timeout" {
				return true
			}
		}
		return false
	}, 6*time.Second, 50*time.Millisecond)

	assert.Empty(t, tr.GetPendingForConnection("conn-1"))

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, len(reEmitted), 2, "at least one retry re-emission plus the final synthetic timeout")
}

func strPtr(s string) *string { return &s }
