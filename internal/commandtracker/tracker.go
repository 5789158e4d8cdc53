// Package commandtracker correlates outgoing commands that require
// acknowledgment with their replies, and enforces per-command timeouts
// with exponential-backoff retry and re-emission.
//
// The original implementation this broker is modelled on tracks
// timeouts but never actually re-emits the retried frame or delivers a
// synthetic timeout response — its own sweep comment admits as much.
// This tracker is constructed with a ReEmitFunc precisely so the retry
// and the final synthetic timeout both reach the originator's egress
// queue.
package commandtracker

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bcon/bcon-server/internal/concurrent"
	"github.com/bcon/bcon-server/internal/logger"
	"github.com/bcon/bcon-server/internal/wire"
)

// PendingCommand is a tracked outgoing command awaiting acknowledgment.
type PendingCommand struct {
	ID               string
	ReplyTo          *string
	CreatedAt        time.Time
	TimeoutMs        uint64
	RetryCount       uint8
	MaxRetries       uint8
	ConnectionID     string
	CommandType      string
	OriginalEnvelope wire.Outgoing
}

// ReEmitFunc re-sends an outgoing envelope to a connection's egress
// queue. The tracker's sweep calls it both for backoff retries (with the
// original envelope) and for the final synthetic timeout (with a freshly
// built envelope).
type ReEmitFunc func(connectionID string, env wire.Outgoing)

// Tracker maintains the commandId -> PendingCommand mapping and runs the
// 1 Hz timeout sweep.
type Tracker struct {
	pending      *concurrent.Map[string, PendingCommand]
	counter      atomic.Uint64
	reEmit       ReEmitFunc
	stopCh       chan struct{}
	stopped      atomic.Bool
}

// New constructs a Tracker. reEmit is invoked by the sweep both to
// re-send a backed-off retry and to deliver the final synthetic timeout
// envelope, both addressed to the originating connection.
func New(reEmit ReEmitFunc) *Tracker {
	t := &Tracker{
		pending: concurrent.NewMap[string, PendingCommand](),
		reEmit:  reEmit,
		stopCh:  make(chan struct{}),
	}
	go t.sweepLoop()
	return t
}

// Close stops the periodic sweep. Safe to call once.
func (t *Tracker) Close() {
	if t.stopped.CompareAndSwap(false, true) {
		close(t.stopCh)
	}
}

func (t *Tracker) sweepLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.checkTimeouts()
		}
	}
}

// GenerateCommandID mints a unique command id in the "cmd_<uuid>_<seq>"
// shape.
func (t *Tracker) GenerateCommandID() string {
	seq := t.counter.Add(1)
	return "cmd_" + uuid.NewString() + "_" + itoa(seq)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Track registers outgoing as a pending command if it requires
// acknowledgment, returning the assigned command id. It returns ok=false
// (doing nothing) when requiresAck is not true.
func (t *Tracker) Track(outgoing wire.Outgoing, connectionID string) (commandID string, ok bool) {
	if outgoing.RequiresAck == nil || !*outgoing.RequiresAck {
		return "", false
	}
	id := t.GenerateCommandID()
	if outgoing.MessageID != nil && *outgoing.MessageID != "" {
		id = *outgoing.MessageID
	}
	timeoutMs := uint64(30000)
	if outgoing.TimeoutMs != nil {
		timeoutMs = *outgoing.TimeoutMs
	}
	pc := PendingCommand{
		ID:               id,
		ReplyTo:          outgoing.ReplyTo,
		CreatedAt:        time.Now(),
		TimeoutMs:        timeoutMs,
		RetryCount:       0,
		MaxRetries:       3,
		ConnectionID:     connectionID,
		CommandType:      outgoing.Type,
		OriginalEnvelope: outgoing,
	}
	t.pending.Set(id, pc)
	logger.CommandTracker().Debug().Str("command_id", id).Uint64("timeout_ms", timeoutMs).Msg("tracking command")
	return id, true
}

// HandleAck consumes the pending command matching incoming's replyTo (or,
// as fallback, its messageId), returning it and ok=true on a match.
func (t *Tracker) HandleAck(incoming wire.Incoming) (PendingCommand, bool) {
	key := ""
	if incoming.ReplyTo != nil && *incoming.ReplyTo != "" {
		key = *incoming.ReplyTo
	} else if incoming.MessageID != nil {
		key = *incoming.MessageID
	}
	if key == "" {
		return PendingCommand{}, false
	}
	pc, ok := t.pending.Get(key)
	if !ok {
		return PendingCommand{}, false
	}
	t.pending.Delete(key)
	logger.CommandTracker().Info().Str("command_id", key).
		Dur("took", time.Since(pc.CreatedAt)).Msg("command acknowledged")
	return pc, true
}

// GetPendingForConnection returns all pending commands originated by
// connectionID.
func (t *Tracker) GetPendingForConnection(connectionID string) []PendingCommand {
	var out []PendingCommand
	t.pending.Range(func(_ string, pc PendingCommand) bool {
		if pc.ConnectionID == connectionID {
			out = append(out, pc)
		}
		return true
	})
	return out
}

// CleanupConnection removes every pending command whose originator is
// connectionID, used on disconnect.
func (t *Tracker) CleanupConnection(connectionID string) {
	for _, pc := range t.GetPendingForConnection(connectionID) {
		t.pending.Delete(pc.ID)
	}
}

func (t *Tracker) checkTimeouts() {
	now := time.Now()
	var timedOut []PendingCommand
	t.pending.Range(func(_ string, pc PendingCommand) bool {
		if uint64(now.Sub(pc.CreatedAt).Milliseconds()) >= pc.TimeoutMs {
			timedOut = append(timedOut, pc)
		}
		return true
	})

	for _, pc := range timedOut {
		if pc.RetryCount < pc.MaxRetries {
			pc.RetryCount++
			pc.CreatedAt = time.Now()
			pc.TimeoutMs *= 2
			t.pending.Set(pc.ID, pc)
			logger.CommandTracker().Warn().Str("command_id", pc.ID).
				Uint8("retry_count", pc.RetryCount).Uint64("timeout_ms", pc.TimeoutMs).
				Msg("command timed out, retrying")
			if t.reEmit != nil {
				t.reEmit(pc.ConnectionID, pc.OriginalEnvelope)
			}
			continue
		}

		t.pending.Delete(pc.ID)
		logger.CommandTracker().Warn().Str("command_id", pc.ID).Msg("command timed out after retries, giving up")
		if t.reEmit != nil {
			retryCount, _ := json.Marshal(map[string]uint8{"retry_count": pc.RetryCount})
			env := wire.Failure("timeout", "Request timeout after retries").
				WithMessageID(pc.ID)
			env.Data = retryCount
			t.reEmit(pc.ConnectionID, env)
		}
	}
}

// Stats describes the tracker's current state.
type Stats struct {
	PendingCount  int
	TotalCommands uint64
}

// GetStats returns the tracker's current pending count and the lifetime
// total of commands it has minted ids for.
func (t *Tracker) GetStats() Stats {
	return Stats{PendingCount: t.pending.Len(), TotalCommands: t.counter.Load()}
}
