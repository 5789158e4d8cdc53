// Package ratelimit implements the broker's per-IP fixed-window rate
// limiter with ban escalation, backed by the KV store as its single
// source of truth for both window counters and ban entries.
package ratelimit

import (
	"encoding/json"
	"time"

	"github.com/bcon/bcon-server/internal/auth"
	"github.com/bcon/bcon-server/internal/bconerr"
	"github.com/bcon/bcon-server/internal/kv"
	"github.com/bcon/bcon-server/internal/logger"
)

// Config holds the limiter's tunable parameters. DefaultConfig returns
// the struct-level defaults; operators may override via internal/config.
type Config struct {
	GuestRequestsPerMinute                  uint32
	PlayerRequestsPerMinute                 uint32
	AdminRequestsPerMinute                  uint32
	SystemRequestsPerMinute                 uint32
	UnauthenticatedAdapterAttemptsPerMinute uint32
	WindowDurationSeconds                   uint64
	BanThreshold                            uint32
	BanDurationHours                        uint32
}

// DefaultConfig returns the limiter's built-in defaults. Its
// ban_threshold is 50, matching the original implementation's own
// structural default rather than the more permissive 100 used only by
// its generated example configuration file.
func DefaultConfig() Config {
	return Config{
		GuestRequestsPerMinute:                  30,
		PlayerRequestsPerMinute:                 120,
		AdminRequestsPerMinute:                  300,
		SystemRequestsPerMinute:                 1000,
		UnauthenticatedAdapterAttemptsPerMinute: 5,
		WindowDurationSeconds:                   60,
		BanThreshold:                            50,
		BanDurationHours:                        24,
	}
}

func (c Config) limitFor(role auth.Role) uint32 {
	switch role {
	case auth.RoleGuest:
		return c.GuestRequestsPerMinute
	case auth.RolePlayer:
		return c.PlayerRequestsPerMinute
	case auth.RoleAdmin:
		return c.AdminRequestsPerMinute
	case auth.RoleSystem:
		return c.SystemRequestsPerMinute
	default:
		return c.GuestRequestsPerMinute
	}
}

// MessageCost returns the rate-limit cost of an eventType, per the cost
// table: auth=3, heartbeat|ping=1, chat_message=2, command=5,
// admin_command=8, else 1.
func MessageCost(eventType string) uint32 {
	switch eventType {
	case "auth":
		return 3
	case "heartbeat", "ping":
		return 1
	case "chat_message":
		return 2
	case "command":
		return 5
	case "admin_command":
		return 8
	default:
		return 1
	}
}

// Decision is the outcome of a Check call.
type Decision int

const (
	Allowed Decision = iota
	Exceeded
	Banned
	ShouldBan
)

// Result carries a Decision plus the bookkeeping values a caller might
// want to report back to the peer (e.g. in a rate-limit error message).
type Result struct {
	Decision  Decision
	Limit     uint32
	Remaining uint32
	Current   uint32
	ResetTime uint64
}

type windowEntry struct {
	Count            uint32 `json:"count"`
	WindowStart      uint64 `json:"window_start"`
	FirstRequestTime uint64 `json:"first_request_time"`
}

type banEntry struct {
	BannedAt  uint64 `json:"banned_at"`
	Reason    string `json:"reason"`
	ExpiresAt uint64 `json:"expires_at"`
}

// Limiter enforces the rate-limit and ban-escalation policy on top of a
// kv.Backend.
type Limiter struct {
	store  kv.Backend
	config Config
}

// New constructs a Limiter backed by store.
func New(store kv.Backend, config Config) *Limiter {
	return &Limiter{store: store, config: config}
}

func banKey(ip string) string { return "ban:" + ip }

func windowKey(ip, context string) string { return "rate_limit:" + ip + ":" + context }

func nowSec() uint64 { return uint64(time.Now().Unix()) }

// IsBanned reports whether ip currently has a live ban entry, removing it
// first if it has expired.
func (l *Limiter) IsBanned(ip string) bool {
	raw, ok := l.store.Get(banKey(ip))
	if !ok {
		return false
	}
	var entry banEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return false
	}
	now := nowSec()
	if now > entry.ExpiresAt {
		l.store.Delete(banKey(ip))
		return false
	}
	return true
}

func (l *Limiter) ban(ip, reason string) {
	now := nowSec()
	entry := banEntry{
		BannedAt:  now,
		Reason:    reason,
		ExpiresAt: now + uint64(l.config.BanDurationHours)*3600,
	}
	raw, _ := json.Marshal(entry)
	ttl := int64(l.config.BanDurationHours) * 3600
	l.store.SetWithTTL(banKey(ip), raw, ttl)
	logger.RateLimit().Warn().Str("ip", ip).Str("reason", reason).Msg("ip banned")
}

// Check runs the fixed-window check for ip/role/context at the given
// cost. See §4.3 of the broker's rate-limit policy for the exact
// algorithm: banned IPs are rejected outright; otherwise an atomic
// per-key window update either admits the request, rejects it as
// Exceeded, or escalates to ShouldBan/Banned.
func (l *Limiter) Check(ip string, role auth.Role, context string, cost uint32) (Result, error) {
	if l.IsBanned(ip) {
		return Result{Decision: Banned}, nil
	}
	return l.checkWindow(ip, windowKey(ip, context), l.config.limitFor(role), cost)
}

// CheckUnauthenticatedAdapter runs the specialised unauthenticated-
// adapter path: same ban check, but against the unauthenticated-adapter
// limit, and auto-bans on the very first overflow rather than waiting for
// ban_threshold.
func (l *Limiter) CheckUnauthenticatedAdapter(ip string) (Result, error) {
	if l.IsBanned(ip) {
		return Result{Decision: Banned}, nil
	}
	limit := l.config.UnauthenticatedAdapterAttemptsPerMinute
	result, err := l.checkWindow(ip, windowKey(ip, "unauthenticated_adapter"), limit, 1)
	if err != nil {
		return Result{}, err
	}
	if result.Decision == Exceeded {
		l.ban(ip, "unauthenticated adapter rate limit exceeded")
		return Result{Decision: Banned, Limit: limit}, nil
	}
	return result, nil
}

func (l *Limiter) checkWindow(ip, key string, limit, cost uint32) (Result, error) {
	windowSeconds := l.config.WindowDurationSeconds
	var decision Decision
	var current uint32
	var resetTime uint64

	_, err := l.store.AtomicUpdate(key, int64(windowSeconds)*2, func(cur json.RawMessage, ok bool) (json.RawMessage, any, error) {
		now := nowSec()
		boundary := now - (now % windowSeconds)

		var entry windowEntry
		if ok {
			if err := json.Unmarshal(cur, &entry); err != nil {
				return nil, nil, bconerr.StorageErr("corrupt rate-limit entry for "+key, err)
			}
		}
		if !ok || entry.WindowStart < boundary {
			entry = windowEntry{Count: 0, WindowStart: boundary, FirstRequestTime: now}
		}

		resetTime = entry.WindowStart + windowSeconds

		if entry.Count+cost > limit {
			current = entry.Count
			if entry.Count >= l.config.BanThreshold {
				decision = ShouldBan
			} else {
				decision = Exceeded
			}
			raw, _ := json.Marshal(entry)
			return raw, nil, nil
		}

		entry.Count += cost
		current = entry.Count
		decision = Allowed
		raw, err := json.Marshal(entry)
		return raw, nil, err
	})
	if err != nil {
		return Result{}, err
	}

	if decision == ShouldBan {
		l.ban(ip, "rate limit ban threshold exceeded")
		return Result{Decision: Banned, Limit: limit, Current: current, ResetTime: resetTime}, nil
	}
	remaining := uint32(0)
	if limit > current {
		remaining = limit - current
	}
	return Result{Decision: decision, Limit: limit, Remaining: remaining, Current: current, ResetTime: resetTime}, nil
}
