package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcon/bcon-server/internal/auth"
	"github.com/bcon/bcon-server/internal/kv"
)

func newTestLimiter(cfg Config) *Limiter {
	store := kv.New(time.Hour)
	return New(store, cfg)
}

func TestMessageCostTable(t *testing.T) {
	assert.Equal(t, uint32(3), MessageCost("auth"))
	assert.Equal(t, uint32(1), MessageCost("heartbeat"))
	assert.Equal(t, uint32(1), MessageCost("ping"))
	assert.Equal(t, uint32(2), MessageCost("chat_message"))
	assert.Equal(t, uint32(5), MessageCost("command"))
	assert.Equal(t, uint32(8), MessageCost("admin_command"))
	assert.Equal(t, uint32(1), MessageCost("something_unlisted"))
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GuestRequestsPerMinute = 5
	l := newTestLimiter(cfg)

	for i := 0; i < 5; i++ {
		res, err := l.Check("1.2.3.4", auth.RoleGuest, "client", 1)
		require.NoError(t, err)
		assert.Equal(t, Allowed, res.Decision)
	}
}

func TestCheckExceedsWithoutReachingBanThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GuestRequestsPerMinute = 3
	cfg.BanThreshold = 100
	l := newTestLimiter(cfg)

	for i := 0; i < 3; i++ {
		_, err := l.Check("1.2.3.4", auth.RoleGuest, "client", 1)
		require.NoError(t, err)
	}
	res, err := l.Check("1.2.3.4", auth.RoleGuest, "client", 1)
	require.NoError(t, err)
	assert.Equal(t, Exceeded, res.Decision)
}

func TestCheckEscalatesToBanAtThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GuestRequestsPerMinute = 1
	cfg.BanThreshold = 2
	l := newTestLimiter(cfg)

	// First request admitted, bringing count to 1.
	res, err := l.Check("9.9.9.9", auth.RoleGuest, "client", 1)
	require.NoError(t, err)
	assert.Equal(t, Allowed, res.Decision)

	// Second request exceeds the limit (count 1 + cost 1 > limit 1), but
	// entry.Count (1) is still below ban_threshold (2): Exceeded, not Banned.
	res, err = l.Check("9.9.9.9", auth.RoleGuest, "client", 1)
	require.NoError(t, err)
	assert.Equal(t, Exceeded, res.Decision)

	// Bump the stored count to ban_threshold via direct cost, then the next
	// overflow must escalate to ShouldBan/Banned.
	cfg2 := DefaultConfig()
	cfg2.GuestRequestsPerMinute = 2
	cfg2.BanThreshold = 2
	l2 := newTestLimiter(cfg2)
	_, err = l2.Check("8.8.8.8", auth.RoleGuest, "client", 2) // count -> 2, at threshold
	require.NoError(t, err)
	res, err = l2.Check("8.8.8.8", auth.RoleGuest, "client", 1) // overflow with count(2) >= threshold(2)
	require.NoError(t, err)
	assert.Equal(t, Banned, res.Decision)
	assert.True(t, l2.IsBanned("8.8.8.8"))
}

func TestCheckRejectsBannedIPOutright(t *testing.T) {
	cfg := DefaultConfig()
	l := newTestLimiter(cfg)
	l.ban("3.3.3.3", "test")

	res, err := l.Check("3.3.3.3", auth.RoleSystem, "client", 1)
	require.NoError(t, err)
	assert.Equal(t, Banned, res.Decision)
}

func TestCheckUnauthenticatedAdapterAutoBansOnFirstOverflow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UnauthenticatedAdapterAttemptsPerMinute = 5
	l := newTestLimiter(cfg)

	for i := 0; i < 5; i++ {
		res, err := l.CheckUnauthenticatedAdapter("4.4.4.4")
		require.NoError(t, err)
		assert.Equal(t, Allowed, res.Decision)
	}

	res, err := l.CheckUnauthenticatedAdapter("4.4.4.4")
	require.NoError(t, err)
	assert.Equal(t, Banned, res.Decision)
	assert.True(t, l.IsBanned("4.4.4.4"))
}

func TestLimitForByRole(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, cfg.GuestRequestsPerMinute, cfg.limitFor(auth.RoleGuest))
	assert.Equal(t, cfg.PlayerRequestsPerMinute, cfg.limitFor(auth.RolePlayer))
	assert.Equal(t, cfg.AdminRequestsPerMinute, cfg.limitFor(auth.RoleAdmin))
	assert.Equal(t, cfg.SystemRequestsPerMinute, cfg.limitFor(auth.RoleSystem))
}
