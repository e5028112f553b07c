package game

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tontap/internal/types"
)

func newManagerForTest(idle time.Duration) (*Manager, *FakeClock, *MemoryRemote) {
	clock := NewFakeClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	remote := NewMemoryRemote()
	remote.Now = clock.Now
	m := NewManager(ManagerOptions{
		Rules: testRules(),
		Clock: clock,
		Rand:  fixedRand(0.99),
		Persister: &Persister{
			Local:     NewMemoryStore(),
			Remote:    remote,
			Namespace: "tonTapMaster",
		},
		IdleTTL: idle,
	})
	return m, clock, remote
}

func TestManager_OpenReusesSession(t *testing.T) {
	m, _, _ := newManagerForTest(0)
	defer m.Close()
	ctx := context.Background()

	a, err := m.Open(ctx, "1", "alice")
	require.NoError(t, err)
	b, err := m.Open(ctx, "1", "")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, "alice", b.State().Username)
	assert.Equal(t, 1, m.Len())
}

func TestManager_OpenRestoresSavedState(t *testing.T) {
	m, _, _ := newManagerForTest(0)
	ctx := context.Background()

	s, err := m.Open(ctx, "1", "alice")
	require.NoError(t, err)
	_, err = s.Tap(ctx)
	require.NoError(t, err)
	m.Close()

	m2 := NewManager(ManagerOptions{Rules: testRules(), Persister: m.persist})
	defer m2.Close()
	s2, err := m2.Open(ctx, "1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), s2.State().TotalTaps)
	assert.Equal(t, "alice", s2.State().Username)
}

func TestManager_AttributeCreditsBothSidesOnce(t *testing.T) {
	m, _, remote := newManagerForTest(0)
	defer m.Close()
	ctx := context.Background()

	_, err := m.Open(ctx, "100", "alice")
	require.NoError(t, err)
	joiner, err := m.Open(ctx, "200", "bob")
	require.NoError(t, err)

	require.NoError(t, m.Attribute(ctx, joiner, "100"))
	require.NoError(t, m.Attribute(ctx, joiner, "100"))
	require.NoError(t, m.Attribute(ctx, joiner, "200"))

	assert.InDelta(t, 5, joiner.State().Balance, 1e-9)

	ref, ok := m.Get("100")
	require.True(t, ok)
	assert.Equal(t, 1, ref.State().Referrals)
	assert.InDelta(t, 5, ref.State().Balance, 1e-9)

	edges := remote.Edges()
	require.Len(t, edges, 1)
	assert.Equal(t, "100", edges[0].ReferrerID)
	assert.Equal(t, "200", edges[0].ReferredUserID)
	assert.Equal(t, 1, m.ReferralsCount(ctx, ref))
}

func TestManager_AttributeRejectsUnknownReferrer(t *testing.T) {
	m, _, remote := newManagerForTest(0)
	defer m.Close()
	ctx := context.Background()

	joiner, err := m.Open(ctx, "200", "bob")
	require.NoError(t, err)

	err = m.Attribute(ctx, joiner, "nobody")
	require.ErrorIs(t, err, ErrUnknownReferrer)
	assert.InDelta(t, 0, joiner.State().Balance, 1e-9)
	assert.Empty(t, joiner.State().ReferredBy)
	assert.Empty(t, remote.Edges())
	_, ok := m.Get("nobody")
	assert.False(t, ok, "no session is opened for an unknown referrer")
}

func TestManager_AttributeFindsSavedReferrer(t *testing.T) {
	m, _, _ := newManagerForTest(0)
	defer m.Close()
	ctx := context.Background()

	ref, err := m.Open(ctx, "100", "alice")
	require.NoError(t, err)
	m.mu.Lock()
	delete(m.sessions, "100")
	m.mu.Unlock()
	ref.Close()

	joiner, err := m.Open(ctx, "200", "bob")
	require.NoError(t, err)
	require.NoError(t, m.Attribute(ctx, joiner, "100"))

	reopened, ok := m.Get("100")
	require.True(t, ok)
	assert.Equal(t, 1, reopened.State().Referrals)
}

func TestManager_OpenTelegramStoresHostUser(t *testing.T) {
	m, _, remote := newManagerForTest(0)
	defer m.Close()
	ctx := context.Background()

	tg := &types.TelegramUser{ID: 42, Username: "alice", FirstName: "Alice"}
	s, err := m.OpenTelegram(ctx, "42", "alice", tg)
	require.NoError(t, err)
	_, err = s.Tap(ctx)
	require.NoError(t, err)
	m.persist.Wait()

	doc, ok, err := remote.LoadUser(ctx, "42")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, doc.TelegramData)
	assert.Equal(t, int64(42), doc.TelegramData.ID)
	assert.Equal(t, "Alice", doc.TelegramData.FirstName)
}

func TestManager_SweepEvictsIdleSessions(t *testing.T) {
	m, clock, _ := newManagerForTest(time.Minute)
	defer m.Close()
	ctx := context.Background()

	idle, err := m.Open(ctx, "1", "")
	require.NoError(t, err)
	clock.Advance(45 * time.Second)
	active, err := m.Open(ctx, "2", "")
	require.NoError(t, err)
	_, err = active.Tap(ctx)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	assert.Equal(t, 1, m.Sweep())

	_, ok := m.Get("1")
	assert.False(t, ok)
	_, err = idle.Tap(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, ok = m.Get("2")
	assert.True(t, ok)
}

func TestManager_Leaderboard(t *testing.T) {
	m, _, _ := newManagerForTest(0)
	defer m.Close()
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		s, err := m.Open(ctx, id, "player-"+id)
		require.NoError(t, err)
		require.NoError(t, s.AddCoins(ctx, float64(i+1)))
	}
	m.persist.Wait()

	top, err := m.Leaderboard(ctx, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "c", top[0].ID)
	assert.Equal(t, "player-c", top[0].Username)
	assert.Equal(t, "b", top[1].ID)
}

func TestManager_LeaderboardWithoutRemoteUsesOpenSessions(t *testing.T) {
	m := NewManager(ManagerOptions{Rules: testRules(), Persister: &Persister{Local: NewMemoryStore(), Namespace: "ns"}})
	defer m.Close()
	ctx := context.Background()

	s, err := m.Open(ctx, "x", "")
	require.NoError(t, err)
	require.NoError(t, s.AddCoins(ctx, 3))

	top, err := m.Leaderboard(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "Anonymous", top[0].Username)
	assert.InDelta(t, 3, top[0].Balance, 1e-9)
}
