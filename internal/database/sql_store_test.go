package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tontap/internal/types"
)

// testStore connects to TEST_LIBSQL_URL (Turso) or TEST_DATABASE_URL (Postgres).
func testStore(t *testing.T) *SQLStore {
	t.Helper()
	ctx := context.Background()
	var (
		s   *SQLStore
		err error
	)
	switch {
	case os.Getenv("TEST_LIBSQL_URL") != "":
		s, err = OpenLibSQL(ctx, os.Getenv("TEST_LIBSQL_URL"), os.Getenv("TEST_LIBSQL_TOKEN"))
	case os.Getenv("TEST_DATABASE_URL") != "":
		s, err = Open(ctx, DriverPostgres, os.Getenv("TEST_DATABASE_URL"))
	default:
		t.Skip("Skipping test: TEST_LIBSQL_URL / TEST_DATABASE_URL not set")
	}
	if err != nil {
		t.Skip("Skipping test: database not available")
	}
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func ptr[T any](v T) *T { return &v }

func TestSQLStore_SaveLoad(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	fixed := time.UnixMilli(1767272400000)
	s.now = func() time.Time { return fixed }
	id := "test_" + uuid.NewString()

	require.NoError(t, s.SaveUser(ctx, types.UserDocument{UserID: id, Balance: ptr(3.5), Level: ptr(2)}))
	require.NoError(t, s.SaveUser(ctx, types.UserDocument{UserID: id, Balance: ptr(4.5), Level: ptr(2)}))

	doc, ok, err := s.LoadUser(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 4.5, *doc.Balance, 1e-9)
	require.NotNil(t, doc.LastUpdated)
	assert.Equal(t, fixed.UnixMilli(), doc.LastUpdated.UnixMilli())
}

func TestSQLStore_Referrals(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	referrer := "ref_" + uuid.NewString()

	for i := 0; i < 3; i++ {
		created, err := s.TrackReferral(ctx, types.ReferralEdge{ReferrerID: referrer, ReferredUserID: "j_" + uuid.NewString()})
		require.NoError(t, err)
		assert.True(t, created)
	}
	joiner := "j_" + uuid.NewString()
	created, err := s.TrackReferral(ctx, types.ReferralEdge{ReferrerID: referrer, ReferredUserID: joiner})
	require.NoError(t, err)
	require.True(t, created)
	created, err = s.TrackReferral(ctx, types.ReferralEdge{ReferrerID: referrer, ReferredUserID: joiner})
	require.NoError(t, err)
	assert.False(t, created)

	n, err := s.ReferralsCount(ctx, referrer)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestSQLStore_SubscribeLeaderboardPushesChanges(t *testing.T) {
	s := testStore(t)
	s.PollInterval = 20 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pushes := make(chan []types.LeaderboardEntry, 16)
	go func() {
		_ = s.SubscribeLeaderboard(ctx, 3, func(top []types.LeaderboardEntry) { pushes <- top })
	}()
	<-pushes

	id := "lb_" + uuid.NewString()
	require.NoError(t, s.SaveUser(ctx, types.UserDocument{UserID: id, Balance: ptr(1e12)}))
	for {
		select {
		case top := <-pushes:
			if len(top) > 0 && top[0].ID == id {
				return
			}
		case <-ctx.Done():
			t.Fatal("leaderboard change not pushed")
		}
	}
}
