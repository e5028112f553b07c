package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"reflect"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/tursodatabase/libsql-client-go/libsql"

	"tontap/internal/game"
	"tontap/internal/types"
)

const (
	DriverLibSQL   = "libsql"
	DriverPostgres = "postgres"
)

// SQLStore is the portable remote document store. The same schema runs on
// Turso (libsql) and on Postgres through lib/pq; queries are written with "?"
// and rebound per driver.
type SQLStore struct {
	DB           *sqlx.DB
	PollInterval time.Duration
	now          func() time.Time
}

var _ game.RemoteStore = (*SQLStore)(nil)

// OpenLibSQL connects to a Turso database; the token is passed as authToken.
func OpenLibSQL(ctx context.Context, url, token string) (*SQLStore, error) {
	dsn := url
	if token != "" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "authToken=" + token
	}
	return Open(ctx, DriverLibSQL, dsn)
}

func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}
	log.Printf("🎯 SQL store initialized (%s)", driver)
	return NewSQLStore(db), nil
}

func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{DB: db, PollInterval: 5 * time.Second, now: time.Now}
}

func (s *SQLStore) Close() error {
	return s.DB.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

// Migrate creates the tables. Types are chosen to be valid for both drivers.
func (s *SQLStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS user_docs (
			user_id TEXT PRIMARY KEY,
			doc TEXT NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			balance DOUBLE PRECISION NOT NULL DEFAULT 0,
			level INTEGER NOT NULL DEFAULT 1,
			referrals INTEGER NOT NULL DEFAULT 0,
			last_updated BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS user_docs_balance_idx ON user_docs (balance)`,
		`CREATE TABLE IF NOT EXISTS referral_edges (
			referred_user_id TEXT PRIMARY KEY,
			referrer_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS referral_edges_referrer_idx ON referral_edges (referrer_id)`,
	}
	for _, q := range queries {
		if _, err := s.DB.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to execute query: %s, error: %w", q, err)
		}
	}
	return nil
}

type docRow struct {
	Doc         string `db:"doc"`
	LastUpdated int64  `db:"last_updated"`
}

func (s *SQLStore) SaveUser(ctx context.Context, doc types.UserDocument) error {
	if doc.UserID == "" {
		return errors.New("save user: empty user id")
	}
	doc.LastUpdated = nil
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	e := game.LeaderboardEntryFromDocument(doc.UserID, doc)
	q := s.DB.Rebind(`
INSERT INTO user_docs(user_id, doc, username, balance, level, referrals, last_updated)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET
  doc = excluded.doc,
  username = excluded.username,
  balance = excluded.balance,
  level = excluded.level,
  referrals = excluded.referrals,
  last_updated = excluded.last_updated`)
	_, err = s.DB.ExecContext(ctx, q, doc.UserID, string(raw), e.Username, e.Balance, e.Level, e.Referrals, s.now().UnixMilli())
	return err
}

func (s *SQLStore) LoadUser(ctx context.Context, userID string) (types.UserDocument, bool, error) {
	var row docRow
	err := s.DB.GetContext(ctx, &row, s.DB.Rebind(`SELECT doc, last_updated FROM user_docs WHERE user_id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return types.UserDocument{}, false, nil
	}
	if err != nil {
		return types.UserDocument{}, false, err
	}
	var doc types.UserDocument
	if err := json.Unmarshal([]byte(row.Doc), &doc); err != nil {
		return types.UserDocument{}, false, fmt.Errorf("decode doc %q: %w", userID, err)
	}
	doc.UserID = userID
	if row.LastUpdated > 0 {
		ts := time.UnixMilli(row.LastUpdated).UTC()
		doc.LastUpdated = &ts
	}
	return doc, true, nil
}

func (s *SQLStore) TrackReferral(ctx context.Context, edge types.ReferralEdge) (bool, error) {
	if edge.ReferrerID == "" || edge.ReferredUserID == "" || edge.ReferrerID == edge.ReferredUserID {
		return false, nil
	}
	if edge.Status == "" {
		edge.Status = types.ReferralStatusActive
	}
	if edge.Timestamp.IsZero() {
		edge.Timestamp = s.now()
	}
	res, err := s.DB.ExecContext(ctx, s.DB.Rebind(`
INSERT INTO referral_edges(referred_user_id, referrer_id, status, created_at)
VALUES(?, ?, ?, ?)
ON CONFLICT (referred_user_id) DO NOTHING`),
		edge.ReferredUserID, edge.ReferrerID, edge.Status, edge.Timestamp.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) ReferralsCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.DB.GetContext(ctx, &n, s.DB.Rebind(`SELECT COUNT(*) FROM referral_edges WHERE referrer_id = ? AND status = 'active'`), userID)
	return n, err
}

func (s *SQLStore) TopByBalance(ctx context.Context, n int) ([]types.LeaderboardEntry, error) {
	if n <= 0 {
		n = 100
	}
	var out []types.LeaderboardEntry
	err := s.DB.SelectContext(ctx, &out, s.DB.Rebind(`
SELECT user_id, username, balance, level, referrals
FROM user_docs
ORDER BY balance DESC, user_id ASC
LIMIT ?`), n)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []types.LeaderboardEntry{}
	}
	for i := range out {
		if out[i].Username == "" {
			out[i].Username = "Anonymous"
		}
	}
	return out, nil
}

// SubscribeLeaderboard polls the top-n list and calls fn whenever it changes.
func (s *SQLStore) SubscribeLeaderboard(ctx context.Context, n int, fn func([]types.LeaderboardEntry)) error {
	interval := s.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	var (
		last   []types.LeaderboardEntry
		pushed bool
	)
	poll := func() {
		top, err := s.TopByBalance(ctx, n)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("database: leaderboard poll: %v", err)
			}
			return
		}
		if pushed && reflect.DeepEqual(last, top) {
			return
		}
		last, pushed = top, true
		fn(top)
	}
	poll()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			poll()
		}
	}
}
