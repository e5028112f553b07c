package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tontap/internal/game"
	"tontap/internal/types"
)

// LeaderboardChannel is the NOTIFY channel fired on every document upsert.
const LeaderboardChannel = "leaderboard"

type DB struct {
	Pool *pgxpool.Pool
}

var _ game.RemoteStore = (*DB)(nil)

func Connect(ctx context.Context, databaseURL string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 5
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &DB{Pool: pool}, nil
}

func (d *DB) Close() {
	if d.Pool != nil {
		d.Pool.Close()
	}
}

func (d *DB) Migrate(ctx context.Context) error {
	sql := `
CREATE TABLE IF NOT EXISTS user_docs (
  user_id TEXT PRIMARY KEY,
  doc JSONB NOT NULL DEFAULT '{}'::jsonb,
  username TEXT NOT NULL DEFAULT '',
  balance DOUBLE PRECISION NOT NULL DEFAULT 0,
  level INT NOT NULL DEFAULT 1,
  referrals INT NOT NULL DEFAULT 0,
  last_updated TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS user_docs_balance_idx ON user_docs (balance DESC);

CREATE TABLE IF NOT EXISTS referral_edges (
  id BIGSERIAL PRIMARY KEY,
  referrer_id TEXT NOT NULL,
  referred_user_id TEXT NOT NULL UNIQUE,
  status TEXT NOT NULL DEFAULT 'active',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS referral_edges_referrer_idx ON referral_edges (referrer_id);
`
	_, err := d.Pool.Exec(ctx, sql)
	return err
}

func (d *DB) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := d.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SaveUser replaces the whole document, stamps last_updated server-side and
// notifies leaderboard listeners.
func (d *DB) SaveUser(ctx context.Context, doc types.UserDocument) error {
	if doc.UserID == "" {
		return errors.New("save user: empty user id")
	}
	doc.LastUpdated = nil
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	entry := game.LeaderboardEntryFromDocument(doc.UserID, doc)

	return d.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
INSERT INTO user_docs(user_id, doc, username, balance, level, referrals, last_updated)
VALUES($1, $2::jsonb, $3, $4, $5, $6, now())
ON CONFLICT (user_id) DO UPDATE SET
  doc = EXCLUDED.doc,
  username = EXCLUDED.username,
  balance = EXCLUDED.balance,
  level = EXCLUDED.level,
  referrals = EXCLUDED.referrals,
  last_updated = now()`,
			doc.UserID, string(raw), entry.Username, entry.Balance, entry.Level, entry.Referrals)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, LeaderboardChannel, doc.UserID)
		return err
	})
}

func (d *DB) LoadUser(ctx context.Context, userID string) (types.UserDocument, bool, error) {
	var (
		raw     []byte
		updated time.Time
	)
	err := d.Pool.QueryRow(ctx, `SELECT doc, last_updated FROM user_docs WHERE user_id=$1`, userID).Scan(&raw, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.UserDocument{}, false, nil
	}
	if err != nil {
		return types.UserDocument{}, false, err
	}
	var doc types.UserDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return types.UserDocument{}, false, fmt.Errorf("decode doc %q: %w", userID, err)
	}
	doc.UserID = userID
	updated = updated.UTC()
	doc.LastUpdated = &updated
	return doc, true, nil
}

// TrackReferral inserts the edge once per referred user.
func (d *DB) TrackReferral(ctx context.Context, edge types.ReferralEdge) (bool, error) {
	if edge.ReferrerID == "" || edge.ReferredUserID == "" || edge.ReferrerID == edge.ReferredUserID {
		return false, nil
	}
	if edge.Status == "" {
		edge.Status = types.ReferralStatusActive
	}
	if edge.Timestamp.IsZero() {
		edge.Timestamp = time.Now().UTC()
	}
	tag, err := d.Pool.Exec(ctx, `
INSERT INTO referral_edges(referrer_id, referred_user_id, status, created_at)
VALUES($1, $2, $3, $4)
ON CONFLICT (referred_user_id) DO NOTHING`,
		edge.ReferrerID, edge.ReferredUserID, edge.Status, edge.Timestamp)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (d *DB) WasReferred(ctx context.Context, referredID string) (bool, error) {
	var ok bool
	err := d.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM referral_edges WHERE referred_user_id=$1)`, referredID).Scan(&ok)
	return ok, err
}

func (d *DB) ReferralsCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := d.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM referral_edges WHERE referrer_id=$1 AND status='active'`, userID).Scan(&n)
	return n, err
}

func (d *DB) TopByBalance(ctx context.Context, n int) ([]types.LeaderboardEntry, error) {
	if n <= 0 {
		n = 100
	}
	rows, err := d.Pool.Query(ctx, `
SELECT user_id, COALESCE(NULLIF(username, ''), 'Anonymous'), balance, level, referrals
FROM user_docs
ORDER BY balance DESC, user_id ASC
LIMIT $1`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]types.LeaderboardEntry, 0, n)
	for rows.Next() {
		var e types.LeaderboardEntry
		if err := rows.Scan(&e.ID, &e.Username, &e.Balance, &e.Level, &e.Referrals); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SubscribeLeaderboard pushes the top-n list on start and again after every
// document upsert until ctx is done. It holds one pool connection for LISTEN.
func (d *DB) SubscribeLeaderboard(ctx context.Context, n int, fn func([]types.LeaderboardEntry)) error {
	conn, err := d.Pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{LeaderboardChannel}.Sanitize()); err != nil {
		return err
	}

	push := func() {
		top, err := d.TopByBalance(ctx, n)
		if err != nil {
			log.Printf("db: leaderboard query: %v", err)
			return
		}
		fn(top)
	}
	push()

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		push()
	}
}
