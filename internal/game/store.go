package game

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"tontap/internal/types"
)

// LocalStore is the per-user key-value slot holding the serialized state.
type LocalStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// RemoteStore is the best-effort secondary copy: one document per user plus
// the append-only referral edges and the leaderboard query.
type RemoteStore interface {
	SaveUser(ctx context.Context, doc types.UserDocument) error
	LoadUser(ctx context.Context, userID string) (types.UserDocument, bool, error)
	// TrackReferral records the edge once per referred user and reports
	// whether a new edge was created.
	TrackReferral(ctx context.Context, edge types.ReferralEdge) (bool, error)
	ReferralsCount(ctx context.Context, userID string) (int, error)
	TopByBalance(ctx context.Context, n int) ([]types.LeaderboardEntry, error)
}

// LocalKey is "<namespace>_<userId>", or the namespace alone for an anonymous player.
func LocalKey(namespace, userID string) string {
	if userID == "" {
		return namespace
	}
	return namespace + "_" + userID
}

// MemoryStore is an in-process LocalStore.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string][]byte{}}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	buf := make([]byte, len(value))
	copy(buf, value)
	m.mu.Lock()
	m.data[key] = buf
	m.mu.Unlock()
	return nil
}

// MemoryRemote is an in-process RemoteStore. Err, when set, fails every call.
type MemoryRemote struct {
	mu    sync.Mutex
	docs  map[string][]byte
	edges []types.ReferralEdge
	Err   error
	Now   func() time.Time
}

func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{docs: map[string][]byte{}, Now: time.Now}
}

func (m *MemoryRemote) SaveUser(_ context.Context, doc types.UserDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	ts := m.Now().UTC()
	doc.LastUpdated = &ts
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	m.docs[doc.UserID] = b
	return nil
}

func (m *MemoryRemote) LoadUser(_ context.Context, userID string) (types.UserDocument, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return types.UserDocument{}, false, m.Err
	}
	b, ok := m.docs[userID]
	if !ok {
		return types.UserDocument{}, false, nil
	}
	var doc types.UserDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return types.UserDocument{}, false, err
	}
	return doc, true, nil
}

func (m *MemoryRemote) TrackReferral(_ context.Context, edge types.ReferralEdge) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	for _, e := range m.edges {
		if e.ReferredUserID == edge.ReferredUserID {
			return false, nil
		}
	}
	if edge.Timestamp.IsZero() {
		edge.Timestamp = m.Now().UTC()
	}
	if edge.Status == "" {
		edge.Status = types.ReferralStatusActive
	}
	m.edges = append(m.edges, edge)
	return true, nil
}

func (m *MemoryRemote) ReferralsCount(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	n := 0
	for _, e := range m.edges {
		if e.ReferrerID == userID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRemote) TopByBalance(_ context.Context, n int) ([]types.LeaderboardEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	out := make([]types.LeaderboardEntry, 0, len(m.docs))
	for id, b := range m.docs {
		var doc types.UserDocument
		if err := json.Unmarshal(b, &doc); err != nil {
			continue
		}
		out = append(out, LeaderboardEntryFromDocument(id, doc))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Balance == out[j].Balance {
			return out[i].ID < out[j].ID
		}
		return out[i].Balance > out[j].Balance
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// Edges returns a copy of the recorded referral edges.
func (m *MemoryRemote) Edges() []types.ReferralEdge {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.ReferralEdge(nil), m.edges...)
}

// LeaderboardEntryFromDocument applies the leaderboard defaults for missing fields.
func LeaderboardEntryFromDocument(id string, doc types.UserDocument) types.LeaderboardEntry {
	e := types.LeaderboardEntry{ID: id, Username: doc.Username, Level: 1}
	if e.Username == "" {
		e.Username = "Anonymous"
	}
	if doc.Balance != nil {
		e.Balance = *doc.Balance
	}
	if doc.Level != nil {
		e.Level = *doc.Level
	}
	if doc.Referrals != nil {
		e.Referrals = *doc.Referrals
	}
	return e
}
