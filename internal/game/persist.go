package game

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"tontap/internal/types"
)

// Persister loads a state on session start and saves it after every mutation.
// The local slot is authoritative; the remote copy is written in the
// background and its failures never reach gameplay.
//
// Remote writes go through one writer per user. While a write is in flight
// only the newest pending document is kept, so the remote copy never moves
// back to an older snapshot.
type Persister struct {
	Local         LocalStore
	Remote        RemoteStore
	Namespace     string
	Rec           Recorder
	RemoteTimeout time.Duration

	wg      sync.WaitGroup
	mu      sync.Mutex
	pending map[string]types.UserDocument
	writing map[string]bool
}

func (p *Persister) recorder() Recorder {
	if p.Rec == nil {
		return nopRecorder{}
	}
	return p.Rec
}

// Load reads the local slot, then the remote document, and merges the first
// one found over defaults.
func (p *Persister) Load(ctx context.Context, defaults GameState, userID string) (GameState, error) {
	if p.Local != nil {
		raw, ok, err := p.Local.Get(ctx, LocalKey(p.Namespace, userID))
		if err != nil {
			return GameState{}, fmt.Errorf("load local %q: %w", userID, err)
		}
		if ok {
			var doc types.UserDocument
			if err := json.Unmarshal(raw, &doc); err != nil {
				log.Printf("game: corrupt local state for %q, using defaults: %v", userID, err)
				return defaults, nil
			}
			return Merge(defaults, doc), nil
		}
	}
	if p.Remote != nil && userID != "" {
		doc, ok, err := p.Remote.LoadUser(ctx, userID)
		if err != nil {
			p.recorder().PersistenceFailure("remote")
			log.Printf("game: remote load for %q failed: %v", userID, err)
			return defaults, nil
		}
		if ok {
			return Merge(defaults, doc), nil
		}
	}
	return defaults, nil
}

// Save overwrites the local slot synchronously and queues the remote upsert.
func (p *Persister) Save(ctx context.Context, st GameState) error {
	doc := st.Document()
	if p.Local != nil {
		raw, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode state: %w", err)
		}
		if err := p.Local.Set(ctx, LocalKey(p.Namespace, st.UserID), raw); err != nil {
			p.recorder().PersistenceFailure("local")
			return fmt.Errorf("%w: local: %v", ErrPersistence, err)
		}
	}
	if p.Remote != nil && st.UserID != "" {
		p.queueRemote(doc)
	}
	return nil
}

func (p *Persister) queueRemote(doc types.UserDocument) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		p.pending = map[string]types.UserDocument{}
		p.writing = map[string]bool{}
	}
	p.pending[doc.UserID] = doc
	if p.writing[doc.UserID] {
		return
	}
	p.writing[doc.UserID] = true
	p.wg.Add(1)
	go p.drainRemote(doc.UserID)
}

// drainRemote writes the user's newest pending document until none is left.
func (p *Persister) drainRemote(userID string) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		doc, ok := p.pending[userID]
		if !ok {
			delete(p.writing, userID)
			p.mu.Unlock()
			return
		}
		delete(p.pending, userID)
		p.mu.Unlock()

		p.saveRemote(doc)
	}
}

// Exists reports whether a saved state for userID is found locally or remotely.
func (p *Persister) Exists(ctx context.Context, userID string) bool {
	if userID == "" {
		return false
	}
	if p.Local != nil {
		_, ok, err := p.Local.Get(ctx, LocalKey(p.Namespace, userID))
		if err != nil {
			log.Printf("game: local lookup for %q failed: %v", userID, err)
		}
		if ok {
			return true
		}
	}
	if p.Remote != nil {
		_, ok, err := p.Remote.LoadUser(ctx, userID)
		if err != nil {
			p.recorder().PersistenceFailure("remote")
			log.Printf("game: remote lookup for %q failed: %v", userID, err)
			return false
		}
		return ok
	}
	return false
}

func (p *Persister) saveRemote(doc types.UserDocument) {
	timeout := p.RemoteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := p.Remote.SaveUser(ctx, doc); err != nil {
		p.recorder().PersistenceFailure("remote")
		log.Printf("game: remote save for %q failed: %v", doc.UserID, err)
	}
}

// Wait blocks until queued remote writes have finished.
func (p *Persister) Wait() {
	p.wg.Wait()
}
