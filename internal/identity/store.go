// Package identity resolves and persists the local participant identity.
// The id is generated once and survives sessions; the display name only
// changes when the user re-enters it. Interested components subscribe to
// a typed change notification instead of polling shared storage.
package identity

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/sprintsync/internal/domain"
)

var ErrEmptyName = domain.ErrNameEmpty

// Store owns the durable identity file. Safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	path string
	cur  domain.Identity
	subs []chan domain.Identity
}

func NewStore(path string) *Store {
	s := &Store{path: path}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Str("module", "identity.store").Str("path", s.path).Err(err).Msg("identity file unreadable")
		}
		return
	}
	var id domain.Identity
	if err := json.Unmarshal(data, &id); err != nil || !id.Valid() {
		log.Warn().Str("module", "identity.store").Str("path", s.path).Msg("identity file malformed, ignoring")
		return
	}
	s.cur = id
}

// Resolve returns the persisted identity, or false when the user still
// needs to enter a name.
func (s *Store) Resolve() (domain.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur, s.cur.Valid()
}

// Create mints a fresh identity for name, persists it and notifies
// subscribers. A blank name is a no-op returning the previous state so
// the caller can re-prompt.
func (s *Store) Create(name string) (domain.Identity, error) {
	id, err := domain.NewIdentity(name)
	if err != nil {
		s.mu.Lock()
		prev := s.cur
		s.mu.Unlock()
		return prev, err
	}

	s.mu.Lock()
	s.cur = id
	if err := s.persist(id); err != nil {
		log.Error().Str("module", "identity.store").Err(err).Msg("identity persist failed")
	}
	subs := append([]chan domain.Identity(nil), s.subs...)
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- id:
		default:
			// Slow subscriber keeps only the fact it can re-Resolve.
		}
	}
	log.Info().Str("module", "identity.store").Str("id", string(id.ID)).Msg("identity created")
	return id, nil
}

// Subscribe returns a channel receiving every identity change. The
// channel is buffered; a subscriber that falls behind misses updates but
// can always call Resolve for the current value.
func (s *Store) Subscribe() <-chan domain.Identity {
	ch := make(chan domain.Identity, 1)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

func (s *Store) persist(id domain.Identity) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}
