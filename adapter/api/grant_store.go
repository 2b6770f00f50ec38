package api

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/internal/calendar/application"
)

// defaultGrantTTL bounds how long a completed authorization waits for the
// caller to pick a calendar and create the connection.
const defaultGrantTTL = 10 * time.Minute

// grantStore holds completed authorization grants in memory between the
// OAuth callback and connection creation. Grants are single use and expire
// after a short TTL; tokens never leave the process through the API.
type grantStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	grants map[string]storedGrant
}

type storedGrant struct {
	grant     *application.AuthorizationGrant
	expiresAt time.Time
}

func newGrantStore(ttl time.Duration) *grantStore {
	if ttl <= 0 {
		ttl = defaultGrantTTL
	}
	return &grantStore{
		ttl:    ttl,
		grants: make(map[string]storedGrant),
	}
}

// Put stores a grant and returns its opaque id.
func (s *grantStore) Put(grant *application.AuthorizationGrant) string {
	id := uuid.NewString()
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, stored := range s.grants {
		if now.After(stored.expiresAt) {
			delete(s.grants, key)
		}
	}
	s.grants[id] = storedGrant{grant: grant, expiresAt: now.Add(s.ttl)}
	return id
}

// Take removes and returns the grant for id, or nil when the id is unknown
// or the grant has expired.
func (s *grantStore) Take(id string) *application.AuthorizationGrant {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.grants[id]
	if !ok {
		return nil
	}
	delete(s.grants, id)
	if time.Now().After(stored.expiresAt) {
		return nil
	}
	return stored.grant
}
