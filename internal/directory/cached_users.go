// Package directory wraps the user directory with a short-lived local cache.
// Call setup reads the same few users repeatedly (caller name, invitees).
package directory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"chatcore-backend/internal/domain"
	"chatcore-backend/pkg/cache"
)

// Users is the backing lookup, usually cockroach.UserRepository
type Users interface {
	GetUser(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	GetUsersByIDs(ctx context.Context, userIDs []uuid.UUID) ([]*domain.User, error)
}

// CachedUsers serves user lookups from memory for ttl before asking Users again
type CachedUsers struct {
	users Users
	cache *cache.MemoryCache[uuid.UUID, *domain.User]
}

// NewCachedUsers creates a cached directory holding at most maxSize users
func NewCachedUsers(users Users, ttl time.Duration, maxSize int) *CachedUsers {
	return &CachedUsers{
		users: users,
		cache: cache.NewMemoryCache[uuid.UUID, *domain.User](ttl, maxSize),
	}
}

// GetUser returns the user, from cache when fresh
func (c *CachedUsers) GetUser(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	if u, ok := c.cache.Get(userID); ok {
		return u, nil
	}
	u, err := c.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.cache.Set(userID, u, 0)
	return u, nil
}

// GetUsersByIDs fetches only the ids missing from cache. Order follows userIDs.
func (c *CachedUsers) GetUsersByIDs(ctx context.Context, userIDs []uuid.UUID) ([]*domain.User, error) {
	found := make(map[uuid.UUID]*domain.User, len(userIDs))
	var missing []uuid.UUID
	for _, id := range userIDs {
		if u, ok := c.cache.Get(id); ok {
			found[id] = u
		} else {
			missing = append(missing, id)
		}
	}

	if len(missing) > 0 {
		fetched, err := c.users.GetUsersByIDs(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, u := range fetched {
			c.cache.Set(u.UserID, u, 0)
			found[u.UserID] = u
		}
	}

	out := make([]*domain.User, 0, len(found))
	seen := make(map[uuid.UUID]bool, len(found))
	for _, id := range userIDs {
		if u, ok := found[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, u)
		}
	}
	return out, nil
}

// Invalidate drops a user so the next lookup reads through
func (c *CachedUsers) Invalidate(userID uuid.UUID) {
	c.cache.Delete(userID)
}

// StartCleanup periodically drops expired users; call the returned func to stop
func (c *CachedUsers) StartCleanup(interval time.Duration) func() {
	return c.cache.StartCleanup(interval)
}
