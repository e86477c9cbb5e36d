// Package credentials holds signing passwords between the request that
// supplies them and the background job that uses them. Passwords live in
// memguard enclaves and can be taken once.
package credentials

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
)

// DefaultTTL bounds how long a password waits for its job.
const DefaultTTL = 15 * time.Minute

var (
	ErrNotFound  = errors.New("credentials not found or already used")
	ErrExpired   = errors.New("credentials expired")
	ErrWrongUser = errors.New("credentials belong to another user")
)

type item struct {
	userID    string
	secret    *memguard.Enclave
	expiresAt time.Time
}

// Cache maps credentials ids to sealed passwords.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	items map[string]*item
}

// NewCache returns an empty cache. ttl <= 0 selects DefaultTTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{ttl: ttl, now: time.Now, items: make(map[string]*item)}
}

// SetClock overrides time.Now in tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Put seals password for userID and returns its credentials id. password
// is wiped.
func (c *Cache) Put(userID string, password []byte) (string, error) {
	if len(password) == 0 {
		return "", errors.New("empty password")
	}
	id := uuid.NewString()
	enclave := memguard.NewEnclave(password)
	if enclave == nil {
		return "", errors.New("sealing password failed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[id] = &item{userID: userID, secret: enclave, expiresAt: c.now().Add(c.ttl)}
	return id, nil
}

// Take removes id from the cache and returns its password. An id can be
// taken once, by the user it was stored for.
func (c *Cache) Take(id, userID string) (string, error) {
	c.mu.Lock()
	it, ok := c.items[id]
	if ok && it.userID != userID {
		c.mu.Unlock()
		return "", ErrWrongUser
	}
	delete(c.items, id)
	now := c.now()
	c.mu.Unlock()

	if !ok {
		return "", ErrNotFound
	}
	if now.After(it.expiresAt) {
		return "", ErrExpired
	}
	buf, err := it.secret.Open()
	if err != nil {
		return "", fmt.Errorf("opening credentials: %w", err)
	}
	defer buf.Destroy()
	return string(buf.Bytes()), nil
}

// Sweep drops expired entries.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for id, it := range c.items {
		if now.After(it.expiresAt) {
			delete(c.items, id)
			n++
		}
	}
	return n
}

// Len reports how many credentials are waiting.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
