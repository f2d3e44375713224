// Package tokencache holds exchanged downstream tokens encrypted at rest
// in memory, scoped per transport session.
//
// Each session gets its own random AES-256 key. Every ciphertext is bound
// to the requestor's bearer token through the GCM additional authenticated
// data: AAD = SHA-256(requestor JWT). A cached token therefore cannot be
// read back by a different requestor even inside the same process, and a
// session whose bearer token changes loses its cache rather than leaking
// across identities.
package tokencache

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/project-umbra/warden/internal/clock"
)

const (
	keySize   = 32
	nonceSize = 12

	DefaultMaxEntriesPerSession = 64
	DefaultMaxTotalEntries      = 4096
	DefaultSessionIdleTimeout   = 30 * time.Minute
	DefaultSweepInterval        = time.Minute
)

// Metrics is a point-in-time snapshot of cache counters
type Metrics struct {
	Hits               uint64
	Misses             uint64
	DecryptionFailures uint64
	RequestorMismatch  uint64
	ActiveSessions     int
	TotalEntries       int
	ApproxBytes        int
}

// entry is one sealed token. The stored form never contains plaintext.
type entry struct {
	nonce      []byte
	ciphertext []byte
	expiresAt  time.Time
}

// session is the per-transport-session cache state
type session struct {
	key        []byte
	aad        []byte
	jwtSubject string
	lastActive time.Time
	entries    *lru.Cache
	bytes      int
	count      int
}

// Config configures the cache
type Config struct {
	// MaxEntriesPerSession bounds each session's LRU
	MaxEntriesPerSession int

	// MaxTotalEntries bounds the whole cache across sessions
	MaxTotalEntries int

	// SessionIdleTimeout evicts sessions with no activity for this long
	SessionIdleTimeout time.Duration

	// SweepInterval is how often the background sweeper runs
	SweepInterval time.Duration

	// Clock is the time source (default: system clock)
	Clock clock.Clock
}

// Cache is the encrypted per-session token cache
type Cache struct {
	mu       sync.Mutex
	sessions map[string]*session

	maxPerSession int
	maxTotal      int
	idleTimeout   time.Duration
	sweepInterval time.Duration
	clock         clock.Clock

	total int

	hits               uint64
	misses             uint64
	decryptionFailures uint64
	requestorMismatch  uint64

	done chan struct{}
	once sync.Once
}

// New creates a token cache. Call Run to start the idle sweeper.
func New(cfg Config) *Cache {
	if cfg.MaxEntriesPerSession <= 0 {
		cfg.MaxEntriesPerSession = DefaultMaxEntriesPerSession
	}
	if cfg.MaxTotalEntries <= 0 {
		cfg.MaxTotalEntries = DefaultMaxTotalEntries
	}
	if cfg.SessionIdleTimeout <= 0 {
		cfg.SessionIdleTimeout = DefaultSessionIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystemClock()
	}

	return &Cache{
		sessions:      make(map[string]*session),
		maxPerSession: cfg.MaxEntriesPerSession,
		maxTotal:      cfg.MaxTotalEntries,
		idleTimeout:   cfg.SessionIdleTimeout,
		sweepInterval: cfg.SweepInterval,
		clock:         cfg.Clock,
		done:          make(chan struct{}),
	}
}

// RequestorAAD derives the additional authenticated data binding a cache
// session to its bearer token
func RequestorAAD(subjectToken string) []byte {
	sum := sha256.Sum256([]byte(subjectToken))
	return sum[:]
}

// ActivateSession prepares a session for the given requestor. A new session
// gets a fresh random key bound to the requestor's token. An existing
// session presented with a different requestor token is wiped and
// re-keyed; its old entries become undecryptable garbage and are dropped.
func (c *Cache) ActivateSession(sessionID, subjectToken, jwtSubject string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}

	aad := RequestorAAD(subjectToken)

	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[sessionID]; ok {
		if hmac.Equal(s.aad, aad) {
			s.lastActive = c.clock.Now()
			return nil
		}
		// Same transport session, different bearer token. Treat as a new
		// requestor: everything cached under the old identity is destroyed.
		c.requestorMismatch++
		c.destroySessionLocked(sessionID, s)
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("failed to generate session key: %w", err)
	}

	s := &session{
		key:        key,
		aad:        aad,
		jwtSubject: jwtSubject,
		lastActive: c.clock.Now(),
	}
	s.entries = lru.New(c.maxPerSession)
	s.entries.OnEvicted = func(_ lru.Key, value interface{}) {
		if e, ok := value.(*entry); ok {
			s.bytes -= len(e.ciphertext)
			s.count--
			c.total--
		}
	}
	c.sessions[sessionID] = s
	return nil
}

// Set seals a plaintext token under the session key and stores it. The
// caller's subject token must match the one the session was activated
// with; a mismatch is an error, not a silent re-key.
func (c *Cache) Set(sessionID, cacheKey string, plaintext []byte, expiresAt time.Time, subjectToken string) error {
	aad := RequestorAAD(subjectToken)

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %q is not active", sessionID)
	}
	if !hmac.Equal(s.aad, aad) {
		c.requestorMismatch++
		return fmt.Errorf("requestor token does not match session %q", sessionID)
	}

	gcm, err := sessionCipher(s.key)
	if err != nil {
		return err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, s.aad)

	// Room check runs before insert so the global bound holds even when
	// the per-session LRU would not evict
	c.makeRoomLocked(s)

	if prev, ok := s.entries.Get(cacheKey); ok {
		if e, ok := prev.(*entry); ok {
			s.bytes -= len(e.ciphertext)
			s.count--
			c.total--
		}
	}
	s.entries.Add(cacheKey, &entry{
		nonce:      nonce,
		ciphertext: ciphertext,
		expiresAt:  expiresAt,
	})
	s.bytes += len(ciphertext)
	s.count++
	c.total++
	s.lastActive = c.clock.Now()
	return nil
}

// Get opens a cached token. Any failure mode reads as a miss: unknown
// session, unknown key, expired entry, requestor mismatch, or ciphertext
// tampering. Mismatch and tamper additionally bump the decryption failure
// counter. The returned slice is a fresh copy owned by the caller.
func (c *Cache) Get(sessionID, cacheKey, subjectToken string) ([]byte, bool) {
	aad := RequestorAAD(subjectToken)

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		c.misses++
		return nil, false
	}
	if !hmac.Equal(s.aad, aad) {
		c.decryptionFailures++
		c.misses++
		return nil, false
	}

	value, ok := s.entries.Get(cacheKey)
	if !ok {
		c.misses++
		return nil, false
	}
	e, ok := value.(*entry)
	if !ok {
		c.misses++
		return nil, false
	}

	if !e.expiresAt.IsZero() && !c.clock.Now().Before(e.expiresAt) {
		s.entries.Remove(cacheKey)
		c.misses++
		return nil, false
	}

	gcm, err := sessionCipher(s.key)
	if err != nil {
		c.decryptionFailures++
		c.misses++
		return nil, false
	}

	plaintext, err := gcm.Open(nil, e.nonce, e.ciphertext, s.aad)
	if err != nil {
		// Authenticated decryption failed: the entry is corrupt or was
		// sealed for a different requestor. Either way it is unusable.
		s.entries.Remove(cacheKey)
		c.decryptionFailures++
		c.misses++
		return nil, false
	}

	s.lastActive = c.clock.Now()
	c.hits++

	out := make([]byte, len(plaintext))
	copy(out, plaintext)
	zero(plaintext)
	return out, true
}

// ClearSession destroys a session: all entries dropped, key material zeroed
func (c *Cache) ClearSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[sessionID]; ok {
		c.destroySessionLocked(sessionID, s)
	}
}

// Run starts the idle sweeper and blocks until Close is called
func (c *Cache) Run() {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// Close stops the sweeper and destroys all sessions
func (c *Cache) Close() {
	c.once.Do(func() { close(c.done) })

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, s := range c.sessions {
		c.destroySessionLocked(id, s)
	}
}

// Metrics returns a snapshot of the cache counters
func (c *Cache) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	approxBytes := 0
	for _, s := range c.sessions {
		approxBytes += s.bytes + keySize + len(s.aad)
	}

	return Metrics{
		Hits:               c.hits,
		Misses:             c.misses,
		DecryptionFailures: c.decryptionFailures,
		RequestorMismatch:  c.requestorMismatch,
		ActiveSessions:     len(c.sessions),
		TotalEntries:       c.total,
		ApproxBytes:        approxBytes,
	}
}

// sweep evicts sessions idle past the timeout
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.clock.Now().Add(-c.idleTimeout)
	for id, s := range c.sessions {
		if s.lastActive.Before(cutoff) {
			c.destroySessionLocked(id, s)
		}
	}
}

// makeRoomLocked enforces the global entry bound by evicting the oldest
// entry of the least recently active session
func (c *Cache) makeRoomLocked(target *session) {
	for c.total >= c.maxTotal {
		victim := target
		for _, s := range c.sessions {
			if s.count > 0 && s.lastActive.Before(victim.lastActive) {
				victim = s
			}
		}
		if victim.count == 0 {
			return
		}
		victim.entries.RemoveOldest()
	}
}

// destroySessionLocked removes a session and zeroes its key material
func (c *Cache) destroySessionLocked(sessionID string, s *session) {
	if s.entries != nil {
		s.entries.Clear()
	}
	zero(s.key)
	zero(s.aad)
	delete(c.sessions, sessionID)
}

func sessionCipher(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
