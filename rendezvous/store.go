package rendezvous

import (
	"context"
	"errors"
	"sync"
	"time"

	"tarun-kavipurapu/p2p-share/pkg/logger"
	"tarun-kavipurapu/p2p-share/pkg/monitor"
)

var (
	ErrNotFound  = errors.New("channel not found")
	ErrBadSecret = errors.New("channel secret does not match")
	ErrSlugTaken = errors.New("slug already in use")
)

// Channel binds a pair of slugs to an uploader's address until it expires.
type Channel struct {
	LongSlug        string
	ShortSlug       string
	Secret          string
	UploaderAddress string
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

// Store keeps channels in memory, reachable by either slug.
type Store struct {
	mu      sync.Mutex
	ttl     time.Duration
	byLong  map[string]*Channel
	byShort map[string]*Channel
	now     func() time.Time
}

func NewStore(ttl time.Duration) *Store {
	return &Store{
		ttl:     ttl,
		byLong:  make(map[string]*Channel),
		byShort: make(map[string]*Channel),
		now:     time.Now,
	}
}

// Create registers a channel for uploaderAddress. A non-empty sharedSlug is
// used as the long slug instead of a random one.
func (s *Store) Create(uploaderAddress, sharedSlug string) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	long := sharedSlug
	if long != "" {
		if ch, ok := s.byLong[long]; ok && !s.expired(ch) {
			return Channel{}, ErrSlugTaken
		}
		s.removeLocked(s.byLong[long])
	} else {
		for {
			long = NewLongSlug()
			if _, ok := s.byLong[long]; !ok {
				break
			}
		}
	}
	short := NewShortSlug()
	for s.byShort[short] != nil {
		short = NewShortSlug()
	}

	now := s.now()
	ch := &Channel{
		LongSlug:        long,
		ShortSlug:       short,
		Secret:          newSecret(),
		UploaderAddress: uploaderAddress,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.ttl),
	}
	s.byLong[long] = ch
	s.byShort[short] = ch
	monitor.SetChannelsActive(len(s.byLong))
	return *ch, nil
}

// Lookup finds a live channel by either slug.
func (s *Store) Lookup(slug string) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.findLocked(slug)
	if ch == nil {
		return Channel{}, ErrNotFound
	}
	return *ch, nil
}

// Renew extends a channel's lifetime by the TTL.
func (s *Store) Renew(slug, secret string) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.findLocked(slug)
	if ch == nil {
		return Channel{}, ErrNotFound
	}
	if ch.Secret != secret {
		return Channel{}, ErrBadSecret
	}
	ch.ExpiresAt = s.now().Add(s.ttl)
	return *ch, nil
}

// Destroy removes a channel. It reports whether one existed.
func (s *Store) Destroy(slug string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.findLocked(slug)
	if ch == nil {
		return false
	}
	s.removeLocked(ch)
	monitor.SetChannelsActive(len(s.byLong))
	return true
}

// Sweep drops expired channels and returns how many it removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ch := range s.byLong {
		if s.expired(ch) {
			s.removeLocked(ch)
			n++
		}
	}
	monitor.SetChannelsActive(len(s.byLong))
	return n
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byLong)
}

// RunSweeper sweeps every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				logger.Sugar.Infof("[Rendezvous] expired %d channel(s), %d active", n, s.Len())
			}
		}
	}
}

func (s *Store) findLocked(slug string) *Channel {
	ch := s.byLong[slug]
	if ch == nil {
		ch = s.byShort[slug]
	}
	if ch == nil || s.expired(ch) {
		return nil
	}
	return ch
}

func (s *Store) removeLocked(ch *Channel) {
	if ch == nil {
		return
	}
	if s.byLong[ch.LongSlug] == ch {
		delete(s.byLong, ch.LongSlug)
	}
	if s.byShort[ch.ShortSlug] == ch {
		delete(s.byShort, ch.ShortSlug)
	}
}

func (s *Store) expired(ch *Channel) bool {
	return !s.now().Before(ch.ExpiresAt)
}
