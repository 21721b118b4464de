package auth

import (
	"fmt"
	"time"

	cache "github.com/go-pkgz/expirable-cache"
)

const defaultPendingTTL = 5 * time.Minute

type pendingLogin struct {
	UserID    string
	IP        string
	UserAgent string
}

// PendingLogins remembers users whose password was accepted but who still
// owe a second factor.
type PendingLogins struct {
	store cache.Cache
	ttl   time.Duration
}

func NewPendingLogins(maxKeys int, ttl time.Duration) (*PendingLogins, error) {
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	if ttl <= 0 {
		ttl = defaultPendingTTL
	}
	store, err := cache.NewCache(cache.MaxKeys(maxKeys), cache.TTL(ttl))
	if err != nil {
		return nil, fmt.Errorf("create pending login cache: %w", err)
	}
	return &PendingLogins{store: store, ttl: ttl}, nil
}

func (p *PendingLogins) put(username string, login pendingLogin) {
	p.store.Set(username, login, p.ttl)
}

func (p *PendingLogins) get(username string) (pendingLogin, bool) {
	value, ok := p.store.Get(username)
	if !ok {
		return pendingLogin{}, false
	}
	login, ok := value.(pendingLogin)
	return login, ok
}

func (p *PendingLogins) consume(username string) {
	p.store.Invalidate(username)
}
