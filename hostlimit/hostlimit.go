// Package hostlimit caps concurrent remote operations per destination host.
package hostlimit

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Unknown is the shared key for inputs no host can be extracted from.
const Unknown = "unknown"

// DefaultMaxPerHost is the default number of concurrent holders per host.
const DefaultMaxPerHost = 3

// HostKey extracts a normalized host from a URL or an SSH-style remote.
//
//	https://Git.Example:8443/core.git -> git.example
//	git@github.com:org/repo.git       -> github.com
//	github.com/org/repo               -> unknown
func HostKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Unknown
	}

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			return Unknown
		}
		return strings.ToLower(u.Hostname())
	}

	// scp-like syntax: [user@]host:path
	at := strings.Index(raw, "@")
	colon := strings.Index(raw, ":")
	if at < 0 || colon < at {
		return Unknown
	}
	host := raw[at+1 : colon]
	if host == "" || strings.ContainsAny(host, "/@") {
		return Unknown
	}
	return strings.ToLower(host)
}

// Limiter owns one FIFO counting semaphore per host, created on first use.
type Limiter struct {
	max int64

	mu    sync.Mutex
	hosts map[string]*semaphore.Weighted
}

// New creates a limiter allowing maxPerHost concurrent holders per host.
func New(maxPerHost int) *Limiter {
	if maxPerHost < 1 {
		maxPerHost = 1
	}
	return &Limiter{
		max:   int64(maxPerHost),
		hosts: make(map[string]*semaphore.Weighted),
	}
}

// MaxPerHost returns the per-host cap.
func (l *Limiter) MaxPerHost() int {
	return int(l.max)
}

func (l *Limiter) sem(host string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.hosts[host]
	if !ok {
		s = semaphore.NewWeighted(l.max)
		l.hosts[host] = s
	}
	return s
}

// Acquire waits for a free slot on host. Waiters are served in arrival order.
// It returns ctx.Err() if the context is done first.
func (l *Limiter) Acquire(ctx context.Context, host string) error {
	return l.sem(host).Acquire(ctx, 1)
}

// Release frees a slot acquired on host.
func (l *Limiter) Release(host string) {
	l.sem(host).Release(1)
}

// Do runs fn while holding a slot for the host of rawURL.
// A nil limiter runs fn directly.
func (l *Limiter) Do(ctx context.Context, rawURL string, fn func() error) error {
	if l == nil {
		return fn()
	}
	host := HostKey(rawURL)
	if err := l.Acquire(ctx, host); err != nil {
		return err
	}
	defer l.Release(host)
	return fn()
}
