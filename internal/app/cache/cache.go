package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Fetcher loads the value for a cache key from the backend.
type Fetcher func(ctx context.Context) (any, error)

// Result is what a read hands back. When Err is set and Data is non-nil the
// data is the last good value, kept so callers can render stale-but-present
// state instead of flashing empty on a transient failure.
type Result struct {
	Data      any
	Err       error
	Stale     bool
	FetchedAt time.Time
}

type entry struct {
	data      any
	hasData   bool
	err       error
	stale     bool
	fetchedAt time.Time
	gen       uint64
}

type watcher struct {
	prefix string
	ch     chan string
}

// Cache is a keyed store of asynchronous read results with staleness windows,
// in-flight request de-duplication and prefix invalidation. It is the single
// point of truth for what callers see; push events never write into it
// directly, they only invalidate.
type Cache struct {
	logger   *slog.Logger
	coalesce time.Duration

	group singleflight.Group

	mu          sync.Mutex
	entries     map[string]*entry
	watchers    map[int]watcher
	nextWatcher int
	pending     map[string]struct{}
	flushArmed  bool
	closed      bool
}

const defaultCoalesce = 10 * time.Millisecond

// New builds an empty cache. coalesce bounds the window in which duplicate
// invalidations for the same key collapse into one notification; zero picks a
// default.
func New(logger *slog.Logger, coalesce time.Duration) *Cache {
	if coalesce <= 0 {
		coalesce = defaultCoalesce
	}
	return &Cache{
		logger:   logger,
		coalesce: coalesce,
		entries:  make(map[string]*entry),
		watchers: make(map[int]watcher),
		pending:  make(map[string]struct{}),
	}
}

// Read returns the cached value for key when it is fresh, otherwise fetches.
// Concurrent reads of the same key share one underlying request. A fetch
// error leaves any previous good value in place. An invalidation that lands
// while the fetch is in flight survives it: the fetched value is stored and
// served, but flagged stale so the next read refetches.
func (c *Cache) Read(ctx context.Context, key string, staleTime time.Duration, fetch Fetcher) Result {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	if e.hasData && !e.stale && time.Since(e.fetchedAt) < staleTime {
		res := Result{Data: e.data, FetchedAt: e.fetchedAt}
		c.mu.Unlock()
		return res
	}
	startGen := e.gen
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		return fetch(ctx)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok = c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	if err != nil {
		e.err = err
		if e.hasData {
			return Result{Data: e.data, Err: err, Stale: true, FetchedAt: e.fetchedAt}
		}
		return Result{Err: err}
	}
	e.data = v
	e.hasData = true
	e.err = nil
	e.fetchedAt = time.Now()
	if e.gen != startGen {
		// The flight overlapped an invalidation and may predate the change
		// that caused it.
		e.stale = true
		return Result{Data: e.data, Stale: true, FetchedAt: e.fetchedAt}
	}
	e.stale = false
	return Result{Data: e.data, FetchedAt: e.fetchedAt}
}

// Write stores a value directly, used for optimistic updates right after a
// successful mutation, ahead of the invalidation-driven refetch.
func (c *Cache) Write(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	e.data = value
	e.hasData = true
	e.err = nil
	e.stale = false
	e.fetchedAt = time.Now()
	e.gen++
}

// Invalidate marks every entry whose key starts with prefix as stale and
// queues one watcher notification for the prefix. Repeated invalidations of
// the same prefix inside the coalescing window collapse into a single
// notification, so a message that fires both the per-conversation and the
// per-viewer channel causes one refetch cycle, not two.
func (c *Cache) Invalidate(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for key, e := range c.entries {
		if strings.HasPrefix(key, prefix) {
			e.stale = true
			e.gen++
		}
	}
	c.pending[prefix] = struct{}{}
	if !c.flushArmed {
		c.flushArmed = true
		time.AfterFunc(c.coalesce, c.flush)
	}
}

func (c *Cache) flush() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]struct{})
	c.flushArmed = false
	watchers := make([]watcher, 0, len(c.watchers))
	for _, w := range c.watchers {
		watchers = append(watchers, w)
	}
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	for prefix := range pending {
		for _, w := range watchers {
			if !overlaps(prefix, w.prefix) {
				continue
			}
			select {
			case w.ch <- prefix:
			default:
				if c.logger != nil {
					c.logger.Warn("cache watcher backlogged, dropping notification", "prefix", prefix)
				}
			}
		}
	}
}

// Watch registers interest in invalidations under prefix. The returned
// channel receives the invalidated prefix; the stop func must be called when
// the watcher goes away.
func (c *Cache) Watch(prefix string) (<-chan string, func()) {
	ch := make(chan string, 16)
	c.mu.Lock()
	id := c.nextWatcher
	c.nextWatcher++
	c.watchers[id] = watcher{prefix: prefix, ch: ch}
	c.mu.Unlock()
	stop := func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
	return ch, stop
}

// Close drops all watchers and suppresses any pending notifications. Called
// on session teardown.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	c.watchers = make(map[int]watcher)
	c.pending = make(map[string]struct{})
	c.mu.Unlock()
}

func overlaps(a, b string) bool {
	return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
}
