package sift

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"yashubustudio/sift/internal/logger"
)

// PageStatus describes the outcome of a page score request.
type PageStatus string

const (
	// StatusOK carries a scored entry.
	StatusOK PageStatus = "ok"
	// StatusPending means the key is already being scored. The last known
	// entry, possibly stale, is returned instead.
	StatusPending PageStatus = "pending"
	// StatusLoading means the model or anchor is not ready yet.
	StatusLoading PageStatus = "loading"
	// StatusUnavailable means the key cannot be scored. Its entry was evicted.
	StatusUnavailable PageStatus = "unavailable"
	// StatusDisabled means page scoring is switched off.
	StatusDisabled PageStatus = "disabled"
)

// PageInfo is the metadata of one key as seen by the accessor.
type PageInfo struct {
	Title     string `json:"title"`
	SourceURL string `json:"sourceUrl"`
}

// PageAccessor resolves a key to its current metadata. An error means the key
// no longer exists.
type PageAccessor interface {
	Page(ctx context.Context, key string) (PageInfo, error)
}

// PageEntry is one cached score.
type PageEntry struct {
	Title           string      `json:"title"`
	NormalizedTitle string      `json:"normalizedTitle"`
	Result          ScoreResult `json:"result"`
	Stale           bool        `json:"stale"`
	UpdatedAt       time.Time   `json:"updatedAt"`

	epoch uint64
}

// PageScore is the response to a score request.
type PageScore struct {
	Key    string     `json:"key"`
	Status PageStatus `json:"status"`
	Entry  *PageEntry `json:"entry,omitempty"`
}

// PageCacheOptions wires a PageCache.
type PageCacheOptions struct {
	Accessor   PageAccessor
	Lifecycle  *Lifecycle
	Classifier *Classifier
	// AllowedSchemes lists the URL schemes of scorable pages.
	AllowedSchemes []string
	Logger         *logger.Logger
}

type pageFlight struct {
	done chan struct{}
	res  PageScore
	err  error
}

var errScoreAborted = errors.New("sift: page score aborted")

// PageCache keeps one score per key and guarantees at most one scoring
// operation per key at a time.
type PageCache struct {
	accessor   PageAccessor
	lc         *Lifecycle
	classifier *Classifier
	schemes    map[string]struct{}
	log        *logger.Logger

	mu       sync.Mutex
	entries  map[string]*PageEntry
	inflight map[string]*pageFlight
	// gen counts evictions per key so a computation that overlaps an
	// eviction does not resurrect the entry.
	gen     map[string]uint64
	enabled bool
	active  string
}

func NewPageCache(opts PageCacheOptions) *PageCache {
	schemes := opts.AllowedSchemes
	if len(schemes) == 0 {
		schemes = []string{"http", "https"}
	}
	set := make(map[string]struct{}, len(schemes))
	for _, s := range schemes {
		set[strings.ToLower(s)] = struct{}{}
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = NewClassifier(nil, 0)
	}
	return &PageCache{
		accessor:   opts.Accessor,
		lc:         opts.Lifecycle,
		classifier: classifier,
		schemes:    set,
		log:        logger.OrNop(opts.Logger),
		entries:    make(map[string]*PageEntry),
		inflight:   make(map[string]*pageFlight),
		gen:        make(map[string]uint64),
		enabled:    true,
	}
}

// Score returns the score for key, computing it when needed. If key is
// already being scored it returns the existing entry with StatusPending.
func (c *PageCache) Score(ctx context.Context, key string) (PageScore, error) {
	return c.score(ctx, key, false)
}

// ScoreWait is like Score but joins an in-flight computation for key and
// returns its result.
func (c *PageCache) ScoreWait(ctx context.Context, key string) (PageScore, error) {
	return c.score(ctx, key, true)
}

func (c *PageCache) score(ctx context.Context, key string, wait bool) (PageScore, error) {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return PageScore{Key: key, Status: StatusDisabled}, nil
	}
	if f, ok := c.inflight[key]; ok {
		if !wait {
			ps := PageScore{Key: key, Status: StatusPending, Entry: c.viewLocked(key)}
			c.mu.Unlock()
			return ps, nil
		}
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.res, f.err
		case <-ctx.Done():
			return PageScore{}, ctx.Err()
		}
	}
	f := &pageFlight{done: make(chan struct{}), err: errScoreAborted}
	c.inflight[key] = f
	gen := c.gen[key]
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, key)
		close(f.done)
		c.mu.Unlock()
	}()
	f.res, f.err = c.compute(ctx, key, gen)
	return f.res, f.err
}

func (c *PageCache) compute(ctx context.Context, key string, gen uint64) (PageScore, error) {
	info, err := c.accessor.Page(ctx, key)
	if err != nil || !c.scorable(info) {
		if err != nil {
			c.log.Debug("page not accessible", "key", key, "error", err)
		}
		c.evict(key)
		return PageScore{Key: key, Status: StatusUnavailable}, nil
	}
	if c.lc == nil || !c.lc.Ready() {
		return PageScore{Key: key, Status: StatusLoading, Entry: c.View(key)}, nil
	}
	normalized := StripBrand(info.Title)

	c.mu.Lock()
	if e := c.entries[key]; e != nil && !c.staleLocked(e) && e.NormalizedTitle == normalized {
		ps := PageScore{Key: key, Status: StatusOK, Entry: c.viewLocked(key)}
		c.mu.Unlock()
		return ps, nil
	}
	c.mu.Unlock()

	scored, err := c.lc.ScoreText(ctx, normalized)
	if errors.Is(err, ErrNotReady) {
		return PageScore{Key: key, Status: StatusLoading, Entry: c.View(key)}, nil
	}
	if err != nil {
		return PageScore{}, err
	}
	entry := &PageEntry{
		Title:           info.Title,
		NormalizedTitle: normalized,
		Result:          c.classifier.Classify(normalized, scored.Raw),
		UpdatedAt:       time.Now(),
		epoch:           scored.Epoch,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return PageScore{Key: key, Status: StatusDisabled}, nil
	}
	if c.gen[key] != gen {
		return PageScore{Key: key, Status: StatusUnavailable}, nil
	}
	c.entries[key] = entry
	return PageScore{Key: key, Status: StatusOK, Entry: c.viewLocked(key)}, nil
}

func (c *PageCache) scorable(info PageInfo) bool {
	if NormalizeText(info.Title) == "" {
		return false
	}
	u, err := url.Parse(info.SourceURL)
	if err != nil {
		return false
	}
	_, ok := c.schemes[strings.ToLower(u.Scheme)]
	return ok
}

func (c *PageCache) staleLocked(e *PageEntry) bool {
	if e.Stale {
		return true
	}
	return c.lc != nil && e.epoch != c.lc.AnchorEpoch()
}

func (c *PageCache) viewLocked(key string) *PageEntry {
	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	cp := *e
	cp.Stale = c.staleLocked(e)
	return &cp
}

// View returns a copy of the entry for key with its current staleness, or
// nil when there is none.
func (c *PageCache) View(key string) *PageEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked(key)
}

// MarkAllStale flags every entry stale. Entries keep serving as last known
// values until rescored.
func (c *PageCache) MarkAllStale() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		e.Stale = true
	}
}

func (c *PageCache) evict(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.gen[key]++
}

// Close evicts key, e.g. when its tab closes.
func (c *PageCache) Close(key string) {
	c.evict(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == key {
		c.active = ""
	}
}

// SetEnabled switches page scoring on or off. Disabling clears every entry.
// It reports whether the state changed.
func (c *PageCache) SetEnabled(enabled bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled == enabled {
		return false
	}
	c.enabled = enabled
	if !enabled {
		for key := range c.entries {
			c.gen[key]++
		}
		for key := range c.inflight {
			if _, ok := c.entries[key]; !ok {
				c.gen[key]++
			}
		}
		c.entries = make(map[string]*PageEntry)
	}
	return true
}

func (c *PageCache) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// SetActive records the focused key. Only one key is active at a time.
func (c *PageCache) SetActive(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = key
}

func (c *PageCache) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *PageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// PageRegistry is an in-memory PageAccessor fed by page update and close
// messages.
type PageRegistry struct {
	mu    sync.RWMutex
	pages map[string]PageInfo
}

func NewPageRegistry() *PageRegistry {
	return &PageRegistry{pages: make(map[string]PageInfo)}
}

func (r *PageRegistry) Update(key string, info PageInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pages[key] = info
}

func (r *PageRegistry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pages, key)
}

func (r *PageRegistry) Page(_ context.Context, key string) (PageInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.pages[key]
	if !ok {
		return PageInfo{}, ErrPageNotFound
	}
	return info, nil
}
