// Package feed fetches RSS item titles for scoring and caches them in the kv
// store so repeated runs inside the TTL do not hit the network.
package feed

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/feeds"
	"github.com/vmihailenco/msgpack/v5"

	"yashubustudio/sift/internal/kv"
	"yashubustudio/sift/internal/logger"
	"yashubustudio/sift/sift"
)

const (
	DefaultURL = "https://news.ycombinator.com/rss"
	DefaultTTL = 30 * time.Minute

	cacheKeyPrefix = "feed:"
	maxBodyBytes   = 8 << 20
)

// ErrStatus is returned when the feed endpoint answers with an HTTP error.
var ErrStatus = errors.New("feed: unexpected http status")

type Item struct {
	Title     string    `json:"title" msgpack:"title"`
	Link      string    `json:"link,omitempty" msgpack:"link"`
	Published time.Time `json:"published,omitempty" msgpack:"published"`
}

// Origin tells where Fetch got its items.
type Origin string

const (
	OriginCache   Origin = "cache"
	OriginNetwork Origin = "network"
)

type cached struct {
	FetchedAt time.Time `msgpack:"fetchedAt"`
	Items     []Item    `msgpack:"items"`
}

type Options struct {
	URL    string
	TTL    time.Duration
	Store  kv.Store
	Client *http.Client
	Logger *logger.Logger
	Now    func() time.Time
}

type Fetcher struct {
	url    string
	ttl    time.Duration
	store  kv.Store
	client *http.Client
	log    *logger.Logger
	now    func() time.Time
}

func New(opts Options) *Fetcher {
	f := &Fetcher{
		url:    opts.URL,
		ttl:    opts.TTL,
		store:  opts.Store,
		client: opts.Client,
		log:    logger.OrNop(opts.Logger),
		now:    opts.Now,
	}
	if f.url == "" {
		f.url = DefaultURL
	}
	if f.ttl <= 0 {
		f.ttl = DefaultTTL
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: 30 * time.Second}
	}
	if f.now == nil {
		f.now = time.Now
	}
	return f
}

func (f *Fetcher) cacheKey() string { return cacheKeyPrefix + f.url }

// Fetch returns the feed items, from the cache while it is younger than the
// TTL and from the network otherwise. A corrupt cache entry is dropped and
// treated as a miss.
func (f *Fetcher) Fetch(ctx context.Context) ([]Item, Origin, error) {
	if items, ok := f.fromCache(ctx); ok {
		return items, OriginCache, nil
	}
	items, err := f.Refresh(ctx)
	if err != nil {
		return nil, "", err
	}
	return items, OriginNetwork, nil
}

func (f *Fetcher) fromCache(ctx context.Context) ([]Item, bool) {
	if f.store == nil {
		return nil, false
	}
	key := f.cacheKey()
	values, err := f.store.Get(ctx, key)
	if err != nil {
		f.log.Warn("feed cache read failed", "error", err)
		return nil, false
	}
	data, ok := values[key]
	if !ok {
		return nil, false
	}
	var c cached
	if err := msgpack.Unmarshal(data, &c); err != nil {
		f.log.Warn("dropping corrupt feed cache", "error", err)
		_ = f.store.Delete(ctx, key)
		return nil, false
	}
	age := f.now().Sub(c.FetchedAt)
	if age > f.ttl {
		f.log.Debug("feed cache expired", "age", age.String())
		return nil, false
	}
	return c.Items, true
}

// Refresh fetches from the network and rewrites the cache.
func (f *Fetcher) Refresh(ctx context.Context) ([]Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("feed request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}
	items, err := Parse(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	f.log.Info("feed fetched", "url", f.url, "items", len(items))
	if f.store != nil {
		data, err := msgpack.Marshal(cached{FetchedAt: f.now(), Items: items})
		if err == nil {
			err = f.store.Set(ctx, map[string][]byte{f.cacheKey(): data})
		}
		if err != nil {
			f.log.Warn("feed cache write failed", "error", err)
		}
	}
	return items, nil
}

// Parse reads an RSS 2.0 document. Items without a title are skipped.
func Parse(r io.Reader) ([]Item, error) {
	var doc feeds.RssFeedXml
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	if doc.Channel == nil {
		return nil, fmt.Errorf("parse feed: no channel")
	}
	items := make([]Item, 0, len(doc.Channel.Items))
	for _, it := range doc.Channel.Items {
		if it == nil {
			continue
		}
		title := sift.NormalizeText(it.Title)
		if title == "" {
			continue
		}
		items = append(items, Item{
			Title:     title,
			Link:      strings.TrimSpace(it.Link),
			Published: parseDate(it.PubDate),
		})
	}
	return items, nil
}

func parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Scorer scores texts against the current anchor.
type Scorer interface {
	ScoreTexts(ctx context.Context, texts []string) ([]sift.ScoreResult, error)
}

// Scored is one feed item with its score.
type Scored struct {
	Item
	sift.ScoreResult
}

// ScoreItems scores every title in one batch and sorts by raw score,
// highest first.
func ScoreItems(ctx context.Context, s Scorer, items []Item) ([]Scored, error) {
	if len(items) == 0 {
		return nil, nil
	}
	titles := make([]string, len(items))
	for i, it := range items {
		titles[i] = it.Title
	}
	results, err := s.ScoreTexts(ctx, titles)
	if err != nil {
		return nil, err
	}
	out := make([]Scored, len(items))
	for i := range items {
		out[i] = Scored{Item: items[i], ScoreResult: results[i]}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RawScore > out[j].RawScore })
	return out, nil
}
