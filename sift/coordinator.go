package sift

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"yashubustudio/sift/internal/logger"
)

// CoordinatorOptions wires a Coordinator.
type CoordinatorOptions struct {
	Config  Config
	Store   Store
	Factory EmbedderFactory
	// Accessor resolves page keys. Nil uses an internal PageRegistry fed by
	// UpdatePage and ClosePage.
	Accessor PageAccessor
	// Seeds replaces the builtin categories on first run.
	Seeds  []CategoryDef
	Logger *logger.Logger
}

// Coordinator owns one instance of every component and is the single entry
// point for callers. Construct it once per process, call Init, and Shutdown
// when done.
type Coordinator struct {
	cfg        Config
	log        *logger.Logger
	session    string
	records    *Records
	queue      *LabelQueue
	lc         *Lifecycle
	pages      *PageCache
	registry   *PageRegistry
	classifier *Classifier
	index      *CategoryIndex
	seeds      []CategoryDef

	mu         sync.RWMutex
	categories []CategoryDef
	active     []string
	settings   Settings

	indexMu   sync.Mutex
	profileMu sync.Mutex

	bgMu     sync.Mutex
	bg       sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc
	shutdown bool
}

func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("coordinator: store is required")
	}
	if opts.Factory == nil {
		return nil, errors.New("coordinator: embedder factory is required")
	}
	cfg := opts.Config
	cfg.ApplyDefaults()
	log := logger.OrNop(opts.Logger)
	session := uuid.NewString()
	log = log.With("session", session)

	bgCtx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:        cfg,
		log:        log,
		session:    session,
		records:    NewRecords(opts.Store),
		queue:      NewLabelQueue(opts.Store, log.With("component", "labels")),
		classifier: NewClassifier(cfg.Tiers.Thresholds, cfg.Tiers.HueSplit),
		index:      NewCategoryIndex(),
		seeds:      opts.Seeds,
		bgCtx:      bgCtx,
		bgCancel:   cancel,
	}
	c.lc = NewLifecycle(LifecycleOptions{
		Factory:        opts.Factory,
		Logger:         log.With("component", "lifecycle"),
		OnAnchorChange: c.onAnchorChange,
		OnAnchorReady:  c.onAnchorReady,
	})
	accessor := opts.Accessor
	if accessor == nil {
		c.registry = NewPageRegistry()
		accessor = c.registry
	}
	c.pages = NewPageCache(PageCacheOptions{
		Accessor:       accessor,
		Lifecycle:      c.lc,
		Classifier:     c.classifier,
		AllowedSchemes: cfg.Pages.AllowedSchemes,
		Logger:         log.With("component", "pages"),
	})
	return c, nil
}

// Init migrates stored data, loads the persisted settings and the model, then
// builds the category index and the taste profile in parallel.
func (c *Coordinator) Init(ctx context.Context) error {
	if _, err := Migrate(ctx, c.records, c.queue, c.seeds, c.log); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := c.loadState(ctx); err != nil {
		return err
	}
	c.mu.RLock()
	settings := c.settings
	c.mu.RUnlock()

	if err := c.lc.SetAnchor(ctx, settings.Anchor); err != nil {
		return fmt.Errorf("set anchor: %w", err)
	}
	if err := c.lc.Load(ctx, sourceOf(settings)); err != nil {
		return err
	}
	return c.warmup(ctx)
}

func (c *Coordinator) loadState(ctx context.Context) error {
	defs, err := c.records.Categories(ctx)
	if err != nil {
		return err
	}
	active, _, err := c.records.ActiveCategories(ctx)
	if err != nil {
		return err
	}
	settings, err := c.records.Settings(ctx)
	if err != nil {
		return err
	}
	if err := settings.Validate(); err != nil {
		c.log.Warn("conflicting custom model settings, using model id", "id", settings.CustomModelID, "url", settings.CustomModelURL)
		settings.CustomModelURL = ""
	}
	if NormalizeText(settings.Anchor) == "" {
		settings.Anchor = defaultAnchor(defs)
	}
	c.mu.Lock()
	c.categories = defs
	c.active = active
	c.settings = settings
	c.mu.Unlock()
	c.log.Info("state loaded", "categories", len(defs), "active", len(active), "anchor", settings.Anchor)
	return nil
}

func defaultAnchor(defs []CategoryDef) string {
	for _, d := range defs {
		if d.ID == FallbackCategoryID {
			return d.AnchorText
		}
	}
	if len(defs) > 0 {
		return defs[0].AnchorText
	}
	return BuiltinCategories()[0].AnchorText
}

func sourceOf(s Settings) ModelSource {
	return ModelSource{ID: s.CustomModelID, URL: s.CustomModelURL}
}

func (c *Coordinator) warmup(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.rebuildIndex(gctx)
	})
	g.Go(func() error {
		if _, err := c.refreshProfile(gctx); err != nil && !errors.Is(err, ErrNoLabels) {
			c.log.Warn("taste profile not built", "error", err)
		}
		return nil
	})
	return g.Wait()
}

// Reload switches to src and persists the choice. An empty source returns to
// the configured default model.
func (c *Coordinator) Reload(ctx context.Context, src ModelSource) error {
	if err := src.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	settings := c.settings
	settings.CustomModelID, settings.CustomModelURL = src.ID, src.URL
	c.mu.Unlock()
	if err := c.records.SaveSettings(ctx, settings); err != nil {
		return err
	}
	c.mu.Lock()
	c.settings = settings
	c.mu.Unlock()

	c.index.Clear()
	if err := c.lc.Reload(ctx, src); err != nil {
		return err
	}
	return c.warmup(ctx)
}

// Shutdown stops background work, drains the label queue and releases the
// model. The store is left open for its owner to close.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.bgMu.Lock()
	if c.shutdown {
		c.bgMu.Unlock()
		return nil
	}
	c.shutdown = true
	c.bgMu.Unlock()
	c.bgCancel()

	done := make(chan struct{})
	go func() {
		c.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.queue.Close()
	c.log.Info("coordinator shut down")
	return c.lc.Close()
}

// goBackground runs fn on a tracked goroutine unless the coordinator is
// shutting down.
func (c *Coordinator) goBackground(fn func(ctx context.Context)) {
	c.bgMu.Lock()
	defer c.bgMu.Unlock()
	if c.shutdown {
		return
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		fn(c.bgCtx)
	}()
}

func (c *Coordinator) onAnchorChange() {
	c.pages.MarkAllStale()
}

func (c *Coordinator) onAnchorReady(string) {
	c.rescoreActive()
}

// rescoreActive eagerly rescores the active page in the background.
func (c *Coordinator) rescoreActive() {
	key := c.pages.Active()
	if key == "" {
		return
	}
	c.goBackground(func(ctx context.Context) {
		ps, err := c.pages.ScoreWait(ctx, key)
		if err == nil && ps.Entry != nil && ps.Entry.Stale {
			ps, err = c.pages.ScoreWait(ctx, key)
		}
		if err != nil {
			c.log.Debug("active page rescore failed", "key", key, "error", err)
			return
		}
		c.log.Debug("active page rescored", "key", key, "status", ps.Status)
	})
}

// CoordinatorStatus is the overall state reported to callers.
type CoordinatorStatus struct {
	Session      string `json:"session"`
	Lifecycle    Status `json:"lifecycle"`
	PagesEnabled bool   `json:"pagesEnabled"`
	ActivePage   string `json:"activePage,omitempty"`
	CachedPages  int    `json:"cachedPages"`
	Categories   int    `json:"categories"`
	Indexed      int    `json:"indexed"`
}

func (c *Coordinator) Status() CoordinatorStatus {
	c.mu.RLock()
	n := len(c.categories)
	c.mu.RUnlock()
	return CoordinatorStatus{
		Session:      c.session,
		Lifecycle:    c.lc.Snapshot(),
		PagesEnabled: c.pages.Enabled(),
		ActivePage:   c.pages.Active(),
		CachedPages:  c.pages.Len(),
		Categories:   n,
		Indexed:      c.index.Size(),
	}
}

func (c *Coordinator) Session() string { return c.session }

func (c *Coordinator) Lifecycle() *Lifecycle { return c.lc }

func (c *Coordinator) Pages() *PageCache { return c.pages }

func (c *Coordinator) Config() Config { return c.cfg.Clone() }

// WaitReady blocks until the model and the anchor are ready.
func (c *Coordinator) WaitReady(ctx context.Context, b Backoff) error {
	return c.lc.WaitReady(ctx, b)
}

// SetAnchor persists and applies a new anchor text.
func (c *Coordinator) SetAnchor(ctx context.Context, text string) error {
	text = NormalizeText(text)
	if text == "" {
		return ErrEmptyInput
	}
	c.mu.Lock()
	settings := c.settings
	settings.Anchor = text
	c.mu.Unlock()
	if err := c.records.SaveSettings(ctx, settings); err != nil {
		return err
	}
	c.mu.Lock()
	c.settings = settings
	c.mu.Unlock()
	return c.lc.SetAnchor(ctx, text)
}

func (c *Coordinator) Settings() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// ScoreTexts scores texts against the anchor, in input order.
func (c *Coordinator) ScoreTexts(ctx context.Context, texts []string) ([]ScoreResult, error) {
	normalized := NormalizeAll(texts)
	scores, err := c.lc.ScoreTexts(ctx, normalized)
	if err != nil {
		return nil, err
	}
	out := make([]ScoreResult, len(scores))
	for i, s := range scores {
		out[i] = c.classifier.Classify(normalized[i], s.Raw)
	}
	return out, nil
}

// RankResult is the ranking of one text. When no category is active Ranking
// is empty and Fallback carries the plain anchor score.
type RankResult struct {
	Text     string       `json:"text"`
	Ranking  Ranking      `json:"ranking"`
	Visible  []RankEntry  `json:"visible,omitempty"`
	Fallback *ScoreResult `json:"fallback,omitempty"`
}

// RankText ranks text against the active categories.
func (c *Coordinator) RankText(ctx context.Context, text string) (RankResult, error) {
	text = NormalizeText(text)
	if text == "" {
		return RankResult{}, ErrEmptyInput
	}
	if err := c.rebuildIndex(ctx); err != nil {
		return RankResult{}, err
	}
	cands := c.index.Candidates()
	if len(cands) == 0 {
		scores, err := c.ScoreTexts(ctx, []string{text})
		if err != nil {
			return RankResult{}, err
		}
		return RankResult{Text: text, Fallback: &scores[0]}, nil
	}
	vecs, err := c.lc.EmbedTexts(ctx, []string{text})
	if err != nil {
		return RankResult{}, err
	}
	ranking, err := Rank(vecs[0], cands, c.cfg.Ranking.TieGap)
	if err != nil {
		return RankResult{}, err
	}
	return RankResult{
		Text:    text,
		Ranking: ranking,
		Visible: ranking.Visible(c.cfg.Ranking.VisibleFloor, c.cfg.Ranking.TopK),
	}, nil
}

// rebuildIndex embeds the active categories when the model or the active set
// changed since the last build.
func (c *Coordinator) rebuildIndex(ctx context.Context) error {
	c.indexMu.Lock()
	defer c.indexMu.Unlock()
	st := c.lc.Snapshot()
	if st.State != StateReady {
		c.index.Clear()
		return ErrNotReady
	}
	defs := c.activeDefs()
	sig := categorySignature(fmt.Sprintf("%s#%d", st.ModelID, st.ModelEpoch), defs)
	if sig == c.index.Signature() {
		return nil
	}
	if len(defs) == 0 {
		c.index.Replace(nil, sig)
		return nil
	}
	texts := make([]string, len(defs))
	for i, d := range defs {
		texts[i] = d.AnchorText
	}
	vecs, err := c.lc.EmbedTexts(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed categories: %w", err)
	}
	items := make([]Candidate, len(defs))
	for i, d := range defs {
		items[i] = Candidate{ID: d.ID, Vector: vecs[i]}
	}
	c.index.Replace(items, sig)
	c.log.Debug("category index rebuilt", "count", len(items), "model", st.ModelID)
	return nil
}

// activeDefs returns the active, non-archived categories in active-list order.
func (c *Coordinator) activeDefs() []CategoryDef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byID := make(map[string]CategoryDef, len(c.categories))
	for _, d := range c.categories {
		byID[d.ID] = d
	}
	out := make([]CategoryDef, 0, len(c.active))
	for _, id := range c.active {
		if d, ok := byID[id]; ok && !d.Archived {
			out = append(out, d)
		}
	}
	return out
}

// Profile returns the taste profile, rebuilding it when its inputs changed.
func (c *Coordinator) Profile(ctx context.Context) (TasteProfile, error) {
	return c.refreshProfile(ctx)
}

func (c *Coordinator) refreshProfile(ctx context.Context) (TasteProfile, error) {
	c.profileMu.Lock()
	defer c.profileMu.Unlock()
	labels, err := c.records.Labels(ctx)
	if err != nil {
		return TasteProfile{}, err
	}
	c.mu.RLock()
	active := append([]string(nil), c.active...)
	c.mu.RUnlock()
	modelID := c.lc.ModelID()
	if modelID == "" {
		return TasteProfile{}, ErrNotReady
	}
	stored, ok, err := c.records.TasteProfile(ctx)
	if err != nil {
		return TasteProfile{}, err
	}
	if ok && stored.Fresh(labels, active, modelID) {
		return stored, nil
	}
	p, err := BuildTasteProfile(ctx, labels, active, modelID, c.lc.EmbedTexts)
	if err != nil {
		return TasteProfile{}, err
	}
	if err := c.records.SaveTasteProfile(ctx, p); err != nil {
		return TasteProfile{}, err
	}
	c.log.Info("taste profile rebuilt", "key", p.Key, "positives", p.Positives, "negatives", p.Negatives)
	return p, nil
}

func (c *Coordinator) refreshProfileAsync() {
	c.goBackground(func(ctx context.Context) {
		if _, err := c.refreshProfile(ctx); err != nil && !errors.Is(err, ErrNoLabels) && !errors.Is(err, ErrNotReady) {
			c.log.Warn("taste profile refresh failed", "error", err)
		}
	})
}

// ScorePage scores one page key. With wait set it joins an in-flight
// computation instead of returning StatusPending.
func (c *Coordinator) ScorePage(ctx context.Context, key string, wait bool) (PageScore, error) {
	if key == "" {
		return PageScore{}, fmt.Errorf("%w: page key", ErrInvalidPayload)
	}
	if wait {
		return c.pages.ScoreWait(ctx, key)
	}
	return c.pages.Score(ctx, key)
}

// UpdatePage records new metadata for key when the internal registry is in
// use. The next score request sees it.
func (c *Coordinator) UpdatePage(key string, info PageInfo) {
	if c.registry != nil {
		c.registry.Update(key, info)
	}
}

// ClosePage forgets key and evicts its score.
func (c *Coordinator) ClosePage(key string) {
	if c.registry != nil {
		c.registry.Remove(key)
	}
	c.pages.Close(key)
}

// SetActivePage marks key as the focused page.
func (c *Coordinator) SetActivePage(key string) {
	c.pages.SetActive(key)
}

// SetPagesEnabled toggles page scoring. Enabling rescores the active page.
func (c *Coordinator) SetPagesEnabled(enabled bool) {
	if c.pages.SetEnabled(enabled) && enabled {
		c.rescoreActive()
	}
}
