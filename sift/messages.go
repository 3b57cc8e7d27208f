package sift

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"yashubustudio/sift/internal/logger"
)

// Message types accepted by the Router.
const (
	MsgStatus            = "status"
	MsgAnchorSet         = "anchor.set"
	MsgModelReload       = "model.reload"
	MsgScoreTexts        = "score.texts"
	MsgRankText          = "rank.text"
	MsgPageUpdate        = "page.update"
	MsgPageClose         = "page.close"
	MsgPageActivate      = "page.activate"
	MsgPageScore         = "page.score"
	MsgPagesEnable       = "pages.enable"
	MsgLabelAdd          = "label.add"
	MsgLabelDelete       = "label.delete"
	MsgLabelRestore      = "label.restore"
	MsgLabelUpdate       = "label.update"
	MsgLabelsList        = "labels.list"
	MsgLabelsClear       = "labels.clear"
	MsgLabelsReplace     = "labels.replace"
	MsgLabelsImport      = "labels.import"
	MsgLabelsExport      = "labels.export"
	MsgLabelsExportable  = "labels.exportable"
	MsgCategoriesList    = "categories.list"
	MsgCategoriesActive  = "categories.active"
	MsgCategoryAdd       = "category.add"
	MsgCategoryArchive   = "category.archive"
	MsgCategoriesCheck   = "categories.check"
	MsgProfileGet        = "profile.get"
	MsgLifecycleProgress = "lifecycle.progress"
)

// Envelope is one request crossing the message boundary.
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response answers an Envelope with the same ID and Type.
type Response struct {
	ID     string `json:"id,omitempty"`
	Type   string `json:"type"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
}

// Future is a response that may not be available yet.
type Future struct {
	done chan struct{}
	resp Response
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func resolvedFuture(resp Response) *Future {
	f := newFuture()
	f.complete(resp)
	return f
}

func (f *Future) complete(resp Response) {
	f.resp = resp
	close(f.done)
}

// Done is closed once the response is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks for the response.
func (f *Future) Wait(ctx context.Context) (Response, error) {
	select {
	case <-f.done:
		return f.resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Handler serves one message type.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

type route struct {
	handler Handler
	async   bool
}

// Router dispatches envelopes to handlers. Synchronous handlers complete the
// returned Future before Dispatch returns; asynchronous ones run on their
// own goroutine.
type Router struct {
	log    *logger.Logger
	mu     sync.RWMutex
	routes map[string]route
	wg     sync.WaitGroup
}

func NewRouter(log *logger.Logger) *Router {
	return &Router{log: logger.OrNop(log), routes: make(map[string]route)}
}

// Handle registers a synchronous handler.
func (r *Router) Handle(typ string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[typ] = route{handler: h}
}

// HandleAsync registers a handler that may block on the model or the store.
func (r *Router) HandleAsync(typ string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[typ] = route{handler: h, async: true}
}

// Dispatch routes env. Unknown types are ignored: ok is false and the future
// is nil.
func (r *Router) Dispatch(ctx context.Context, env Envelope) (*Future, bool) {
	r.mu.RLock()
	rt, ok := r.routes[env.Type]
	r.mu.RUnlock()
	if !ok {
		r.log.Debug("ignoring unknown message", "type", env.Type)
		return nil, false
	}
	if !rt.async {
		return resolvedFuture(r.invoke(ctx, env, rt.handler)), true
	}
	f := newFuture()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		f.complete(r.invoke(ctx, env, rt.handler))
	}()
	return f, true
}

// Wait blocks until every asynchronous handler has returned.
func (r *Router) Wait() {
	r.wg.Wait()
}

func (r *Router) invoke(ctx context.Context, env Envelope, h Handler) (resp Response) {
	resp = Response{ID: env.ID, Type: env.Type}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("handler panicked", "type", env.Type, "panic", p)
			resp.OK, resp.Result = false, nil
			resp.Error, resp.Code = fmt.Sprint(p), "internal"
		}
	}()
	result, err := h(ctx, env.Payload)
	if err != nil {
		resp.Error = err.Error()
		resp.Code = ErrorCode(err)
		return resp
	}
	resp.OK = true
	resp.Result = result
	return resp
}

// ErrorCode maps an error to a stable code for clients.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	case errors.Is(err, ErrEmptyInput), errors.Is(err, ErrInvalidPayload), errors.Is(err, ErrDimensionMismatch):
		return "invalid"
	case errors.Is(err, ErrNoLabels):
		return "no_labels"
	case errors.Is(err, ErrNothingExportable):
		return "nothing_exportable"
	case errors.Is(err, ErrUnknownCategory):
		return "unknown_category"
	case errors.Is(err, ErrLabelNotFound), errors.Is(err, ErrPageNotFound):
		return "not_found"
	case errors.Is(err, ErrConflictingModel):
		return "conflict"
	case errors.Is(err, ErrQueueClosed), errors.Is(err, ErrSuperseded), errors.Is(err, ErrLoadFailed):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}

// validator is implemented by payloads that check their own fields.
type validator interface {
	validate() error
}

func decodePayload[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &v); err != nil {
			return v, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	if val, ok := any(&v).(validator); ok {
		if err := val.validate(); err != nil {
			return v, err
		}
	}
	return v, nil
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidPayload, field)
	}
	return nil
}

type anchorPayload struct {
	Text string `json:"text"`
}

func (p *anchorPayload) validate() error { return required("text", p.Text) }

type reloadPayload struct {
	ModelID  string `json:"modelId,omitempty"`
	ModelURL string `json:"modelUrl,omitempty"`
}

func (p *reloadPayload) validate() error {
	return ModelSource{ID: p.ModelID, URL: p.ModelURL}.Validate()
}

type textsPayload struct {
	Texts []string `json:"texts"`
}

func (p *textsPayload) validate() error {
	if len(p.Texts) == 0 {
		return fmt.Errorf("%w: texts", ErrEmptyInput)
	}
	return nil
}

type textPayload struct {
	Text string `json:"text"`
}

func (p *textPayload) validate() error { return required("text", p.Text) }

type pagePayload struct {
	Key       string `json:"key"`
	Title     string `json:"title,omitempty"`
	SourceURL string `json:"sourceUrl,omitempty"`
	Wait      bool   `json:"wait,omitempty"`
}

func (p *pagePayload) validate() error { return required("key", p.Key) }

type enablePayload struct {
	Enabled bool `json:"enabled"`
}

type labelRefPayload struct {
	Text      string      `json:"text"`
	Timestamp int64       `json:"timestamp"`
	Patch     *LabelPatch `json:"patch,omitempty"`
}

func (p *labelRefPayload) validate() error {
	if err := required("text", p.Text); err != nil {
		return err
	}
	if p.Timestamp == 0 {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidPayload)
	}
	return nil
}

type labelPayload struct {
	Label TrainingLabel `json:"label"`
}

func (p *labelPayload) validate() error {
	if err := required("label.text", p.Label.Text); err != nil {
		return err
	}
	if !p.Label.Polarity.Valid() {
		return fmt.Errorf("%w: label polarity", ErrInvalidPayload)
	}
	return nil
}

type labelsPayload struct {
	Labels []TrainingLabel `json:"labels"`
}

type csvPayload struct {
	CSV string `json:"csv"`
}

func (p *csvPayload) validate() error { return required("csv", p.CSV) }

type idsPayload struct {
	IDs []string `json:"ids"`
}

type idPayload struct {
	ID string `json:"id"`
}

func (p *idPayload) validate() error { return required("id", p.ID) }

type thresholdPayload struct {
	Threshold float32 `json:"threshold,omitempty"`
}

// ExportResult is the labels.export response.
type ExportResult struct {
	CSV  string `json:"csv"`
	Rows int    `json:"rows"`
}

// NewCoordinatorRouter registers every coordinator operation.
func NewCoordinatorRouter(c *Coordinator, log *logger.Logger) *Router {
	r := NewRouter(log)

	r.Handle(MsgStatus, func(context.Context, json.RawMessage) (any, error) {
		return c.Status(), nil
	})
	r.HandleAsync(MsgAnchorSet, func(ctx context.Context, raw json.RawMessage) (any, error) {
		p, err := decodePayload[anchorPayload](raw)
		if err != nil {
			return nil, err
		}
		if err := c.SetAnchor(ctx, p.Text); err != nil {
			return nil, err
		}
		return c.Status(), nil
	})
	r.HandleAsync(MsgModelReload, func(ctx context.Context, raw json.RawMessage) (any, error) {
		p, err := decodePayload[reloadPayload](raw)
		if err != nil {
			return nil, err
		}
		if err := c.Reload(ctx, ModelSource{ID: p.ModelID, URL: p.ModelURL}); err != nil {
			return nil, err
		}
		return c.Status(), nil
	})
	r.HandleAsync(MsgScoreTexts, func(ctx context.Context, raw json.RawMessage) (any, error) {
		p, err := decodePayload[textsPayload](raw)
		if err != nil {
			return nil, err
		}
		return c.ScoreTexts(ctx, p.Texts)
	})
	r.HandleAsync(MsgRankText, func(ctx context.Context, raw json.RawMessage) (any, error) {
		p, err := decodePayload[textPayload](raw)
		if err != nil {
			return nil, err
		}
		return c.RankText(ctx, p.Text)
	})

	r.Handle(MsgPageUpdate, func(_ context.Context, raw json.RawMessage) (any, error) {
		p, err := decodePayload[pagePayload](raw)
		if err != nil {
			return nil, err
		}
		c.UpdatePage(p.Key, PageInfo{Title: p.Title, SourceURL: p.SourceURL})
		return nil, nil
	})
	r.Handle(MsgPageClose, func(_ context.Context, raw json.RawMessage) (any, error) {
		p, err := decodePayload[pagePayload](raw)
		if err != nil {
			return nil, err
		}
		c.ClosePage(p.Key)
		return nil, nil
	})
	r.Handle(MsgPageActivate, func(_ context.Context, raw json.RawMessage) (any, error) {
		p, err := decodePayload[pagePayload](raw)
		if err != nil {
			return nil, err
		}
		c.SetActivePage(p.Key)
		return nil, nil
	})
	r.HandleAsync(MsgPageScore, func(ctx context.Context, raw json.RawMessage) (any, error) {
		p, err := decodePayload[pagePayload](raw)
		if err != nil {
			return nil, err
		}
		return c.ScorePage(ctx, p.Key, p.Wait)
	})
	r.Handle(MsgPagesEnable, func(_ context.Context, raw json.RawMessage) (any, error) {
		p, err := decodePayload[enablePayload](raw)
		if err != nil {
			return nil, err
		}
		c.SetPagesEnabled(p.Enabled)
		return nil, nil
	})

	r.HandleAsync(MsgLabelAdd, func(ctx context.Context, raw json.RawMessage) (any, error) {
		p, err := decodePayload[LabelInput](raw)
		if err != nil {
			return nil, err
		}
		return c.AddLabel(ctx, p)
	})
	r.HandleAsync(MsgLabelDelete, func(ctx context.Context, raw json.RawMessage) (any, error) {
		p, err := decodePayload[labelRefPayload](raw)
		if err != nil {
			return nil, err
		}
		return c.DeleteLabel(ctx, p.Text, p.Timestamp)
	})
	r.HandleAsync(MsgLabelRestore, func(ctx context.Context, raw json.RawMessage) (any, error) {
		p, err := decodePayload[labelPayload](raw)
		if err != nil {
			return nil, err
		}
		return nil, c.RestoreLabel(ctx, p.Label)
	})
	r.HandleAsync(MsgLabelUpdate, func(ctx context.Context, raw json.RawMessage) (any, error) {
		p, err := decodePayload[labelRefPayload](raw)
		if err != nil {
			return nil, err
		}
		if p.Patch == nil {
			return nil, fmt.Errorf("%w: patch is required", ErrInvalidPayload)
		}
		return c.UpdateLabel(ctx, p.Text, p.Timestamp, *p.Patch)
	})
	r.HandleAsync(MsgLabelsList, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return c.Labels(ctx)
	})
	r.HandleAsync(MsgLabelsClear, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return c.ClearLabels(ctx)
	})
	r.HandleAsync(MsgLabelsReplace, func(ctx context.Context, raw json.RawMessage) (any, error) {
		p, err := decodePayload[labelsPayload](raw)
		if err != nil {
			return nil, err
		}
		return nil, c.ReplaceLabels(ctx, p.Labels)
	})
	r.HandleAsync(MsgLabelsImport, func(ctx context.Context, raw json.RawMessage) (any, error) {
		p, err := decodePayload[csvPayload](raw)
		if err != nil {
			return nil, err
		}
		added, err := c.ImportTriplets(ctx, strings.NewReader(p.CSV))
		if err != nil {
			return nil, err
		}
		return map[string]int{"added": added}, nil
	})
	r.HandleAsync(MsgLabelsExport, func(ctx context.Context, _ json.RawMessage) (any, error) {
		var b strings.Builder
		rows, err := c.ExportCSV(ctx, &b)
		if err != nil {
			return nil, err
		}
		return ExportResult{CSV: b.String(), Rows: rows}, nil
	})
	r.HandleAsync(MsgLabelsExportable, func(ctx context.Context, _ json.RawMessage) (any, error) {
		n, err := c.ExportableTriplets(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int{"rows": n}, nil
	})

	r.Handle(MsgCategoriesList, func(context.Context, json.RawMessage) (any, error) {
		return map[string]any{
			"categories": c.Categories(),
			"active":     c.ActiveCategories(),
		}, nil
	})
	r.HandleAsync(MsgCategoriesActive, func(ctx context.Context, raw json.RawMessage) (any, error) {
		p, err := decodePayload[idsPayload](raw)
		if err != nil {
			return nil, err
		}
		return nil, c.SetActiveCategories(ctx, p.IDs)
	})
	r.HandleAsync(MsgCategoryAdd, func(ctx context.Context, raw json.RawMessage) (any, error) {
		p, err := decodePayload[CategoryDef](raw)
		if err != nil {
			return nil, err
		}
		return c.AddCategory(ctx, p)
	})
	r.HandleAsync(MsgCategoryArchive, func(ctx context.Context, raw json.RawMessage) (any, error) {
		p, err := decodePayload[idPayload](raw)
		if err != nil {
			return nil, err
		}
		return nil, c.ArchiveCategory(ctx, p.ID)
	})
	r.HandleAsync(MsgCategoriesCheck, func(ctx context.Context, raw json.RawMessage) (any, error) {
		p, err := decodePayload[thresholdPayload](raw)
		if err != nil {
			return nil, err
		}
		return c.CheckCategories(ctx, p.Threshold)
	})
	r.HandleAsync(MsgProfileGet, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return c.Profile(ctx)
	})
	return r
}
