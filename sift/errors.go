package sift

import "errors"

var (
	// ErrNotReady means the model or the current anchor has not finished
	// loading. Callers should retry or show a loading state.
	ErrNotReady = errors.New("sift: model or anchor not ready")

	// ErrNotLoaded is returned by an Embedder used before its model loaded.
	ErrNotLoaded = errors.New("sift: embedder not loaded")

	// ErrEmptyInput rejects empty text batches and blank texts.
	ErrEmptyInput = errors.New("sift: empty input")

	// ErrInvalidPayload rejects messages whose payload is missing required fields.
	ErrInvalidPayload = errors.New("sift: invalid payload")

	// ErrDimensionMismatch is returned when two vectors differ in length.
	ErrDimensionMismatch = errors.New("sift: vector dimension mismatch")

	// ErrNoLabels means export was requested with no labels at all.
	ErrNoLabels = errors.New("sift: no labels")

	// ErrNothingExportable means labels exist but no anchor group has both
	// polarities, so no triplet can be formed.
	ErrNothingExportable = errors.New("sift: nothing exportable")

	// ErrConflictingModel is returned when both a custom model id and a custom
	// model URL are set.
	ErrConflictingModel = errors.New("sift: custom model id and url are mutually exclusive")

	// ErrQueueClosed is returned for mutations submitted after the label queue closed.
	ErrQueueClosed = errors.New("sift: label queue closed")

	// ErrUnknownCategory is returned when a category id does not exist.
	ErrUnknownCategory = errors.New("sift: unknown category")

	// ErrSuperseded is returned to callers whose load or anchor embedding was
	// overtaken by a newer one. The result was discarded.
	ErrSuperseded = errors.New("sift: superseded")

	// ErrLabelNotFound is returned when no label matches a text and timestamp.
	ErrLabelNotFound = errors.New("sift: label not found")

	// ErrLoadFailed wraps the embedder factory's error when a model fails to
	// load. Label and category operations keep working in that state.
	ErrLoadFailed = errors.New("sift: model load failed")

	// ErrPageNotFound is returned by a PageAccessor for unknown keys.
	ErrPageNotFound = errors.New("sift: page not found")
)
