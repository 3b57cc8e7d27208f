package sift

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Store is the persistent key-value collaborator. Only single-key atomicity is
// assumed; cross-key consistency of the label list is the LabelQueue's job.
type Store interface {
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)
	Set(ctx context.Context, values map[string][]byte) error
}

// Persisted keys.
const (
	KeySchemaVersion    = "schemaVersion"
	KeyLabels           = "labels"
	KeyCategories       = "categories"
	KeyActiveCategories = "activeCategories"
	KeyAnchor           = "anchor"
	KeyCustomModelID    = "customModelId"
	KeyCustomModelURL   = "customModelUrl"
	KeyTasteProfile     = "tasteProfile"
)

func encodeValue(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func decodeValue(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// getRecord decodes key into a T. ok is false when the key is absent.
func getRecord[T any](ctx context.Context, s Store, key string) (T, bool, error) {
	var out T
	values, err := s.Get(ctx, key)
	if err != nil {
		return out, false, fmt.Errorf("get %s: %w", key, err)
	}
	data, ok := values[key]
	if !ok || len(data) == 0 {
		return out, false, nil
	}
	if err := decodeValue(data, &out); err != nil {
		return out, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, true, nil
}

func setRecords(ctx context.Context, s Store, records map[string]any) error {
	values := make(map[string][]byte, len(records))
	for key, v := range records {
		data, err := encodeValue(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		values[key] = data
	}
	if err := s.Set(ctx, values); err != nil {
		return fmt.Errorf("set records: %w", err)
	}
	return nil
}

func readLabels(ctx context.Context, s Store) ([]TrainingLabel, error) {
	labels, _, err := getRecord[[]TrainingLabel](ctx, s, KeyLabels)
	return labels, err
}

func writeLabels(ctx context.Context, s Store, labels []TrainingLabel) error {
	if labels == nil {
		labels = []TrainingLabel{}
	}
	return setRecords(ctx, s, map[string]any{KeyLabels: labels})
}

// Records gives typed access to the persisted fields other than the label
// list, which is written only through LabelQueue.
type Records struct {
	store Store
}

func NewRecords(s Store) *Records {
	return &Records{store: s}
}

func (r *Records) SchemaVersion(ctx context.Context) (int, error) {
	v, _, err := getRecord[int](ctx, r.store, KeySchemaVersion)
	return v, err
}

func (r *Records) SetSchemaVersion(ctx context.Context, v int) error {
	return setRecords(ctx, r.store, map[string]any{KeySchemaVersion: v})
}

// Labels reads the label list outside the write queue. The result may already
// be superseded by a queued mutation.
func (r *Records) Labels(ctx context.Context) ([]TrainingLabel, error) {
	return readLabels(ctx, r.store)
}

// Categories returns every category definition, archived ones included.
func (r *Records) Categories(ctx context.Context) ([]CategoryDef, error) {
	defs, _, err := getRecord[[]CategoryDef](ctx, r.store, KeyCategories)
	return defs, err
}

// ActiveCategories returns the active category ids. ok is false when the list
// was never written.
func (r *Records) ActiveCategories(ctx context.Context) ([]string, bool, error) {
	return getRecord[[]string](ctx, r.store, KeyActiveCategories)
}

// SaveCategories writes the definitions and the active set together.
func (r *Records) SaveCategories(ctx context.Context, defs []CategoryDef, active []string) error {
	if defs == nil {
		defs = []CategoryDef{}
	}
	if active == nil {
		active = []string{}
	}
	return setRecords(ctx, r.store, map[string]any{
		KeyCategories:       defs,
		KeyActiveCategories: active,
	})
}

func (r *Records) Settings(ctx context.Context) (Settings, error) {
	values, err := r.store.Get(ctx, KeyAnchor, KeyCustomModelID, KeyCustomModelURL)
	if err != nil {
		return Settings{}, fmt.Errorf("get settings: %w", err)
	}
	var s Settings
	for key, dst := range map[string]*string{
		KeyAnchor:         &s.Anchor,
		KeyCustomModelID:  &s.CustomModelID,
		KeyCustomModelURL: &s.CustomModelURL,
	} {
		data, ok := values[key]
		if !ok || len(data) == 0 {
			continue
		}
		if err := decodeValue(data, dst); err != nil {
			return Settings{}, fmt.Errorf("decode %s: %w", key, err)
		}
	}
	return s, nil
}

// SaveSettings persists s after checking that at most one custom model source
// is set.
func (r *Records) SaveSettings(ctx context.Context, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return setRecords(ctx, r.store, map[string]any{
		KeyAnchor:         s.Anchor,
		KeyCustomModelID:  s.CustomModelID,
		KeyCustomModelURL: s.CustomModelURL,
	})
}

func (r *Records) TasteProfile(ctx context.Context) (TasteProfile, bool, error) {
	return getRecord[TasteProfile](ctx, r.store, KeyTasteProfile)
}

func (r *Records) SaveTasteProfile(ctx context.Context, p TasteProfile) error {
	return setRecords(ctx, r.store, map[string]any{KeyTasteProfile: p})
}
