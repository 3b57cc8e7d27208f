package sift

// Polarity is the user's feedback on a text.
type Polarity string

const (
	Positive Polarity = "positive"
	Negative Polarity = "negative"
)

// Valid reports whether p is one of the two known polarities.
func (p Polarity) Valid() bool {
	return p == Positive || p == Negative
}

// AnchorSource records how a label's category was chosen.
type AnchorSource string

const (
	// AnchorAuto means the ranking engine picked the category.
	AnchorAuto AnchorSource = "auto"
	// AnchorOverride means the user picked a category explicitly.
	AnchorOverride AnchorSource = "override"
	// AnchorFallback means no category was known and the fallback was used.
	AnchorFallback AnchorSource = "fallback"
)

// TrainingLabel is one piece of user feedback.
//
// AnchorText is the exact text that was embedded as the anchor when the label
// was saved. It is frozen: export must reproduce it verbatim even if the
// category's anchor text changes later.
type TrainingLabel struct {
	Text           string       `json:"text" msgpack:"text"`
	Polarity       Polarity     `json:"label" msgpack:"label"`
	Source         string       `json:"source,omitempty" msgpack:"source,omitempty"`
	Timestamp      int64        `json:"timestamp" msgpack:"timestamp"`
	Anchor         string       `json:"anchor,omitempty" msgpack:"anchor,omitempty"`
	AnchorText     string       `json:"anchorText,omitempty" msgpack:"anchorText,omitempty"`
	AutoAnchor     string       `json:"autoAnchor,omitempty" msgpack:"autoAnchor,omitempty"`
	AutoConfidence float32      `json:"autoConfidence,omitempty" msgpack:"autoConfidence,omitempty"`
	AnchorSource   AnchorSource `json:"anchorSource,omitempty" msgpack:"anchorSource,omitempty"`
}

// Matches reports whether l is the label identified by text and timestamp.
func (l TrainingLabel) Matches(text string, timestamp int64) bool {
	return l.Text == text && l.Timestamp == timestamp
}

// LabelPatch is a partial update applied by LabelQueue.Update. Nil fields are
// left untouched.
type LabelPatch struct {
	Polarity     *Polarity     `json:"label,omitempty"`
	Anchor       *string       `json:"anchor,omitempty"`
	AnchorText   *string       `json:"anchorText,omitempty"`
	AnchorSource *AnchorSource `json:"anchorSource,omitempty"`
}

func (p LabelPatch) apply(l TrainingLabel) TrainingLabel {
	if p.Polarity != nil {
		l.Polarity = *p.Polarity
	}
	if p.Anchor != nil {
		l.Anchor = *p.Anchor
	}
	if p.AnchorText != nil {
		l.AnchorText = *p.AnchorText
	}
	if p.AnchorSource != nil {
		l.AnchorSource = *p.AnchorSource
	}
	return l
}

// CategoryDef is a rankable category. IDs never change once created; archived
// categories stay around so old labels keep resolving, but are not ranked.
type CategoryDef struct {
	ID         string `json:"id" yaml:"id" msgpack:"id"`
	AnchorText string `json:"anchorText" yaml:"anchorText" msgpack:"anchorText"`
	Label      string `json:"label" yaml:"label" msgpack:"label"`
	Builtin    bool   `json:"builtin" yaml:"builtin" msgpack:"builtin"`
	Archived   bool   `json:"archived" yaml:"archived" msgpack:"archived"`
}

// AnchorState is the process-wide current anchor.
type AnchorState struct {
	Text      string    `json:"text"`
	Embedding []float32 `json:"-"`
	Ready     bool      `json:"ready"`
}

// ScoreResult is a classified similarity score for one text.
type ScoreResult struct {
	Text     string  `json:"text"`
	RawScore float32 `json:"rawScore"`
	Score    float32 `json:"score"`
	Tier     Tier    `json:"tier"`
	Hue      int     `json:"hue"`
}

// Settings are the persisted user choices owned by the coordinator.
type Settings struct {
	Anchor         string `json:"anchor" msgpack:"anchor"`
	CustomModelID  string `json:"customModelId,omitempty" msgpack:"customModelId,omitempty"`
	CustomModelURL string `json:"customModelUrl,omitempty" msgpack:"customModelUrl,omitempty"`
}

// Validate enforces that at most one custom model source is set.
func (s Settings) Validate() error {
	if s.CustomModelID != "" && s.CustomModelURL != "" {
		return ErrConflictingModel
	}
	return nil
}
