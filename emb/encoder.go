// Package emb runs a sentence-embedding ONNX model locally.
//
// The encoder tokenizes with a HuggingFace tokenizer.json, runs the model
// through ONNX Runtime, mean-pools the last hidden state over the attention
// mask and L2-normalizes the result, so dot products of two outputs are
// cosine similarities.
package emb

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"
)

// Config points the encoder at its runtime library, model and tokenizer.
type Config struct {
	OrtDLL        string
	ModelPath     string
	TokenizerPath string
	MaxSeqLen     int
	// Prefix is prepended to every input, for models trained with task prompts
	// (e.g. "task: classification | query: ").
	Prefix string
}

// ErrNotInitialized is returned by Encode before Init succeeds or after Close.
var ErrNotInitialized = errors.New("emb: encoder not initialized")

// Encoder is safe for concurrent use; ORT sessions serialize internally and
// the tokenizer is read-only after load.
type Encoder struct {
	mu      sync.RWMutex
	cfg     Config
	tk      *tokenizer.Tokenizer
	session *ort.DynamicAdvancedSession
	inputs  []string
	output  string
}

var (
	envMu   sync.Mutex
	envRefs int
)

// Init loads the tokenizer and model. It may be called again after Close.
func (e *Encoder) Init(cfg Config) error {
	if strings.TrimSpace(cfg.ModelPath) == "" {
		return errors.New("emb: model path is required")
	}
	if strings.TrimSpace(cfg.TokenizerPath) == "" {
		return errors.New("emb: tokenizer path is required")
	}
	if cfg.MaxSeqLen <= 0 {
		cfg.MaxSeqLen = 512
	}

	tk, err := pretrained.FromFile(cfg.TokenizerPath)
	if err != nil {
		return fmt.Errorf("load tokenizer: %w", err)
	}

	if err := acquireEnv(cfg.OrtDLL); err != nil {
		return err
	}
	inputInfo, outputInfo, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		releaseEnv()
		return fmt.Errorf("inspect model: %w", err)
	}
	inputs, output, err := pickTensorNames(inputInfo, outputInfo)
	if err != nil {
		releaseEnv()
		return err
	}
	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, inputs, []string{output}, nil)
	if err != nil {
		releaseEnv()
		return fmt.Errorf("create session: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	e.tk = tk
	e.session = session
	e.inputs = inputs
	e.output = output
	return nil
}

// Close destroys the session. The shared ORT environment is torn down when the
// last encoder closes.
func (e *Encoder) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return
	}
	_ = e.session.Destroy()
	e.session = nil
	e.tk = nil
	releaseEnv()
}

// Encode embeds a single text.
func (e *Encoder) Encode(text string) ([]float32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.session == nil || e.tk == nil {
		return nil, ErrNotInitialized
	}

	enc, err := e.tk.EncodeSingle(e.cfg.Prefix+text, true)
	if err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}
	ids, mask, types := truncate(enc.GetIds(), enc.GetAttentionMask(), enc.GetTypeIds(), e.cfg.MaxSeqLen)
	if len(ids) == 0 {
		return nil, errors.New("emb: empty token sequence")
	}
	seqLen := int64(len(ids))
	shape := ort.NewShape(1, seqLen)

	values := make([]ort.Value, 0, len(e.inputs))
	defer func() {
		for _, v := range values {
			_ = v.Destroy()
		}
	}()
	for _, name := range e.inputs {
		var src []int
		switch name {
		case "input_ids":
			src = ids
		case "attention_mask":
			src = mask
		case "token_type_ids":
			src = types
		}
		t, err := ort.NewTensor(shape, toInt64(src))
		if err != nil {
			return nil, fmt.Errorf("input tensor %s: %w", name, err)
		}
		values = append(values, t)
	}

	outputs := []ort.Value{nil}
	if err := e.session.Run(values, outputs); err != nil {
		return nil, fmt.Errorf("run model: %w", err)
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("emb: unexpected output type %T", outputs[0])
	}
	dims := out.GetShape()
	data := out.GetData()
	switch len(dims) {
	case 2:
		// Pooled sentence embedding, [1, dim].
		return l2Normalize(append([]float32(nil), data...)), nil
	case 3:
		hidden := int(dims[2])
		return l2Normalize(meanPool(data, mask, hidden)), nil
	default:
		return nil, fmt.Errorf("emb: unexpected output shape %v", dims)
	}
}

func acquireEnv(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("init onnxruntime: %w", err)
		}
	}
	envRefs++
	return nil
}

func releaseEnv() {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		return
	}
	envRefs--
	if envRefs == 0 {
		_ = ort.DestroyEnvironment()
	}
}

func pickTensorNames(inputs, outputs []ort.InputOutputInfo) ([]string, string, error) {
	names := make([]string, 0, len(inputs))
	for _, in := range inputs {
		switch in.Name {
		case "input_ids", "attention_mask", "token_type_ids":
			names = append(names, in.Name)
		default:
			return nil, "", fmt.Errorf("emb: unsupported model input %q", in.Name)
		}
	}
	if len(names) == 0 {
		return nil, "", errors.New("emb: model has no inputs")
	}
	if len(outputs) == 0 {
		return nil, "", errors.New("emb: model has no outputs")
	}
	for _, out := range outputs {
		if out.Name == "sentence_embedding" {
			return names, out.Name, nil
		}
	}
	return names, outputs[0].Name, nil
}
