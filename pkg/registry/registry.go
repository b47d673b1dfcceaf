// Package registry maps config.json model_type tags to model constructors.
//
// A Registry is an explicit value: callers create one, register the types they
// want (RegisterBuiltins covers "llama" and "mhllama") and pass it around.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"mhllama/pkg/checkpoint"
	"mhllama/pkg/model"
)

var (
	// ErrUnknownType is matched (errors.Is) by every *UnknownTypeError.
	ErrUnknownType = errors.New("unknown model type")
	// ErrDuplicateType is returned when a tag is registered twice.
	ErrDuplicateType = errors.New("model type already registered")
)

// UnknownTypeError reports a tag with no registered factory.
type UnknownTypeError struct {
	Tag   string
	Known []string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown model type %q (registered: %s)", e.Tag, strings.Join(e.Known, ", "))
}

func (e *UnknownTypeError) Unwrap() error { return ErrUnknownType }

// Factory decodes a config.json document and returns a model with that
// configuration. Parameters are loaded separately.
type Factory func(configJSON []byte) (model.CausalLM, error)

// Registry holds the factories by normalised tag.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// NormalizeTag returns the lookup key for tag: NFKC-normalised, case-folded and
// trimmed, so "MHLlama" and "mhllama" name the same type.
func NormalizeTag(tag string) string {
	return strings.TrimSpace(cases.Fold().String(norm.NFKC.String(tag)))
}

// Register adds a factory under tag.
func (r *Registry) Register(tag string, f Factory) error {
	key := NormalizeTag(tag)
	if key == "" {
		return fmt.Errorf("empty model type tag")
	}
	if f == nil {
		return fmt.Errorf("nil factory for model type %q", tag)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[key]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateType, key)
	}
	r.factories[key] = f
	return nil
}

// Lookup returns the factory registered under tag.
func (r *Registry) Lookup(tag string) (Factory, error) {
	key := NormalizeTag(tag)

	r.mu.RLock()
	f, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownTypeError{Tag: tag, Known: r.Types()}
	}
	return f, nil
}

// Types returns the registered tags in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.factories))
	for tag := range r.factories {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// FromPretrained reads dir/config.json, constructs the model registered under
// its model_type and loads dir/model.safetensors into it.
func (r *Registry) FromPretrained(ctx context.Context, dir string) (model.CausalLM, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tag, err := checkpoint.ReadModelType(dir)
	if err != nil {
		return nil, err
	}
	factory, err := r.Lookup(tag)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir, checkpoint.ConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	m, err := factory(data)
	if err != nil {
		return nil, fmt.Errorf("build %s model: %w", tag, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkpoint.LoadParameters(dir, m); err != nil {
		return nil, fmt.Errorf("load %s parameters: %w", tag, err)
	}
	return m, nil
}

// RegisterBuiltins registers the "llama" and "mhllama" types.
func RegisterBuiltins(r *Registry) error {
	if err := r.Register(model.LlamaType, newLlama); err != nil {
		return err
	}
	return r.Register(model.MHLlamaType, newMultiheadLlama)
}

// NewWithBuiltins returns a registry holding the built-in types.
func NewWithBuiltins() *Registry {
	r := New()
	if err := RegisterBuiltins(r); err != nil {
		panic(err)
	}
	return r
}

// Fields absent from config.json keep the LLaMA-2-7B defaults, except
// num_key_value_heads which falls back to num_attention_heads.
func newLlama(data []byte) (model.CausalLM, error) {
	cfg := model.DefaultLlamaConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := defaultKVHeads(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return model.NewLlamaForCausalLM(cfg, nil), nil
}

func newMultiheadLlama(data []byte) (model.CausalLM, error) {
	cfg := model.NewMHLlamaConfig(model.DefaultLlamaConfig())
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := defaultKVHeads(data, &cfg.LlamaConfig); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return model.NewMultiheadLlamaForCausalLM(cfg, nil), nil
}

// defaultKVHeads applies the Hugging Face rule for configs written before
// grouped-query attention: without num_key_value_heads every attention head
// has its own key/value head.
func defaultKVHeads(data []byte, cfg *model.LlamaConfig) error {
	var present struct {
		NumKeyValueHeads *int `json:"num_key_value_heads"`
	}
	if err := json.Unmarshal(data, &present); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if present.NumKeyValueHeads == nil {
		cfg.NumKeyValueHeads = cfg.NumAttentionHeads
	}
	return nil
}
