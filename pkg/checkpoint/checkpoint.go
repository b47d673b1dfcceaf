package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"mhllama/pkg/model"
)

// File names inside a checkpoint directory.
const (
	ConfigFile = "config.json"
	ModelFile  = "model.safetensors"
)

var (
	// ErrMissingTensor is returned when a model parameter is absent from the file.
	ErrMissingTensor = errors.New("tensor not found")
	// ErrTensorShape is returned when a stored tensor does not fit its parameter.
	ErrTensorShape = errors.New("tensor shape mismatch")
)

// SaveConfig writes cfg as indented JSON to dir/config.json.
func SaveConfig(dir string, cfg any) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	path := filepath.Join(dir, ConfigFile)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// LoadConfig decodes dir/config.json into into.
func LoadConfig(dir string, into any) error {
	path := filepath.Join(dir, ConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// ReadModelType returns the model_type field of dir/config.json.
func ReadModelType(dir string) (string, error) {
	var header struct {
		ModelType string `json:"model_type"`
	}
	if err := LoadConfig(dir, &header); err != nil {
		return "", err
	}
	if header.ModelType == "" {
		return "", fmt.Errorf("%s has no model_type", filepath.Join(dir, ConfigFile))
	}
	return header.ModelType, nil
}

// Save writes m's configuration and parameters into dir, creating it if needed.
func Save(dir string, m model.CausalLM) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	if err := SaveConfig(dir, m.ModelConfig()); err != nil {
		return err
	}
	if err := WriteSafetensors(filepath.Join(dir, ModelFile), m.NamedParameters()); err != nil {
		return fmt.Errorf("save parameters: %w", err)
	}
	return nil
}

// LoadParameters fills every parameter of m from dir/model.safetensors.
// Tensors in the file that m does not have are ignored.
func LoadParameters(dir string, m model.CausalLM) error {
	f, err := OpenSafetensors(filepath.Join(dir, ModelFile))
	if err != nil {
		return err
	}
	defer f.Close()

	for _, p := range m.NamedParameters() {
		info, ok := f.Info(p.Name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingTensor, p.Name)
		}
		if !sameShape(info.Shape, p.Tensor.Shape) {
			return fmt.Errorf("%w: %s stored as %v, model expects %v", ErrTensorShape, p.Name, info.Shape, p.Tensor.Shape)
		}
		t, err := f.Tensor(p.Name)
		if err != nil {
			return err
		}
		copy(p.Tensor.Data, t.Data)
	}
	return nil
}

func sameShape(stored, want []int) bool {
	if len(stored) == 0 {
		return len(want) == 1 && want[0] == 1
	}
	if len(stored) != len(want) {
		return false
	}
	for i := range stored {
		if stored[i] != want[i] {
			return false
		}
	}
	return true
}
