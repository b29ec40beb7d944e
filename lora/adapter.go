package lora

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"sdlora_server/sdruntime"
)

var (
	// ErrAdapterNotFound means there is no weights file; the base model runs alone.
	ErrAdapterNotFound = errors.New("lora adapter not found")
	// ErrNoTargetTensors means the weights file holds nothing for the configured target modules.
	ErrNoTargetTensors = errors.New("lora adapter has no tensors for the target modules")
)

// Adapter is a LoRA adapter checked against its configuration.
type Adapter struct {
	Path   string
	Config AdapterConfig
	Header *Header
	// TargetTensors counts matching tensors per target module
	TargetTensors map[string]int
	// Ignored counts tensors that match no target module; the runtime skips them
	Ignored int
}

// Load reads the adapter weights header at adapterPath and its configuration
// at configPath. Tensors for modules outside TargetModules are tolerated.
func Load(adapterPath, configPath string) (*Adapter, error) {
	info, err := os.Stat(adapterPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrAdapterNotFound, adapterPath)
	}
	if err != nil {
		return nil, fmt.Errorf("lora: stat adapter: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("lora: adapter path is a directory: %s", adapterPath)
	}

	cfg, err := LoadAdapterConfig(configPath)
	if err != nil {
		return nil, err
	}

	header, err := ReadSafetensorsHeader(adapterPath)
	if err != nil {
		return nil, fmt.Errorf("lora: %s: %w", adapterPath, err)
	}

	adapter := &Adapter{
		Path:          adapterPath,
		Config:        cfg,
		Header:        header,
		TargetTensors: make(map[string]int, len(cfg.TargetModules)),
	}
	matched := 0
	for _, t := range header.Tensors {
		module := matchTarget(t.Name, cfg.TargetModules)
		if module == "" {
			adapter.Ignored++
			continue
		}
		adapter.TargetTensors[module]++
		matched++
	}
	if matched == 0 {
		return nil, fmt.Errorf("%w (targets %s)", ErrNoTargetTensors, strings.Join(cfg.TargetModules, ","))
	}
	return adapter, nil
}

// TensorCount returns the number of tensors that will be merged.
func (a *Adapter) TensorCount() int {
	n := 0
	for _, c := range a.TargetTensors {
		n += c
	}
	return n
}

// Weights describes the adapter to the model runtime.
func (a *Adapter) Weights() sdruntime.LoRAWeights {
	targets := make([]string, len(a.Config.TargetModules))
	copy(targets, a.Config.TargetModules)
	return sdruntime.LoRAWeights{
		Path:          a.Path,
		Rank:          a.Config.R,
		Alpha:         a.Config.LoRAAlpha,
		TargetModules: targets,
		Scale:         a.Config.Scale(),
	}
}

// matchTarget returns the target module a tensor belongs to, or "".
// PEFT names tensors like
// "base_model.model.down_blocks.0.attentions.0.transformer_blocks.0.attn1.to_q.lora_A.weight",
// so a module matches when it appears as a whole dotted segment run.
func matchTarget(tensorName string, targets []string) string {
	name := "." + tensorName + "."
	for _, target := range targets {
		if strings.Contains(name, "."+target+".") {
			return target
		}
	}
	return ""
}
