// Package lora reads LoRA adapter artifacts in the PEFT layout: an
// adapter_config.json next to an adapter_model.safetensors file.
package lora

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Defaults used when adapter_config.json is absent. They match the values the
// adapter was trained with.
const (
	DefaultRank    = 16
	DefaultAlpha   = 32
	DefaultDropout = 0.05
	DefaultBias    = "none"
)

// DefaultTargetModules are the UNet attention projections the adapter wraps.
var DefaultTargetModules = []string{"to_q", "to_k", "to_v", "to_out.0"}

// AdapterConfig mirrors the fields of a PEFT adapter_config.json that matter
// for merging the adapter.
type AdapterConfig struct {
	R             int      `json:"r"`
	LoRAAlpha     float64  `json:"lora_alpha"`
	TargetModules []string `json:"target_modules"`
	LoRADropout   float64  `json:"lora_dropout"`
	Bias          string   `json:"bias"`
	BaseModelName string   `json:"base_model_name_or_path,omitempty"`
	PeftType      string   `json:"peft_type,omitempty"`
}

// DefaultAdapterConfig returns the configuration assumed when none is on disk.
func DefaultAdapterConfig() AdapterConfig {
	targets := make([]string, len(DefaultTargetModules))
	copy(targets, DefaultTargetModules)
	return AdapterConfig{
		R:             DefaultRank,
		LoRAAlpha:     DefaultAlpha,
		TargetModules: targets,
		LoRADropout:   DefaultDropout,
		Bias:          DefaultBias,
		PeftType:      "LORA",
	}
}

// Scale is the factor applied to the low-rank update, alpha / r.
func (c AdapterConfig) Scale() float64 {
	if c.R <= 0 {
		return 0
	}
	return c.LoRAAlpha / float64(c.R)
}

// Validate checks the values the runtime depends on.
func (c AdapterConfig) Validate() error {
	if c.R <= 0 {
		return fmt.Errorf("lora: rank must be positive, got %d", c.R)
	}
	if c.LoRAAlpha <= 0 {
		return fmt.Errorf("lora: lora_alpha must be positive, got %g", c.LoRAAlpha)
	}
	if len(c.TargetModules) == 0 {
		return errors.New("lora: target_modules is empty")
	}
	if c.LoRADropout < 0 || c.LoRADropout >= 1 {
		return fmt.Errorf("lora: lora_dropout must be in [0,1), got %g", c.LoRADropout)
	}
	switch c.Bias {
	case "none", "all", "lora_only":
	default:
		return fmt.Errorf("lora: unknown bias mode %q", c.Bias)
	}
	return nil
}

// LoadAdapterConfig reads adapter_config.json. A missing file yields
// DefaultAdapterConfig; keys absent from the file keep their default.
func LoadAdapterConfig(path string) (AdapterConfig, error) {
	cfg := DefaultAdapterConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("lora: read adapter config: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("lora: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
