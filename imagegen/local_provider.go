package imagegen

import (
	"context"
	"fmt"

	"sdlora_server/sdruntime"
)

// LocalProvider runs generations on the in-process model runtime.
type LocalProvider struct {
	gen    *sdruntime.Generator
	device sdruntime.Device
	report *sdruntime.LoadReport
}

// NewLocalProvider creates the generator for cfg. The checkpoint is not read
// until Load.
func NewLocalProvider(cfg sdruntime.GeneratorConfig) (*LocalProvider, error) {
	gen, err := sdruntime.NewGenerator(cfg)
	if err != nil {
		return nil, err
	}
	return &LocalProvider{gen: gen, device: cfg.Context.Device}, nil
}

// Load opens the first model context and reports which options stuck.
func (p *LocalProvider) Load() (*sdruntime.LoadReport, error) {
	report, err := p.gen.Load()
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	p.report = report
	return report, nil
}

func (p *LocalProvider) Generate(ctx context.Context, params sdruntime.GenerateParams) (*sdruntime.GenerateResult, error) {
	return p.gen.Generate(ctx, params)
}

func (p *LocalProvider) Info() ProviderInfo {
	info := ProviderInfo{
		Name:           "local",
		Backend:        sdruntime.GetBackendInfo(),
		RuntimeVersion: sdruntime.RuntimeVersion(),
		Device:         sdruntime.Info(p.device),
	}
	if p.report != nil {
		info.LoRAApplied = p.report.LoRAApplied
	}
	return info
}

func (p *LocalProvider) Close() error {
	return p.gen.Close()
}
