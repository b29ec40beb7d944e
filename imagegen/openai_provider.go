package imagegen

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"sdlora_server/core"
	"sdlora_server/sdruntime"
)

var errRemote = errors.New("imagegen: remote image API error")

// OpenAIProvider generates images through an OpenAI-compatible images API
// (OpenAI, Azure OpenAI or a self-hosted server such as LocalAI).
//
// Sampling controls the API does not expose (steps, guidance scale, seed) are
// not forwarded. The reported seed is the one the pipeline resolved so clients
// still get a value back, but replaying it does not reproduce the image.
type OpenAIProvider struct {
	client  *openai.Client
	model   string
	baseURL string
}

// OpenAIProviderConfig holds configuration specific to the OpenAI provider.
type OpenAIProviderConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// HTTPClient is optional; generations can be slow so it should not carry
	// a short timeout
	HTTPClient *http.Client
}

// OpenAIProviderConfigFromCore extracts the provider settings from cfg.
func OpenAIProviderConfigFromCore(cfg *core.Config) OpenAIProviderConfig {
	return OpenAIProviderConfig{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.OpenAIImageModel,
	}
}

// NewOpenAIProvider creates a provider. Azure endpoints get the Azure
// authentication scheme and deployment-style URLs.
func NewOpenAIProvider(cfg OpenAIProviderConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" && !IsLocalEndpoint(cfg.BaseURL) {
		return nil, core.ErrMissingAuth(core.BackendOpenAI)
	}
	if cfg.Model == "" {
		cfg.Model = openai.CreateImageModelDallE2
	}

	var clientCfg openai.ClientConfig
	if IsAzureEndpoint(cfg.BaseURL) {
		clientCfg = openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL)
	} else {
		clientCfg = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = cfg.BaseURL
		}
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}

	return &OpenAIProvider{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		baseURL: clientCfg.BaseURL,
	}, nil
}

func (p *OpenAIProvider) Generate(ctx context.Context, params sdruntime.GenerateParams) (*sdruntime.GenerateResult, error) {
	prompt := params.Prompt
	if params.NegativePrompt != "" {
		prompt += "\n\nAvoid: " + params.NegativePrompt
	}

	resp, err := p.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          p.model,
		N:              1,
		Size:           imageSize(p.model, params.Width, params.Height),
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", sdruntime.ErrGenerationTimeout, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", errRemote, err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, fmt.Errorf("%w: response contained no image data", errRemote)
	}

	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", errRemote, err)
	}
	if err := sdruntime.ValidateImageData(data); err != nil {
		return nil, fmt.Errorf("%w: %v", errRemote, err)
	}
	width, height, err := sdruntime.ImageDimensions(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errRemote, err)
	}

	return &sdruntime.GenerateResult{
		ImageData: data,
		Width:     width,
		Height:    height,
		Seed:      params.Seed,
	}, nil
}

func (p *OpenAIProvider) Info() ProviderInfo {
	return ProviderInfo{
		Name:           core.BackendOpenAI,
		Backend:        p.model,
		RuntimeVersion: "openai-api",
		Device:         sdruntime.DeviceInfo{Device: "remote", Backend: p.baseURL, Version: p.model},
	}
}

// Close is a no-op; the HTTP client has nothing to release.
func (p *OpenAIProvider) Close() error {
	return nil
}
