package imagegen

import (
	"net/url"
	"strings"
)

// IsAzureEndpoint reports whether endpoint is an Azure OpenAI resource.
//
//	IsAzureEndpoint("https://myresource.openai.azure.com")             // true
//	IsAzureEndpoint("https://myresource.cognitiveservices.azure.com")  // true
//	IsAzureEndpoint("https://api.openai.com/v1")                       // false
func IsAzureEndpoint(endpoint string) bool {
	host := endpointHost(endpoint)
	return strings.HasSuffix(host, ".openai.azure.com") ||
		strings.HasSuffix(host, ".cognitiveservices.azure.com")
}

// IsLocalEndpoint reports whether endpoint points at this machine or a private
// network, e.g. a self-hosted OpenAI-compatible server.
func IsLocalEndpoint(endpoint string) bool {
	host := endpointHost(endpoint)
	switch {
	case host == "":
		return false
	case host == "localhost", host == "0.0.0.0", host == "::1":
		return true
	case strings.HasPrefix(host, "127."), strings.HasPrefix(host, "10."), strings.HasPrefix(host, "192.168."):
		return true
	}
	return false
}

// imageSize picks the closest size an OpenAI images model accepts.
func imageSize(model string, width, height int) string {
	if strings.HasPrefix(model, "dall-e-3") || strings.HasPrefix(model, "gpt-image") {
		switch {
		case width > height:
			return "1792x1024"
		case height > width:
			return "1024x1792"
		default:
			return "1024x1024"
		}
	}

	longest := max(width, height)
	switch {
	case longest <= 256:
		return "256x256"
	case longest <= 512:
		return "512x512"
	default:
		return "1024x1024"
	}
}

func endpointHost(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
