package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

// ModelInfo describes an available model from a provider.
type ModelInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ModelLister is implemented by providers that can enumerate their models.
type ModelLister interface {
	Models(ctx context.Context) ([]ModelInfo, error)
}

// get issues an authenticated GET and decodes the JSON answer into v.
func get(ctx context.Context, client *http.Client, name, url string, headers map[string]string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", name, err)
	}
	for k, val := range headers {
		req.Header.Set(k, val)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send request: %w", name, err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		return parseAPIError(name, resp.StatusCode, raw)
	}
	return decode(name, resp, v)
}

// Models calls the Anthropic /v1/models endpoint.
func (p *AnthropicProvider) Models(ctx context.Context) ([]ModelInfo, error) {
	var result struct {
		Data []struct {
			ID          string `json:"id"`
			DisplayName string `json:"display_name"`
			Type        string `json:"type"`
		} `json:"data"`
	}
	if err := get(ctx, p.config.HTTPClient, p.Name(), p.config.BaseURL+"/v1/models", p.headers(), &result); err != nil {
		return nil, err
	}

	var models []ModelInfo
	for _, m := range result.Data {
		if m.Type != "" && m.Type != "model" {
			continue
		}
		name := m.DisplayName
		if name == "" {
			name = m.ID
		}
		models = append(models, ModelInfo{ID: m.ID, Name: name})
	}
	sortModels(models)
	return models, nil
}

// Models calls the OpenAI /v1/models endpoint and keeps chat-capable models.
func (p *OpenAIProvider) Models(ctx context.Context) ([]ModelInfo, error) {
	var result struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := get(ctx, p.config.HTTPClient, p.Name(), p.config.BaseURL+"/v1/models", p.headers(), &result); err != nil {
		return nil, err
	}

	chatPrefixes := []string{"gpt-4", "gpt-5", "o1", "o3", "o4", "codex", "chatgpt"}
	var models []ModelInfo
	for _, m := range result.Data {
		lower := strings.ToLower(m.ID)
		for _, prefix := range chatPrefixes {
			if strings.HasPrefix(lower, prefix) {
				models = append(models, ModelInfo{ID: m.ID, Name: m.ID})
				break
			}
		}
	}
	sortModels(models)
	return models, nil
}

// Models calls the Gemini v1beta/models endpoint and keeps models that
// support generateContent.
func (p *GeminiProvider) Models(ctx context.Context) ([]ModelInfo, error) {
	var result struct {
		Models []struct {
			Name                       string   `json:"name"`
			DisplayName                string   `json:"displayName"`
			SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
		} `json:"models"`
	}
	if err := get(ctx, p.config.HTTPClient, p.Name(), p.config.BaseURL+"/v1beta/models", p.headers(), &result); err != nil {
		return nil, err
	}

	var models []ModelInfo
	for _, m := range result.Models {
		supported := false
		for _, method := range m.SupportedGenerationMethods {
			if method == "generateContent" {
				supported = true
				break
			}
		}
		if !supported {
			continue
		}
		id := strings.TrimPrefix(m.Name, "models/")
		name := m.DisplayName
		if name == "" {
			name = id
		}
		models = append(models, ModelInfo{ID: id, Name: name})
	}
	sortModels(models)
	return models, nil
}

func sortModels(models []ModelInfo) {
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
}
