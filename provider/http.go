package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxErrorBody bounds how much of an error response is kept in APIError.
const maxErrorBody = 4096

// post sends body as JSON and returns the open response after checking its
// status. The caller must close the response body.
func post(ctx context.Context, client *http.Client, name, url string, body any, headers map[string]string) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: send request: %w", name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		return nil, parseAPIError(name, resp.StatusCode, raw)
	}
	return resp, nil
}

// decode reads a whole JSON response into v.
func decode(name string, resp *http.Response, v any) error {
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", name, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%s: unmarshal response: %w: %w", name, ErrMalformedResponse, err)
	}
	return nil
}

// parseAPIError understands the {"error":{...}} envelopes used by the
// Anthropic, OpenAI and Gemini APIs and falls back to the raw body.
func parseAPIError(name string, status int, body []byte) *APIError {
	apiErr := &APIError{Provider: name, StatusCode: status, Message: strings.TrimSpace(string(body))}
	var env struct {
		Error struct {
			Type    string `json:"type"`
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil && env.Error.Message != "" {
		apiErr.Message = env.Error.Message
		apiErr.Type = env.Error.Type
		if apiErr.Type == "" {
			apiErr.Type = env.Error.Status
		}
	}
	return apiErr
}

// dataURL renders binary content as an RFC 2397 data URL.
func dataURL(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// fileAsText renders a non-binary file attachment inline.
func fileAsText(p Part) string {
	name := p.Name
	if name == "" {
		name = "attachment"
	}
	return fmt.Sprintf("File %s:\n%s", name, string(p.Data))
}

func isTextMIME(mime string) bool {
	return mime == "" || strings.HasPrefix(mime, "text/") ||
		mime == "application/json" || strings.HasSuffix(mime, "+json") ||
		mime == "application/x-yaml" || mime == "application/xml"
}

func defaultSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return schema
}
