package provider

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	defaultGeminiBaseURL   = "https://generativelanguage.googleapis.com"
	defaultGeminiModel     = "gemini-2.5-pro"
	defaultGeminiMaxTokens = 8192
)

// GeminiConfig holds configuration for the Gemini provider.
type GeminiConfig struct {
	APIKey     string
	Model      string
	BaseURL    string
	MaxTokens  int
	HTTPClient *http.Client
}

// GeminiProvider implements Provider using the Gemini generateContent API.
type GeminiProvider struct {
	config GeminiConfig
}

// NewGeminiProvider creates a new Gemini provider with the given config.
func NewGeminiProvider(cfg GeminiConfig) *GeminiProvider {
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGeminiBaseURL
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultGeminiMaxTokens
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &GeminiProvider{config: cfg}
}

func (p *GeminiProvider) Name() string { return "gemini" }

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	InlineData       *geminiInlineData       `json:"inlineData,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiInlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens  int            `json:"maxOutputTokens,omitempty"`
	ResponseMIMEType string         `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any `json:"responseSchema,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

func (p *GeminiProvider) Chat(ctx context.Context, req *Request) (*Response, error) {
	resp, err := post(ctx, p.config.HTTPClient, p.Name(), p.endpoint(req, "generateContent", ""), p.buildRequest(req), p.headers())
	if err != nil {
		return nil, err
	}
	var apiResp geminiResponse
	if err := decode(p.Name(), resp, &apiResp); err != nil {
		return nil, err
	}
	return p.parseResponse(&apiResp)
}

func (p *GeminiProvider) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	resp, err := post(ctx, p.config.HTTPClient, p.Name(), p.endpoint(req, "streamGenerateContent", "alt=sse"), p.buildRequest(req), p.headers())
	if err != nil {
		return nil, err
	}
	ch := make(chan StreamEvent, 16)
	go p.readSSE(resp.Body, ch)
	return ch, nil
}

func (p *GeminiProvider) endpoint(req *Request, method, query string) string {
	model := p.config.Model
	if req.Model != "" {
		model = req.Model
	}
	u := fmt.Sprintf("%s/v1beta/models/%s:%s", p.config.BaseURL, url.PathEscape(model), method)
	if query != "" {
		u += "?" + query
	}
	return u
}

func (p *GeminiProvider) headers() map[string]string {
	return map[string]string{"x-goog-api-key": p.config.APIKey}
}

func (p *GeminiProvider) buildRequest(in *Request) *geminiRequest {
	req := &geminiRequest{
		GenerationConfig: &geminiGenerationConfig{MaxOutputTokens: p.config.MaxTokens},
	}
	if in.MaxTokens > 0 {
		req.GenerationConfig.MaxOutputTokens = in.MaxTokens
	}
	system := in.System
	for _, msg := range in.Messages {
		switch msg.Role {
		case RoleSystem:
			system = joinNonEmpty(system, msg.Content)
		case RoleTool:
			req.Contents = append(req.Contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{FunctionResponse: &geminiFunctionResponse{
					Name:     msg.ToolCallID,
					Response: map[string]any{"content": msg.Content},
				}}},
			})
		case RoleAssistant:
			req.Contents = append(req.Contents, geminiContent{Role: "model", Parts: geminiPartsOf(msg)})
		default:
			req.Contents = append(req.Contents, geminiContent{Role: "user", Parts: geminiPartsOf(msg)})
		}
	}
	if system != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	if len(in.Tools) > 0 {
		decls := make([]geminiFunctionDecl, 0, len(in.Tools))
		for _, t := range in.Tools {
			decls = append(decls, geminiFunctionDecl{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
		}
		req.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	if in.Schema != nil {
		req.GenerationConfig.ResponseMIMEType = "application/json"
		req.GenerationConfig.ResponseSchema = in.Schema
	}
	return req
}

func geminiPartsOf(msg Message) []geminiPart {
	if len(msg.Parts) == 0 {
		return []geminiPart{{Text: msg.Content}}
	}
	parts := make([]geminiPart, 0, len(msg.Parts))
	for _, part := range msg.Parts {
		switch {
		case part.Type == PartImage, part.Type == PartFile && !isTextMIME(part.MIMEType):
			parts = append(parts, geminiPart{InlineData: &geminiInlineData{
				MIMEType: part.MIMEType,
				Data:     base64.StdEncoding.EncodeToString(part.Data),
			}})
		case part.Type == PartFile:
			parts = append(parts, geminiPart{Text: fileAsText(part)})
		default:
			parts = append(parts, geminiPart{Text: part.Text})
		}
	}
	return parts
}

func (p *GeminiProvider) parseResponse(apiResp *geminiResponse) (*Response, error) {
	resp := &Response{}
	if apiResp.UsageMetadata != nil {
		resp.Usage = Usage{
			InputTokens:  apiResp.UsageMetadata.PromptTokenCount,
			OutputTokens: apiResp.UsageMetadata.CandidatesTokenCount,
		}
	}
	if len(apiResp.Candidates) == 0 {
		if apiResp.PromptFeedback != nil && apiResp.PromptFeedback.BlockReason != "" {
			return nil, &APIError{Provider: p.Name(), StatusCode: http.StatusOK, Type: "blocked", Message: apiResp.PromptFeedback.BlockReason}
		}
		return nil, fmt.Errorf("gemini: %w: no candidates", ErrMalformedResponse)
	}

	var text strings.Builder
	for i, part := range apiResp.Candidates[0].Content.Parts {
		if part.FunctionCall != nil {
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        fmt.Sprintf("call_%d", i),
				Name:      part.FunctionCall.Name,
				Arguments: part.FunctionCall.Args,
			})
			continue
		}
		text.WriteString(part.Text)
	}
	resp.Content = text.String()
	return resp, nil
}

// readSSE parses the alt=sse stream, where every data line is a complete
// GenerateContentResponse and the stream ends at EOF.
func (p *GeminiProvider) readSSE(body io.ReadCloser, ch chan<- StreamEvent) {
	defer func() { _ = body.Close() }()
	defer close(ch)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var usage *Usage
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var chunk geminiResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			ch <- errorEvent(fmt.Errorf("gemini: %w: %w", ErrMalformedResponse, err))
			return
		}
		if chunk.UsageMetadata != nil {
			usage = &Usage{
				InputTokens:  chunk.UsageMetadata.PromptTokenCount,
				OutputTokens: chunk.UsageMetadata.CandidatesTokenCount,
			}
		}
		if len(chunk.Candidates) == 0 {
			continue
		}
		for i, part := range chunk.Candidates[0].Content.Parts {
			switch {
			case part.FunctionCall != nil:
				ch <- StreamEvent{Type: "tool_call", Tool: &ToolCall{
					ID:        fmt.Sprintf("call_%d", i),
					Name:      part.FunctionCall.Name,
					Arguments: part.FunctionCall.Args,
				}}
			case part.Text != "":
				ch <- StreamEvent{Type: "text", Text: part.Text}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- errorEvent(fmt.Errorf("gemini: read stream: %w", err))
		return
	}
	ch <- StreamEvent{Type: "done", Usage: usage}
}
