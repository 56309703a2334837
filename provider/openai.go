package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

const (
	defaultOpenAIBaseURL   = "https://api.openai.com"
	defaultOpenAIModel     = "gpt-4o"
	defaultOpenAIMaxTokens = 4096
)

// OpenAIConfig holds configuration for the OpenAI provider.
type OpenAIConfig struct {
	APIKey     string
	Model      string
	BaseURL    string
	MaxTokens  int
	HTTPClient *http.Client
}

// OpenAIProvider implements Provider using the OpenAI Chat Completions API.
type OpenAIProvider struct {
	config OpenAIConfig
}

// NewOpenAIProvider creates a new OpenAI provider with the given config.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultOpenAIMaxTokens
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &OpenAIProvider{config: cfg}
}

func (p *OpenAIProvider) Name() string { return "openai" }

type openaiRequest struct {
	Model          string                `json:"model"`
	Messages       []openaiMessage       `json:"messages"`
	Tools          []openaiTool          `json:"tools,omitempty"`
	Stream         bool                  `json:"stream,omitempty"`
	StreamOptions  *openaiStreamOptions  `json:"stream_options,omitempty"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	ResponseFormat *openaiResponseFormat `json:"response_format,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openaiJSONSchema `json:"json_schema,omitempty"`
}

type openaiJSONSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content,omitempty"` // string or []openaiContentPart
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
}

type openaiContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openaiImageURL `json:"image_url,omitempty"`
	File     *openaiFile     `json:"file,omitempty"`
}

type openaiImageURL struct {
	URL string `json:"url"`
}

type openaiFile struct {
	Filename string `json:"filename,omitempty"`
	FileData string `json:"file_data"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiToolCallFunc `json:"function"`
}

type openaiToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiToolFunc `json:"function"`
}

type openaiToolFunc struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
}

type openaiChoice struct {
	Message      openaiRespMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type openaiRespMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []openaiToolCall `json:"tool_calls"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (p *OpenAIProvider) Chat(ctx context.Context, req *Request) (*Response, error) {
	resp, err := post(ctx, p.config.HTTPClient, p.Name(), p.config.BaseURL+"/v1/chat/completions", p.buildRequest(req, false), p.headers())
	if err != nil {
		return nil, err
	}
	var apiResp openaiResponse
	if err := decode(p.Name(), resp, &apiResp); err != nil {
		return nil, err
	}
	return p.parseResponse(&apiResp)
}

func (p *OpenAIProvider) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	resp, err := post(ctx, p.config.HTTPClient, p.Name(), p.config.BaseURL+"/v1/chat/completions", p.buildRequest(req, true), p.headers())
	if err != nil {
		return nil, err
	}
	ch := make(chan StreamEvent, 16)
	go p.readSSE(resp.Body, ch)
	return ch, nil
}

func (p *OpenAIProvider) buildRequest(in *Request, stream bool) *openaiRequest {
	req := &openaiRequest{
		Model:     p.config.Model,
		MaxTokens: p.config.MaxTokens,
		Stream:    stream,
	}
	if stream {
		req.StreamOptions = &openaiStreamOptions{IncludeUsage: true}
	}
	if in.Model != "" {
		req.Model = in.Model
	}
	if in.MaxTokens > 0 {
		req.MaxTokens = in.MaxTokens
	}
	if in.System != "" {
		req.Messages = append(req.Messages, openaiMessage{Role: string(RoleSystem), Content: in.System})
	}

	// OpenAI keeps system messages inline.
	for _, msg := range in.Messages {
		switch msg.Role {
		case RoleTool:
			req.Messages = append(req.Messages, openaiMessage{
				Role:       "tool",
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		default:
			req.Messages = append(req.Messages, openaiMessage{
				Role:    string(msg.Role),
				Content: openaiContentOf(msg),
			})
		}
	}

	for _, t := range in.Tools {
		req.Tools = append(req.Tools, openaiTool{
			Type: "function",
			Function: openaiToolFunc{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  defaultSchema(t.Parameters),
			},
		})
	}
	if in.Schema != nil {
		req.ResponseFormat = &openaiResponseFormat{
			Type:       "json_schema",
			JSONSchema: &openaiJSONSchema{Name: "result", Schema: in.Schema},
		}
	}
	return req
}

func openaiContentOf(msg Message) any {
	if len(msg.Parts) == 0 {
		return msg.Content
	}
	parts := make([]openaiContentPart, 0, len(msg.Parts))
	for _, part := range msg.Parts {
		switch {
		case part.Type == PartImage:
			parts = append(parts, openaiContentPart{
				Type:     "image_url",
				ImageURL: &openaiImageURL{URL: dataURL(part.MIMEType, part.Data)},
			})
		case part.Type == PartFile && !isTextMIME(part.MIMEType):
			parts = append(parts, openaiContentPart{
				Type: "file",
				File: &openaiFile{Filename: part.Name, FileData: dataURL(part.MIMEType, part.Data)},
			})
		case part.Type == PartFile:
			parts = append(parts, openaiContentPart{Type: "text", Text: fileAsText(part)})
		default:
			parts = append(parts, openaiContentPart{Type: "text", Text: part.Text})
		}
	}
	return parts
}

func (p *OpenAIProvider) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.config.APIKey}
}

func (p *OpenAIProvider) parseResponse(apiResp *openaiResponse) (*Response, error) {
	resp := &Response{
		Usage: Usage{
			InputTokens:  apiResp.Usage.PromptTokens,
			OutputTokens: apiResp.Usage.CompletionTokens,
		},
	}
	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("openai: %w: no choices", ErrMalformedResponse)
	}

	msg := apiResp.Choices[0].Message
	resp.Content = msg.Content
	for _, tc := range msg.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("openai: unmarshal tool call arguments for %q: %w: %w", tc.Function.Name, ErrMalformedResponse, err)
			}
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return resp, nil
}

type openaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   *string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage"`
}

// readSSE parses the SSE stream from the OpenAI API.
func (p *OpenAIProvider) readSSE(body io.ReadCloser, ch chan<- StreamEvent) {
	defer func() { _ = body.Close() }()
	defer close(ch)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	type pendingToolCall struct {
		id      string
		name    string
		argsBuf strings.Builder
	}
	pending := make(map[int]*pendingToolCall)
	var usage *Usage

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			indices := make([]int, 0, len(pending))
			for i := range pending {
				indices = append(indices, i)
			}
			sort.Ints(indices)
			for _, i := range indices {
				ptc := pending[i]
				var args map[string]any
				if ptc.argsBuf.Len() > 0 {
					if err := json.Unmarshal([]byte(ptc.argsBuf.String()), &args); err != nil {
						ch <- errorEvent(fmt.Errorf("openai: unmarshal tool call arguments for %q: %w: %w", ptc.name, ErrMalformedResponse, err))
						return
					}
				}
				ch <- StreamEvent{
					Type: "tool_call",
					Tool: &ToolCall{ID: ptc.id, Name: ptc.name, Arguments: args},
				}
			}
			ch <- StreamEvent{Type: "done", Usage: usage}
			return
		}

		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = &Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != nil && *delta.Content != "" {
			ch <- StreamEvent{Type: "text", Text: *delta.Content}
		}
		for _, tc := range delta.ToolCalls {
			ptc, exists := pending[tc.Index]
			if !exists {
				ptc = &pendingToolCall{}
				pending[tc.Index] = ptc
			}
			if tc.ID != "" {
				ptc.id = tc.ID
			}
			if tc.Function.Name != "" {
				ptc.name = tc.Function.Name
			}
			ptc.argsBuf.WriteString(tc.Function.Arguments)
		}
	}

	if err := scanner.Err(); err != nil {
		ch <- errorEvent(fmt.Errorf("openai: read stream: %w", err))
		return
	}
	ch <- errorEvent(fmt.Errorf("openai: stream ended before [DONE]: %w", io.ErrUnexpectedEOF))
}
