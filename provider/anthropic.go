package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	defaultAnthropicBaseURL   = "https://api.anthropic.com"
	defaultAnthropicModel     = "claude-sonnet-4-20250514"
	defaultAnthropicMaxTokens = 4096
	anthropicAPIVersion       = "2023-06-01"

	// structuredToolName is the forced tool used to obtain schema-shaped output.
	structuredToolName = "emit_result"
)

// AnthropicConfig holds configuration for the Anthropic provider.
type AnthropicConfig struct {
	APIKey     string
	Model      string
	BaseURL    string
	MaxTokens  int
	HTTPClient *http.Client
}

// AnthropicProvider implements Provider using the Anthropic Messages API.
type AnthropicProvider struct {
	config AnthropicConfig
}

// NewAnthropicProvider creates a new Anthropic provider with the given config.
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAnthropicBaseURL
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultAnthropicMaxTokens
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &AnthropicProvider{config: cfg}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model      string               `json:"model"`
	MaxTokens  int                  `json:"max_tokens"`
	System     string               `json:"system,omitempty"`
	Messages   []anthropicMessage   `json:"messages"`
	Tools      []anthropicTool      `json:"tools,omitempty"`
	ToolChoice *anthropicToolChoice `json:"tool_choice,omitempty"`
	Stream     bool                 `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []anthropicContent
}

type anthropicContent struct {
	Type      string           `json:"type"`
	Text      string           `json:"text,omitempty"`
	Source    *anthropicSource `json:"source,omitempty"`
	ToolUseID string           `json:"tool_use_id,omitempty"`
	Content   string           `json:"content,omitempty"` // for tool_result
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type anthropicResponse struct {
	ID      string              `json:"id"`
	Type    string              `json:"type"`
	Content []anthropicRespItem `json:"content"`
	Usage   anthropicUsage      `json:"usage"`
}

type anthropicRespItem struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (p *AnthropicProvider) Chat(ctx context.Context, req *Request) (*Response, error) {
	resp, err := post(ctx, p.config.HTTPClient, p.Name(), p.config.BaseURL+"/v1/messages", p.buildRequest(req, false), p.headers())
	if err != nil {
		return nil, err
	}
	var apiResp anthropicResponse
	if err := decode(p.Name(), resp, &apiResp); err != nil {
		return nil, err
	}
	return p.parseResponse(&apiResp, req.Schema != nil)
}

func (p *AnthropicProvider) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	resp, err := post(ctx, p.config.HTTPClient, p.Name(), p.config.BaseURL+"/v1/messages", p.buildRequest(req, true), p.headers())
	if err != nil {
		return nil, err
	}
	ch := make(chan StreamEvent, 16)
	go p.readSSE(resp.Body, ch, req.Schema != nil)
	return ch, nil
}

func (p *AnthropicProvider) buildRequest(in *Request, stream bool) *anthropicRequest {
	req := &anthropicRequest{
		Model:     p.config.Model,
		MaxTokens: p.config.MaxTokens,
		System:    in.System,
		Stream:    stream,
	}
	if in.Model != "" {
		req.Model = in.Model
	}
	if in.MaxTokens > 0 {
		req.MaxTokens = in.MaxTokens
	}

	for _, msg := range in.Messages {
		switch msg.Role {
		case RoleSystem:
			req.System = joinNonEmpty(req.System, msg.Content)
		case RoleTool:
			req.Messages = append(req.Messages, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})
		default:
			req.Messages = append(req.Messages, anthropicMessage{
				Role:    string(msg.Role),
				Content: anthropicContentOf(msg),
			})
		}
	}

	for _, t := range in.Tools {
		req.Tools = append(req.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: defaultSchema(t.Parameters),
		})
	}
	if in.Schema != nil {
		req.Tools = append(req.Tools, anthropicTool{
			Name:        structuredToolName,
			Description: "Return the final answer in the required structure.",
			InputSchema: in.Schema,
		})
		req.ToolChoice = &anthropicToolChoice{Type: "tool", Name: structuredToolName}
	}
	return req
}

func anthropicContentOf(msg Message) any {
	if len(msg.Parts) == 0 {
		return msg.Content
	}
	var blocks []anthropicContent
	for _, part := range msg.Parts {
		switch {
		case part.Type == PartImage:
			blocks = append(blocks, anthropicContent{
				Type: "image",
				Source: &anthropicSource{
					Type:      "base64",
					MediaType: part.MIMEType,
					Data:      base64.StdEncoding.EncodeToString(part.Data),
				},
			})
		case part.Type == PartFile && part.MIMEType == "application/pdf":
			blocks = append(blocks, anthropicContent{
				Type: "document",
				Source: &anthropicSource{
					Type:      "base64",
					MediaType: part.MIMEType,
					Data:      base64.StdEncoding.EncodeToString(part.Data),
				},
			})
		case part.Type == PartFile:
			blocks = append(blocks, anthropicContent{Type: "text", Text: fileAsText(part)})
		default:
			blocks = append(blocks, anthropicContent{Type: "text", Text: part.Text})
		}
	}
	return blocks
}

func (p *AnthropicProvider) headers() map[string]string {
	return map[string]string{
		"x-api-key":         p.config.APIKey,
		"anthropic-version": anthropicAPIVersion,
	}
}

func (p *AnthropicProvider) parseResponse(apiResp *anthropicResponse, structured bool) (*Response, error) {
	resp := &Response{
		Usage: Usage{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
		},
	}

	var textParts []string
	for _, item := range apiResp.Content {
		switch item.Type {
		case "text":
			textParts = append(textParts, item.Text)
		case "tool_use":
			if structured && item.Name == structuredToolName {
				out, err := json.Marshal(item.Input)
				if err != nil {
					return nil, fmt.Errorf("anthropic: %w: %w", ErrMalformedResponse, err)
				}
				return &Response{Content: string(out), Usage: resp.Usage}, nil
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        item.ID,
				Name:      item.Name,
				Arguments: item.Input,
			})
		}
	}
	resp.Content = strings.Join(textParts, "")
	return resp, nil
}

// readSSE parses the SSE stream from the Anthropic API. With structured set,
// the forced tool's input is emitted as text.
func (p *AnthropicProvider) readSSE(body io.ReadCloser, ch chan<- StreamEvent, structured bool) {
	defer func() { _ = body.Close() }()
	defer close(ch)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var currentToolID, currentToolName string
	var toolInputBuf bytes.Buffer
	var usage *Usage

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var event struct {
			Type         string `json:"type"`
			ContentBlock *struct {
				Type string `json:"type"`
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"content_block"`
			Delta *struct {
				Type        string `json:"type"`
				Text        string `json:"text"`
				PartialJSON string `json:"partial_json"`
			} `json:"delta"`
			Message *struct {
				Usage anthropicUsage `json:"usage"`
			} `json:"message"`
			Usage *anthropicUsage `json:"usage"`
			Error *struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				usage = &Usage{
					InputTokens:  event.Message.Usage.InputTokens,
					OutputTokens: event.Message.Usage.OutputTokens,
				}
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				currentToolID = event.ContentBlock.ID
				currentToolName = event.ContentBlock.Name
				toolInputBuf.Reset()
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				ch <- StreamEvent{Type: "text", Text: event.Delta.Text}
			case "input_json_delta":
				toolInputBuf.WriteString(event.Delta.PartialJSON)
			}

		case "content_block_stop":
			if currentToolID == "" {
				continue
			}
			if structured && currentToolName == structuredToolName {
				ch <- StreamEvent{Type: "text", Text: toolInputBuf.String()}
			} else {
				var args map[string]any
				if toolInputBuf.Len() > 0 {
					_ = json.Unmarshal(toolInputBuf.Bytes(), &args)
				}
				ch <- StreamEvent{
					Type: "tool_call",
					Tool: &ToolCall{ID: currentToolID, Name: currentToolName, Arguments: args},
				}
			}
			currentToolID, currentToolName = "", ""
			toolInputBuf.Reset()

		case "message_delta":
			if event.Usage != nil && usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			ch <- StreamEvent{Type: "done", Usage: usage}
			return

		case "error":
			msg := data
			if event.Error != nil {
				msg = event.Error.Type + ": " + event.Error.Message
			}
			ch <- StreamEvent{Type: "error", Error: msg}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- errorEvent(fmt.Errorf("anthropic: read stream: %w", err))
		return
	}
	ch <- errorEvent(fmt.Errorf("anthropic: stream ended before message_stop: %w", io.ErrUnexpectedEOF))
}

func joinNonEmpty(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "\n\n" + b
}
