package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/forgecli/forge/pkg/config"
	"github.com/forgecli/forge/pkg/httpclient"
	"github.com/forgecli/forge/pkg/observability"
	"github.com/forgecli/forge/pkg/protocol"
)

// OpenAIProvider speaks the OpenAI chat completions protocol, which most
// compatible gateways also accept.
type OpenAIProvider struct {
	config     *config.ProviderConfig
	httpClient *httpclient.Client
}

type chatRequest struct {
	Model         string                `json:"model"`
	Messages      []chatMessage         `json:"messages"`
	MaxTokens     int                   `json:"max_tokens,omitempty"`
	Temperature   float64               `json:"temperature"`
	Stream        bool                  `json:"stream"`
	StreamOptions *streamOptions        `json:"stream_options,omitempty"`
	Tools         []protocol.ToolSchema `json:"tools,omitempty"`
	ToolChoice    string                `json:"tool_choice,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatResponse struct {
	Choices []choice  `json:"choices"`
	Usage   Usage     `json:"usage"`
	Error   *apiError `json:"error,omitempty"`
}

type choice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type streamResponse struct {
	Choices []streamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
	Error   *apiError      `json:"error,omitempty"`
}

type streamChoice struct {
	Delta        delta  `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

type delta struct {
	Content   string          `json:"content,omitempty"`
	ToolCalls []toolCallDelta `json:"tool_calls,omitempty"`
}

// toolCallDelta is one streaming fragment of a tool call. The provider
// reports which call it belongs to through Index; the id and name arrive
// on the first fragment and the argument text accumulates across the rest.
type toolCallDelta struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function wireFunction `json:"function"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// NewOpenAIProvider creates a provider from validated configuration.
func NewOpenAIProvider(cfg *config.ProviderConfig) *OpenAIProvider {
	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
	)
	return &OpenAIProvider{config: cfg, httpClient: client}
}

func (p *OpenAIProvider) ModelName() string {
	return p.config.Model
}

func (p *OpenAIProvider) Close() error {
	return nil
}

// Generate performs one non-streaming completion.
func (p *OpenAIProvider) Generate(ctx context.Context, messages []protocol.Message, tools []protocol.ToolSchema) (*Result, error) {
	started := time.Now()
	tracer := observability.GetTracer("forge.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, p.config.Model),
			attribute.Bool("streaming", false),
		))
	defer span.End()

	request := p.buildRequest(messages, tools, false)
	response, err := p.post(ctx, request)
	duration := time.Since(started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.GetGlobalMetrics().RecordLLMCall(ctx, p.config.Model, duration, 0, 0, err)
		return nil, err
	}
	if response.Error != nil {
		apiErr := fmt.Errorf("API error: %s", response.Error.Message)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, response.Error.Message)
		observability.GetGlobalMetrics().RecordLLMCall(ctx, p.config.Model, duration, 0, 0, apiErr)
		return nil, apiErr
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	msg := response.Choices[0].Message
	result := &Result{
		Text:  msg.Content,
		Usage: response.Usage,
	}
	for _, tc := range msg.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, protocol.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, response.Usage.PromptTokens),
		attribute.Int(observability.AttrLLMTokensOutput, response.Usage.CompletionTokens),
	)
	span.SetStatus(codes.Ok, "success")
	observability.GetGlobalMetrics().RecordLLMCall(ctx, p.config.Model, duration,
		response.Usage.PromptTokens, response.Usage.CompletionTokens, nil)
	return result, nil
}

// GenerateStreaming performs one streaming completion. The returned channel
// closes after a done or error chunk.
func (p *OpenAIProvider) GenerateStreaming(ctx context.Context, messages []protocol.Message, tools []protocol.ToolSchema) (<-chan StreamChunk, error) {
	request := p.buildRequest(messages, tools, true)
	out := make(chan StreamChunk, 100)
	go func() {
		defer close(out)
		if err := p.stream(ctx, request, out); err != nil {
			out <- StreamChunk{Type: ChunkError, Err: err}
		}
	}()
	return out, nil
}

func (p *OpenAIProvider) buildRequest(messages []protocol.Message, tools []protocol.ToolSchema, stream bool) chatRequest {
	wire := make([]chatMessage, 0, len(messages))
	for _, msg := range messages {
		m := chatMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunction{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		wire = append(wire, m)
	}

	request := chatRequest{
		Model:       p.config.Model,
		Messages:    wire,
		MaxTokens:   p.config.MaxTokens,
		Temperature: p.config.Temperature,
		Stream:      stream,
	}
	if stream {
		request.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	if len(tools) > 0 {
		request.Tools = tools
		request.ToolChoice = "auto"
	}
	return request
}

func (p *OpenAIProvider) post(ctx context.Context, request chatRequest) (*chatResponse, error) {
	resp, err := p.send(ctx, request)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var response chatResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &response, nil
}

// send issues the request and folds non-200 responses into errors carrying
// whatever detail the error body offers.
func (p *OpenAIProvider) send(ctx context.Context, request chatRequest) (*http.Response, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.config.BaseURL+"/chat/completions", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.httpClient.Do(req)
	// The client can return both a response and an error after exhausting
	// retries. Prefer the error body's detail when one exists.
	if resp != nil && resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if apiErr := parseErrorBody(body); apiErr != nil {
			return nil, fmt.Errorf("API request failed with status %d: %s (type: %s, code: %s)",
				resp.StatusCode, apiErr.Message, apiErr.Type, apiErr.Code)
		}
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("HTTP request failed: no response received")
	}
	return resp, nil
}

// partialCall accumulates one tool call's streaming fragments.
type partialCall struct {
	id        string
	name      string
	arguments bytes.Buffer
}

func (p *OpenAIProvider) stream(ctx context.Context, request chatRequest, out chan<- StreamChunk) error {
	resp, err := p.send(ctx, request)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	partials := make(map[int]*partialCall)
	committed := false
	var usage Usage

	commit := func() {
		if committed {
			return
		}
		committed = true
		for _, call := range assembleCalls(partials) {
			call := call
			out <- StreamChunk{Type: ChunkToolCall, ToolCall: &call}
		}
	}

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[len("data: "):]
		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var chunk streamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return fmt.Errorf("API error: %s", chunk.Error.Message)
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		c := chunk.Choices[0]
		if c.Delta.Content != "" {
			out <- StreamChunk{Type: ChunkText, Text: c.Delta.Content}
		}
		for _, tc := range c.Delta.ToolCalls {
			// Fragments carry a stable per-call index. The first one
			// brings the id and name, the rest append argument text.
			partial, ok := partials[tc.Index]
			if !ok {
				partial = &partialCall{}
				partials[tc.Index] = partial
			}
			if tc.ID != "" {
				partial.id = tc.ID
			}
			if tc.Function.Name != "" {
				partial.name = tc.Function.Name
			}
			partial.arguments.WriteString(tc.Function.Arguments)
		}
		if c.FinishReason == "stop" || c.FinishReason == "tool_calls" {
			commit()
		}
	}

	// A well formed stream commits on finish_reason, but commit on close
	// too so a missing terminal chunk does not lose assembled calls.
	commit()
	out <- StreamChunk{Type: ChunkDone, Usage: usage}
	return nil
}

func assembleCalls(partials map[int]*partialCall) []protocol.ToolCall {
	if len(partials) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(partials))
	for i := range partials {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	calls := make([]protocol.ToolCall, 0, len(indexes))
	for _, i := range indexes {
		partial := partials[i]
		if partial.name == "" {
			continue
		}
		calls = append(calls, protocol.ToolCall{
			ID:        partial.id,
			Name:      partial.name,
			Arguments: partial.arguments.String(),
		})
	}
	return calls
}

func parseErrorBody(body []byte) *apiError {
	if len(body) == 0 {
		return nil
	}
	var errorResp struct {
		Error apiError `json:"error"`
	}
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error.Message != "" {
		return &errorResp.Error
	}
	return nil
}
