package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/companion-labs/gateway/core/protocol"
	"github.com/companion-labs/gateway/datasource"
	"github.com/companion-labs/gateway/history"
)

// CompletionClient is a Completer over an OpenAI-compatible chat-completions
// endpoint. Replies are requested as JSON objects so they decode straight
// into a Completion.
type CompletionClient struct {
	url      string
	model    string
	apiKey   string
	http     datasource.HTTPDoer
	recorder history.Recorder
	now      func() time.Time
}

// CompletionOption configures a CompletionClient.
type CompletionOption func(*CompletionClient)

// WithCompletionHTTPClient overrides the default HTTP client.
func WithCompletionHTTPClient(doer datasource.HTTPDoer) CompletionOption {
	return func(c *CompletionClient) { c.http = doer }
}

// WithCompletionRecorder sets the audit recorder.
func WithCompletionRecorder(r history.Recorder) CompletionOption {
	return func(c *CompletionClient) { c.recorder = r }
}

// NewCompletionClient creates a client for the given endpoint and model.
func NewCompletionClient(url, model, apiKey string, opts ...CompletionOption) *CompletionClient {
	c := &CompletionClient{
		url:      url,
		model:    model,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 60 * time.Second},
		recorder: history.NoOpRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type completionRequest struct {
	Model          string              `json:"model"`
	Messages       []completionMessage `json:"messages"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends the conversation to the model and decodes its JSON reply.
func (c *CompletionClient) Complete(ctx context.Context, turns []protocol.Turn) (Completion, error) {
	started := c.now()

	request := completionRequest{Model: c.model}
	request.ResponseFormat.Type = "json_object"
	for _, turn := range turns {
		request.Messages = append(request.Messages, completionMessage{
			Role:    string(turn.Role),
			Content: turn.Content,
		})
	}
	encoded, err := json.Marshal(request)
	if err != nil {
		return Completion{}, fmt.Errorf("encode completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(encoded))
	if err != nil {
		return Completion{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return Completion{}, fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Completion{}, fmt.Errorf("read completion response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Completion{}, fmt.Errorf("completion request: status %d: %s", resp.StatusCode, body)
	}

	var decoded completionResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Completion{}, fmt.Errorf("decode completion response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return Completion{}, fmt.Errorf("completion response has no choices")
	}
	content := decoded.Choices[0].Message.Content

	var completion Completion
	if err := json.Unmarshal([]byte(content), &completion); err != nil {
		return Completion{}, fmt.Errorf("model reply is not the expected JSON object: %w", err)
	}
	completion.Raw = content

	c.recorder.Record(history.Record{
		Channel:   history.ChannelCompletion,
		Outbound:  c.model,
		Inbound:   fmt.Sprintf("%d turns", len(turns)),
		StartedAt: started,
	})
	return completion, nil
}
