package llm

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Conversation statuses.
const (
	ConversationStatusSuccess = "success"
	ConversationStatusError   = "error"
)

// Conversation is one recorded request/response exchange with a provider.
type Conversation struct {
	ID               uuid.UUID      `json:"id"`
	AnalysisID       string         `json:"analysis_id,omitempty"`
	Context          map[string]any `json:"context,omitempty"`
	Endpoint         string         `json:"endpoint"`
	Model            string         `json:"model"`
	SystemMessage    string         `json:"system_message"`
	Prompt           string         `json:"prompt"`
	Temperature      float64        `json:"temperature"`
	ResponseContent  string         `json:"response_content,omitempty"`
	PromptTokens     int            `json:"prompt_tokens,omitempty"`
	CompletionTokens int            `json:"completion_tokens,omitempty"`
	TotalTokens      int            `json:"total_tokens,omitempty"`
	DurationMs       int            `json:"duration_ms"`
	Status           string         `json:"status"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// RecordingClient wraps an LLMClient and hands every exchange to a recorder.
type RecordingClient struct {
	inner    LLMClient
	recorder ConversationRecorder
}

// NewRecordingClient creates a new recording wrapper around an LLMClient.
func NewRecordingClient(inner LLMClient, recorder ConversationRecorder) *RecordingClient {
	return &RecordingClient{
		inner:    inner,
		recorder: recorder,
	}
}

// GenerateResponse calls the inner client and records the conversation.
// Recording is best-effort and never changes the result.
func (c *RecordingClient) GenerateResponse(
	ctx context.Context,
	prompt string,
	systemMessage string,
	temperature float64,
) (*GenerateResponseResult, error) {
	conv := &Conversation{
		ID:            uuid.New(),
		AnalysisID:    AnalysisIDFromContext(ctx),
		Context:       GetContext(ctx),
		Endpoint:      c.inner.GetEndpoint(),
		Model:         c.inner.GetModel(),
		SystemMessage: systemMessage,
		Prompt:        prompt,
		Temperature:   temperature,
		CreatedAt:     time.Now().UTC(),
	}

	start := time.Now()
	result, err := c.inner.GenerateResponse(ctx, prompt, systemMessage, temperature)
	conv.DurationMs = int(time.Since(start).Milliseconds())

	if err != nil {
		conv.Status = ConversationStatusError
		conv.ErrorMessage = err.Error()
	} else {
		conv.Status = ConversationStatusSuccess
		if result != nil {
			result.ConversationID = conv.ID
			conv.ResponseContent = result.Content
			conv.PromptTokens = result.PromptTokens
			conv.CompletionTokens = result.CompletionTokens
			conv.TotalTokens = result.TotalTokens
		}
	}

	c.recorder.Record(conv)

	return result, err
}

// GetModel returns the inner client's model.
func (c *RecordingClient) GetModel() string {
	return c.inner.GetModel()
}

// GetEndpoint returns the inner client's endpoint.
func (c *RecordingClient) GetEndpoint() string {
	return c.inner.GetEndpoint()
}

var _ LLMClient = (*RecordingClient)(nil)
