package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = params
	return m.resp, m.err
}

func chatCompletionWith(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func TestGenerateWithMessages_Success(t *testing.T) {
	mock := &mockChatService{resp: chatCompletionWith("take a slow breath")}
	client := &Client{chat: mock, model: "test-model", temperature: 0.2, maxCompletionTokens: 100}
	out, err := client.GenerateWithMessages(context.Background(), []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage("system"),
		openai.UserMessage("hi"),
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "take a slow breath" {
		t.Errorf("unexpected content: %q", out)
	}
	if len(mock.params.Messages) != 2 {
		t.Errorf("expected 2 messages forwarded, got %d", len(mock.params.Messages))
	}
}

func TestGenerateWithMessages_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}, model: "test-model"}
	_, err := client.GenerateWithMessages(context.Background(), []openai.ChatCompletionMessageParamUnion{openai.UserMessage("hi")})
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGenerateWithMessages_NoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: openai.ChatCompletion{}}, model: "test-model"}
	_, err := client.GenerateWithMessages(context.Background(), []openai.ChatCompletionMessageParamUnion{openai.UserMessage("hi")})
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected ErrNoChoicesReturned, got %v", err)
	}
}

func TestClassifyJSON_Success(t *testing.T) {
	mock := &mockChatService{resp: chatCompletionWith(`{"risk_tier": "safe", "confidence": 0.92}`)}
	client := &Client{chat: mock, model: "test-model"}
	var out struct {
		RiskTier   string  `json:"risk_tier"`
		Confidence float64 `json:"confidence"`
	}
	if err := client.ClassifyJSON(context.Background(), "sys", "usr", &out); err != nil {
		t.Fatalf("ClassifyJSON: %v", err)
	}
	if out.RiskTier != "safe" || out.Confidence != 0.92 {
		t.Errorf("unexpected parse result: %+v", out)
	}
}

func TestClassifyJSON_CodeFences(t *testing.T) {
	mock := &mockChatService{resp: chatCompletionWith("```json\n{\"risk_tier\": \"crisis\"}\n```")}
	client := &Client{chat: mock, model: "test-model"}
	var out struct {
		RiskTier string `json:"risk_tier"`
	}
	if err := client.ClassifyJSON(context.Background(), "sys", "usr", &out); err != nil {
		t.Fatalf("ClassifyJSON: %v", err)
	}
	if out.RiskTier != "crisis" {
		t.Errorf("expected crisis, got %q", out.RiskTier)
	}
}

func TestClassifyJSON_InvalidJSON(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: chatCompletionWith("not json at all")}, model: "test-model"}
	var out map[string]any
	if err := client.ClassifyJSON(context.Background(), "sys", "usr", &out); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("test-model"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli == nil {
		t.Error("expected client instance, got nil")
	}
}
