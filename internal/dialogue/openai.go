package dialogue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// NewOpenAIClient builds a go-openai client. baseURL overrides the API
// endpoint for proxies and tests.
func NewOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return openai.NewClientWithConfig(cfg)
}

// OpenAIEngine generates replies with the chat completions API.
type OpenAIEngine struct {
	client *openai.Client
	model  string
	style  Style
}

func NewOpenAIEngine(client *openai.Client, model string, style Style) *OpenAIEngine {
	return &OpenAIEngine{client: client, model: model, style: style}
}

func (e *OpenAIEngine) GenerateReply(ctx context.Context, systemInstruction string, history []Turn, userMessage string) (string, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       e.model,
		Temperature: e.style.Temperature,
		MaxTokens:   e.style.MaxTokens,
		Messages:    convertTurns(systemInstruction, history, userMessage),
	})
	if err != nil {
		return "", &EngineError{Kind: classify(err), Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &EngineError{Kind: EngineEmpty, Err: errors.New("no choices")}
	}
	return resp.Choices[0].Message.Content, nil
}

func convertTurns(system string, history []Turn, userMessage string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	for _, t := range history {
		role := openai.ChatMessageRoleUser
		if t.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: t.Text})
	}
	return append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userMessage})
}

func classify(err error) string {
	if kind, ok := contextKind(err); ok {
		return kind
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return EngineAuth
		case http.StatusTooManyRequests:
			return EngineQuota
		}
		return EngineRejected
	}
	return EngineTransport
}

// OpenAITranscriber transcribes audio with the Whisper endpoint.
type OpenAITranscriber struct {
	client *openai.Client
	model  string
}

func NewOpenAITranscriber(client *openai.Client, model string) *OpenAITranscriber {
	return &OpenAITranscriber{client: client, model: model}
}

func (t *OpenAITranscriber) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if len(audio) == 0 {
		return "", &TranscriptionError{Reason: "empty audio"}
	}
	if strings.TrimSpace(filename) == "" {
		filename = "voice.webm"
	}
	tr, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.model,
		Reader:   bytes.NewReader(audio),
		FilePath: filename,
	})
	if err != nil {
		return "", &TranscriptionError{Reason: fmt.Sprintf("whisper request failed (%s)", classify(err)), Err: err}
	}
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return "", &TranscriptionError{Reason: "empty transcription"}
	}
	return text, nil
}
