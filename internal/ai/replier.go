package ai

import (
	"context"
	"fmt"
	"strings"

	"supportchat/internal/model"
)

const (
	defaultSystemPrompt = "You are a concise and helpful customer support assistant."
	emptyReplyText      = "Sorry, I could not come up with an answer. An agent will follow up."
	defaultStaticReply  = "Thanks for reaching out. An agent will be with you shortly."
)

// Replier produces the bot answer to query given the earlier turns of the
// session, oldest first.
type Replier interface {
	Reply(ctx context.Context, sessionID string, history []model.Message, query string) (string, error)
}

type LLMReplier struct {
	client       *OpenAICompatibleClient
	cfg          ChatConfig
	systemPrompt string
}

func NewLLMReplier(client *OpenAICompatibleClient, cfg ChatConfig, systemPrompt string) (*LLMReplier, error) {
	if !cfg.Valid() {
		return nil, fmt.Errorf("llm config requires base_url, api_key and model")
	}
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = defaultSystemPrompt
	}
	return &LLMReplier{client: client, cfg: cfg, systemPrompt: systemPrompt}, nil
}

func (r *LLMReplier) Reply(ctx context.Context, sessionID string, history []model.Message, query string) (string, error) {
	answer, err := r.client.Complete(ctx, r.cfg, CompletionRequest{
		Messages: BuildPrompt(r.systemPrompt, history, query),
		User:     sessionID,
	})
	if err != nil {
		return "", err
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		answer = emptyReplyText
	}
	return answer, nil
}

// BuildPrompt maps stored turns onto chat completion roles. Agent turns are
// presented as assistant turns.
func BuildPrompt(systemPrompt string, history []model.Message, query string) []ChatMessage {
	messages := make([]ChatMessage, 0, len(history)+2)
	messages = append(messages, ChatMessage{Role: "system", Content: systemPrompt})
	for _, m := range history {
		role := "user"
		if m.Role == model.RoleBot || m.Role == model.RoleAgent {
			role = "assistant"
		}
		messages = append(messages, ChatMessage{Role: role, Content: m.Content})
	}
	messages = append(messages, ChatMessage{Role: "user", Content: strings.TrimSpace(query)})
	return messages
}

// StaticReplier answers every query with the same text. It backs deployments
// without a model endpoint.
type StaticReplier struct {
	Text string
}

func (r StaticReplier) Reply(context.Context, string, []model.Message, string) (string, error) {
	if r.Text == "" {
		return defaultStaticReply, nil
	}
	return r.Text, nil
}
