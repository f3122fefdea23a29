package respond

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"tutor-server/services/voice-api/internal/domain/resilience"
	"tutor-server/services/voice-api/internal/infrastructure/metrics"
)

const tutorSystemPrompt = `You are a friendly, patient language tutor in a live voice conversation.
Keep replies short and conversational, two or three sentences at most, since they
will be spoken aloud. Gently correct mistakes, answer in the learner's target
language, and ask a follow-up question to keep the conversation moving.`

// Reply is a tutor response generated for one learner utterance.
type Reply struct {
	Text      string `json:"text"`
	MessageID string `json:"message_id"`
}

// Responder produces the tutor's answer to a transcript.
type Responder interface {
	Respond(ctx context.Context, transcript, language, conversationID string) (Reply, error)
}

// OpenAIResponder generates replies through the chat completions API, behind
// a circuit breaker shared with the rest of the provider layer.
type OpenAIResponder struct {
	client  *openai.Client
	model   string
	breaker *resilience.Breaker
	log     zerolog.Logger
}

func NewOpenAIResponder(apiKey, baseURL, model string, breakerCfg resilience.BreakerConfig, log zerolog.Logger) *OpenAIResponder {
	clientCfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		clientCfg.BaseURL = baseURL
	}
	if strings.TrimSpace(model) == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIResponder{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   model,
		breaker: resilience.NewBreaker("llm", breakerCfg, log),
		log:     log.With().Str("component", "responder").Logger(),
	}
}

func (r *OpenAIResponder) Respond(ctx context.Context, transcript, language, conversationID string) (Reply, error) {
	var reply Reply
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		start := time.Now()

		req := openai.ChatCompletionRequest{
			Model: r.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: tutorSystemPrompt},
				{Role: openai.ChatMessageRoleSystem, Content: "The learner's target language is: " + language},
				{Role: openai.ChatMessageRoleUser, Content: transcript},
			},
			User: conversationID,
		}

		resp, err := r.client.CreateChatCompletion(ctx, req)
		metrics.ProviderLatency.WithLabelValues("llm").Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ProviderCallsTotal.WithLabelValues("llm", "error").Inc()
			return fmt.Errorf("chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			metrics.ProviderCallsTotal.WithLabelValues("llm", "error").Inc()
			return fmt.Errorf("chat completion: empty choices")
		}

		metrics.ProviderCallsTotal.WithLabelValues("llm", "ok").Inc()
		reply = Reply{
			Text:      strings.TrimSpace(resp.Choices[0].Message.Content),
			MessageID: uuid.NewString(),
		}
		return nil
	})
	if err != nil {
		return Reply{}, err
	}
	r.log.Debug().Str("conversation_id", conversationID).Int("reply_chars", len(reply.Text)).Msg("reply generated")
	return reply, nil
}

// BreakerSnapshot exposes the LLM breaker state for the stats endpoint.
func (r *OpenAIResponder) BreakerSnapshot() resilience.Snapshot {
	return r.breaker.Snapshot()
}
