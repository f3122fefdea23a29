package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"tutor-server/services/voice-api/internal/infrastructure/metrics"
)

// WhisperProvider transcribes audio through the OpenAI audio API.
type WhisperProvider struct {
	client *openai.Client
	model  string
	log    zerolog.Logger
}

// NewWhisperProvider creates a Whisper-backed provider. baseURL overrides the
// API host for compatible gateways; empty uses the default.
func NewWhisperProvider(apiKey, baseURL, model string, log zerolog.Logger) *WhisperProvider {
	clientCfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		clientCfg.BaseURL = baseURL
	}
	if strings.TrimSpace(model) == "" {
		model = openai.Whisper1
	}
	return &WhisperProvider{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
		log:    log.With().Str("component", "stt-whisper").Logger(),
	}
}

func (p *WhisperProvider) Name() string { return "whisper" }

func (p *WhisperProvider) Transcribe(ctx context.Context, audio []byte, contentType, language string) (string, error) {
	start := time.Now()

	req := openai.AudioRequest{
		Model:    p.model,
		Reader:   bytes.NewReader(audio),
		FilePath: "utterance" + audioExtension(contentType),
		Language: language,
	}

	resp, err := p.client.CreateTranscription(ctx, req)
	metrics.ProviderLatency.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ProviderCallsTotal.WithLabelValues(p.Name(), "error").Inc()
		return "", fmt.Errorf("whisper transcription: %w", err)
	}

	metrics.ProviderCallsTotal.WithLabelValues(p.Name(), "ok").Inc()
	text := strings.TrimSpace(resp.Text)
	p.log.Debug().Int("audio_bytes", len(audio)).Int("transcript_chars", len(text)).Msg("transcription completed")
	return text, nil
}

func audioExtension(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "audio/ogg":
		return ".ogg"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	default:
		return ".webm"
	}
}
