package transcribe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"tutor-server/services/voice-api/internal/infrastructure/metrics"
)

// HTTPASRProvider calls a generic speech-to-text HTTP endpoint. The endpoint
// accepts the raw audio body and returns a JSON transcript. It is the
// secondary provider behind Whisper.
type HTTPASRProvider struct {
	client *resty.Client
	apiKey string
	log    zerolog.Logger
}

type asrResponse struct {
	Text string `json:"text"`
}

func NewHTTPASRProvider(baseURL, apiKey string, timeout time.Duration, log zerolog.Logger) *HTTPASRProvider {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout)
	return &HTTPASRProvider{
		client: client,
		apiKey: apiKey,
		log:    log.With().Str("component", "stt-httpasr").Logger(),
	}
}

func (p *HTTPASRProvider) Name() string { return "httpasr" }

func (p *HTTPASRProvider) Transcribe(ctx context.Context, audio []byte, contentType, language string) (string, error) {
	start := time.Now()

	var out asrResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", contentType).
		SetHeader("api-key", p.apiKey).
		SetQueryParam("language", language).
		SetBody(audio).
		SetResult(&out).
		Post("/v1/transcriptions")

	metrics.ProviderLatency.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ProviderCallsTotal.WithLabelValues(p.Name(), "error").Inc()
		return "", fmt.Errorf("asr request: %w", err)
	}
	if resp.IsError() {
		metrics.ProviderCallsTotal.WithLabelValues(p.Name(), "error").Inc()
		return "", fmt.Errorf("asr request: status %d: %s", resp.StatusCode(), resp.String())
	}

	metrics.ProviderCallsTotal.WithLabelValues(p.Name(), "ok").Inc()
	text := strings.TrimSpace(out.Text)
	p.log.Debug().Int("audio_bytes", len(audio)).Int("transcript_chars", len(text)).Msg("transcription completed")
	return text, nil
}
