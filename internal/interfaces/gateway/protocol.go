package gateway

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"tutor-server/services/voice-api/internal/domain/session"
)

// Client-to-server message types.
const (
	MsgJoin           = "join"
	MsgStartRecording = "start-recording"
	MsgStopRecording  = "stop-recording"
	MsgTextMessage    = "text-message"
	MsgTTSComplete    = "tts-complete"
	MsgLeave          = "leave"
	MsgEnd            = "end"
)

// AudioMetadata describes the blob sent with stop-recording.
type AudioMetadata struct {
	ContentType      string `json:"content_type,omitempty"`
	DurationMs       int64  `json:"duration_ms,omitempty"`
	UtteranceStartMs int64  `json:"utterance_start_ms,omitempty"`
}

// ClientMessage is the envelope for everything a client sends over the
// websocket. Audio travels base64-encoded in the Audio field.
type ClientMessage struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id,omitempty"`
	Settings  *session.Settings `json:"settings,omitempty"`
	Audio     string            `json:"audio,omitempty"`
	Metadata  *AudioMetadata    `json:"metadata,omitempty"`
	Text      string            `json:"text,omitempty"`
}

var clientMessageTypes = map[string]bool{
	MsgJoin:           true,
	MsgStartRecording: true,
	MsgStopRecording:  true,
	MsgTextMessage:    true,
	MsgTTSComplete:    true,
	MsgLeave:          true,
	MsgEnd:            true,
}

// ParseClientMessage decodes and validates one inbound frame.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("malformed message: %w", err)
	}
	if !clientMessageTypes[msg.Type] {
		return ClientMessage{}, fmt.Errorf("unknown message type: %q", msg.Type)
	}
	return msg, nil
}

// DecodeAudio returns the raw audio bytes from a stop-recording message.
func (m ClientMessage) DecodeAudio() ([]byte, error) {
	if strings.TrimSpace(m.Audio) == "" {
		return nil, fmt.Errorf("missing audio payload")
	}
	data, err := base64.StdEncoding.DecodeString(m.Audio)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty audio payload")
	}
	return data, nil
}

// ContentType returns the declared audio content type, defaulting to webm.
func (m ClientMessage) ContentType() string {
	if m.Metadata != nil && m.Metadata.ContentType != "" {
		return m.Metadata.ContentType
	}
	return "audio/webm"
}
