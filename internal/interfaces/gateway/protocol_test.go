package gateway

import (
	"encoding/base64"
	"testing"
)

func TestParseClientMessage(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		want    string
	}{
		{"join", `{"type":"join"}`, false, MsgJoin},
		{"join with session", `{"type":"join","session_id":"s1","settings":{"language":"fr","tts_enabled":true}}`, false, MsgJoin},
		{"stop recording", `{"type":"stop-recording","audio":"YQ==","metadata":{"content_type":"audio/ogg"}}`, false, MsgStopRecording},
		{"text message", `{"type":"text-message","text":"hola"}`, false, MsgTextMessage},
		{"unknown type", `{"type":"self-destruct"}`, true, ""},
		{"missing type", `{"text":"hi"}`, true, ""},
		{"not json", `start please`, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseClientMessage([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && msg.Type != tt.want {
				t.Errorf("type = %q, want %q", msg.Type, tt.want)
			}
		})
	}
}

func TestClientMessage_DecodeAudio(t *testing.T) {
	raw := []byte("some recorded audio")
	msg := ClientMessage{Audio: base64.StdEncoding.EncodeToString(raw)}
	got, err := msg.DecodeAudio()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(got) != string(raw) {
		t.Errorf("decoded = %q, want %q", got, raw)
	}

	if _, err := (ClientMessage{}).DecodeAudio(); err == nil {
		t.Error("expected error for missing audio")
	}
	if _, err := (ClientMessage{Audio: "!!not-base64!!"}).DecodeAudio(); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := (ClientMessage{Audio: ""}).DecodeAudio(); err == nil {
		t.Error("expected error for empty audio")
	}
}

func TestClientMessage_ContentType(t *testing.T) {
	if got := (ClientMessage{}).ContentType(); got != "audio/webm" {
		t.Errorf("default content type = %q, want audio/webm", got)
	}
	msg := ClientMessage{Metadata: &AudioMetadata{ContentType: "audio/ogg"}}
	if got := msg.ContentType(); got != "audio/ogg" {
		t.Errorf("content type = %q, want audio/ogg", got)
	}
}
