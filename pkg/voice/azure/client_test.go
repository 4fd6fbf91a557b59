package azure

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/silviot/phone_voice_relay_go/pkg/voice"
	"github.com/silviot/phone_voice_relay_go/pkg/voice/voicetest"
)

func TestEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		want     string
	}{
		{
			name:     "https resource",
			endpoint: "https://res.services.ai.azure.com/",
			want:     "wss://res.services.ai.azure.com/voice-live/realtime?api-version=v1&model=gpt-4o",
		},
		{
			name:     "bare host",
			endpoint: "res.cognitiveservices.azure.com",
			want:     "wss://res.cognitiveservices.azure.com/voice-live/realtime?api-version=v1&model=gpt-4o",
		},
		{
			name:     "plain http test server",
			endpoint: "http://127.0.0.1:8080",
			want:     "ws://127.0.0.1:8080/voice-live/realtime?api-version=v1&model=gpt-4o",
		},
		{
			name:     "full path kept",
			endpoint: "wss://res.services.ai.azure.com/voice-live/realtime",
			want:     "wss://res.services.ai.azure.com/voice-live/realtime?api-version=v1&model=gpt-4o",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Endpoint(tt.endpoint, "v1", "gpt-4o"); got != tt.want {
				t.Errorf("Endpoint() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestVoiceParam(t *testing.T) {
	tests := []struct {
		name     string
		voice    string
		wantJSON string
	}{
		{name: "us neural", voice: "en-US-AvaNeural", wantJSON: `{"name":"en-US-AvaNeural","type":"azure-standard"}`},
		{name: "canadian neural", voice: "en-CA-ClaraNeural", wantJSON: `{"name":"en-CA-ClaraNeural","type":"azure-standard"}`},
		{name: "other locale", voice: "fr-FR-DeniseNeural", wantJSON: `{"name":"fr-FR-DeniseNeural","type":"azure-standard"}`},
		{name: "custom with colon", voice: "en-US-Ava:DragonHDLatestNeural", wantJSON: `{"name":"en-US-Ava:DragonHDLatestNeural","type":"azure-standard"}`},
		{name: "openai style name", voice: "alloy", wantJSON: `"alloy"`},
		{name: "empty", voice: "", wantJSON: `null`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(voiceParam(tt.voice))
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if string(raw) != tt.wantJSON {
				t.Errorf("voiceParam(%q) = %s, want %s", tt.voice, raw, tt.wantJSON)
			}
		})
	}
}

func connect(t *testing.T, cfg Config) (*Client, *voicetest.Server) {
	t.Helper()
	mock := voicetest.NewServer()
	cfg.Endpoint = mock.HTTPURL()
	if cfg.APIKey == "" {
		cfg.APIKey = "azure-key"
	}
	client := NewClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		mock.Close()
		t.Fatalf("Connect failed: %v", err)
	}
	if !mock.WaitConnected(2 * time.Second) {
		t.Fatal("mock never saw the connection")
	}
	return client, mock
}

func TestConnectHeaders(t *testing.T) {
	client, mock := connect(t, Config{APIKey: "secret", Model: "gpt-4o-realtime"})
	defer mock.Close()
	defer client.Close()

	req := mock.Request()
	if got := req.Header.Get("api-key"); got != "secret" {
		t.Errorf("api-key = %q", got)
	}
	if req.URL.Path != "/voice-live/realtime" {
		t.Errorf("path = %q", req.URL.Path)
	}
	if got := req.URL.Query().Get("api-version"); got != DefaultAPIVersion {
		t.Errorf("api-version = %q", got)
	}
	if got := req.URL.Query().Get("model"); got != "gpt-4o-realtime" {
		t.Errorf("model = %q", got)
	}
}

func TestConnectWithoutEndpoint(t *testing.T) {
	client := NewClient(Config{APIKey: "k"})
	defer client.Close()

	if err := client.Connect(context.Background()); err == nil {
		t.Error("expected error without endpoint")
	}
}

func TestConfigureDefaults(t *testing.T) {
	client, mock := connect(t, Config{Voice: "en-US-AvaNeural"})
	defer mock.Close()
	defer client.Close()

	err := client.Configure(voice.SessionConfig{
		Instructions:  "Book an appointment.",
		TurnDetection: &voice.TurnDetection{},
	})
	if err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	msg, ok := mock.WaitFor(voice.TypeSessionUpdate, 2*time.Second)
	if !ok {
		t.Fatal("session.update never arrived")
	}
	session := msg["session"].(map[string]any)

	td := session["turn_detection"].(map[string]any)
	if td["type"] != TurnDetectionSemanticVADEn {
		t.Errorf("turn_detection.type = %v", td["type"])
	}
	if td["threshold"] != 0.5 || td["prefix_padding_ms"] != float64(200) || td["silence_duration_ms"] != float64(350) {
		t.Errorf("unexpected turn detection: %v", td)
	}

	v := session["voice"].(map[string]any)
	if v["name"] != "en-US-AvaNeural" || v["type"] != "azure-standard" {
		t.Errorf("voice = %v", v)
	}

	tr := session["input_audio_transcription"].(map[string]any)
	if tr["model"] != "azure-speech" || tr["language"] != "en-US" {
		t.Errorf("transcription = %v", tr)
	}
}

func TestSegmentEvents(t *testing.T) {
	client, mock := connect(t, Config{})
	defer mock.Close()
	defer client.Close()

	mock.Send(map[string]any{"type": "response.created"})
	mock.Send(map[string]any{"type": "response.audio.done"})
	mock.Send(map[string]any{"type": "error", "error": map[string]any{"message": "quota exceeded", "code": "429"}})

	want := []string{"response.started", "response.ended", "error"}
	for i, w := range want {
		select {
		case ev := <-client.Events():
			if ev.EventType() != w {
				t.Errorf("event %d = %s, want %s", i, ev.EventType(), w)
			}
			if ve, ok := ev.(voice.VendorError); ok && ve.Message != "quota exceeded" {
				t.Errorf("vendor error message = %q", ve.Message)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", w)
		}
	}
}
