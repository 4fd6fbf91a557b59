package openai

import (
	"context"
	"encoding/base64"
	"net/url"
	"testing"
	"time"

	"github.com/silviot/phone_voice_relay_go/pkg/voice"
	"github.com/silviot/phone_voice_relay_go/pkg/voice/voicetest"
)

func connect(t *testing.T, cfg Config) (*Client, *voicetest.Server) {
	t.Helper()
	mock := voicetest.NewServer()
	cfg.URL = mock.URL()
	if cfg.APIKey == "" {
		cfg.APIKey = "sk-test"
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

func TestConnectHeadersAndModel(t *testing.T) {
	client, mock := connect(t, Config{APIKey: "sk-123", Model: "gpt-realtime-mini"})
	defer mock.Close()
	defer client.Close()

	req := mock.Request()
	if got := req.Header.Get("Authorization"); got != "Bearer sk-123" {
		t.Errorf("Authorization = %q", got)
	}
	if got := req.Header.Get("OpenAI-Beta"); got != "realtime=v1" {
		t.Errorf("OpenAI-Beta = %q", got)
	}
	if got := req.URL.Query().Get("model"); got != "gpt-realtime-mini" {
		t.Errorf("model query = %q", got)
	}
	if client.Vendor() != voice.VendorOpenAI {
		t.Errorf("Vendor = %q", client.Vendor())
	}
}

func TestEndpointKeepsExistingQuery(t *testing.T) {
	got := endpoint("wss://proxy.example.com/v1/realtime?tenant=a", "gpt-realtime")
	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("invalid URL %q: %v", got, err)
	}
	if u.Query().Get("tenant") != "a" || u.Query().Get("model") != "gpt-realtime" {
		t.Errorf("unexpected endpoint %q", got)
	}
}

func TestConfigureSessionUpdate(t *testing.T) {
	client, mock := connect(t, Config{})
	defer mock.Close()
	defer client.Close()

	err := client.Configure(voice.SessionConfig{
		Instructions:  "You are a receptionist.",
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

	if session["input_audio_format"] != "g711_ulaw" || session["output_audio_format"] != "g711_ulaw" {
		t.Errorf("audio formats = %v/%v", session["input_audio_format"], session["output_audio_format"])
	}
	if session["voice"] != DefaultVoice {
		t.Errorf("voice = %v, want %s", session["voice"], DefaultVoice)
	}
	if session["instructions"] != "You are a receptionist." {
		t.Errorf("instructions = %v", session["instructions"])
	}
	if session["temperature"] != DefaultTemperature {
		t.Errorf("temperature = %v", session["temperature"])
	}
	td := session["turn_detection"].(map[string]any)
	if td["type"] != "server_vad" {
		t.Errorf("turn_detection.type = %v", td["type"])
	}
	tr := session["input_audio_transcription"].(map[string]any)
	if tr["model"] != "whisper-1" {
		t.Errorf("transcription model = %v", tr["model"])
	}
}

func TestConfigureDisablesTurnDetection(t *testing.T) {
	client, mock := connect(t, Config{})
	defer mock.Close()
	defer client.Close()

	if err := client.Configure(voice.SessionConfig{Voice: "alloy"}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	msg, ok := mock.WaitFor(voice.TypeSessionUpdate, 2*time.Second)
	if !ok {
		t.Fatal("session.update never arrived")
	}
	session := msg["session"].(map[string]any)
	if td, present := session["turn_detection"]; !present || td != nil {
		t.Errorf("turn_detection = %v (present=%v), want explicit null", td, present)
	}
	if session["voice"] != "alloy" {
		t.Errorf("voice = %v, want alloy", session["voice"])
	}
}

func TestGreetingResponseCreate(t *testing.T) {
	client, mock := connect(t, Config{})
	defer mock.Close()
	defer client.Close()

	if err := client.RequestResponse(voice.ResponseOptions{Instructions: "Say this greeting: Hello"}); err != nil {
		t.Fatalf("RequestResponse failed: %v", err)
	}

	msg, ok := mock.WaitFor(voice.TypeResponseCreate, 2*time.Second)
	if !ok {
		t.Fatal("response.create never arrived")
	}
	resp := msg["response"].(map[string]any)
	if resp["instructions"] != "Say this greeting: Hello" {
		t.Errorf("instructions = %v", resp["instructions"])
	}
}

func TestContinuousModeHasNoSegments(t *testing.T) {
	client, mock := connect(t, Config{})
	defer mock.Close()
	defer client.Close()

	audio := base64.StdEncoding.EncodeToString([]byte{0x55, 0x55})
	mock.Send(map[string]any{"type": "response.created"})
	mock.Send(map[string]any{"type": "response.audio.delta", "delta": audio})
	mock.Send(map[string]any{"type": "response.audio.done"})
	mock.Send(map[string]any{"type": "response.audio_transcript.done", "transcript": "Hi"})

	var got []voice.Event
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-client.Events():
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out, got %#v", got)
		}
	}

	if _, ok := got[0].(voice.AudioChunk); !ok {
		t.Errorf("first event = %#v, want AudioChunk", got[0])
	}
	if tr, ok := got[1].(voice.AgentTranscript); !ok || tr.Text != "Hi" {
		t.Errorf("second event = %#v, want AgentTranscript", got[1])
	}
}

func TestSegmentResponsesOption(t *testing.T) {
	client, mock := connect(t, Config{SegmentResponses: true})
	defer mock.Close()
	defer client.Close()

	mock.Send(map[string]any{"type": "response.created"})

	select {
	case ev := <-client.Events():
		if _, ok := ev.(voice.ResponseStarted); !ok {
			t.Errorf("event = %#v, want ResponseStarted", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ResponseStarted")
	}
}
