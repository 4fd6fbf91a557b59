// Package azure implements voice.Client on Azure Voice Live.
//
// Voice Live brackets each agent reply with response.created and
// response.audio.done, which are reported as ResponseStarted and
// ResponseEnded so a capture log gets one output segment per reply.
package azure

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/silviot/phone_voice_relay_go/pkg/metrics"
	"github.com/silviot/phone_voice_relay_go/pkg/voice"
)

const (
	DefaultAPIVersion            = "2025-05-01-preview"
	DefaultTranscriptionModel    = "azure-speech"
	DefaultTranscriptionLanguage = "en-US"
	TurnDetectionSemanticVADEn   = "azure_semantic_vad_en"

	realtimePath = "/voice-live/realtime"
)

// DefaultTurnDetection is applied to fields a session config leaves unset
var DefaultTurnDetection = voice.TurnDetection{
	Type:            TurnDetectionSemanticVADEn,
	Threshold:       0.5,
	PrefixPadding:   200 * time.Millisecond,
	SilenceDuration: 350 * time.Millisecond,
}

// standardVoicePattern matches locale-prefixed Azure voice names such as en-US-AvaNeural
var standardVoicePattern = regexp.MustCompile(`^[a-z]{2,3}-[A-Z]{2}-`)

// Config holds Azure Voice Live client configuration
type Config struct {
	APIKey                string
	Endpoint              string // https://<resource>.services.ai.azure.com or a ws(s) URL
	Model                 string
	APIVersion            string
	Voice                 string
	TranscriptionModel    string
	TranscriptionLanguage string
	ReadTimeout           time.Duration
	Metrics               *metrics.Metrics
	Logger                *slog.Logger
}

// Client is an Azure Voice Live session
type Client struct {
	*voice.Conn
	cfg Config
}

var _ voice.Client = (*Client)(nil)

// standardVoice is an Azure neural voice reference
type standardVoice struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// sessionParams is the Voice Live session.update payload
type sessionParams struct {
	Modalities              []string                   `json:"modalities"`
	Instructions            string                     `json:"instructions,omitempty"`
	Voice                   any                        `json:"voice,omitempty"`
	InputAudioFormat        string                     `json:"input_audio_format"`
	OutputAudioFormat       string                     `json:"output_audio_format"`
	TurnDetection           *voice.TurnDetectionParams `json:"turn_detection"`
	InputAudioTranscription *voice.TranscriptionParams `json:"input_audio_transcription,omitempty"`
}

// NewClient creates an undialed Voice Live client
func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = DefaultTranscriptionModel
	}
	if cfg.TranscriptionLanguage == "" {
		cfg.TranscriptionLanguage = DefaultTranscriptionLanguage
	}

	header := http.Header{}
	header.Set("api-key", cfg.APIKey)

	conn := voice.NewConn(voice.ConnConfig{
		Vendor:      voice.VendorAzure,
		URL:         Endpoint(cfg.Endpoint, cfg.APIVersion, cfg.Model),
		Header:      header,
		Segmented:   true,
		ReadTimeout: cfg.ReadTimeout,
		Metrics:     cfg.Metrics,
		Logger:      cfg.Logger,
	})

	return &Client{Conn: conn, cfg: cfg}
}

// Endpoint derives the realtime websocket URL from a resource endpoint
func Endpoint(endpoint, apiVersion, model string) string {
	raw := strings.TrimRight(endpoint, "/")
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return endpoint
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	if !strings.HasSuffix(u.Path, realtimePath) {
		u.Path += realtimePath
	}
	q := u.Query()
	q.Set("api-version", apiVersion)
	if model != "" {
		q.Set("model", model)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Connect opens the Voice Live websocket
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.Endpoint == "" {
		return fmt.Errorf("azure: endpoint not configured")
	}
	return c.Dial(ctx)
}

// Configure sends a full session.update for G.711 μ-law telephony audio
func (c *Client) Configure(sc voice.SessionConfig) error {
	return c.WriteJSON(voice.NewSessionUpdate(c.sessionParams(sc)))
}

func (c *Client) sessionParams(sc voice.SessionConfig) sessionParams {
	name := sc.Voice
	if name == "" {
		name = c.cfg.Voice
	}
	return sessionParams{
		Modalities:        []string{voice.ModalityText, voice.ModalityAudio},
		Instructions:      sc.Instructions,
		Voice:             voiceParam(name),
		InputAudioFormat:  voice.AudioFormatG711ULaw,
		OutputAudioFormat: voice.AudioFormatG711ULaw,
		TurnDetection:     sc.TurnDetection.Params(DefaultTurnDetection),
		InputAudioTranscription: &voice.TranscriptionParams{
			Model:    c.cfg.TranscriptionModel,
			Language: c.cfg.TranscriptionLanguage,
		},
	}
}

// voiceParam returns an Azure standard voice for locale-prefixed or
// custom (colon-qualified) names, and the plain name otherwise.
func voiceParam(name string) any {
	if name == "" {
		return nil
	}
	if standardVoicePattern.MatchString(name) || strings.Contains(name, ":") {
		return standardVoice{Name: name, Type: "azure-standard"}
	}
	return name
}
