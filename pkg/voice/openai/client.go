// Package openai implements voice.Client on the OpenAI Realtime API.
//
// Agent audio is treated as one continuous stream: response boundaries are
// not reported unless SegmentResponses is set, so a capture log holds a
// single output segment spanning the call.
package openai

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/silviot/phone_voice_relay_go/pkg/metrics"
	"github.com/silviot/phone_voice_relay_go/pkg/voice"
)

const (
	DefaultURL                = "wss://api.openai.com/v1/realtime"
	DefaultModel              = "gpt-realtime"
	DefaultVoice              = "coral"
	DefaultTranscriptionModel = "whisper-1"
	DefaultTemperature        = 0.8
)

// Config holds OpenAI client configuration
type Config struct {
	APIKey             string
	URL                string // defaults to DefaultURL
	Model              string // defaults to DefaultModel
	Voice              string // used when the session config names none
	TranscriptionModel string
	Temperature        float64
	SegmentResponses   bool
	ReadTimeout        time.Duration
	Metrics            *metrics.Metrics
	Logger             *slog.Logger
}

// Client is an OpenAI Realtime session
type Client struct {
	*voice.Conn
	cfg Config
}

var _ voice.Client = (*Client)(nil)

// sessionParams is the OpenAI session.update payload
type sessionParams struct {
	Modalities              []string                   `json:"modalities"`
	Instructions            string                     `json:"instructions,omitempty"`
	Voice                   string                     `json:"voice,omitempty"`
	InputAudioFormat        string                     `json:"input_audio_format"`
	OutputAudioFormat       string                     `json:"output_audio_format"`
	TurnDetection           *voice.TurnDetectionParams `json:"turn_detection"`
	Temperature             float64                    `json:"temperature,omitempty"`
	InputAudioTranscription *voice.TranscriptionParams `json:"input_audio_transcription,omitempty"`
}

// NewClient creates an undialed OpenAI client
func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = DefaultTranscriptionModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn := voice.NewConn(voice.ConnConfig{
		Vendor:      voice.VendorOpenAI,
		URL:         endpoint(cfg.URL, cfg.Model),
		Header:      header,
		Segmented:   cfg.SegmentResponses,
		ReadTimeout: cfg.ReadTimeout,
		Metrics:     cfg.Metrics,
		Logger:      cfg.Logger,
	})

	return &Client{Conn: conn, cfg: cfg}
}

func endpoint(base, model string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()
	return u.String()
}

// Connect opens the realtime websocket
func (c *Client) Connect(ctx context.Context) error {
	return c.Dial(ctx)
}

// Configure sends a full session.update for G.711 μ-law telephony audio
func (c *Client) Configure(sc voice.SessionConfig) error {
	return c.WriteJSON(voice.NewSessionUpdate(c.sessionParams(sc)))
}

func (c *Client) sessionParams(sc voice.SessionConfig) sessionParams {
	v := sc.Voice
	if v == "" {
		v = c.cfg.Voice
	}
	return sessionParams{
		Modalities:        []string{voice.ModalityText, voice.ModalityAudio},
		Instructions:      sc.Instructions,
		Voice:             v,
		InputAudioFormat:  voice.AudioFormatG711ULaw,
		OutputAudioFormat: voice.AudioFormatG711ULaw,
		TurnDetection:     sc.TurnDetection.Params(voice.TurnDetection{Type: voice.TurnDetectionServerVAD}),
		Temperature:       c.cfg.Temperature,
		InputAudioTranscription: &voice.TranscriptionParams{
			Model: c.cfg.TranscriptionModel,
		},
	}
}
