package session

import (
	"fmt"
	"log/slog"

	"github.com/silviot/phone_voice_relay_go/pkg/config"
	"github.com/silviot/phone_voice_relay_go/pkg/metrics"
	"github.com/silviot/phone_voice_relay_go/pkg/voice"
	"github.com/silviot/phone_voice_relay_go/pkg/voice/azure"
	"github.com/silviot/phone_voice_relay_go/pkg/voice/openai"
)

// NewVoiceFactory selects the vendor implementation once from configuration
func NewVoiceFactory(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (VoiceFactory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	readTimeout := cfg.Server.ReadTimeout

	switch cfg.Vendor {
	case voice.VendorOpenAI:
		oc := cfg.OpenAI
		return func() (voice.Client, error) {
			return openai.NewClient(openai.Config{
				APIKey:             oc.APIKey,
				URL:                oc.URL,
				Model:              oc.Model,
				Voice:              oc.Voice,
				TranscriptionModel: oc.TranscriptionModel,
				Temperature:        oc.Temperature,
				SegmentResponses:   oc.SegmentResponses,
				ReadTimeout:        readTimeout,
				Metrics:            m,
				Logger:             logger,
			}), nil
		}, nil

	case voice.VendorAzure:
		ac := cfg.Azure
		return func() (voice.Client, error) {
			return azure.NewClient(azure.Config{
				APIKey:                ac.APIKey,
				Endpoint:              ac.Endpoint,
				Model:                 ac.Model,
				APIVersion:            ac.APIVersion,
				Voice:                 ac.Voice,
				TranscriptionModel:    ac.TranscriptionModel,
				TranscriptionLanguage: ac.TranscriptionLanguage,
				ReadTimeout:           readTimeout,
				Metrics:               m,
				Logger:                logger,
			}), nil
		}, nil
	}

	return nil, fmt.Errorf("unknown voice vendor: %q", cfg.Vendor)
}

// SessionConfig builds the per-call vendor session configuration. Turn
// detection is left to the vendor default.
func SessionConfig(cfg *config.Config) (voice.SessionConfig, error) {
	instructions, err := cfg.Call.SystemInstructions()
	if err != nil {
		return voice.SessionConfig{}, err
	}

	sc := voice.SessionConfig{
		Instructions:  instructions,
		TurnDetection: &voice.TurnDetection{},
	}
	switch cfg.Vendor {
	case voice.VendorOpenAI:
		sc.Voice = cfg.OpenAI.Voice
	case voice.VendorAzure:
		sc.Voice = cfg.Azure.Voice
	}
	return sc, nil
}
