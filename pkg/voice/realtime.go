package voice

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Both supported vendors speak the same realtime event protocol; they differ
// in endpoint, authentication and session fields.

var (
	// ErrMalformedEvent wraps frames that are not valid event JSON
	ErrMalformedEvent = errors.New("malformed vendor event")
	// ErrMalformedAudio wraps audio deltas that are not valid base64
	ErrMalformedAudio = errors.New("malformed vendor audio")
)

// Server event types
const (
	TypeSessionCreated              = "session.created"
	TypeSessionUpdated              = "session.updated"
	TypeSpeechStarted               = "input_audio_buffer.speech_started"
	TypeSpeechStopped               = "input_audio_buffer.speech_stopped"
	TypeResponseCreated             = "response.created"
	TypeResponseAudioDelta          = "response.audio.delta"
	TypeResponseAudioDone           = "response.audio.done"
	TypeResponseAudioTranscriptDone = "response.audio_transcript.done"
	TypeInputTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	TypeError                       = "error"
)

// Client event types
const (
	TypeSessionUpdate      = "session.update"
	TypeInputAudioAppend   = "input_audio_buffer.append"
	TypeResponseCreate     = "response.create"
	AudioFormatG711ULaw    = "g711_ulaw"
	ModalityText           = "text"
	ModalityAudio          = "audio"
	TurnDetectionServerVAD = "server_vad"
)

// serverEvent is the subset of server event fields the relay consumes
type serverEvent struct {
	Type       string       `json:"type"`
	Delta      string       `json:"delta,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	Error      *serverError `json:"error,omitempty"`
}

type serverError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// DecodeRealtime maps one realtime server frame to normalized events.
// Response boundaries are only reported when segmented is set.
func DecodeRealtime(data []byte, segmented bool) ([]Event, error) {
	var msg serverEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch msg.Type {
	case TypeSessionCreated, TypeSessionUpdated:
		return []Event{SessionReady{}}, nil

	case TypeSpeechStarted:
		return []Event{SpeechStarted{}}, nil

	case TypeSpeechStopped:
		return []Event{SpeechStopped{}}, nil

	case TypeResponseCreated:
		if segmented {
			return []Event{ResponseStarted{}}, nil
		}

	case TypeResponseAudioDelta:
		audio, err := base64.StdEncoding.DecodeString(msg.Delta)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedAudio, err)
		}
		if len(audio) == 0 {
			return nil, nil
		}
		return []Event{AudioChunk{Audio: audio}}, nil

	case TypeResponseAudioDone:
		if segmented {
			return []Event{ResponseEnded{}}, nil
		}

	case TypeResponseAudioTranscriptDone:
		return []Event{AgentTranscript{Text: msg.Transcript}}, nil

	case TypeInputTranscriptionCompleted:
		return []Event{CallerTranscript{Text: msg.Transcript}}, nil

	case TypeError:
		ve := VendorError{Message: "unknown error"}
		if msg.Error != nil {
			ve.Message = msg.Error.Message
			ve.Code = msg.Error.Code
			if ve.Code == "" {
				ve.Code = msg.Error.Type
			}
		}
		return []Event{ve}, nil
	}

	return nil, nil
}

// AudioAppend is the client event carrying caller audio
type AudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// NewAudioAppend base64-encodes companded audio into an append event
func NewAudioAppend(ulaw []byte) AudioAppend {
	return AudioAppend{
		Type:  TypeInputAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(ulaw),
	}
}

// ResponseCreate asks the vendor to produce a response now
type ResponseCreate struct {
	Type     string          `json:"type"`
	Response *ResponseParams `json:"response,omitempty"`
}

// ResponseParams are per-response overrides
type ResponseParams struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

// NewResponseCreate builds a response.create event
func NewResponseCreate(opts ResponseOptions) ResponseCreate {
	msg := ResponseCreate{Type: TypeResponseCreate}
	if opts.Instructions != "" {
		msg.Response = &ResponseParams{
			Modalities:   []string{ModalityText, ModalityAudio},
			Instructions: opts.Instructions,
		}
	}
	return msg
}

// SessionUpdate wraps a vendor-specific session payload
type SessionUpdate struct {
	Type    string `json:"type"`
	Session any    `json:"session"`
}

// NewSessionUpdate builds a session.update event
func NewSessionUpdate(session any) SessionUpdate {
	return SessionUpdate{Type: TypeSessionUpdate, Session: session}
}

// TurnDetectionParams is the wire form of TurnDetection
type TurnDetectionParams struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

// Params fills unset fields from defaults and returns the wire form.
// A nil receiver yields nil, which serializes as JSON null and disables detection.
func (t *TurnDetection) Params(defaults TurnDetection) *TurnDetectionParams {
	if t == nil {
		return nil
	}
	merged := *t
	if merged.Type == "" {
		merged.Type = defaults.Type
	}
	if merged.Threshold == 0 {
		merged.Threshold = defaults.Threshold
	}
	if merged.PrefixPadding == 0 {
		merged.PrefixPadding = defaults.PrefixPadding
	}
	if merged.SilenceDuration == 0 {
		merged.SilenceDuration = defaults.SilenceDuration
	}
	return &TurnDetectionParams{
		Type:              merged.Type,
		Threshold:         merged.Threshold,
		PrefixPaddingMs:   int(merged.PrefixPadding.Milliseconds()),
		SilenceDurationMs: int(merged.SilenceDuration.Milliseconds()),
	}
}

// TranscriptionParams enables caller speech transcription
type TranscriptionParams struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}
