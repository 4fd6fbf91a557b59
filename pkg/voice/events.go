package voice

// Event is the normalized union of everything a voice vendor can report.
// The set is closed: only types in this file implement it.
type Event interface {
	// EventType returns a stable name used in logs and metrics.
	EventType() string
	isEvent()
}

// SessionReady is emitted when the vendor accepted (or re-accepted) the session configuration.
type SessionReady struct{}

func (SessionReady) EventType() string { return "session.ready" }
func (SessionReady) isEvent()          {}

// SpeechStarted is emitted when the vendor detects the caller started talking.
type SpeechStarted struct{}

func (SpeechStarted) EventType() string { return "speech.started" }
func (SpeechStarted) isEvent()          {}

// SpeechStopped is emitted when the vendor detects the caller stopped talking.
type SpeechStopped struct{}

func (SpeechStopped) EventType() string { return "speech.stopped" }
func (SpeechStopped) isEvent()          {}

// ResponseStarted opens an agent output segment (segment-mode vendors only).
type ResponseStarted struct{}

func (ResponseStarted) EventType() string { return "response.started" }
func (ResponseStarted) isEvent()          {}

// AudioChunk carries companded agent audio, already base64-decoded.
type AudioChunk struct {
	Audio []byte
}

func (AudioChunk) EventType() string { return "audio.chunk" }
func (AudioChunk) isEvent()          {}

// AgentTranscript is the final text of what the agent said.
type AgentTranscript struct {
	Text string
}

func (AgentTranscript) EventType() string { return "transcript.agent" }
func (AgentTranscript) isEvent()          {}

// CallerTranscript is the final transcription of a caller utterance.
type CallerTranscript struct {
	Text string
}

func (CallerTranscript) EventType() string { return "transcript.caller" }
func (CallerTranscript) isEvent()          {}

// ResponseEnded closes the current agent output segment (segment-mode vendors only).
type ResponseEnded struct{}

func (ResponseEnded) EventType() string { return "response.ended" }
func (ResponseEnded) isEvent()          {}

// VendorError is an error reported in-band by the vendor. It ends the call.
type VendorError struct {
	Message string
	Code    string
}

func (VendorError) EventType() string { return "error" }
func (VendorError) isEvent()          {}

func (e VendorError) Error() string {
	if e.Code == "" {
		return "vendor error: " + e.Message
	}
	return "vendor error " + e.Code + ": " + e.Message
}
