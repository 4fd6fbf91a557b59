// Package capture reconstructs a reviewable stereo recording of a relayed call.
//
// Caller audio arrives as one continuous stream with no boundaries. Agent audio
// arrives in bursts, either bounded by explicit response start/end markers or as
// one unbounded stream. Both are timestamped against the call start on arrival
// and re-aligned at finalization so that the first caller frame is time zero.
package capture

import (
	"log/slog"
	"sync"
	"time"

	"github.com/silviot/phone_voice_relay_go/pkg/audio"
)

// Speaker attributes a transcript line
type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerAgent  Speaker = "agent"
)

// NegativeOffsetPolicy decides what happens to an output segment that started
// before the first caller frame arrived.
type NegativeOffsetPolicy int

const (
	// DropNegative skips the segment and logs a warning
	DropNegative NegativeOffsetPolicy = iota
	// ClampNegative keeps the part of the segment at or after time zero
	ClampNegative
)

// ParseNegativeOffsetPolicy maps a config string to a policy ("drop" or "clamp")
func ParseNegativeOffsetPolicy(s string) (NegativeOffsetPolicy, bool) {
	switch s {
	case "", "drop":
		return DropNegative, true
	case "clamp":
		return ClampNegative, true
	}
	return DropNegative, false
}

// DefaultPadding is appended to the rendered recording so the last sample is never cut
const DefaultPadding = 100 * time.Millisecond

// Segment is one bounded burst of agent audio
type Segment struct {
	StartOffset time.Duration // relative to call start
	Samples     []int16
}

// TranscriptEntry is one transcript line, in arrival order
type TranscriptEntry struct {
	Speaker Speaker
	Text    string
	Offset  time.Duration // relative to call start
	At      time.Time
}

// Config holds capture log configuration
type Config struct {
	CallID         string
	StartedAt      time.Time            // zero means Clock() at construction
	Clock          func() time.Time     // defaults to time.Now
	Padding        time.Duration        // defaults to DefaultPadding
	NegativeOffset NegativeOffsetPolicy // defaults to DropNegative
	Logger         *slog.Logger
}

// Log accumulates both audio timelines and the transcript for one call.
// All methods are safe for concurrent use.
type Log struct {
	callID    string
	startedAt time.Time
	clock     func() time.Time
	padding   time.Duration
	policy    NegativeOffsetPolicy
	logger    *slog.Logger

	mu               sync.Mutex
	input            []int16
	inputStarted     bool
	firstInputOffset time.Duration
	segments         []Segment
	open             *Segment
	transcripts      []TranscriptEntry

	finalized bool
	recording *Recording
	metadata  *Metadata
}

// New creates a capture log; the call clock starts now unless cfg.StartedAt is set
func New(cfg Config) *Log {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = cfg.Clock()
	}
	if cfg.Padding <= 0 {
		cfg.Padding = DefaultPadding
	}

	return &Log{
		callID:      cfg.CallID,
		startedAt:   cfg.StartedAt,
		clock:       cfg.Clock,
		padding:     cfg.Padding,
		policy:      cfg.NegativeOffset,
		logger:      cfg.Logger.With("callID", cfg.CallID),
		transcripts: []TranscriptEntry{},
	}
}

// elapsed must be called with mu held
func (l *Log) elapsed() time.Duration {
	return l.clock().Sub(l.startedAt)
}

// LogInput decodes a caller μ-law chunk and appends it to the input timeline.
// The first chunk fixes the alignment origin of the recording.
func (l *Log) LogInput(ulaw []byte) {
	if len(ulaw) == 0 {
		return
	}
	samples := audio.Decode(ulaw)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.finalized {
		return
	}
	if !l.inputStarted {
		l.inputStarted = true
		l.firstInputOffset = l.elapsed()
		l.logger.Info("first caller audio received", "offset", l.firstInputOffset)
	}
	l.input = append(l.input, samples...)
}

// BeginOutputSegment opens a new output segment; no-op if one is already open
func (l *Log) BeginOutputSegment() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.finalized {
		return
	}
	l.beginLocked()
}

func (l *Log) beginLocked() {
	if l.open != nil {
		return
	}
	l.open = &Segment{StartOffset: l.elapsed()}
	l.logger.Debug("output segment started", "offset", l.open.StartOffset, "index", len(l.segments))
}

// AppendOutputChunk decodes an agent μ-law chunk into the open segment,
// opening one first when the vendor never announced it.
func (l *Log) AppendOutputChunk(ulaw []byte) {
	if len(ulaw) == 0 {
		l.logger.Warn("empty output audio chunk")
		return
	}
	samples := audio.Decode(ulaw)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.finalized {
		return
	}
	l.beginLocked()
	l.open.Samples = append(l.open.Samples, samples...)
}

// EndOutputSegment closes the open segment; no-op when none is open
func (l *Log) EndOutputSegment() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.finalized {
		return
	}
	l.endLocked()
}

func (l *Log) endLocked() {
	if l.open == nil {
		return
	}
	seg := *l.open
	l.open = nil
	l.segments = append(l.segments, seg)
	l.logger.Debug("output segment ended",
		"index", len(l.segments)-1,
		"offset", seg.StartOffset,
		"samples", len(seg.Samples),
		"duration", samplesToDuration(len(seg.Samples)))
}

// LogTranscript records a transcript line stamped with its arrival offset
func (l *Log) LogTranscript(speaker Speaker, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.finalized {
		return
	}
	now := l.clock()
	l.transcripts = append(l.transcripts, TranscriptEntry{
		Speaker: speaker,
		Text:    text,
		Offset:  now.Sub(l.startedAt),
		At:      now,
	})
}

// CallID returns the call identifier
func (l *Log) CallID() string {
	return l.callID
}

// StartedAt returns the call start instant
func (l *Log) StartedAt() time.Time {
	return l.startedAt
}

// Transcripts returns a copy of the transcript in arrival order
func (l *Log) Transcripts() []TranscriptEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]TranscriptEntry, len(l.transcripts))
	copy(out, l.transcripts)
	return out
}

// Segments returns a copy of the closed output segments
func (l *Log) Segments() []Segment {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Segment, len(l.segments))
	copy(out, l.segments)
	return out
}

func samplesToDuration(n int) time.Duration {
	return time.Duration(n) * time.Second / audio.SampleRate
}
