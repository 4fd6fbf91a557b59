package capture

import (
	"math"
	"time"

	"github.com/silviot/phone_voice_relay_go/pkg/audio"
)

// Recording is the rendered stereo timeline: left = caller, right = agent
type Recording struct {
	Left  []int16
	Right []int16
	PCM   []byte // interleaved 16-bit little-endian
}

// Duration returns the recording length
func (r *Recording) Duration() time.Duration {
	return samplesToDuration(len(r.Left))
}

// WAV renders the recording as a stereo 8 kHz WAV file
func (r *Recording) WAV() ([]byte, error) {
	return audio.EncodeWAV(r.PCM, audio.SampleRate, 2)
}

// TranscriptRecord is the serialized form of a transcript line
type TranscriptRecord struct {
	Speaker          Speaker `json:"speaker"`
	Text             string  `json:"text"`
	TimestampSeconds float64 `json:"timestamp_seconds"`
	TimeISO          string  `json:"time_iso"`
}

// Metadata is the per-call JSON document written next to the recording
type Metadata struct {
	CallID           string             `json:"call_id"`
	StartTime        string             `json:"start_time"`
	EndTime          string             `json:"end_time"`
	DurationSeconds  float64            `json:"duration_seconds"`
	RecordingSeconds float64            `json:"recording_seconds"`
	Transcripts      []TranscriptRecord `json:"transcripts"`

	endedAt time.Time
}

// EndedAt returns the instant the call was finalized
func (m *Metadata) EndedAt() time.Time {
	return m.endedAt
}

const isoLayout = "2006-01-02T15:04:05.000000Z07:00"

// Finalize closes any open segment and renders the recording and metadata.
// The first call does the work; later calls return the same values.
func (l *Log) Finalize() (*Recording, *Metadata) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.finalized {
		return l.recording, l.metadata
	}
	l.endLocked()
	l.finalized = true

	endedAt := l.clock()
	l.recording = l.renderLocked()
	l.metadata = l.metadataLocked(endedAt)

	l.logger.Info("capture finalized",
		"inputSamples", len(l.input),
		"segments", len(l.segments),
		"transcripts", len(l.transcripts),
		"recordingSeconds", l.metadata.RecordingSeconds)

	return l.recording, l.metadata
}

func offsetToSamples(d time.Duration) int {
	return int(math.Round(d.Seconds() * audio.SampleRate))
}

func (l *Log) renderLocked() *Recording {
	// Time zero is the first caller frame; without caller audio it is call start.
	origin := l.firstInputOffset

	outputEnd := 0
	for _, seg := range l.segments {
		end := offsetToSamples(seg.StartOffset-origin) + len(seg.Samples)
		if end > outputEnd {
			outputEnd = end
		}
	}

	total := len(l.input)
	if outputEnd > total {
		total = outputEnd
	}
	total += offsetToSamples(l.padding)

	left := make([]int16, total)
	right := make([]int16, total)

	copy(left, l.input)

	for i, seg := range l.segments {
		start := offsetToSamples(seg.StartOffset - origin)
		samples := seg.Samples
		if start < 0 {
			if l.policy != ClampNegative {
				l.logger.Warn("dropping output segment that predates caller audio",
					"index", i, "offset", seg.StartOffset, "adjustedSamples", start)
				continue
			}
			skip := -start
			if skip >= len(samples) {
				l.logger.Warn("output segment ends before caller audio, nothing to clamp",
					"index", i, "offset", seg.StartOffset)
				continue
			}
			l.logger.Warn("clamping output segment that predates caller audio",
				"index", i, "offset", seg.StartOffset, "clippedSamples", skip)
			samples = samples[skip:]
			start = 0
		}
		if start >= total {
			continue
		}
		n := copy(right[start:], samples)
		l.logger.Debug("placed output segment", "index", i, "sampleOffset", start, "samples", n)
	}

	return &Recording{
		Left:  left,
		Right: right,
		PCM:   audio.Interleave(left, right),
	}
}

func (l *Log) metadataLocked(endedAt time.Time) *Metadata {
	records := make([]TranscriptRecord, 0, len(l.transcripts))
	for _, t := range l.transcripts {
		records = append(records, TranscriptRecord{
			Speaker:          t.Speaker,
			Text:             t.Text,
			TimestampSeconds: t.Offset.Seconds(),
			TimeISO:          t.At.Format(isoLayout),
		})
	}

	return &Metadata{
		CallID:           l.callID,
		StartTime:        l.startedAt.Format(isoLayout),
		EndTime:          endedAt.Format(isoLayout),
		DurationSeconds:  endedAt.Sub(l.startedAt).Seconds(),
		RecordingSeconds: float64(len(l.recording.Left)) / audio.SampleRate,
		Transcripts:      records,
		endedAt:          endedAt,
	}
}
