package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/silviot/phone_voice_relay_go/pkg/audio"
	"github.com/silviot/phone_voice_relay_go/pkg/metrics"
)

const (
	// AudioEncodingMulaw is the media format Twilio streams
	AudioEncodingMulaw = "audio/x-mulaw"

	defaultReadTimeout  = 60 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// twilioMessage is the Twilio Media Streams wire envelope
type twilioMessage struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid,omitempty"`
	Start     *twilioStart `json:"start,omitempty"`
	Media     *twilioMedia `json:"media,omitempty"`
	Mark      *twilioMark  `json:"mark,omitempty"`
}

type twilioStart struct {
	AccountSID       string            `json:"accountSid,omitempty"`
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	MediaFormat      *mediaFormat      `json:"mediaFormat,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type twilioMedia struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

type twilioMark struct {
	Name string `json:"name"`
}

// StreamConfig holds Twilio stream configuration
type StreamConfig struct {
	ReadTimeout time.Duration // default 60s
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// TwilioStream is a Twilio Media Streams websocket leg
type TwilioStream struct {
	conn    *websocket.Conn
	cfg     StreamConfig
	logger  *slog.Logger
	writeMu sync.Mutex
	media   int // inbound media frames, touched only by Next

	mu        sync.Mutex
	streamSID string
	callSID   string
	closed    bool
}

var _ Leg = (*TwilioStream)(nil)

// NewTwilioStream wraps an upgraded Media Streams websocket
func NewTwilioStream(conn *websocket.Conn, cfg StreamConfig) *TwilioStream {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	return &TwilioStream{
		conn:   conn,
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

// Next reads until a start, media, stop or mark frame. Undecodable frames
// are logged, counted and skipped.
func (s *TwilioStream) Next(ctx context.Context) (Frame, error) {
	// Unblock the pending read once ctx is cancelled.
	stop := context.AfterFunc(ctx, func() {
		s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}

		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Frame{}, ctxErr
			}
			if isPeerClosedError(err) {
				return Frame{}, io.EOF
			}
			return Frame{}, fmt.Errorf("twilio read: %w", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, ok := s.decode(data)
		if ok {
			return frame, nil
		}
	}
}

// decode maps one wire message to a frame; ok is false for skipped messages
func (s *TwilioStream) decode(data []byte) (Frame, bool) {
	var msg twilioMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("dropping malformed twilio frame", "error", err)
		s.cfg.Metrics.RecordDrop("telephony_bad_json")
		return Frame{}, false
	}

	switch msg.Event {
	case "start":
		if msg.Start == nil {
			s.logger.Warn("start frame without start block")
			s.cfg.Metrics.RecordDrop("telephony_bad_start")
			return Frame{}, false
		}
		streamSID := msg.Start.StreamSID
		if streamSID == "" {
			streamSID = msg.StreamSID
		}
		s.mu.Lock()
		s.streamSID = streamSID
		s.callSID = msg.Start.CallSID
		s.mu.Unlock()

		if f := msg.Start.MediaFormat; f != nil && f.Encoding != AudioEncodingMulaw {
			s.logger.Warn("unexpected media encoding", "encoding", f.Encoding, "sampleRate", f.SampleRate)
		}
		s.logger.Info("twilio stream started", "callSid", msg.Start.CallSID, "streamSid", streamSID)
		return Frame{Kind: FrameStart, CallID: msg.Start.CallSID, StreamID: streamSID}, true

	case "media":
		if msg.Media == nil {
			s.cfg.Metrics.RecordDrop("telephony_bad_media")
			return Frame{}, false
		}
		payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			s.logger.Warn("dropping media frame with invalid payload", "error", err)
			s.cfg.Metrics.RecordDrop("telephony_bad_base64")
			return Frame{}, false
		}
		s.media++
		if s.media <= 5 || s.media%500 == 0 {
			rmsDB, peak := audio.Level(audio.Decode(payload))
			s.logger.Debug("twilio audio frame", "frameCount", s.media, "bytes", len(payload), "rmsDB", rmsDB, "peak", peak)
		}
		return Frame{Kind: FrameMedia, StreamID: msg.StreamSID, Payload: payload}, true

	case "stop":
		s.logger.Info("twilio stream stopped", "streamSid", msg.StreamSID)
		return Frame{Kind: FrameStop, StreamID: msg.StreamSID}, true

	case "mark":
		name := ""
		if msg.Mark != nil {
			name = msg.Mark.Name
		}
		return Frame{Kind: FrameMark, StreamID: msg.StreamSID, Mark: name}, true

	case "connected":
		s.logger.Debug("twilio stream connected")
		return Frame{}, false
	}

	s.logger.Debug("ignoring twilio event", "event", msg.Event)
	return Frame{}, false
}

// SendAudio sends one outbound media message for the started stream
func (s *TwilioStream) SendAudio(ulaw []byte) error {
	s.mu.Lock()
	streamSID, closed := s.streamSID, s.closed
	s.mu.Unlock()

	if closed {
		return ErrLegClosed
	}
	if streamSID == "" {
		return ErrNotStarted
	}

	return s.write(twilioMessage{
		Event:     "media",
		StreamSID: streamSID,
		Media:     &twilioMedia{Payload: base64.StdEncoding.EncodeToString(ulaw)},
	})
}

// SendMark asks Twilio to echo a mark once queued audio finished playing
func (s *TwilioStream) SendMark(name string) error {
	s.mu.Lock()
	streamSID := s.streamSID
	s.mu.Unlock()
	if streamSID == "" {
		return ErrNotStarted
	}
	return s.write(twilioMessage{Event: "mark", StreamSID: streamSID, Mark: &twilioMark{Name: name}})
}

func (s *TwilioStream) write(msg twilioMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("twilio write: %w", err)
	}
	return nil
}

// CallID returns the call SID from the start frame
func (s *TwilioStream) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callSID
}

// Close sends a normal close frame and closes the socket
func (s *TwilioStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.writeMu.Lock()
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()

	return s.conn.Close()
}

// isPeerClosedError checks if error is due to peer closing connection
func isPeerClosedError(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) ||
		errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF)
}
