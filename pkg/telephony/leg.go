// Package telephony adapts phone-side media transports to one frame stream.
//
// Two legs are provided: TwilioStream speaks the Twilio Media Streams
// websocket protocol and PeerLeg terminates a browser softphone over WebRTC
// with a PCMU track. Both deliver companded 8 kHz μ-law audio.
package telephony

import (
	"context"
	"errors"
)

// FrameKind identifies a telephony frame
type FrameKind int

const (
	FrameStart FrameKind = iota
	FrameMedia
	FrameStop
	FrameMark
)

func (k FrameKind) String() string {
	switch k {
	case FrameStart:
		return "start"
	case FrameMedia:
		return "media"
	case FrameStop:
		return "stop"
	case FrameMark:
		return "mark"
	}
	return "unknown"
}

// Frame is one inbound telephony event. Payload holds μ-law audio for media
// frames with transport encoding already removed.
type Frame struct {
	Kind     FrameKind
	CallID   string
	StreamID string
	Payload  []byte
	Mark     string
}

// Leg is the telephony side of a relayed call
type Leg interface {
	// Next blocks for the next frame. It returns io.EOF when the peer ended
	// the stream cleanly and ctx.Err() once ctx is cancelled.
	Next(ctx context.Context) (Frame, error)
	// SendAudio plays μ-law audio to the caller
	SendAudio(ulaw []byte) error
	Close() error
}

var (
	// ErrNotStarted is returned by SendAudio before the stream start frame
	ErrNotStarted = errors.New("telephony stream not started")
	// ErrLegClosed is returned after Close
	ErrLegClosed = errors.New("telephony leg closed")
)
