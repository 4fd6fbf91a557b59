// Package voice defines the vendor-neutral contract for hosted realtime
// speech-to-speech sessions and the websocket transport shared by the
// vendor implementations in the openai and azure subpackages.
package voice

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotConnected is returned by writes before Connect or after the connection ended
	ErrNotConnected = errors.New("voice session not connected")
	// ErrClosed is returned by writes after Close
	ErrClosed = errors.New("voice session closed")
)

// Vendor names accepted by configuration
const (
	VendorOpenAI = "openai"
	VendorAzure  = "azure"
)

// TurnDetection configures server-side voice activity detection.
// Zero values select the vendor default for that field.
type TurnDetection struct {
	Type            string
	Threshold       float64
	PrefixPadding   time.Duration
	SilenceDuration time.Duration
}

// SessionConfig is applied with Client.Configure
type SessionConfig struct {
	Instructions  string
	Voice         string
	TurnDetection *TurnDetection // nil disables turn detection
}

// ResponseOptions parameterize a proactive response request
type ResponseOptions struct {
	Instructions string // optional per-response instructions
}

// Client is a bidirectional realtime speech session with a vendor.
//
// Writes never wait for a response. Events arrive on Events() in vendor
// order; the channel is closed when the connection ends, after which Err()
// reports the terminal read error or nil on a clean close.
type Client interface {
	Connect(ctx context.Context) error
	Configure(cfg SessionConfig) error
	SendAudio(ulaw []byte) error
	RequestResponse(opts ResponseOptions) error
	Events() <-chan Event
	Err() error
	Close() error
	Vendor() string
}

