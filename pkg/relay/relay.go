// Package relay pumps audio between a telephony leg and a voice vendor
// session while recording both sides of the call.
//
// A relay moves through Idle, Streaming, Draining and Closed. It waits in
// Idle for the telephony start frame, then runs two pumps concurrently. The
// first pump to finish cancels the other; once both returned the capture is
// finalized exactly once and both legs are closed.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/silviot/phone_voice_relay_go/pkg/capture"
	"github.com/silviot/phone_voice_relay_go/pkg/metrics"
	"github.com/silviot/phone_voice_relay_go/pkg/telephony"
	"github.com/silviot/phone_voice_relay_go/pkg/voice"
)

// DefaultGreetingSettle is the pause between disabling turn detection and requesting the greeting
const DefaultGreetingSettle = 100 * time.Millisecond

// ErrAlreadyRun is returned when Run is called more than once
var ErrAlreadyRun = errors.New("relay already run")

// State is the relay lifecycle state
type State int32

const (
	StateIdle State = iota
	StateStreaming
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// CaptureConfig parameterizes the per-call capture log
type CaptureConfig struct {
	Padding        time.Duration
	NegativeOffset capture.NegativeOffsetPolicy
	Clock          func() time.Time
}

// Config holds relay configuration
type Config struct {
	Telephony telephony.Leg
	Voice     voice.Client
	Session   voice.SessionConfig
	Greeting  string // spoken proactively once the stream starts; empty disables

	GreetingSettle time.Duration // default 100ms
	Capture        CaptureConfig
	Store          *capture.Store // nil skips persisting the recording
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// Relay is one relayed call
type Relay struct {
	leg     telephony.Leg
	voice   voice.Client
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	state   atomic.Int32
	ran     atomic.Bool
	created time.Time

	mu        sync.Mutex
	callID    string
	streamID  string
	log       *capture.Log
	artifacts capture.Artifacts
	cancel    context.CancelFunc
	hungUp    bool
}

// New creates an idle relay
func New(cfg Config) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.GreetingSettle <= 0 {
		cfg.GreetingSettle = DefaultGreetingSettle
	}

	return &Relay{
		leg:     cfg.Telephony,
		voice:   cfg.Voice,
		cfg:     cfg,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With("vendor", cfg.Voice.Vendor()),
		created: time.Now(),
	}
}

// State returns the current lifecycle state
func (r *Relay) State() State {
	return State(r.state.Load())
}

func (r *Relay) setState(s State) {
	prev := State(r.state.Swap(int32(s)))
	if prev != s {
		r.logger.Debug("relay state changed", "from", prev.String(), "to", s.String())
	}
}

// CallID returns the telephony call id, empty until the stream started
func (r *Relay) CallID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.callID
}

// CreatedAt returns when the relay was created
func (r *Relay) CreatedAt() time.Time {
	return r.created
}

// Vendor returns the voice vendor name
func (r *Relay) Vendor() string {
	return r.voice.Vendor()
}

// Capture returns the capture log, nil until the stream started
func (r *Relay) Capture() *capture.Log {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log
}

// Artifacts returns the saved recording paths, zero until Closed
func (r *Relay) Artifacts() capture.Artifacts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.artifacts
}

// Hangup ends the call as if a pump had finished
func (r *Relay) Hangup() {
	r.mu.Lock()
	cancel := r.cancel
	r.hungUp = true
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run drives the call to completion. It returns nil for calls that ended
// normally and the joined non-cancellation pump errors otherwise.
func (r *Relay) Run(ctx context.Context) error {
	if !r.ran.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	r.cancel = cancel
	hungUp := r.hungUp
	r.mu.Unlock()
	if hungUp {
		cancel()
	}

	r.setState(StateIdle)

	if err := r.voice.Connect(ctx); err != nil {
		r.closeLegs()
		r.setState(StateClosed)
		return fmt.Errorf("connect voice vendor: %w", err)
	}

	start, err := r.awaitStart(ctx)
	if err != nil || start == nil {
		r.closeLegs()
		r.setState(StateClosed)
		return err
	}

	r.metrics.RecordCallStart()
	err = r.stream(ctx, *start)

	r.closeLegs()
	r.finalize()
	r.setState(StateClosed)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.metrics.RecordCallEnd(r.voice.Vendor(), outcome, time.Since(r.created))
	r.logger.Info("call ended", "outcome", outcome, "error", err)

	return err
}

// awaitStart reads telephony frames until the stream starts. A nil frame
// with a nil error means the call ended before it started.
func (r *Relay) awaitStart(ctx context.Context) (*telephony.Frame, error) {
	for {
		f, err := r.leg.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || isCancellation(err) {
				r.logger.Info("telephony ended before stream start")
				return nil, nil
			}
			return nil, fmt.Errorf("await stream start: %w", err)
		}

		switch f.Kind {
		case telephony.FrameStart:
			return &f, nil
		case telephony.FrameMedia:
			r.metrics.RecordDrop("media_before_start")
		case telephony.FrameStop:
			r.logger.Info("telephony stopped before stream start")
			return nil, nil
		case telephony.FrameMark:
		}
	}
}

// stream runs the Streaming and Draining states
func (r *Relay) stream(ctx context.Context, start telephony.Frame) error {
	log := capture.New(capture.Config{
		CallID:         start.CallID,
		Clock:          r.cfg.Capture.Clock,
		Padding:        r.cfg.Capture.Padding,
		NegativeOffset: r.cfg.Capture.NegativeOffset,
		Logger:         r.cfg.Logger,
	})

	r.mu.Lock()
	r.callID = start.CallID
	r.streamID = start.StreamID
	r.log = log
	r.mu.Unlock()

	r.logger = r.logger.With("callID", start.CallID)
	r.logger.Info("stream started", "streamID", start.StreamID)

	if err := r.voice.Configure(r.cfg.Session); err != nil {
		return fmt.Errorf("configure voice session: %w", err)
	}
	if r.cfg.Greeting != "" {
		r.greet(ctx)
	}

	r.setState(StateStreaming)

	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)
	go func() {
		err := r.telephonyPump(pumpCtx, log)
		cancel()
		errs <- err
	}()
	go func() {
		err := r.modelPump(pumpCtx, log)
		cancel()
		errs <- err
	}()

	first := <-errs
	r.setState(StateDraining)
	second := <-errs

	return joinPumpErrors(first, second)
}

// greet makes the agent speak first. Turn detection is disabled while the
// greeting response is requested so the vendor does not wait for the caller.
func (r *Relay) greet(ctx context.Context) {
	opts := voice.ResponseOptions{Instructions: "Say this greeting: " + r.cfg.Greeting}

	err := r.requestGreeting(ctx, opts)
	if err == nil {
		r.logger.Info("greeting requested")
		return
	}
	if ctx.Err() != nil {
		r.logger.Debug("call ended during greeting", "error", err)
		return
	}
	r.logger.Warn("could not send proactive greeting, retrying with plain response", "error", err)

	if err := r.voice.RequestResponse(voice.ResponseOptions{}); err != nil {
		r.logger.Warn("greeting fallback failed, agent will speak after the caller", "error", err)
	}
}

func (r *Relay) requestGreeting(ctx context.Context, opts voice.ResponseOptions) error {
	quiet := r.cfg.Session
	quiet.TurnDetection = nil
	if err := r.voice.Configure(quiet); err != nil {
		return fmt.Errorf("disable turn detection: %w", err)
	}

	select {
	case <-time.After(r.cfg.GreetingSettle):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := r.voice.RequestResponse(opts); err != nil {
		return fmt.Errorf("request greeting: %w", err)
	}

	if err := r.voice.Configure(r.cfg.Session); err != nil {
		r.logger.Warn("failed to restore session configuration after greeting", "error", err)
	}
	return nil
}

// telephonyPump forwards caller audio to the vendor
func (r *Relay) telephonyPump(ctx context.Context, log *capture.Log) error {
	for {
		f, err := r.leg.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.logger.Info("telephony stream closed")
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		switch f.Kind {
		case telephony.FrameMedia:
			log.LogInput(f.Payload)
			if err := r.voice.SendAudio(f.Payload); err != nil {
				return fmt.Errorf("forward caller audio: %w", err)
			}
			r.metrics.RecordFrame(metrics.Inbound, len(f.Payload))

		case telephony.FrameStop:
			r.logger.Info("telephony stream stopped")
			return nil

		case telephony.FrameStart:
			r.logger.Warn("ignoring repeated stream start", "streamID", f.StreamID)

		case telephony.FrameMark:
			r.logger.Debug("telephony mark", "name", f.Mark)
		}
	}
}

// modelPump forwards vendor events to the caller and the capture log
func (r *Relay) modelPump(ctx context.Context, log *capture.Log) error {
	events := r.voice.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if err := r.voice.Err(); err != nil {
					return fmt.Errorf("voice session: %w", err)
				}
				r.logger.Info("voice session closed")
				return nil
			}
			if err := r.handleEvent(ev, log); err != nil {
				return err
			}
		}
	}
}

func (r *Relay) handleEvent(ev voice.Event, log *capture.Log) error {
	switch e := ev.(type) {
	case voice.SessionReady:
		r.logger.Debug("voice session ready")

	case voice.SpeechStarted:
		r.logger.Debug("caller started speaking")

	case voice.SpeechStopped:
		r.logger.Debug("caller stopped speaking")

	case voice.ResponseStarted:
		log.BeginOutputSegment()

	case voice.AudioChunk:
		log.AppendOutputChunk(e.Audio)
		if err := r.leg.SendAudio(e.Audio); err != nil {
			return fmt.Errorf("forward agent audio: %w", err)
		}
		r.metrics.RecordFrame(metrics.Outbound, len(e.Audio))

	case voice.AgentTranscript:
		r.logger.Info("agent said", "text", e.Text)
		log.LogTranscript(capture.SpeakerAgent, e.Text)

	case voice.CallerTranscript:
		r.logger.Info("caller said", "text", e.Text)
		log.LogTranscript(capture.SpeakerCaller, e.Text)

	case voice.ResponseEnded:
		log.EndOutputSegment()

	case voice.VendorError:
		r.logger.Error("voice vendor error", "code", e.Code, "message", e.Message)
		r.metrics.RecordVendorError(r.voice.Vendor())
		return e

	default:
		r.logger.Warn("unhandled voice event", "type", ev.EventType())
	}
	return nil
}

// joinPumpErrors drops cancellation errors, which only mean the other pump
// finished first or the call's context ended
func joinPumpErrors(errs ...error) error {
	var kept []error
	for _, err := range errs {
		if err == nil || isCancellation(err) {
			continue
		}
		kept = append(kept, err)
	}
	return errors.Join(kept...)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (r *Relay) closeLegs() {
	if err := r.voice.Close(); err != nil {
		r.logger.Warn("failed to close voice session", "error", err)
	}
	if err := r.leg.Close(); err != nil {
		r.logger.Warn("failed to close telephony leg", "error", err)
	}
}

// finalize renders the capture and persists it; failures are logged, never returned
func (r *Relay) finalize() {
	log := r.Capture()
	if log == nil {
		return
	}

	rec, meta := log.Finalize()
	if r.cfg.Store == nil {
		return
	}

	artifacts, err := r.cfg.Store.Save(rec, meta)
	r.metrics.RecordCaptureSave(err, rec.Duration())
	if err != nil {
		r.logger.Error("failed to save call recording", "error", err)
		return
	}

	r.mu.Lock()
	r.artifacts = artifacts
	r.mu.Unlock()
}
