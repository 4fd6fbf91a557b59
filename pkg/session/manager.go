package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/silviot/phone_voice_relay_go/pkg/capture"
	"github.com/silviot/phone_voice_relay_go/pkg/metrics"
	"github.com/silviot/phone_voice_relay_go/pkg/relay"
	"github.com/silviot/phone_voice_relay_go/pkg/telephony"
	"github.com/silviot/phone_voice_relay_go/pkg/voice"
)

// Call sources
const (
	SourceTwilio    = "twilio"
	SourceSoftphone = "softphone"
)

// ErrCallNotFound is returned for unknown call ids
var ErrCallNotFound = errors.New("call not found")

// ErrShuttingDown is returned when a call arrives after Close
var ErrShuttingDown = errors.New("manager shutting down")

// VoiceFactory creates an undialed vendor session for one call
type VoiceFactory func() (voice.Client, error)

// Call is one relayed call tracked by the manager
type Call struct {
	ID     string
	Source string
	relay  *relay.Relay
	done   chan struct{}
	err    error
}

// Done is closed once the relay finished
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Err returns the relay result after Done is closed
func (c *Call) Err() error {
	<-c.done
	return c.err
}

// Relay returns the call's relay
func (c *Call) Relay() *relay.Relay {
	return c.relay
}

// CallInfo is the API view of a call
type CallInfo struct {
	ID        string    `json:"id"`
	CallID    string    `json:"call_id,omitempty"`
	Source    string    `json:"source"`
	Vendor    string    `json:"vendor"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager manages active calls
type Manager struct {
	calls   map[string]*Call // manager id -> Call
	mu      sync.RWMutex
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	closed  bool
	cfg     ManagerConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// ManagerConfig holds configuration for the call manager
type ManagerConfig struct {
	NewVoice       VoiceFactory
	Session        voice.SessionConfig
	Greeting       string
	GreetingSettle time.Duration
	Capture        relay.CaptureConfig
	Store          *capture.Store // nil disables recording

	// Twilio
	PublicHost  string
	AuthToken   string // verifies webhook signatures when set
	ReadTimeout time.Duration

	// Peers terminates softphone calls; nil disables the softphone endpoints
	Peers *telephony.PeerManager

	CloseTimeout time.Duration // default 5s
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// NewManager creates a new call manager
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		calls:   make(map[string]*Call),
		ctx:     ctx,
		cancel:  cancel,
		cfg:     cfg,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
}

// StartCall relays leg to a new vendor session in the background. The leg
// is closed by the relay, or here if the call cannot be started.
func (m *Manager) StartCall(source string, leg telephony.Leg) (*Call, error) {
	client, err := m.cfg.NewVoice()
	if err != nil {
		leg.Close()
		return nil, fmt.Errorf("failed to create voice session: %w", err)
	}

	id := uuid.NewString()
	logger := m.logger.With("id", id, "source", source)

	call := &Call{
		ID:     id,
		Source: source,
		done:   make(chan struct{}),
		relay: relay.New(relay.Config{
			Telephony:      leg,
			Voice:          client,
			Session:        m.cfg.Session,
			Greeting:       m.cfg.Greeting,
			GreetingSettle: m.cfg.GreetingSettle,
			Capture:        m.cfg.Capture,
			Store:          m.cfg.Store,
			Metrics:        m.metrics,
			Logger:         logger,
		}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		leg.Close()
		client.Close()
		return nil, ErrShuttingDown
	}
	m.calls[id] = call
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(call, logger)

	logger.Info("call accepted", "vendor", client.Vendor())
	return call, nil
}

func (m *Manager) run(call *Call, logger *slog.Logger) {
	defer m.wg.Done()

	call.err = call.relay.Run(m.ctx)
	if call.err != nil {
		logger.Error("call failed", "callID", call.relay.CallID(), "error", call.err)
	}

	m.mu.Lock()
	delete(m.calls, call.ID)
	m.mu.Unlock()

	close(call.done)
}

// GetCall returns the call with the given manager id or telephony call id
func (m *Manager) GetCall(id string) *Call {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if call, ok := m.calls[id]; ok {
		return call
	}
	for _, call := range m.calls {
		if call.relay.CallID() == id {
			return call
		}
	}
	return nil
}

// HangupCall ends a call
func (m *Manager) HangupCall(id string) error {
	call := m.GetCall(id)
	if call == nil {
		return fmt.Errorf("%w: %s", ErrCallNotFound, id)
	}

	call.relay.Hangup()
	m.logger.Info("call hung up", "id", call.ID, "callID", call.relay.CallID())
	return nil
}

// Calls returns the active calls, oldest first
func (m *Manager) Calls() []CallInfo {
	m.mu.RLock()
	infos := make([]CallInfo, 0, len(m.calls))
	for _, call := range m.calls {
		infos = append(infos, CallInfo{
			ID:        call.ID,
			CallID:    call.relay.CallID(),
			Source:    call.Source,
			Vendor:    call.relay.Vendor(),
			State:     call.relay.State().String(),
			CreatedAt: call.relay.CreatedAt(),
		})
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// CallCount returns the number of active calls
func (m *Manager) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// Close hangs up all calls and waits for their recordings to be written
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(m.cfg.CloseTimeout):
		m.logger.Warn("call cleanup timeout", "calls", m.CallCount())
	}

	if m.cfg.Peers != nil {
		if err := m.cfg.Peers.Close(); err != nil {
			m.logger.Error("failed to close peer manager", "error", err)
		}
	}

	m.logger.Info("call manager closed")
	return nil
}
