package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/silviot/phone_voice_relay_go/pkg/audio"
	"github.com/silviot/phone_voice_relay_go/pkg/metrics"
)

const (
	inboundQueueSize  = 256  // ~5s of 20ms frames
	outboundQueueSize = 3000 // ~60s of 20ms frames

	// idle packetization intervals before a partial agent frame is played
	flushAfterIdle = 2

	ulawSilence = 0xFF
)

// PCMUCodec is the only codec negotiated on softphone legs
var PCMUCodec = webrtc.RTPCodecCapability{
	MimeType:  webrtc.MimeTypePCMU,
	ClockRate: audio.SampleRate,
	Channels:  1,
}

// PeerConfig holds WebRTC configuration
type PeerConfig struct {
	STUN []string // STUN server URLs
	TURN []TURNServer

	// IncludeLoopback gathers loopback ICE candidates (tests and local softphones)
	IncludeLoopback bool
	// GatherTimeout bounds ICE gathering before the answer is returned
	GatherTimeout time.Duration
}

// TURNServer represents a TURN server
type TURNServer struct {
	URLs       []string
	Username   string
	Credential string
}

// PeerManager creates and tracks softphone peer connections
type PeerManager struct {
	config  webrtc.Configuration
	api     *webrtc.API
	cfg     PeerConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	peers   map[string]*PeerLeg
	mu      sync.RWMutex
}

// NewPeerManager creates a manager whose peers negotiate PCMU only
func NewPeerManager(cfg PeerConfig, m *metrics.Metrics, logger *slog.Logger) (*PeerManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = 5 * time.Second
	}

	rtcConfig := webrtc.Configuration{}
	for _, stunURL := range cfg.STUN {
		rtcConfig.ICEServers = append(rtcConfig.ICEServers, webrtc.ICEServer{
			URLs: []string{stunURL},
		})
	}
	for _, turn := range cfg.TURN {
		rtcConfig.ICEServers = append(rtcConfig.ICEServers, webrtc.ICEServer{
			URLs:       turn.URLs,
			Username:   turn.Username,
			Credential: turn.Credential,
		})
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: PCMUCodec,
		PayloadType:        0,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register PCMU codec: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetReceiveMTU(16384)
	se.SetSRTPReplayProtectionWindow(1024)
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	return &PeerManager{
		config:  rtcConfig,
		api:     webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(se)),
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		peers:   make(map[string]*PeerLeg),
	}, nil
}

// PeerLeg is a browser softphone terminated over WebRTC
type PeerLeg struct {
	sessionID string
	peerConn  *webrtc.PeerConnection
	outTrack  *webrtc.TrackLocalStaticSample
	chunker   *audio.ChunkBuffer
	metrics   *metrics.Metrics
	logger    *slog.Logger
	onClose   func()

	inbound  chan Frame
	outbound chan []byte
	closeCh  chan struct{}
	ended    chan struct{}
	wg       sync.WaitGroup
	sendMu   sync.Mutex // orders chunker output onto outbound

	mu        sync.Mutex
	started   bool
	endOnce   sync.Once
	closeOnce sync.Once
	frames    int
}

var _ Leg = (*PeerLeg)(nil)

// CreatePeer creates a peer connection with one outbound PCMU track
func (m *PeerManager) CreatePeer(sessionID string) (*PeerLeg, error) {
	peerConn, err := m.api.NewPeerConnection(m.config)
	if err != nil {
		m.logger.Error("failed to create peer connection", "sessionID", sessionID, "error", err)
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticSample(PCMUCodec, "audio", "voice-relay")
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create outbound track: %w", err)
	}
	sender, err := peerConn.AddTrack(track)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to add outbound track: %w", err)
	}

	peer := newPeerLeg(sessionID, m.metrics, m.logger)
	peer.peerConn = peerConn
	peer.outTrack = track
	peer.onClose = func() { m.forget(sessionID) }

	// Drain RTCP so interceptors keep running.
	peer.wg.Add(1)
	go func() {
		defer peer.wg.Done()
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	peerConn.OnTrack(func(remoteTrack *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		peer.onTrack(remoteTrack)
	})
	peerConn.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		peer.logger.Info("ICE connection state changed", "state", state.String())
	})
	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		peer.onConnectionStateChange(state)
	})

	peer.wg.Add(1)
	go peer.paceOutbound()

	m.mu.Lock()
	m.peers[sessionID] = peer
	m.mu.Unlock()
	m.logger.Info("peer connection created", "sessionID", sessionID)

	return peer, nil
}

func newPeerLeg(sessionID string, m *metrics.Metrics, logger *slog.Logger) *PeerLeg {
	return &PeerLeg{
		sessionID: sessionID,
		chunker:   audio.NewChunkBuffer(audio.FrameDuration),
		metrics:   m,
		logger:    logger.With("sessionID", sessionID),
		inbound:   make(chan Frame, inboundQueueSize),
		outbound:  make(chan []byte, outboundQueueSize),
		closeCh:   make(chan struct{}),
		ended:     make(chan struct{}),
	}
}

// Answer applies the browser offer and returns the local answer with
// gathered candidates inlined.
func (m *PeerManager) Answer(ctx context.Context, p *PeerLeg, offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}
	if err := p.peerConn.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := p.peerConn.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.peerConn)
	if err := p.peerConn.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	timer := time.NewTimer(m.cfg.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		p.logger.Warn("ICE gathering timed out, answering with partial candidates")
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return p.peerConn.LocalDescription().SDP, nil
}

// AddICECandidate adds a trickled remote ICE candidate
func (p *PeerLeg) AddICECandidate(candidate string) error {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &c); err != nil {
		return fmt.Errorf("failed to parse ICE candidate: %w", err)
	}
	return p.peerConn.AddICECandidate(c)
}

// onTrack starts reading the caller audio track
func (p *PeerLeg) onTrack(remoteTrack *webrtc.TrackRemote) {
	codec := remoteTrack.Codec()
	p.logger.Info("track received",
		"codec", codec.MimeType,
		"clockRate", codec.ClockRate,
		"kind", remoteTrack.Kind().String(),
	)

	if remoteTrack.Kind() != webrtc.RTPCodecTypeAudio {
		p.logger.Debug("ignoring non-audio track", "codec", codec.MimeType)
		return
	}
	if codec.MimeType != webrtc.MimeTypePCMU {
		p.logger.Warn("ignoring non-PCMU audio track", "codec", codec.MimeType)
		return
	}

	if !p.startReader() {
		return
	}
	go p.readAudio(remoteTrack)
}

// startReader registers a track reader unless the leg is closing
func (p *PeerLeg) startReader() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed() {
		return false
	}
	p.wg.Add(1)
	return true
}

// readAudio turns RTP payloads into media frames
func (p *PeerLeg) readAudio(remoteTrack *webrtc.TrackRemote) {
	defer p.wg.Done()

	for {
		packet, _, err := remoteTrack.ReadRTP()
		if err != nil {
			if !p.isClosed() {
				p.logger.Info("caller track ended", "error", err)
			}
			p.end()
			return
		}
		p.deliver(packet.Payload)
	}
}

// deliver queues one μ-law payload, announcing the stream on the first one
func (p *PeerLeg) deliver(payload []byte) {
	if len(payload) == 0 {
		return
	}

	p.mu.Lock()
	first := !p.started
	p.started = true
	p.frames++
	count := p.frames
	p.mu.Unlock()

	if first {
		p.push(Frame{Kind: FrameStart, CallID: p.sessionID, StreamID: p.sessionID})
	}

	data := make([]byte, len(payload))
	copy(data, payload)

	if count <= 5 || count%500 == 0 {
		rmsDB, peak := audio.Level(audio.Decode(data))
		p.logger.Debug("softphone audio frame", "frameCount", count, "bytes", len(data), "rmsDB", rmsDB, "peak", peak)
	}

	p.push(Frame{Kind: FrameMedia, StreamID: p.sessionID, Payload: data})
}

func (p *PeerLeg) push(f Frame) {
	select {
	case p.inbound <- f:
	case <-p.closeCh:
	default:
		p.metrics.RecordDrop("softphone_inbound_full")
	}
}

// end marks the caller side finished; Next reports a stop frame
func (p *PeerLeg) end() {
	p.endOnce.Do(func() { close(p.ended) })
}

func (p *PeerLeg) onConnectionStateChange(state webrtc.PeerConnectionState) {
	p.logger.Info("peer connection state changed", "state", state.String())
	switch state {
	case webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed,
		webrtc.PeerConnectionStateDisconnected:
		p.end()
	}
}

// Next returns queued frames; after the caller hangs up it returns one stop
// frame followed by io.EOF.
func (p *PeerLeg) Next(ctx context.Context) (Frame, error) {
	select {
	case f := <-p.inbound:
		return f, nil
	default:
	}

	select {
	case f := <-p.inbound:
		return f, nil
	case <-p.ended:
		return p.stopFrame()
	case <-p.closeCh:
		return Frame{}, io.EOF
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (p *PeerLeg) stopFrame() (Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return Frame{}, io.EOF
	}
	p.started = false
	return Frame{Kind: FrameStop, StreamID: p.sessionID}, nil
}

// SendAudio queues agent audio; it is played out in 20ms samples
func (p *PeerLeg) SendAudio(ulaw []byte) error {
	if p.isClosed() {
		return ErrLegClosed
	}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	for _, chunk := range p.chunker.Add(ulaw) {
		select {
		case p.outbound <- chunk:
		default:
			p.metrics.RecordDrop("softphone_outbound_full")
		}
	}
	return nil
}

// paceOutbound writes one queued frame per packetization interval
func (p *PeerLeg) paceOutbound() {
	defer p.wg.Done()

	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()

	idle := 0
	for {
		select {
		case <-p.closeCh:
			return
		case <-ticker.C:
		}

		var chunk []byte
		select {
		case chunk = <-p.outbound:
			idle = 0
		default:
			idle++
			if idle < flushAfterIdle {
				continue
			}
			if chunk = p.flushTail(); chunk == nil {
				continue
			}
		}

		if p.outTrack == nil {
			continue
		}
		if err := p.outTrack.WriteSample(media.Sample{Data: chunk, Duration: audio.FrameDuration}); err != nil {
			p.logger.Debug("failed to write outbound sample", "error", err)
		}
	}
}

// flushTail returns the buffered end of an agent response padded with
// silence to a full frame, or nil while frames are still queued.
func (p *PeerLeg) flushTail() []byte {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	if len(p.outbound) > 0 {
		return nil
	}
	tail := p.chunker.Flush()
	if len(tail) == 0 {
		return nil
	}

	chunk := make([]byte, p.chunker.ChunkSize())
	n := copy(chunk, tail)
	for i := n; i < len(chunk); i++ {
		chunk[i] = ulawSilence
	}
	return chunk
}

// SessionID returns the softphone session id
func (p *PeerLeg) SessionID() string {
	return p.sessionID
}

func (p *PeerLeg) isClosed() bool {
	select {
	case <-p.closeCh:
		return true
	default:
		return false
	}
}

// Close closes the peer connection and waits for its goroutines
func (p *PeerLeg) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		close(p.closeCh)
		p.mu.Unlock()
		if p.peerConn != nil {
			err = p.peerConn.Close()
		}
		p.wg.Wait()
		if p.onClose != nil {
			p.onClose()
		}
	})
	return err
}

// GetPeer returns a peer by session ID
func (m *PeerManager) GetPeer(sessionID string) *PeerLeg {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peers[sessionID]
}

func (m *PeerManager) forget(sessionID string) {
	m.mu.Lock()
	delete(m.peers, sessionID)
	m.mu.Unlock()
	m.logger.Info("peer removed", "sessionID", sessionID)
}

// Close closes all peer connections
func (m *PeerManager) Close() error {
	m.mu.RLock()
	peers := make([]*PeerLeg, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.RUnlock()

	for _, p := range peers {
		if err := p.Close(); err != nil {
			m.logger.Error("failed to close peer during shutdown", "sessionID", p.sessionID, "error", err)
		}
	}
	return nil
}

// PeerCount returns the number of active peer connections
func (m *PeerManager) PeerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}
