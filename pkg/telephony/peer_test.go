package telephony

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

func TestPeerLegFrameSequence(t *testing.T) {
	p := newPeerLeg("sess-1", nil, slog.Default())
	defer p.Close()

	p.deliver(nil)
	p.deliver([]byte{0x7f, 0x7f})
	p.deliver([]byte{0x00})
	p.end()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	want := []FrameKind{FrameStart, FrameMedia, FrameMedia, FrameStop}
	for i, kind := range want {
		f, err := p.Next(ctx)
		if err != nil {
			t.Fatalf("frame %d: Next failed: %v", i, err)
		}
		if f.Kind != kind {
			t.Fatalf("frame %d: kind = %s, want %s", i, f.Kind, kind)
		}
		if kind == FrameStart && f.CallID != "sess-1" {
			t.Errorf("start CallID = %q, want sess-1", f.CallID)
		}
	}

	if _, err := p.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Next after stop = %v, want io.EOF", err)
	}
}

func TestPeerLegEndedBeforeAudio(t *testing.T) {
	p := newPeerLeg("sess-2", nil, slog.Default())
	defer p.Close()

	p.end()
	if _, err := p.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("Next = %v, want io.EOF", err)
	}
}

func TestPeerLegNextHonoursCancellation(t *testing.T) {
	p := newPeerLeg("sess-3", nil, slog.Default())
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if _, err := p.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Next = %v, want context.Canceled", err)
	}
}

func TestPeerLegSendAudioChunksFrames(t *testing.T) {
	p := newPeerLeg("sess-4", nil, slog.Default())
	defer p.Close()

	if err := p.SendAudio(make([]byte, 400)); err != nil {
		t.Fatalf("SendAudio failed: %v", err)
	}
	if got := len(p.outbound); got != 2 {
		t.Fatalf("queued %d frames, want 2", got)
	}
	if got := len(<-p.outbound); got != 160 {
		t.Errorf("frame size = %d, want 160", got)
	}

	p.Close()
	if err := p.SendAudio([]byte{1}); !errors.Is(err, ErrLegClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrLegClosed", err)
	}
}

func TestPeerLegFlushesResponseTail(t *testing.T) {
	p := newPeerLeg("sess-5", nil, slog.Default())
	defer p.Close()

	tail := []byte{1, 2, 3}
	if err := p.SendAudio(append(make([]byte, 160), tail...)); err != nil {
		t.Fatalf("SendAudio failed: %v", err)
	}

	if got := p.flushTail(); got != nil {
		t.Fatalf("flushTail with queued frames = %d bytes, want nil", len(got))
	}
	<-p.outbound

	chunk := p.flushTail()
	if len(chunk) != 160 {
		t.Fatalf("tail frame size = %d, want 160", len(chunk))
	}
	for i, b := range chunk {
		want := byte(ulawSilence)
		if i < len(tail) {
			want = tail[i]
		}
		if b != want {
			t.Fatalf("tail frame[%d] = %#x, want %#x", i, b, want)
		}
	}

	if got := p.flushTail(); got != nil {
		t.Errorf("second flushTail = %d bytes, want nil", len(got))
	}
}

func TestPeerLegNoReadersAfterClose(t *testing.T) {
	p := newPeerLeg("sess-6", nil, slog.Default())
	p.Close()

	if p.startReader() {
		t.Error("startReader succeeded on a closed leg")
	}
}

func TestPeerManagerSoftphoneCall(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping WebRTC loopback test in short mode")
	}

	manager, err := NewPeerManager(PeerConfig{IncludeLoopback: true, GatherTimeout: 3 * time.Second}, nil, nil)
	if err != nil {
		t.Fatalf("NewPeerManager failed: %v", err)
	}
	defer manager.Close()

	// The browser side: a PCMU sender.
	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{RTPCodecCapability: PCMUCodec, PayloadType: 0}, webrtc.RTPCodecTypeAudio); err != nil {
		t.Fatalf("RegisterCodec failed: %v", err)
	}
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	browser, err := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se)).NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection failed: %v", err)
	}
	defer browser.Close()

	mic, err := webrtc.NewTrackLocalStaticSample(PCMUCodec, "audio", "browser")
	if err != nil {
		t.Fatalf("NewTrackLocalStaticSample failed: %v", err)
	}
	if _, err := browser.AddTrack(mic); err != nil {
		t.Fatalf("AddTrack failed: %v", err)
	}

	offer, err := browser.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(browser)
	if err := browser.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription failed: %v", err)
	}
	<-gathered

	leg, err := manager.CreatePeer("softphone-1")
	if err != nil {
		t.Fatalf("CreatePeer failed: %v", err)
	}
	if manager.PeerCount() != 1 || manager.GetPeer("softphone-1") != leg {
		t.Fatal("peer not registered")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	answer, err := manager.Answer(ctx, leg, browser.LocalDescription().SDP)
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if err := browser.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		t.Fatalf("SetRemoteDescription failed: %v", err)
	}

	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mic.WriteSample(media.Sample{Data: make([]byte, 160), Duration: 20 * time.Millisecond})
			}
		}
	}()

	f, err := leg.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if f.Kind != FrameStart || f.CallID != "softphone-1" {
		t.Fatalf("first frame = %+v, want start", f)
	}
	f, err = leg.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if f.Kind != FrameMedia || len(f.Payload) == 0 {
		t.Errorf("second frame = %+v, want media", f)
	}

	leg.Close()
	if manager.PeerCount() != 0 {
		t.Errorf("peer count after close = %d, want 0", manager.PeerCount())
	}
}
