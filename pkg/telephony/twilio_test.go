package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// streamPair connects a test client (playing Twilio) to a TwilioStream
type streamPair struct {
	server *httptest.Server
	client *websocket.Conn
	stream *TwilioStream
}

func newStreamPair(t *testing.T, cfg StreamConfig) *streamPair {
	t.Helper()

	streamCh := make(chan *TwilioStream, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		streamCh <- NewTwilioStream(conn, cfg)
	}))

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err != nil {
		server.Close()
		t.Fatalf("dial failed: %v", err)
	}

	select {
	case stream := <-streamCh:
		return &streamPair{server: server, client: client, stream: stream}
	case <-time.After(2 * time.Second):
		t.Fatal("server never upgraded")
	}
	return nil
}

func (p *streamPair) close() {
	p.client.Close()
	p.stream.Close()
	p.server.Close()
}

func (p *streamPair) send(t *testing.T, msg string) {
	t.Helper()
	if err := p.client.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
}

func next(t *testing.T, s *TwilioStream) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	return f
}

const startMsg = `{"event":"start","sequenceNumber":"1","start":{"accountSid":"AC1","streamSid":"MZ1","callSid":"CA1","tracks":["inbound"],"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}},"streamSid":"MZ1"}`

func TestTwilioStreamFrames(t *testing.T) {
	p := newStreamPair(t, StreamConfig{})
	defer p.close()

	payload := []byte{0x7f, 0xff, 0x00, 0x10}

	p.send(t, `{"event":"connected","protocol":"Call","version":"1.0.0"}`)
	p.send(t, startMsg)
	p.send(t, `{"event":"media","streamSid":"MZ1","media":{"track":"inbound","chunk":"1","timestamp":"5","payload":"`+base64.StdEncoding.EncodeToString(payload)+`"}}`)
	p.send(t, `{"event":"mark","streamSid":"MZ1","mark":{"name":"greeting"}}`)
	p.send(t, `{"event":"stop","streamSid":"MZ1","stop":{"accountSid":"AC1","callSid":"CA1"}}`)

	start := next(t, p.stream)
	if start.Kind != FrameStart || start.CallID != "CA1" || start.StreamID != "MZ1" {
		t.Errorf("unexpected start frame: %+v", start)
	}
	if p.stream.CallID() != "CA1" {
		t.Errorf("CallID = %q", p.stream.CallID())
	}

	media := next(t, p.stream)
	if media.Kind != FrameMedia || string(media.Payload) != string(payload) {
		t.Errorf("unexpected media frame: %+v", media)
	}

	mark := next(t, p.stream)
	if mark.Kind != FrameMark || mark.Mark != "greeting" {
		t.Errorf("unexpected mark frame: %+v", mark)
	}

	if stop := next(t, p.stream); stop.Kind != FrameStop {
		t.Errorf("expected stop frame, got %s", stop.Kind)
	}
}

func TestTwilioStreamSkipsMalformedFrames(t *testing.T) {
	p := newStreamPair(t, StreamConfig{})
	defer p.close()

	p.send(t, `{not json`)
	p.send(t, `{"event":"media","streamSid":"MZ1","media":{"payload":"%%%"}}`)
	p.send(t, `{"event":"media","streamSid":"MZ1"}`)
	p.send(t, `{"event":"dtmf","dtmf":{"digit":"1"}}`)
	p.send(t, `{"event":"media","streamSid":"MZ1","media":{"payload":"AAE="}}`)

	f := next(t, p.stream)
	if f.Kind != FrameMedia || len(f.Payload) != 2 {
		t.Errorf("expected the valid media frame after malformed ones, got %+v", f)
	}
}

func TestTwilioStreamSendAudio(t *testing.T) {
	p := newStreamPair(t, StreamConfig{})
	defer p.close()

	if err := p.stream.SendAudio([]byte{1}); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("SendAudio before start = %v, want ErrNotStarted", err)
	}

	p.send(t, startMsg)
	next(t, p.stream)

	if err := p.stream.SendAudio([]byte{0x01, 0x02}); err != nil {
		t.Fatalf("SendAudio failed: %v", err)
	}

	p.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := p.client.ReadMessage()
	if err != nil {
		t.Fatalf("client read failed: %v", err)
	}

	var msg struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("outbound message is not JSON: %v", err)
	}
	if msg.Event != "media" || msg.StreamSID != "MZ1" || msg.Media.Payload != "AQI=" {
		t.Errorf("unexpected outbound message: %s", data)
	}
}

func TestTwilioStreamNextHonoursCancellation(t *testing.T) {
	p := newStreamPair(t, StreamConfig{})
	defer p.close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.stream.Next(ctx)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Next after cancel = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after cancellation")
	}
}

func TestTwilioStreamPeerClose(t *testing.T) {
	p := newStreamPair(t, StreamConfig{})
	defer p.close()

	p.client.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "hangup"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.stream.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Next after peer close = %v, want io.EOF", err)
	}
}

func TestTwilioStreamReadTimeout(t *testing.T) {
	p := newStreamPair(t, StreamConfig{ReadTimeout: 100 * time.Millisecond})
	defer p.close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := p.stream.Next(ctx)
	if err == nil || errors.Is(err, io.EOF) || ctx.Err() != nil {
		t.Errorf("expected transport timeout error, got %v", err)
	}
}

func TestTwilioStreamCloseIsIdempotent(t *testing.T) {
	p := newStreamPair(t, StreamConfig{})
	defer p.server.Close()

	if err := p.stream.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	if err := p.stream.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if err := p.stream.SendAudio([]byte{1}); !errors.Is(err, ErrLegClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrLegClosed", err)
	}
}
