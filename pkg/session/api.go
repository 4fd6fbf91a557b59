package session

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/silviot/phone_voice_relay_go/pkg/telephony"
)

// MediaStreamPath is where Twilio opens the media stream websocket
const MediaStreamPath = "/media-stream"

const maxCandidateBody = 64 << 10

// Twilio connects without an Origin header
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// twimlResponse is the TwiML document returned for incoming calls
type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

// SoftphoneOffer is the browser SDP offer
type SoftphoneOffer struct {
	SDP  string `json:"sdp"`
	Type string `json:"type,omitempty"`
}

// SoftphoneAnswer is the server SDP answer
type SoftphoneAnswer struct {
	SessionID string `json:"session_id"`
	SDP       string `json:"sdp"`
	Type      string `json:"type"`
}

// Routes registers the call endpoints on mux
func (m *Manager) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /incoming-call", m.verifyTwilio(m.HandleIncomingCall))
	mux.HandleFunc("POST /call-status", m.verifyTwilio(m.HandleCallStatus))
	mux.HandleFunc("GET "+MediaStreamPath, m.HandleMediaStream)
	mux.HandleFunc("GET /health", m.HandleHealth)

	mux.HandleFunc("GET /api/v1/calls", m.HandleListCalls)
	mux.HandleFunc("DELETE /api/v1/calls/{callID}", m.HandleHangupCall)

	if m.cfg.Peers != nil {
		mux.HandleFunc("POST /api/v1/softphone/offer", m.HandleSoftphoneOffer)
		mux.HandleFunc("POST /api/v1/softphone/{sessionID}/candidate", m.HandleSoftphoneCandidate)
	}

	if m.metrics != nil {
		mux.Handle("GET /metrics", m.metrics.Handler())
	}
}

// verifyTwilio rejects webhook requests without a valid Twilio signature
func (m *Manager) verifyTwilio(next http.HandlerFunc) http.HandlerFunc {
	if m.cfg.AuthToken == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}

		fullURL := "https://" + m.publicHost(r, false) + r.URL.RequestURI()
		if err := telephony.ValidateSignature(m.cfg.AuthToken, fullURL, r.PostForm, r.Header.Get(telephony.SignatureHeader)); err != nil {
			m.logger.Warn("rejecting unsigned webhook", "path", r.URL.Path, "remote", r.RemoteAddr)
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

// publicHost returns the configured public host or the request host,
// optionally without its port
func (m *Manager) publicHost(r *http.Request, stripPort bool) string {
	if m.cfg.PublicHost != "" {
		return m.cfg.PublicHost
	}
	host := r.Host
	if stripPort {
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
	}
	return host
}

// HandleIncomingCall handles POST /incoming-call, directing Twilio to the media stream
func (m *Manager) HandleIncomingCall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	streamURL := "wss://" + m.publicHost(r, true) + MediaStreamPath

	m.logger.Info("incoming call", "callSid", r.PostFormValue("CallSid"), "from", r.PostFormValue("From"), "stream", streamURL)

	body, err := xml.Marshal(twimlResponse{Connect: twimlConnect{Stream: twimlStream{URL: streamURL}}})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	io.WriteString(w, xml.Header)
	w.Write(body)
}

// HandleCallStatus handles POST /call-status callbacks
func (m *Manager) HandleCallStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	m.logger.Info("call status", "callSid", r.PostFormValue("CallSid"), "status", r.PostFormValue("CallStatus"))
	w.WriteHeader(http.StatusOK)
}

// HandleHealth handles GET /health
func (m *Manager) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "healthy",
		"calls":  m.CallCount(),
	})
}

// HandleMediaStream handles GET /media-stream, relaying the Twilio stream
func (m *Manager) HandleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("media stream upgrade failed", "error", err)
		return
	}

	stream := telephony.NewTwilioStream(conn, telephony.StreamConfig{
		ReadTimeout: m.cfg.ReadTimeout,
		Metrics:     m.metrics,
		Logger:      m.logger,
	})

	if _, err := m.StartCall(SourceTwilio, stream); err != nil {
		m.logger.Error("failed to start call", "error", err)
	}
}

// HandleSoftphoneOffer handles POST /api/v1/softphone/offer
func (m *Manager) HandleSoftphoneOffer(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var offer SoftphoneOffer
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid request body"})
		return
	}
	if offer.SDP == "" {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "sdp required"})
		return
	}

	sessionID := uuid.NewString()
	leg, err := m.cfg.Peers.CreatePeer(sessionID)
	if err != nil {
		m.logger.Error("failed to create softphone peer", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	answer, err := m.cfg.Peers.Answer(r.Context(), leg, offer.SDP)
	if err != nil {
		leg.Close()
		m.logger.Error("failed to answer softphone offer", "sessionID", sessionID, "error", err)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	if _, err := m.StartCall(SourceSoftphone, leg); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	json.NewEncoder(w).Encode(SoftphoneAnswer{SessionID: sessionID, SDP: answer, Type: "answer"})
}

// HandleSoftphoneCandidate handles POST /api/v1/softphone/{sessionID}/candidate
func (m *Manager) HandleSoftphoneCandidate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	sessionID := r.PathValue("sessionID")
	leg := m.cfg.Peers.GetPeer(sessionID)
	if leg == nil {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "session not found"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCandidateBody))
	if err != nil || len(strings.TrimSpace(string(body))) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "candidate required"})
		return
	}

	if err := leg.AddICECandidate(string(body)); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleListCalls handles GET /api/v1/calls
func (m *Manager) HandleListCalls(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"calls": m.Calls(),
	})
}

// HandleHangupCall handles DELETE /api/v1/calls/{callID}
func (m *Manager) HandleHangupCall(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	callID := r.PathValue("callID")
	if err := m.HangupCall(callID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrCallNotFound) {
			status = http.StatusNotFound
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	json.NewEncoder(w).Encode(map[string]string{
		"status": "hung_up",
		"callID": callID,
	})
}
