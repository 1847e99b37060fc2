// Package signaling exposes the HTTPS surface: offer/answer exchange and
// single-use key issuance.
package signaling

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/UE2020/tenebra/internal/config"
	"github.com/UE2020/tenebra/internal/keystore"
	"github.com/UE2020/tenebra/internal/logging"
)

var log = logging.L("signaling")

// SessionStarter answers an offer and spawns the session task. Implemented
// by the rtc manager.
type SessionStarter interface {
	StartSession(offerB64 string, permission keystore.Permission, showMouse bool) (string, error)
}

type createKeyRequest struct {
	Password string `json:"password"`
	ViewOnly bool   `json:"view_only"`
}

type offerRequest struct {
	Password  string `json:"password,omitempty"`
	Key       string `json:"key,omitempty"`
	Offer     string `json:"offer"`
	ShowMouse bool   `json:"show_mouse"`
}

type offerResponse struct {
	Offer string `json:"Offer,omitempty"`
	Error string `json:"Error,omitempty"`
}

const legalNotice = `This machine is serving a remote desktop session.
Unauthorized access is prohibited. By connecting you assert that you are
authorized by the machine's operator, and you accept that all input you
send will be replayed on the host.`

// Server is the TLS signaling endpoint.
type Server struct {
	cfg      *config.Config
	keys     *keystore.Store
	sessions SessionStarter
}

func New(cfg *config.Config, keys *keystore.Store, sessions SessionStarter) *Server {
	return &Server{cfg: cfg, keys: keys, sessions: sessions}
}

// Handler builds the route table with permissive CORS on every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome)
	mux.HandleFunc("/create_key", s.handleCreateKey)
	mux.HandleFunc("/offer", s.handleOffer)
	return corsPermissive(mux)
}

// ListenAndServe blocks serving TLS on the configured port.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	log.Info("signaling listening", "addr", addr)
	server := &http.Server{Addr: addr, Handler: s.Handler()}
	return server.ListenAndServeTLS(s.cfg.Cert, s.cfg.Key)
}

func corsPermissive(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "tenebra remote desktop\n\n")
	fmt.Fprintf(w, "port:             %d\n", s.cfg.Port)
	fmt.Fprintf(w, "target bitrate:   %d kbps\n", s.cfg.TargetBitrate)
	fmt.Fprintf(w, "capture origin:   (%d, %d)\n", s.cfg.StartX, s.cfg.StartY)
	if s.cfg.EndX != nil && s.cfg.EndY != nil {
		fmt.Fprintf(w, "capture end:      (%d, %d)\n", *s.cfg.EndX, *s.cfg.EndY)
	}
	fmt.Fprintf(w, "sound forwarding: %v\n", s.cfg.SoundForwarding)
	fmt.Fprintf(w, "hardware encode:  %v\n", s.cfg.VAAPI)
	fmt.Fprintf(w, "full chroma:      %v\n", s.cfg.FullChroma)
	fmt.Fprintf(w, "tcp upnp:         %v\n", s.cfg.TCPUPnP)
	fmt.Fprintf(w, "\n%s\n", legalNotice)
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if !s.passwordMatches(req.Password) {
		log.Warn("create_key with wrong password", "remote", r.RemoteAddr)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	permission := keystore.FullControl
	if req.ViewOnly {
		permission = keystore.ViewOnly
	}
	key := s.keys.CreateKey(permission)
	log.Info("issued key", "permission", permission.String(), "remote", r.RemoteAddr)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, key)
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req offerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOfferResponse(w, http.StatusBadRequest, offerResponse{Error: "Malformed request."})
		return
	}

	permission, ok := s.authenticate(req)
	if !ok {
		log.Warn("offer rejected", "remote", r.RemoteAddr)
		writeOfferResponse(w, http.StatusUnauthorized, offerResponse{Error: "Unauthorized."})
		return
	}

	log.Info("offer accepted", "permission", permission.String(), "remote", r.RemoteAddr)
	answer, err := s.sessions.StartSession(req.Offer, permission, req.ShowMouse)
	if err != nil {
		log.Error("session start failed", "error", err)
		writeOfferResponse(w, http.StatusInternalServerError, offerResponse{Error: "Internal error."})
		return
	}

	writeOfferResponse(w, http.StatusOK, offerResponse{Offer: answer})
}

// authenticate accepts exactly one credential: a password grants full
// control; a key is redeemed single-use for its stored permission.
func (s *Server) authenticate(req offerRequest) (keystore.Permission, bool) {
	switch {
	case req.Password != "" && req.Key != "":
		return 0, false
	case req.Password != "":
		if !s.passwordMatches(req.Password) {
			return 0, false
		}
		return keystore.FullControl, true
	case req.Key != "":
		return s.keys.UseKey(req.Key)
	default:
		return 0, false
	}
}

func (s *Server) passwordMatches(candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(s.cfg.Password)) == 1
}

func writeOfferResponse(w http.ResponseWriter, status int, resp offerResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
