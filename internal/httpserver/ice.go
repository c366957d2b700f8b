package httpserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/turnrest"
)

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
	// ExpiresAt is set when TURN credentials were minted for this response.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// handleICE serves the ICE server list peers should use. With TURN REST
// configured, each response carries freshly minted TURN credentials; a
// connectionId query parameter ties them to that connection.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"code": "ice_unavailable", "message": err.Error()})
		return
	}

	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	resp := iceResponse{ICEServers: servers}

	if s.opts.TURNREST != nil {
		creds, err := s.opts.TURNREST.Generate(r.URL.Query().Get("connectionId"))
		if errors.Is(err, turnrest.ErrInvalidSessionID) {
			WriteJSON(w, http.StatusBadRequest, map[string]string{"code": "bad_message", "message": "invalid connectionId"})
			return
		}
		if err != nil {
			s.log.Error("mint turn credentials", "err", err, "request_id", r.Header.Get("X-Request-ID"))
			WriteJSON(w, http.StatusInternalServerError, map[string]string{"code": "internal_error", "message": "internal error"})
			return
		}
		resp.ICEServers = creds.Apply(servers)
		resp.ExpiresAt = &creds.Expires
	}

	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, resp)
}
