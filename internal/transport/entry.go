package transport

import (
	"net/http"
)

// entryDocument is the service-discovery document the firmware fetches
// first. Every URL the device will ever contact is listed here, so the
// document is the one place the external base URL matters.
type entryDocument struct {
	CzfeURL            string `json:"czfe_url"`
	TransportURL       string `json:"transport_url"`
	DirectTransportURL string `json:"direct_transport_url"`
	PassphraseURL      string `json:"passphrase_url"`
	PingURL            string `json:"ping_url"`
	ProInfoURL         string `json:"pro_info_url"`
	WeatherURL         string `json:"weather_url"`
	UploadURL          string `json:"upload_url"`
	SoftwareUpdateURL  string `json:"software_update_url"`
	ServerVersion      string `json:"server_version"`
	TierName           string `json:"tier_name"`
}

// handleEntry serves the discovery document.
func (s *Server) handleEntry(w http.ResponseWriter, _ *http.Request) {
	base := s.baseURL()
	writeJSON(w, http.StatusOK, entryDocument{
		CzfeURL:            base,
		TransportURL:       base + "/nest/transport",
		DirectTransportURL: base + "/nest/transport",
		PassphraseURL:      base + "/nest/passphrase",
		PingURL:            base + "/nest/ping",
		ProInfoURL:         base + "/nest/pro_info",
		WeatherURL:         base + "/nest/weather/v1?query=",
		UploadURL:          base + "/nest/upload",
		SoftwareUpdateURL:  "",
		ServerVersion:      s.version,
		TierName:           "hearthwire",
	})
}

// handlePing answers liveness probes.
func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleProInfo serves the static professional-install document the
// firmware renders on its tech-info screen.
func (s *Server) handleProInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pro_id":      "0000",
		"name":        "Hearthwire",
		"phone":       "",
		"support_url": "",
	})
}

// handlePassphrase issues a pairing code for the requesting device.
func (s *Server) handlePassphrase(w http.ResponseWriter, r *http.Request) {
	serial := requestSerial(r)

	key, err := s.pairing.Generate(r.Context(), serial)
	if err != nil {
		s.logger.Error("issuing entry code", "serial", serial, "error", err)
		writeUnavailable(w, "could not issue entry code")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"passphrase": key.Code,
		"expires_at": key.ExpiresAt,
	})
}

// handleWeather proxies the cached weather feed.
func (s *Server) handleWeather(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		writeBadRequest(w, "missing query parameter")
		return
	}

	payload, err := s.weather.Lookup(r.Context(), query)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if payload == nil {
		writeUnavailable(w, "weather upstream unavailable")
		return
	}
	writeJSON(w, http.StatusOK, payload)
}
