package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the device-facing router. Discovery, liveness,
// pro-info, and weather are open; everything touching device state
// requires a resolvable serial.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Route("/nest", func(r chi.Router) {
		r.Get("/entry", s.handleEntry)
		r.Get("/ping", s.handlePing)
		r.Get("/pro_info", s.handleProInfo)
		r.Get("/weather/v1", s.handleWeather)

		r.Group(func(r chi.Router) {
			r.Use(s.serialMiddleware)

			r.Get("/passphrase", s.handlePassphrase)
			r.Get("/transport/device/{serial}", s.handleList)
			r.Post("/transport", s.handleSubscribe)
			r.Post("/transport/put", s.handlePut)
			r.Post("/upload", s.handleUpload)
		})
	})

	return r
}
