package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router for the authority.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(InstrumentMiddleware)
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	loginLimit := LoginRateLimitMiddleware(a.Config.Server.LoginRatePerMin)

	r.Route("/api/v1", func(r chi.Router) {
		r.With(loginLimit).Post("/authentication", a.handleLogin)
		r.Delete("/authentication", a.handleLogout)
		r.Post("/validate", a.handleValidate)
		r.Post("/refreshAccessToken", a.handleRefresh)

		r.Get("/client", a.handleClientLookup)
		r.Post("/client", a.handleClientRegister)
		r.Delete("/client", a.handleClientDeactivate)

		r.Get("/propagation", a.handlePropagationStatus)
		r.Post("/propagation/ack", a.handlePropagationAck)
		r.Post("/propagation/retry", a.handlePropagationRetry)
	})

	r.Get("/login", a.handleLoginPage)
	r.With(loginLimit).Post("/login", a.handleLoginSubmit)

	r.Get("/.well-known/jwks.json", a.handleJWKS)
	r.Get("/healthz", a.handleHealthz)
	r.Method(http.MethodGet, "/metrics", MetricsHandler())

	return r
}
