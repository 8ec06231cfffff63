package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/reqguard/internal/health"
	"github.com/keithlinneman/reqguard/internal/httpmw"
	"github.com/keithlinneman/reqguard/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	Health       health.Probe
	Readiness    health.Probe
	ClientIPOpts httpmw.ClientIPOptions

	// MaxBodyBytes is the transport-level body cap. Zero leaves it to the
	// pipeline's body capture stage.
	MaxBodyBytes int64

	// Gateway wraps every application route, including the 404 fallback.
	// Typically (*pipeline.Pipeline).Handler.
	Gateway func(http.Handler) http.Handler

	// Routes registers the application handlers behind Gateway.
	Routes func(chi.Router)
}
