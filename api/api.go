// Package api serves the signing engine over HTTP: file and envelope
// management, signer validation, asynchronous signing with progress
// polling, and certificate revocation.
package api

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jmcleod/ironsign/credentials"
	"github.com/jmcleod/ironsign/crl"
	"github.com/jmcleod/ironsign/docmdp"
	"github.com/jmcleod/ironsign/progress"
	"github.com/jmcleod/ironsign/storage/blob"
	"github.com/jmcleod/ironsign/store"
	"github.com/jmcleod/ironsign/workflow"
)

//go:embed openapi.yaml
var openapiSpec []byte

// Enqueuer submits background jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload map[string]any) error
}

// Config holds the dependencies needed by the REST handlers.
type Config struct {
	Workflow    *workflow.Service
	Store       *store.Store
	CRL         *crl.Service
	Validator   *docmdp.Validator
	Progress    *progress.Service
	Credentials *credentials.Cache
	Content     blob.Store
	Queue       Enqueuer
	// RequestLimit caps signing and upload requests per client per minute.
	// Zero uses the default.
	RequestLimit int
	// TrustedProxies are the peers whose forwarding headers are believed.
	TrustedProxies []netip.Prefix
}

// API holds the dependencies needed by the REST handlers.
type API struct {
	Config
	audit   *auditLogger
	limiter *requestLimiter
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// New creates a new API instance.
func New(cfg Config, opts ...Option) *API {
	a := &API{Config: cfg, limiter: newRequestLimiter(cfg.RequestLimit)}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	return a
}

// Router returns a chi.Router with all API routes mounted. It is meant to
// be mounted under /api/v1.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.With(a.rateLimited).Post("/files", a.CreateFile)
	r.Post("/files/validate-signers", a.ValidateSigners)
	r.Get("/files/{fileID}", a.GetFile)
	r.Delete("/files/{fileID}", a.DeleteFile)
	r.Post("/files/{fileID}/signers", a.AddSigners)
	r.With(a.rateLimited).Post("/envelopes", a.CreateEnvelope)

	r.Route("/sign-requests/{uuid}", func(r chi.Router) {
		r.With(a.rateLimited).Post("/sign", a.Sign)
		r.Post("/cancel", a.CancelSignRequest)
		r.Get("/progress", a.GetProgress)
	})

	r.Post("/certificates/{serial}/revoke", a.RevokeCertificate)
	r.Get("/users/{userID}/certificates", a.ListUserCertificates)
	r.Delete("/users/{userID}", a.DeleteUser)

	return r
}

// Handler returns the full HTTP surface: the API under /api/v1, the public
// CRL distribution point and a health check, traced and with security
// headers applied.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/crl/{name}", a.GetCRL)
	r.Mount("/api/v1", a.Router())
	return otelhttp.NewHandler(r, "ironsign",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
}
