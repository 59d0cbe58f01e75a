package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for a witness agent's HTTP
// surface.
//
// Route layout:
//
//	GET  /healthz                     – liveness probe (no authentication)
//	GET  /v1/verify                    – full chain verification
//	GET  /v1/search                    – hybrid-scored retrieval search
//	GET  /v1/entries                   – list entries by tier or type
//	POST /v1/entries                   – append a new entry
//	POST /v1/entries/{seq}/redact      – redact an entry's body
//	GET  /v1/anchors                   – anchor record status
//	POST /v1/anchors                   – submit an anchor
//	GET  /v1/anchors/estimate          – estimate anchor submission cost
//	POST /v1/anchors/upgrade           – check pending anchors for completion
//	GET  /v1/anchors/verify            – independently verify one anchor
//	POST /v1/index/gc                  – run decay-tier garbage collection
//	POST /v1/index/restore/{seq}       – restore an archived row
//
// signingKey is the HMAC key used to verify Bearer tokens on all /v1
// routes. Pass nil to disable JWT validation, useful in tests that cover
// only request parsing and response formatting.
func NewRouter(srv *Server, signingKey []byte) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/v1", func(r chi.Router) {
		if signingKey != nil {
			r.Use(JWTMiddleware(signingKey))
		}

		r.Get("/verify", srv.handleVerify)
		r.Get("/search", srv.handleSearch)
		r.Get("/entries", srv.handleListEntries)
		r.Post("/entries", srv.handleCreateEntry)
		r.Post("/entries/{seq}/redact", srv.handleRedactEntry)
		r.Get("/anchors", srv.handleListAnchors)
		r.Post("/anchors", srv.handleSubmitAnchor)
		r.Get("/anchors/estimate", srv.handleEstimateAnchorCost)
		r.Post("/anchors/upgrade", srv.handleUpgradeAnchors)
		r.Get("/anchors/verify", srv.handleVerifyAnchor)
		r.Post("/index/gc", srv.handleIndexGC)
		r.Post("/index/restore/{seq}", srv.handleIndexRestore)
	})

	return r
}
