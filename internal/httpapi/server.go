// Package httpapi provides the thin read/query HTTP surface for a witness
// agent: health, chain verification, retrieval search, entry append and
// redaction, and anchor submission/status, behind JWT bearer auth.
//
// Grounded on internal/server/rest: the same Server-holds-dependencies
// shape, the same chi router layout (unauthenticated /healthz, everything
// else behind JWTMiddleware), and the same writeError/writeJSON response
// conventions, generalized from a dashboard query API over Postgres to a
// single agent's own chain, index, and anchor providers.
package httpapi

import (
	"log/slog"

	"github.com/tripwire/witness/internal/anchor"
	"github.com/tripwire/witness/internal/chain"
	"github.com/tripwire/witness/internal/index"
)

// Server holds the dependencies needed by the HTTP handlers.
type Server struct {
	Chain      *chain.Chain
	Index      *index.Index
	Anchors    map[string]anchor.Provider
	Pending    *anchor.PendingStore
	Passphrase chain.PassphraseProvider
	Logger     *slog.Logger
}

// NewServer constructs a Server. anchors maps provider name (e.g.
// "calendar", "smart_contract") to its configured Provider; passphrase may
// be nil when the chain's key mode is "raw".
func NewServer(c *chain.Chain, ix *index.Index, anchors map[string]anchor.Provider, pending *anchor.PendingStore, passphrase chain.PassphraseProvider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Chain:      c,
		Index:      ix,
		Anchors:    anchors,
		Pending:    pending,
		Passphrase: passphrase,
		Logger:     logger,
	}
}
