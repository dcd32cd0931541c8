// SPDX-License-Identifier: MIT

// Package sources defines the common one-method capability shared by the
// catalogue clients. The Aggregator holds the two fallback sources through
// it as two fixed fields (secondary, tertiary), not as an ordered list, and
// holds the primary source as its concrete *catalogindex.Client type.
package sources

import (
	"context"
	"time"

	"github.com/shelfsync/reconciler/internal/provider"
)

// Record is a single source's answer for one (imdbId, country) query: the
// resolved catalogue id (if the source has one) and the offers it found.
type Record struct {
	CatalogID string
	Offers    map[string]provider.Offer // canonical provider key -> Offer
}

// Client is the one-method capability the Aggregator composes over.
type Client interface {
	// Name is the source tag recorded on Offer.Source and used as the
	// cache/metrics/quota/breaker label ("primary", "secondary", "tertiary").
	Name() string
	Lookup(ctx context.Context, imdbID, country string) (*Record, error)
}

// DefaultRequestTimeout is the per-request HTTP timeout shared by all
// three source clients.
const DefaultRequestTimeout = 30 * time.Second
