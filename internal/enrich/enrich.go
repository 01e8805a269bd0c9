// Package enrich adds reputation and geolocation context to a threat hit
// before it becomes an alert: AbuseIPDB-style reputation scoring backed
// by a cache, and MaxMind-format geolocation, both skipping private and
// reserved addresses.
package enrich

import "context"

// Enrichment is the combined result attached to an alert.
type Enrichment struct {
	Reputation *Reputation
	SourceGeo  *GeoLocation
	DestGeo    *GeoLocation
}

// Enricher wires the reputation client and geo provider together.
type Enricher struct {
	reputation *ReputationClient
	geo        *GeoProvider
}

// New builds an Enricher. Either dependency may be nil-equivalent
// (reputation client with no API key, geo provider with no database) and
// enrichment degrades gracefully rather than failing.
func New(reputation *ReputationClient, geo *GeoProvider) *Enricher {
	return &Enricher{reputation: reputation, geo: geo}
}

// Enrich resolves reputation for srcIP and geolocation for both
// addresses. A reputation lookup error is returned to the caller (the
// alert still gets emitted without reputation data); a geo lookup error
// never aborts enrichment since geolocation is best-effort.
func (e *Enricher) Enrich(ctx context.Context, srcIP, dstIP string) (*Enrichment, error) {
	result := &Enrichment{}

	if e.reputation != nil {
		rep, err := e.reputation.Check(ctx, srcIP)
		if err != nil {
			return result, err
		}
		result.Reputation = rep
	}

	if e.geo != nil {
		if loc, err := e.geo.Lookup(srcIP); err == nil {
			result.SourceGeo = loc
		}
		if loc, err := e.geo.Lookup(dstIP); err == nil {
			result.DestGeo = loc
		}
	}

	return result, nil
}
