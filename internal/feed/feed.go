package feed

import "context"

// Source is one upstream market feed. Implementations normalize raw updates
// into models.Tick records and push them onto the tick channel; the ranking
// side never sees exchange specific payloads.
type Source interface {
	Start(ctx context.Context) error
	Stop()
}
