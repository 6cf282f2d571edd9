// Package pagination follows an upstream cursor chain for one entity and turns
// each fetched page into a batch of normalized records.
//
// Canvas list endpoints return a Link header whose rel="next" URL is the
// opaque cursor for the following page; the chain ends when no next link is
// present. A Paginator is a lazy, single-threaded iterator over that chain:
//
//	p, err := pagination.New(spec, canvasClient, budget, governor, pagination.DefaultConfig(), logger)
//	for p.Next(ctx) {
//		batch := p.Batch()
//		// load batch.Records
//	}
//	if err := p.Err(); err != nil {
//		// *PageFetchError
//	}
//
// Every fetch attempt first waits on the shared ratelimit.Budget and runs under
// a retry.Governor. Entities with a fan-out first enumerate their parent keys
// (every course, then every quiz of every course) and then walk the child
// endpoint once per parent.
//
// A chain that hits Config.MaxPages stops early and is reported through
// Truncated and Warnings rather than as an error.
package pagination
