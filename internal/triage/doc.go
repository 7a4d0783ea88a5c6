// Package triage is the business boundary of the ticket router. Service runs
// each ticket through the idempotency guard, the classification breaker,
// urgency scoring, storm detection and skill routing, then persists the
// result and the component snapshots to the shared store.
package triage
