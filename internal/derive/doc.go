// Package derive implements the rules that keep derived state
// consistent with raw device updates: fan-timer preservation,
// structure-id backfill, user away aggregation, and weather
// propagation.
package derive
