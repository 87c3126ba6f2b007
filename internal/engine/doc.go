// Package engine is the aggregation core of the status board.
//
// It owns one consistency unit per route — the report log and the current
// summary, guarded by a per-route mutex — so ingestion, moderation and
// recomputation for a route are mutually exclusive while routes proceed in
// parallel.
//
// Ingest validates a submission (unknown stop, missing delay, future
// timestamp), quarantines suspicious ones (duplicate cooldown, submission
// rate, low reporter trust) behind the moderation queue, and otherwise
// writes the report through the store, appends it to the log and recomputes
// the summary in place.
//
// The summary itself is a pure function of the active in-window reports and
// trust weights: weighted masses pick the status, the weighted median of
// late minutes estimates the delay, and a corroboration/trust/freshness
// blend produces the confidence score. An empty window falls back to the
// aged last-known status rather than assuming recovery.
package engine
