// Package reliability maintains the rolling per-day on-time percentage per
// route. A periodic sampler observes each route's computed status; slices
// that were on time, or delayed within tolerance, count as reliable. The
// current day's sample stays mutable until day rollover finalizes it, and
// finalized samples beyond the retention horizon are pruned.
package reliability
