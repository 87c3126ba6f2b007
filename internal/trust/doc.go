// Package trust scores reporter identities in [0, 1].
//
// A new identity starts neutral at 0.5. Accepted reports nudge the weight
// up by a small step; moderator removals push it down by a larger one; kept
// flags change nothing. Idle weights drift back toward neutral so stale
// extremes cannot dominate aggregation forever.
package trust
