// Package model holds the shared domain types of the aggregation engine:
// routes, rider reports, moderation flags, trust records, summaries and
// reliability samples. It has no behaviour beyond small enum validators so
// that every other package can depend on it without cycles.
package model
