// Package store persists reports, trust records, moderation flags,
// reliability samples and alert subscriptions.
package store
