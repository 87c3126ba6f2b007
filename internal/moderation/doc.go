// Package moderation holds flagged reports pending a human keep/remove
// decision. Keep reverts the report to active; remove retracts it
// permanently. Either way the affected route is recomputed immediately.
package moderation
