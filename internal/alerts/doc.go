// Package alerts turns summary transitions into notification events for
// subscribed identities: entering delayed or not-running, crossing a delay
// band while delayed, and a single resolved notice on recovery. Events flow
// through a bounded queue to the delivery webhook so a slow transport never
// blocks ingestion.
package alerts
