// Package api implements the REST surface of the status board.
//
// Public endpoints:
//
//	GET  /api/v1/health                                  status counts
//	GET  /api/v1/routes                                  board: every route + summary
//	GET  /api/v1/routes/{id}                             one route + summary
//	GET  /api/v1/routes/{id}/reports?limit=N             recent active reports
//	GET  /api/v1/routes/{id}/reliability?days=N          daily on-time history
//	POST /api/v1/reports                                 rider report intake
//	PUT  /api/v1/subscriptions/{identity}/{routeID}      subscribe to alerts
//	DELETE /api/v1/subscriptions/{identity}/{routeID}    unsubscribe
//
// API key protected (see the auth package):
//
//	GET  /api/v1/moderation/flags                        pending flags
//	POST /api/v1/moderation/flags/{id}                   keep/remove decision
//	GET  /api/v1/stats                                   ops dashboard numbers
//
// Also mounted: GET /metrics (Prometheus text format) and /ws/board (the
// WebSocket live board).
//
// The intake maps ingestion outcomes to status codes: accepted 201,
// quarantined 202, rejected 422. All three bodies carry the verdict and the
// route's current summary so the client can render immediately.
package api
