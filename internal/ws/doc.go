// Package ws implements the WebSocket hub for the live status board.
//
// Hub manages a set of connected dashboard clients and broadcasts the full
// board (every route's current summary) on a configurable interval.
//
// New(source, interval) creates a Hub.
// Hub.Run(ctx) starts the broadcast ticker; it blocks until ctx is
// cancelled, then closes all active connections.
// Hub.ServeHTTP upgrades an HTTP connection to WebSocket, sends the current
// board immediately on connect, then streams updates on each tick.
//
// Message format sent to clients:
//
//	{
//	  "event": "board",
//	  "data":  [ /* same schema as GET /api/v1/routes */ ]
//	}
//
// The upgrader accepts all origins. Apply CORS restrictions at the reverse
// proxy level. The WebSocket endpoint is mounted at /ws/board by the server.
package ws
