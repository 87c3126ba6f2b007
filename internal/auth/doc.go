// Package auth provides API key authentication middleware for the
// moderation and operations endpoints.
//
// Authentication is optional: with mode "none" (or an unset key) the
// middleware passes every request through, which is the expected setup for
// local development. In production set mode to "apikey" and point key_env at
// an environment variable holding the shared secret.
package auth
