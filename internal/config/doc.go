// Package config loads the server configuration from config.yaml.
//
// Sections:
//   - server      — HTTP port, CORS origins, moderation auth, WS broadcast interval
//   - store       — durable backend selection (sqlite file or postgres URL)
//   - catalog     — path to the static route/stop catalog
//   - engine      — ingestion validation and aggregation policy knobs
//   - trust       — reputation step sizes and idle decay
//   - reliability — rollup tolerance, retention and history length
//   - alerts      — delay bands, dispatch queue size, webhook targets
//
// Load(path) applies defaults before unmarshalling, then validates.
// Watch(ctx, path, onChange) hot-reloads policy sections via fsnotify.
// Secrets (API key, webhook URLs, postgres URL) are indirected through
// environment variable names so the YAML file never holds them.
package config
