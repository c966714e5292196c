// Package config loads daemon configuration.
//
// Values come from three layers, later ones winning:
//   - Default(): the standard platform limits
//   - an optional YAML (.yaml, .yml) or TOML (.toml) file named by BUS_CONFIG_FILE
//   - BUS_* environment variables
//
// Sections:
//   - Limits: pipe, route, destination and pool sizing
//   - Events: event filters, history and the republish message id
//   - Server: diagnostics HTTP server
//   - RateLimit: per-client API rate limiting
//   - Logging: level and output format
//   - Reports: where info dumps are written
//
// Environment Variables:
//   - BUS_LIMITS_MAX_PIPES, BUS_LIMITS_BLOCK_SIZES=64,256,1024
//   - BUS_EVENTS_MSG_ID
//   - BUS_SERVER_PORT, BUS_SERVER_HOST, BUS_SERVER_ENABLED
//   - BUS_RATE_LIMIT_RPS, BUS_RATE_LIMIT_BURST
//   - BUS_LOG_LEVEL, BUS_LOG_DEV
package config
