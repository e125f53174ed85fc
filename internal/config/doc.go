// Package config loads process configuration for the broker, agents and the
// manager CLI.
//
// Values are layered: built-in defaults, then a .env file in the working
// directory, then an optional YAML or TOML file, then environment variables.
// Files may reference the environment with ${VAR}. Durations are strings such
// as "60s" or "1h"; a bare number is read as seconds.
//
//	service:
//	  name: port-scanner
//	  status_expiry: 60s
//	  pool_interval: 1h
//	transport:
//	  kind: grpc
//	  grpc_addr: ${BROKER_ADDR}
//	store:
//	  backend: sqlite
//	  path: data/scanner.db
//
// Recognized environment variables include VUMOS_ID, VUMOS_TRANSPORT,
// VUMOS_BROKER_ADDR, VUMOS_STORE, VUMOS_STORE_PATH, REDIS_URL, LOG_LEVEL,
// LOG_FORMAT, OTLP_ENDPOINT and HEALTH_ADDR.
package config
