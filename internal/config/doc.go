// Package config handles configuration loading for chat-engine.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	chatbots:
//	  clinic:
//	    access_token: "${WHATSAPP_ACCESS_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	dispatcher:
//	  poll_interval: "1s"
//	events:
//	  poll_interval: "100ms"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Database:
//
//	database:
//	  path: "/var/lib/chat-engine/engine.db"
//
// Chatbots (one entry per WhatsApp number the engine answers for):
//
//	chatbots:
//	  clinic:
//	    phone_number_id: "104858345"
//	    access_token: "${WHATSAPP_ACCESS_TOKEN}"
//
// Operator surface:
//
//	ops:
//	  http_addr: "127.0.0.1:9090"
//	  token_hash: "$2a$10$..."        # bcrypt hash of the operator token
//	  jwt_secret: "${OPS_JWT_SECRET}" # alternative: HS256 bearer tokens
//	  metrics_path: "/metrics"
//
// Scheduling:
//
//	scheduling:
//	  general_calendar_id: "general-availability"
//	  horizon_start: "2h"
//	  horizon_end: "168h"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
