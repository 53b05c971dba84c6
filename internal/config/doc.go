// Package config loads the crew-gateway YAML configuration.
//
// Configuration files support ${VAR} environment variable expansion and
// duration strings for the pacing and typing-expiry policy intervals. A
// minimal config declares the HTTP address, database path, and at least one
// completion provider:
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//	database:
//	  path: "/var/lib/crew/gateway.db"
//	providers:
//	  - name: openai
//	    kind: openai
//	    api_key: "${OPENAI_API_KEY}"
//	    model: gpt-4o
//	agents:
//	  - name: Maya
//	    role: ui_designer
//	    specialization: [design, css]
//	    provider: openai
//
// The pacing interval (default 2s) and typing TTL/sweep (default 10s) are
// tunable policy, not invariants.
package config
