// Package config loads the warden daemon configuration.
//
// The main file is HCL (decoded with hclsimple) and may reference the
// environment through env("NAME"). Rule chains can be declared inline as
// rule_chain blocks or kept in a separate YAML/JSON document referenced by
// rule_chains_file, which lets the proxy tooling own that file.
//
// Example:
//
//	data_dir  = "/var/lib/warden"
//	log_level = "info"
//
//	jail {
//	  max_attempts     = 5
//	  duration_minutes = 60
//	}
//
//	metrics {
//	  listen = "127.0.0.1:9109"
//	}
//
//	audit {
//	  retention = "2160h"
//	}
//
//	rule_chain "scanner-agents" {
//	  action       = "jail"
//	  jail_minutes = 240
//	  condition {
//	    field   = "user_agent"
//	    pattern = "sqlmap|nikto|nuclei"
//	  }
//	}
package config
