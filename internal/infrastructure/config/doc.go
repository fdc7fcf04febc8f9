// Package config handles loading and validating relay configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with RELAY_* environment variables
//   - Validation of required fields and cross-field constraints
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (passwords, tokens, DSNs) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//   - The JWT secret signs both device and listener credentials
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if cfg.LocalOnly() {
//	    // no cross-instance bus configured
//	}
package config
