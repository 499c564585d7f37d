// Package config provides application configuration management.
//
// The config package handles loading and validation of the
// application's configuration from YAML files and NOXRUNNER_*
// environment variables. It covers the server transport, backend
// selection (local simulation or remote executor), session storage
// parameters, and logging.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Backend mode: %s\n", cfg.Backend.Mode)
package config
