// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files. It supports configuration for the
// container engine, execution resource ceilings, the execution cache,
// the stale container reaper and logging.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Engine binary: %s\n", cfg.Engine.Binary)
package config
