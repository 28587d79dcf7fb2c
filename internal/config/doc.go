// Package config reads process settings from the environment.
//
// Every field has an envDefault, so a bare process starts with in-memory
// audit, checkpoints and events on ports 8080 and 9090. Load parses and
// validates in one step:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	srv := http.NewServer(&http.Config{Port: cfg.HTTPPort})
package config
