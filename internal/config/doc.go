// Package config provides loading and environment overlay for gate runtime
// configuration. It exposes a Default() baseline, a JSON Load, and a
// GATE_*-prefixed env overlay.
//
// Example:
//
//	cfg := config.Default()
//	if fileCfg, err := config.Load("/etc/gate.json"); err == nil {
//	    cfg = fileCfg
//	}
//	config.FromEnv(&cfg)
package config
