// Package config loads the gradebox configuration.
//
// Settings come from config.yaml (or an explicit path) and from GRADEBOX_*
// environment variables, where GRADEBOX_BROKER_ADDRESS overrides
// broker.address. Every key has a default, so an empty file yields a local
// Docker engine with a Redis broker on localhost.
//
//	cfg, err := config.Load("/etc/gradebox/config.yaml")
//	if err != nil {
//	    return err
//	}
//	timeout := cfg.ResponseTimeout()
package config
