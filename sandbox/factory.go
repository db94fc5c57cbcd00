package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/gradebox/config"
)

// NewRuntime creates the container runtime selected by backend
func NewRuntime(logger *zap.Logger, backend, endpoint string, pullImages bool) (ContainerRuntime, error) {
	switch backend {
	case "docker":
		rt, err := NewDockerRuntime(logger, endpoint, WithDockerPullImages(pullImages))
		if err != nil {
			return nil, err
		}
		return rt, nil
	case "podman":
		return NewPodmanRuntime(logger, endpoint, WithPodmanPullImages(pullImages)), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}
}

// NewRuntimeFromConfig creates the container runtime described by the
// runtime section of the configuration
func NewRuntimeFromConfig(logger *zap.Logger, cfg *config.Config) (ContainerRuntime, error) {
	return NewRuntime(logger, cfg.Runtime.Backend, cfg.Runtime.Endpoint, cfg.Runtime.PullImages)
}

// RuntimeFactoryFromConfig connects to new endpoints with the configured
// backend, for engines whose endpoint is reconfigured at runtime
func RuntimeFactoryFromConfig(logger *zap.Logger, cfg *config.Config) RuntimeFactory {
	backend, pullImages := cfg.Runtime.Backend, cfg.Runtime.PullImages
	return func(endpoint string) (ContainerRuntime, error) {
		return NewRuntime(logger, backend, endpoint, pullImages)
	}
}

// LimitsFromConfig converts configured limits
func LimitsFromConfig(l config.LimitsConfig) Limits {
	return Limits{
		CPUTimeSeconds:  l.CPUTime,
		WallTimeSeconds: l.RealTime,
		MemoryMB:        l.Memory,
		MaxProcesses:    l.NumProcs,
	}
}

// ProfilesFromConfig collects the profiles of the configuration, those
// inline first, then those from the profiles file.
func ProfilesFromConfig(cfg *config.Config, fs FileReader) ([]Profile, error) {
	profiles := make([]Profile, 0, len(cfg.Profiles))
	for _, p := range cfg.Profiles {
		profiles = append(profiles, Profile{
			Name:           p.Name,
			Image:          p.Image,
			User:           p.User,
			Command:        p.Command,
			NetworkEnabled: p.NetworkEnabled,
			ReadOnly:       p.ReadOnly,
			Limits:         LimitsFromConfig(p.Limits),
		})
	}

	if cfg.ProfilesFile != "" {
		fromFile, err := LoadProfilesFile(fs, cfg.ProfilesFile)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, fromFile...)
	}

	return profiles, nil
}

// NewRegistryFromConfig creates a registry holding the configured profiles
func NewRegistryFromConfig(cfg *config.Config, fs FileReader) (*Registry, error) {
	profiles, err := ProfilesFromConfig(cfg, fs)
	if err != nil {
		return nil, err
	}
	return NewRegistry(profiles, cfg.Runtime.Endpoint)
}

// EngineOptionsFromConfig maps the sandbox section of the configuration to
// engine options
func EngineOptionsFromConfig(cfg *config.Config) []EngineOption {
	opts := []EngineOption{
		WithDefaultLimits(LimitsFromConfig(cfg.Sandbox.DefaultLimits)),
		WithMaxOutputBytes(cfg.Sandbox.MaxOutputBytes),
		WithCPUToWallTimeFactor(cfg.Sandbox.CPUToWallTimeFactor),
	}
	if cfg.Runtime.VolumePrefix != "" {
		opts = append(opts, WithNamePrefix(cfg.Runtime.VolumePrefix))
	}
	if cfg.Sandbox.CleanupTimeoutSec > 0 {
		opts = append(opts, WithCleanupTimeout(cfg.CleanupTimeout()))
	}
	return opts
}
