package sandbox

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultUser is the container user when a profile does not set one.
const DefaultUser = "root"

// DefaultCommand runs when neither the call nor the profile gives one.
const DefaultCommand = "true"

// Profile is a named execution environment: image, user, isolation policy
// and default limits.
type Profile struct {
	Name           string `yaml:"name"`
	Image          string `yaml:"image"`
	User           string `yaml:"user,omitempty"`
	Command        string `yaml:"command,omitempty"`
	NetworkEnabled bool   `yaml:"network_enabled,omitempty"`
	ReadOnly       bool   `yaml:"read_only,omitempty"`
	Limits         Limits `yaml:"limits,omitempty"`
}

func (p Profile) user() string {
	if p.User == "" {
		return DefaultUser
	}
	return p.User
}

func (p Profile) validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	if p.Image == "" {
		return fmt.Errorf("profile %q: image is required", p.Name)
	}
	return nil
}

// profilesFile is the on-disk layout of a profiles file. Both a list and a
// name-keyed map are accepted.
type profilesFile struct {
	Profiles yaml.Node `yaml:"profiles"`
}

// FileReader reads whole files. It exists so profile loading can be tested
// without touching disk.
type FileReader interface {
	ReadFile(name string) ([]byte, error)
}

// OSFileReader implements FileReader with os.ReadFile
type OSFileReader struct{}

// ReadFile reads the named file
func (OSFileReader) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

// LoadProfilesFile parses a YAML profiles file.
func LoadProfilesFile(fs FileReader, path string) ([]Profile, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles file: %w", err)
	}
	return ParseProfiles(data)
}

// ParseProfiles decodes profiles from YAML. The document is either
//
//	profiles:
//	  - name: python
//	    image: python:3.12-slim
//
// or the map form keyed by profile name:
//
//	profiles:
//	  python:
//	    image: python:3.12-slim
func ParseProfiles(data []byte) ([]Profile, error) {
	var doc profilesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse profiles: %w", err)
	}

	switch doc.Profiles.Kind {
	case 0:
		return nil, nil
	case yaml.SequenceNode:
		var profiles []Profile
		if err := doc.Profiles.Decode(&profiles); err != nil {
			return nil, fmt.Errorf("failed to decode profiles list: %w", err)
		}
		return profiles, nil
	case yaml.MappingNode:
		profiles := make([]Profile, 0, len(doc.Profiles.Content)/2)
		for i := 0; i+1 < len(doc.Profiles.Content); i += 2 {
			var p Profile
			if err := doc.Profiles.Content[i+1].Decode(&p); err != nil {
				return nil, fmt.Errorf("failed to decode profile %q: %w", doc.Profiles.Content[i].Value, err)
			}
			p.Name = doc.Profiles.Content[i].Value
			profiles = append(profiles, p)
		}
		return profiles, nil
	default:
		return nil, fmt.Errorf("profiles must be a list or a map")
	}
}
