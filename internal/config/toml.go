package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// ErrTOMLReadBytes is returned by TOMLFileProvider.ReadBytes; koanf calls Read instead.
var ErrTOMLReadBytes = errors.New("toml provider does not support ReadBytes")

// TOMLFileProvider is a koanf provider that decodes a TOML file into a nested map.
//
// Example file:
//
//	home_root = "/mnt/efs/stat-100a-home"
//	course_code = "STAT100a"
//
//	[lock]
//	max_wait = "2m"
//
//	[mirror]
//	backend = "native"
//	exclude = [".cache/", "*.pyc"]
type TOMLFileProvider struct {
	path string
}

// TOMLFile returns a provider for the TOML file at path.
func TOMLFile(path string) *TOMLFileProvider {
	return &TOMLFileProvider{path: path}
}

// ReadBytes is not supported.
func (p *TOMLFileProvider) ReadBytes() ([]byte, error) {
	return nil, ErrTOMLReadBytes
}

// Read decodes the file.
func (p *TOMLFileProvider) Read() (map[string]any, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p.path, err)
	}

	values := map[string]any{}
	if _, err := toml.Decode(string(data), &values); err != nil {
		return nil, fmt.Errorf("parse %s: %w", p.path, err)
	}

	return values, nil
}
