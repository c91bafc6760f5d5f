// Package boot reads the boot configuration and assembles the filesystem
// tree from it: an in-memory root, the configured mounts and the devices
// registered under devfs.
package boot

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"kvfs/pkg/mm"
	"kvfs/pkg/overlay"
)

type LogConfig struct {
	Level string `yaml:"level"`
}

type MountConfig struct {
	Target   string `yaml:"target"`
	FSType   string `yaml:"fstype"`
	Source   string `yaml:"source,omitempty"`
	ReadOnly bool   `yaml:"readonly,omitempty"`

	// Lower and Whiteout configure an overlay: Lower is a directory already
	// in the tree, shown beneath a fresh in-memory upper layer.
	Lower    string `yaml:"lower,omitempty"`
	Whiteout string `yaml:"whiteout,omitempty"`
}

type DeviceConfig struct {
	Name   string `yaml:"name"`
	Driver string `yaml:"driver"`
}

// Config is the boot file. An empty log level leaves the level from the
// environment in place.
type Config struct {
	Log     LogConfig      `yaml:"log"`
	Pages   mm.Config      `yaml:"pages"`
	Mounts  []MountConfig  `yaml:"mounts"`
	Devices []DeviceConfig `yaml:"devices"`

	// dir anchors relative mount sources; it is the config file's directory.
	dir string
}

func DefaultConfig() Config {
	return Config{
		Mounts: []MountConfig{
			{Target: "/tmp", FSType: "memfs"},
			{Target: "/dev", FSType: "devfs"},
		},
		Devices: []DeviceConfig{
			{Name: "null", Driver: "null"},
			{Name: "zero", Driver: "zero"},
			{Name: "full", Driver: "full"},
			{Name: "console", Driver: "console"},
		},
	}
}

// Parse decodes a YAML boot file. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse boot config: %w", err)
	}
	return cfg, cfg.Validate()
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	cfg.dir = filepath.Dir(path)
	return cfg, nil
}

func (c Config) source(m MountConfig) string {
	if c.dir == "" || filepath.IsAbs(m.Source) {
		return m.Source
	}
	return filepath.Join(c.dir, m.Source)
}

// under reports whether p is dir or lies beneath it.
func under(p, dir string) bool {
	p, dir = path.Clean(p), path.Clean(dir)
	return p == dir || dir == "/" || strings.HasPrefix(p, dir+"/")
}

// Validate checks what can be checked without touching the host.
func (c Config) Validate() error {
	seen := make(map[string]bool)
	for i, m := range c.Mounts {
		if len(m.Target) == 0 || m.Target[0] != '/' {
			return fmt.Errorf("mount %d: target %q is not absolute", i, m.Target)
		}
		if seen[m.Target] {
			return fmt.Errorf("mount %d: %s mounted twice", i, m.Target)
		}
		seen[m.Target] = true
		switch m.FSType {
		case "memfs", "devfs":
		case "ext2", "hostfs":
			if m.Source == "" {
				return fmt.Errorf("mount %s: %s needs a source", m.Target, m.FSType)
			}
		case "overlay":
			if len(m.Lower) == 0 || m.Lower[0] != '/' {
				return fmt.Errorf("mount %s: overlay lower %q is not absolute", m.Target, m.Lower)
			}
			if _, err := overlay.ParseWhiteoutStyle(m.Whiteout); err != nil {
				return fmt.Errorf("mount %s: %w", m.Target, err)
			}
			if under(m.Target, m.Lower) {
				return fmt.Errorf("mount %s: overlay target lies inside its lower %s", m.Target, m.Lower)
			}
		default:
			return fmt.Errorf("mount %s: unknown fstype %q", m.Target, m.FSType)
		}
	}
	for i, d := range c.Devices {
		if d.Driver == "" {
			return fmt.Errorf("device %d: no driver", i)
		}
	}
	return nil
}
