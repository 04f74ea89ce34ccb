// Package harness wires the pieces of an integration-test run together:
// run settings, the environment bootstrap, the per-test scoped instance
// session, diagnostics collection and run reporting.
package harness

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/alexandremahdhaoui/seedtest/pkg/cloud"
	"github.com/alexandremahdhaoui/seedtest/pkg/platform"
)

// ErrInvalidSettings indicates the run configuration is unusable. Raised
// at load time, before any instance is launched.
var ErrInvalidSettings = errors.New("invalid harness settings")

// CollectLogsPolicy controls when instance diagnostics are collected.
// Read once at session teardown, never mutated during a run.
type CollectLogsPolicy string

const (
	CollectNever   CollectLogsPolicy = "never"
	CollectOnError CollectLogsPolicy = "on_error"
	CollectAlways  CollectLogsPolicy = "always"
)

// ParseCollectLogsPolicy validates a configured policy name.
func ParseCollectLogsPolicy(s string) (CollectLogsPolicy, error) {
	switch p := CollectLogsPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case CollectNever, CollectOnError, CollectAlways:
		return p, nil
	default:
		return "", fmt.Errorf("%w: collectLogs must be one of never, on_error, always; got %q", ErrInvalidSettings, s)
	}
}

// SourceMode names how the target seedinit build is obtained.
type SourceMode string

const (
	// SourceNone runs against whatever build the image already carries.
	SourceNone SourceMode = "none"
	// SourceInPlace mounts the local source tree into each instance.
	// Only works on LXD platforms.
	SourceInPlace SourceMode = "in_place"
	// SourceProposed installs the build staged in the distribution's
	// proposed channel.
	SourceProposed SourceMode = "proposed"
	// SourcePPA installs from a named package archive reference.
	SourcePPA SourceMode = "ppa"
	// SourceDeb installs a locally built package file.
	SourceDeb SourceMode = "deb"
)

// Source is the parsed build-source configuration.
type Source struct {
	Mode SourceMode
	// Ref carries the PPA reference or the package file path, depending
	// on Mode.
	Ref string
}

// ParseSource interprets the configured source value. An unrecognized
// value is a fatal configuration error, raised before any instance is
// launched.
func ParseSource(s string) (Source, error) {
	v := strings.TrimSpace(s)
	switch v {
	case "", string(SourceNone):
		return Source{Mode: SourceNone}, nil
	case string(SourceInPlace):
		return Source{Mode: SourceInPlace}, nil
	case string(SourceProposed):
		return Source{Mode: SourceProposed}, nil
	}
	if strings.HasPrefix(v, "ppa:") {
		return Source{Mode: SourcePPA, Ref: v}, nil
	}
	if info, err := os.Stat(v); err == nil && !info.IsDir() {
		return Source{Mode: SourceDeb, Ref: v}, nil
	}
	return Source{}, fmt.Errorf(
		"%w: source must be none, in_place, proposed, a ppa: reference or an existing package file; got %q",
		ErrInvalidSettings, s)
}

// Settings is the raw run configuration, loaded from an optional YAML
// file with SEEDTEST_* environment overrides on top.
type Settings struct {
	Platform     string `yaml:"platform"`
	Image        string `yaml:"image"`
	Source       string `yaml:"source"`
	CollectLogs  string `yaml:"collectLogs"`
	LocalLogPath string `yaml:"localLogPath"`
	NamePrefix   string `yaml:"namePrefix"`
	KeepInstance bool   `yaml:"keepInstance"`

	EC2 EC2Settings `yaml:"ec2"`
	LXD LXDSettings `yaml:"lxd"`
}

// EC2Settings configures the ec2 platform.
type EC2Settings struct {
	Region       string `yaml:"region"`
	InstanceType string `yaml:"instanceType"`
	SSHUser      string `yaml:"sshUser"`
	SSHKeyPath   string `yaml:"sshKeyPath"`
}

// LXDSettings configures the LXD platforms.
type LXDSettings struct {
	// SourceDir is the local agent source tree for in_place runs.
	SourceDir string `yaml:"sourceDir"`
}

// DefaultSettings returns the built-in defaults: local containers,
// collect-on-error, logs under /tmp.
func DefaultSettings() Settings {
	return Settings{
		Platform:     string(platform.LXDContainer),
		Source:       string(SourceNone),
		CollectLogs:  string(CollectOnError),
		LocalLogPath: "/tmp/seedtest-logs",
		NamePrefix:   "seedtest",
	}
}

// LoadSettings reads the settings file at path (if path is "" or the
// file does not exist the defaults are used) and applies environment
// overrides.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &s); err != nil {
				return Settings{}, fmt.Errorf("%w: failed to parse %s: %v", ErrInvalidSettings, path, err)
			}
		case os.IsNotExist(err):
			// Fall through to defaults and environment.
		default:
			return Settings{}, fmt.Errorf("%w: failed to read %s: %v", ErrInvalidSettings, path, err)
		}
	}

	applyEnv(&s)
	return s, nil
}

func applyEnv(s *Settings) {
	setIfEnv := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setIfEnv(&s.Platform, "SEEDTEST_PLATFORM")
	setIfEnv(&s.Image, "SEEDTEST_IMAGE")
	setIfEnv(&s.Source, "SEEDTEST_SOURCE")
	setIfEnv(&s.CollectLogs, "SEEDTEST_COLLECT_LOGS")
	setIfEnv(&s.LocalLogPath, "SEEDTEST_LOCAL_LOG_PATH")
	setIfEnv(&s.NamePrefix, "SEEDTEST_NAME_PREFIX")
	setIfEnv(&s.EC2.Region, "SEEDTEST_EC2_REGION")
	setIfEnv(&s.EC2.SSHKeyPath, "SEEDTEST_EC2_SSH_KEY_PATH")
	setIfEnv(&s.LXD.SourceDir, "SEEDTEST_LXD_SOURCE_DIR")
	if v := os.Getenv("SEEDTEST_KEEP_INSTANCE"); v != "" {
		s.KeepInstance = v == "1" || strings.EqualFold(v, "true")
	}
}

// Config is the validated, typed view of Settings a run operates on.
// Immutable once built.
type Config struct {
	Platform     platform.Identity
	OS           platform.OS
	Image        string
	Source       Source
	CollectLogs  CollectLogsPolicy
	LocalLogPath string
	NamePrefix   string
	KeepInstance bool

	EC2 EC2Settings
	LXD LXDSettings
}

// Validate checks the raw settings against the cloud registry and returns
// the typed configuration. All faults are collected so the operator sees
// every problem at once.
func (s Settings) Validate(reg *cloud.Registry) (*Config, error) {
	var errs []error

	id, err := platform.Parse(s.Platform)
	if err != nil {
		errs = append(errs, err)
	} else if err := reg.Validate(id); err != nil {
		errs = append(errs, err)
	}

	source, err := ParseSource(s.Source)
	if err != nil {
		errs = append(errs, err)
	}
	if source.Mode == SourceInPlace && err == nil {
		if id != "" && !id.IsLXD() {
			errs = append(errs, fmt.Errorf("%w: in_place source only works on LXD platforms, not %s", ErrInvalidSettings, id))
		}
		if s.LXD.SourceDir == "" {
			errs = append(errs, fmt.Errorf("%w: in_place source requires lxd.sourceDir", ErrInvalidSettings))
		}
	}

	policy, err := ParseCollectLogsPolicy(s.CollectLogs)
	if err != nil {
		errs = append(errs, err)
	}

	if s.LocalLogPath == "" {
		errs = append(errs, fmt.Errorf("%w: localLogPath must not be empty", ErrInvalidSettings))
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return &Config{
		Platform:     id,
		OS:           platform.OSFromImage(s.Image),
		Image:        s.Image,
		Source:       source,
		CollectLogs:  policy,
		LocalLogPath: s.LocalLogPath,
		NamePrefix:   s.NamePrefix,
		KeepInstance: s.KeepInstance,
		EC2:          s.EC2,
		LXD:          s.LXD,
	}, nil
}
