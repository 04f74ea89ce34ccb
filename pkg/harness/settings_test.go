package harness

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/seedtest/pkg/cloud"
	"github.com/alexandremahdhaoui/seedtest/pkg/platform"
)

func testRegistry() *cloud.Registry {
	reg := cloud.NewRegistry()
	for _, id := range []platform.Identity{platform.LXDContainer, platform.LXDVM, platform.EC2} {
		reg.Register(id, func(_ context.Context, _ cloud.Options) (cloud.Cloud, error) {
			return nil, nil
		})
	}
	return reg
}

func TestParseCollectLogsPolicy(t *testing.T) {
	for _, tc := range []struct {
		input   string
		want    CollectLogsPolicy
		wantErr bool
	}{
		{input: "never", want: CollectNever},
		{input: "on_error", want: CollectOnError},
		{input: "always", want: CollectAlways},
		{input: " Always ", want: CollectAlways},
		{input: "sometimes", wantErr: true},
		{input: "", wantErr: true},
	} {
		t.Run(tc.input, func(t *testing.T) {
			got, err := ParseCollectLogsPolicy(tc.input)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidSettings)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseSource(t *testing.T) {
	deb := filepath.Join(t.TempDir(), "seedinit_1.0_all.deb")
	require.NoError(t, os.WriteFile(deb, []byte("not a real package"), 0o644))

	for _, tc := range []struct {
		name    string
		input   string
		want    Source
		wantErr bool
	}{
		{name: "empty means none", input: "", want: Source{Mode: SourceNone}},
		{name: "none", input: "none", want: Source{Mode: SourceNone}},
		{name: "in_place", input: "in_place", want: Source{Mode: SourceInPlace}},
		{name: "proposed", input: "proposed", want: Source{Mode: SourceProposed}},
		{name: "ppa", input: "ppa:seedinit-dev/daily", want: Source{Mode: SourcePPA, Ref: "ppa:seedinit-dev/daily"}},
		{name: "deb file", input: deb, want: Source{Mode: SourceDeb, Ref: deb}},
		{name: "missing file", input: "/no/such/package.deb", wantErr: true},
		{name: "garbage", input: "latest-and-greatest", wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseSource(tc.input)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidSettings)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestLoadSettingsDefaults(t *testing.T) {
	s, err := LoadSettings("")
	require.NoError(t, err)

	assert.Equal(t, string(platform.LXDContainer), s.Platform)
	assert.Equal(t, string(CollectOnError), s.CollectLogs)
	assert.Equal(t, "/tmp/seedtest-logs", s.LocalLogPath)
	assert.False(t, s.KeepInstance)
}

func TestLoadSettingsFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
platform: lxd_vm
collectLogs: always
ec2:
  region: eu-west-1
`), 0o644))

	t.Setenv("SEEDTEST_PLATFORM", "ec2")
	t.Setenv("SEEDTEST_KEEP_INSTANCE", "true")

	s, err := LoadSettings(path)
	require.NoError(t, err)

	// Environment wins over the file, the file wins over defaults.
	assert.Equal(t, "ec2", s.Platform)
	assert.Equal(t, "always", s.CollectLogs)
	assert.Equal(t, "eu-west-1", s.EC2.Region)
	assert.True(t, s.KeepInstance)
}

func TestLoadSettingsMissingFileUsesDefaults(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings().Platform, s.Platform)
}

func TestSettingsValidate(t *testing.T) {
	t.Run("valid settings produce a typed config", func(t *testing.T) {
		s := DefaultSettings()
		s.Image = "ubuntu:24.04"
		s.Source = "proposed"

		cfg, err := s.Validate(testRegistry())
		require.NoError(t, err)

		assert.Equal(t, platform.LXDContainer, cfg.Platform)
		assert.Equal(t, platform.Ubuntu, cfg.OS)
		assert.Equal(t, SourceProposed, cfg.Source.Mode)
		assert.Equal(t, CollectOnError, cfg.CollectLogs)
	})

	t.Run("unknown platform", func(t *testing.T) {
		s := DefaultSettings()
		s.Platform = "docker"
		_, err := s.Validate(testRegistry())
		require.ErrorIs(t, err, platform.ErrUnknownPlatform)
	})

	t.Run("known platform without a constructor", func(t *testing.T) {
		s := DefaultSettings()
		s.Platform = string(platform.GCE)
		_, err := s.Validate(testRegistry())
		require.ErrorIs(t, err, cloud.ErrPlatformNotRegistered)
	})

	t.Run("in_place rejected off LXD", func(t *testing.T) {
		s := DefaultSettings()
		s.Platform = string(platform.EC2)
		s.Source = "in_place"
		s.LXD.SourceDir = "/src/seedinit"
		_, err := s.Validate(testRegistry())
		require.ErrorIs(t, err, ErrInvalidSettings)
		assert.Contains(t, err.Error(), "in_place")
	})

	t.Run("in_place requires a source dir", func(t *testing.T) {
		s := DefaultSettings()
		s.Source = "in_place"
		_, err := s.Validate(testRegistry())
		require.ErrorIs(t, err, ErrInvalidSettings)
		assert.Contains(t, err.Error(), "sourceDir")
	})

	t.Run("faults are collected, not short-circuited", func(t *testing.T) {
		s := DefaultSettings()
		s.Platform = "docker"
		s.CollectLogs = "sometimes"
		s.LocalLogPath = ""

		_, err := s.Validate(testRegistry())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "docker")
		assert.Contains(t, err.Error(), "collectLogs")
		assert.Contains(t, err.Error(), "localLogPath")
	})

	t.Run("unknown image leaves the OS unset", func(t *testing.T) {
		s := DefaultSettings()
		s.Image = "alpine:3.20"
		cfg, err := s.Validate(testRegistry())
		require.NoError(t, err)
		assert.Empty(t, cfg.OS)
	})
}
