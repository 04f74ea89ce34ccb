package cloud

import (
	"context"
	"errors"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/seedtest/pkg/platform"
)

type fakeCloud struct {
	id platform.Identity
}

func (f *fakeCloud) Platform() platform.Identity { return f.id }
func (f *fakeCloud) Launch(ctx context.Context, opts LaunchOptions) (Instance, error) {
	return nil, ErrProvisionFailed
}
func (f *fakeCloud) DeleteSnapshot(ctx context.Context) error { return nil }
func (f *fakeCloud) Destroy(ctx context.Context) error        { return nil }
func (f *fakeCloud) LogSettings(log logr.Logger)              {}

func TestRegistryValidate(t *testing.T) {
	reg := NewRegistry()
	reg.Register(platform.LXDContainer, func(ctx context.Context, opts Options) (Cloud, error) {
		return &fakeCloud{id: platform.LXDContainer}, nil
	})

	tests := []struct {
		name    string
		id      platform.Identity
		wantErr error
	}{
		{
			name: "registered platform validates",
			id:   platform.LXDContainer,
		},
		{
			name:    "known but unregistered platform fails",
			id:      platform.GCE,
			wantErr: ErrPlatformNotRegistered,
		},
		{
			name:    "unknown platform fails with the platform error",
			id:      platform.Identity("digitalocean"),
			wantErr: platform.ErrUnknownPlatform,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Validate(tt.id)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRegistryBuild(t *testing.T) {
	reg := NewRegistry()
	reg.Register(platform.EC2, func(ctx context.Context, opts Options) (Cloud, error) {
		return &fakeCloud{id: platform.EC2}, nil
	})

	c, err := reg.Build(context.Background(), platform.EC2, Options{})
	require.NoError(t, err)
	assert.Equal(t, platform.EC2, c.Platform())

	_, err = reg.Build(context.Background(), platform.Azure, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPlatformNotRegistered))
}

func TestRegistrySupportedIsStable(t *testing.T) {
	reg := NewRegistry()
	reg.Register(platform.LXDVM, nil)
	reg.Register(platform.EC2, nil)
	reg.Register(platform.LXDContainer, nil)

	want := []platform.Identity{platform.EC2, platform.LXDContainer, platform.LXDVM}
	assert.Equal(t, want, reg.Supported())
	assert.Equal(t, want, reg.Supported())
}
