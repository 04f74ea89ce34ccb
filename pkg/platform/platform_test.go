package platform

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		want        Identity
		expectError bool
	}{
		{
			name:  "ec2",
			input: "ec2",
			want:  EC2,
		},
		{
			name:  "lxd container",
			input: "lxd_container",
			want:  LXDContainer,
		},
		{
			name:  "surrounding whitespace is tolerated",
			input: "  lxd_vm ",
			want:  LXDVM,
		},
		{
			name:        "unknown platform",
			input:       "digitalocean",
			expectError: true,
		},
		{
			name:        "empty",
			input:       "",
			expectError: true,
		},
		{
			name:        "case sensitive",
			input:       "EC2",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.expectError {
				assert.Error(t, err)
				assert.True(t, errors.Is(err, ErrUnknownPlatform))
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAll(t *testing.T) {
	ids := All()
	assert.Len(t, ids, 6)
	// Stable ordering: repeated calls agree.
	assert.Equal(t, ids, All())
	for _, id := range ids {
		assert.True(t, Known(id))
	}
}

func TestIdentityPredicates(t *testing.T) {
	assert.True(t, LXDContainer.IsContainer())
	assert.False(t, LXDVM.IsContainer())
	assert.False(t, EC2.IsContainer())

	assert.True(t, LXDContainer.IsLXD())
	assert.True(t, LXDVM.IsLXD())
	assert.False(t, GCE.IsLXD())
}

func TestOSFromImage(t *testing.T) {
	tests := []struct {
		name  string
		image string
		want  OS
	}{
		{name: "plain ubuntu image", image: "ubuntu:22.04", want: Ubuntu},
		{name: "ubuntu minimal", image: "ubuntu-minimal/jammy", want: Ubuntu},
		{name: "mixed case", image: "Ubuntu:24.04", want: Ubuntu},
		{name: "unknown family", image: "debian:12", want: ""},
		{name: "empty", image: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OSFromImage(tt.image))
		})
	}
}
