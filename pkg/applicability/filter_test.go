package applicability

import (
	"errors"
	"testing"

	"github.com/alexandremahdhaoui/seedtest/pkg/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldRun(t *testing.T) {
	tests := []struct {
		name        string
		marks       Marks
		current     platform.Identity
		currentOS   platform.OS
		want        Verdict
		expectError bool
	}{
		{
			name:    "no marks runs everywhere",
			marks:   NewMarks(),
			current: platform.GCE,
			want:    Run,
		},
		{
			name:    "matching platform mark runs",
			marks:   NewMarks("ec2"),
			current: platform.EC2,
			want:    Run,
		},
		{
			name:    "non matching platform mark skips",
			marks:   NewMarks("ec2"),
			current: platform.GCE,
			want:    Skip,
		},
		{
			name:    "multiple platform marks including current runs",
			marks:   NewMarks("ec2", "gce", "azure"),
			current: platform.Azure,
			want:    Run,
		},
		{
			name:    "no_container on container platform skips",
			marks:   NewMarks("no_container"),
			current: platform.LXDContainer,
			want:    Skip,
		},
		{
			name:    "no_container on machine platform runs",
			marks:   NewMarks("no_container"),
			current: platform.LXDVM,
			want:    Run,
		},
		{
			name:        "contradictory marks fail on container platform",
			marks:       NewMarks("no_container", "lxd_container"),
			current:     platform.LXDContainer,
			expectError: true,
		},
		{
			name:        "contradictory marks fail even when the platform mark would skip",
			marks:       NewMarks("no_container", "lxd_container"),
			current:     platform.EC2,
			expectError: true,
		},
		{
			name:      "os mark matching current os runs",
			marks:     NewMarks("ubuntu"),
			current:   platform.EC2,
			currentOS: platform.Ubuntu,
			want:      Run,
		},
		{
			name:      "os mark ignored when current os unset",
			marks:     NewMarks("ubuntu"),
			current:   platform.EC2,
			currentOS: "",
			want:      Run,
		},
		{
			name:      "non test-relevant marks are ignored",
			marks:     NewMarks("slow", "user_data"),
			current:   platform.OCI,
			currentOS: platform.Ubuntu,
			want:      Run,
		},
		{
			name:      "platform and os marks combine",
			marks:     NewMarks("lxd_vm", "ubuntu"),
			current:   platform.LXDVM,
			currentOS: platform.Ubuntu,
			want:      Run,
		},
		{
			name:      "platform mark skips before os mark is consulted",
			marks:     NewMarks("lxd_vm", "ubuntu"),
			current:   platform.EC2,
			currentOS: platform.Ubuntu,
			want:      Skip,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ShouldRun(tt.marks, tt.current, tt.currentOS)
			if tt.expectError {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrContradictoryMarks))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Verdict)
			if tt.want == Skip {
				assert.NotEmpty(t, got.Reason)
			}
		})
	}
}

func TestShouldRunSkipReasonNamesPlatform(t *testing.T) {
	got, err := ShouldRun(NewMarks("ec2"), platform.GCE, "")
	require.NoError(t, err)
	assert.Equal(t, Skip, got.Verdict)
	assert.Contains(t, got.Reason, "gce")
}

func TestMarks(t *testing.T) {
	m := NewMarks("a", "b")
	assert.True(t, m.Has("a"))
	assert.False(t, m.Has("c"))
	assert.Len(t, m, 2)
}
