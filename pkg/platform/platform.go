// Package platform defines the target environments a test run can be
// pointed at, and the guest OS families the harness knows how to reason
// about.
package platform

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownPlatform indicates a platform name outside the supported set.
var ErrUnknownPlatform = errors.New("unknown platform")

// Identity names one target environment. Exactly one is active per run.
type Identity string

const (
	EC2          Identity = "ec2"
	GCE          Identity = "gce"
	Azure        Identity = "azure"
	OCI          Identity = "oci"
	LXDContainer Identity = "lxd_container"
	LXDVM        Identity = "lxd_vm"
)

// known is the closed set of platform identities. The map doubles as the
// lookup table for Parse and for mark intersection in the applicability
// filter.
var known = map[Identity]struct{}{
	EC2:          {},
	GCE:          {},
	Azure:        {},
	OCI:          {},
	LXDContainer: {},
	LXDVM:        {},
}

// Known reports whether id names a supported platform.
func Known(id Identity) bool {
	_, ok := known[id]
	return ok
}

// All returns the supported platform identities in stable order.
func All() []Identity {
	ids := make([]Identity, 0, len(known))
	for id := range known {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Parse converts a configured platform name into an Identity.
// An unrecognized name is a configuration error, surfaced at load time
// rather than at first use.
func Parse(s string) (Identity, error) {
	id := Identity(strings.TrimSpace(s))
	if !Known(id) {
		return "", fmt.Errorf("%w: %q (must be one of %v)", ErrUnknownPlatform, s, All())
	}
	return id, nil
}

// IsContainer reports whether the platform runs tests inside a container
// rather than a full machine. Container environments lack capabilities
// (kernel modules, block devices) that some tests assume.
func (id Identity) IsContainer() bool {
	return id == LXDContainer
}

// IsLXD reports whether the platform is backed by LXD. Some build-source
// modes (in-place mounting) only work there.
func (id Identity) IsLXD() bool {
	return id == LXDContainer || id == LXDVM
}

// OS identifies a guest OS family. Currently a singleton set.
type OS string

// Ubuntu is the only guest OS family the harness targets today.
const Ubuntu OS = "ubuntu"

var knownOS = map[OS]struct{}{
	Ubuntu: {},
}

// KnownOS reports whether os names a supported guest OS family.
func KnownOS(os OS) bool {
	_, ok := knownOS[os]
	return ok
}

// OSFromImage derives the guest OS family from an image reference such as
// "ubuntu:22.04" or "ubuntu-minimal/jammy". It returns "" when the image
// does not identify a known family; the caller treats that as "no OS
// filtering applies".
func OSFromImage(image string) OS {
	image = strings.ToLower(strings.TrimSpace(image))
	if image == "" {
		return ""
	}
	for os := range knownOS {
		if strings.HasPrefix(image, string(os)) {
			return os
		}
	}
	return ""
}
