package cloud

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/go-logr/logr"

	"github.com/alexandremahdhaoui/seedtest/pkg/platform"
)

// ErrPlatformNotRegistered indicates the configured platform has no
// constructor in the registry. Surfaced at configuration-load time, never
// at first use.
var ErrPlatformNotRegistered = errors.New("platform has no registered cloud constructor")

// Options carries the run-level inputs a Cloud constructor may need.
// Fields irrelevant to a given platform are ignored by its constructor.
type Options struct {
	// Log is the explicit logger handle passed to the cloud; there is no
	// ambient global logger.
	Log logr.Logger
	// Image is the base image reference to launch instances from.
	Image string
	// NamePrefix prefixes generated instance names so parallel runs and
	// leftover sweeps can tell their instances apart.
	NamePrefix string
	// Region is the provider region, for platforms that have one.
	Region string
	// InstanceType is the provider machine type, for platforms that have
	// one.
	InstanceType string
	// SSHUser and SSHKeyPath configure remote command execution on
	// platforms reached over SSH.
	SSHUser    string
	SSHKeyPath string
	// SourceDir is a local agent source tree mounted into every launched
	// instance (in-place build source). LXD platforms only.
	SourceDir string
}

// Constructor builds a Cloud for one platform.
type Constructor func(ctx context.Context, opts Options) (Cloud, error)

// Registry maps platform identities to cloud constructors. The mapping is
// explicit and validated when the configuration is loaded: selecting a
// platform without a constructor is a fatal configuration error.
type Registry struct {
	constructors map[platform.Identity]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: map[platform.Identity]Constructor{}}
}

// Register binds a constructor to a platform identity, replacing any
// previous binding.
func (r *Registry) Register(id platform.Identity, c Constructor) {
	r.constructors[id] = c
}

// Supported returns the registered platform identities in stable order.
func (r *Registry) Supported() []platform.Identity {
	ids := make([]platform.Identity, 0, len(r.constructors))
	for id := range r.constructors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Validate checks that id names a known platform with a registered
// constructor.
func (r *Registry) Validate(id platform.Identity) error {
	if !platform.Known(id) {
		return fmt.Errorf("%w: %q", platform.ErrUnknownPlatform, id)
	}
	if _, ok := r.constructors[id]; !ok {
		return fmt.Errorf("%w: %q (supported: %v)", ErrPlatformNotRegistered, id, r.Supported())
	}
	return nil
}

// Build constructs the Cloud for id.
func (r *Registry) Build(ctx context.Context, id platform.Identity, opts Options) (Cloud, error) {
	if err := r.Validate(id); err != nil {
		return nil, err
	}
	return r.constructors[id](ctx, opts)
}
