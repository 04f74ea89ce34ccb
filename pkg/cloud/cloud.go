// Package cloud defines the collaborator contracts the harness consumes:
// a Cloud that launches and destroys instances for one platform, and the
// Instance handle a test body runs against.
package cloud

import (
	"context"
	"errors"

	"github.com/go-logr/logr"

	"github.com/alexandremahdhaoui/seedtest/pkg/platform"
)

var (
	// ErrProvisionFailed indicates the cloud could not produce an instance.
	// Provisioning failures abort the enclosing test scope before the body
	// runs. Retry policy, if any, belongs below this layer.
	ErrProvisionFailed = errors.New("instance provisioning failed")
	// ErrDestroyFailed indicates instance teardown failed. Destroy is
	// always attempted; a destroy fault is reported but never masks an
	// earlier test failure.
	ErrDestroyFailed = errors.New("instance destroy failed")
	// ErrExecFailed indicates a remote command could not be executed.
	ErrExecFailed = errors.New("remote command execution failed")
	// ErrFileTransferFailed indicates a pull or push between the instance
	// and the local host failed.
	ErrFileTransferFailed = errors.New("instance file transfer failed")
)

// LaunchOptions carries per-launch parameters.
type LaunchOptions struct {
	// Name overrides the generated instance name. Optional.
	Name string
	// SeedData is the initial configuration payload handed to the freshly
	// launched instance (a cloud-config document). Optional.
	SeedData string
}

// ExecResult is the outcome of one remote command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Ok reports whether the command exited zero.
func (r ExecResult) Ok() bool { return r.ExitCode == 0 }

// Instance represents a single live remote machine. Ownership is exclusive
// to the scope that launched it.
type Instance interface {
	// Name returns the instance's name on its platform.
	Name() string
	// Execute runs a shell command on the instance and waits for it.
	Execute(ctx context.Context, cmd string) (ExecResult, error)
	// PullFile copies a remote file to a local path.
	PullFile(ctx context.Context, remotePath, localPath string) error
	// PushFile copies a local file to a remote path.
	PushFile(ctx context.Context, localPath, remotePath string) error
	// Destroy releases the instance. Idempotent on a best-effort basis.
	Destroy(ctx context.Context) error
}

// Cloud produces and releases instances for one platform. One Cloud is
// constructed per run and shared read-only across all per-test sessions;
// it holds no per-test mutable state.
type Cloud interface {
	// Platform returns the identity this cloud serves.
	Platform() platform.Identity
	// Launch requests a new instance, optionally named and seeded.
	Launch(ctx context.Context, opts LaunchOptions) (Instance, error)
	// DeleteSnapshot removes any image snapshot produced during the run.
	DeleteSnapshot(ctx context.Context) error
	// Destroy releases run-level resources, including any instances the
	// cloud still tracks.
	Destroy(ctx context.Context) error
	// LogSettings emits the cloud's effective configuration to the log.
	LogSettings(log logr.Logger)
}

// Snapshotter is implemented by clouds that can publish a prepared
// instance as the base image for subsequent launches. The environment
// bootstrap uses it after installing the target build, so per-test
// instances come up already running that build.
type Snapshotter interface {
	Snapshot(ctx context.Context, inst Instance) error
}

// Sweeper is implemented by clouds that can find and remove instances a
// previous run leaked, identified by the run name prefix. Used by the
// CLI's sweep command, never during a test run.
type Sweeper interface {
	// SweepLeftovers destroys every remote instance whose name carries
	// the cloud's name prefix and returns the names removed.
	SweepLeftovers(ctx context.Context) ([]string, error)
}
