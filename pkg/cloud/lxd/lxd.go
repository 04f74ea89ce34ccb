// Package lxd implements the cloud collaborator for the lxd_container and
// lxd_vm platforms. It drives the lxc CLI directly; LXD is the platform
// the harness develops against, so instances are cheap and local.
package lxd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alexandremahdhaoui/seedtest/pkg/cloud"
	"github.com/alexandremahdhaoui/seedtest/pkg/platform"
)

const (
	defaultImage  = "ubuntu:22.04"
	defaultPrefix = "seedtest"

	// BootTimeout bounds how long Launch waits for a fresh instance to
	// accept commands.
	BootTimeout = 180 * time.Second

	// sourceMountPath is where an in-place build source is mounted
	// inside the instance.
	sourceMountPath = "/usr/lib/seedinit"
)

// runner abstracts lxc CLI invocation so tests can capture the argument
// shapes without a live LXD daemon.
type runner interface {
	run(ctx context.Context, args ...string) (stdout, stderr string, exitCode int, err error)
}

type execRunner struct{}

func (execRunner) run(ctx context.Context, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "lxc", args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
		}
		return stdout.String(), stderr.String(), -1, err
	}
	return stdout.String(), stderr.String(), 0, nil
}

// Cloud launches LXD containers or virtual machines.
type Cloud struct {
	vm         bool
	image      string
	namePrefix string
	sourceDir  string
	log        logr.Logger
	lxc        runner

	mu        sync.Mutex
	instances map[string]*Instance
	snapshot  string // image alias published during bootstrap, "" if none
}

// NewContainerCloud builds the lxd_container cloud.
func NewContainerCloud(ctx context.Context, opts cloud.Options) (cloud.Cloud, error) {
	return newCloud(opts, false), nil
}

// NewVMCloud builds the lxd_vm cloud.
func NewVMCloud(ctx context.Context, opts cloud.Options) (cloud.Cloud, error) {
	return newCloud(opts, true), nil
}

func newCloud(opts cloud.Options, vm bool) *Cloud {
	image := opts.Image
	if image == "" {
		image = defaultImage
	}
	prefix := opts.NamePrefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Cloud{
		vm:         vm,
		image:      image,
		namePrefix: prefix,
		sourceDir:  opts.SourceDir,
		log:        opts.Log.WithName("lxd"),
		lxc:        execRunner{},
		instances:  map[string]*Instance{},
	}
}

func (c *Cloud) Platform() platform.Identity {
	if c.vm {
		return platform.LXDVM
	}
	return platform.LXDContainer
}

// Launch creates and starts one instance, waits until it accepts
// commands, and returns its handle.
func (c *Cloud) Launch(ctx context.Context, opts cloud.LaunchOptions) (cloud.Instance, error) {
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("%s-%.8s", c.namePrefix, uuid.NewString())
	}

	args := []string{"launch", c.baseImage(), name}
	if c.vm {
		args = append(args, "--vm")
	}
	if opts.SeedData != "" {
		args = append(args, "--config", "user.user-data="+opts.SeedData)
	}

	c.log.Info("launching instance", "name", name, "image", c.baseImage(), "vm", c.vm)
	if err := c.lxcRun(ctx, args...); err != nil {
		return nil, errors.Join(cloud.ErrProvisionFailed, err)
	}

	inst := &Instance{name: name, lxc: c.lxc, owner: c}

	if c.sourceDir != "" {
		err := c.lxcRun(ctx, "config", "device", "add", name, "seedinit-src",
			"disk", "source="+c.sourceDir, "path="+sourceMountPath)
		if err != nil {
			_ = inst.Destroy(context.WithoutCancel(ctx))
			return nil, errors.Join(cloud.ErrProvisionFailed, err)
		}
	}

	if err := c.awaitReady(ctx, inst); err != nil {
		_ = inst.Destroy(context.WithoutCancel(ctx))
		return nil, errors.Join(cloud.ErrProvisionFailed, err)
	}

	c.track(inst)
	return inst, nil
}

// Snapshot publishes the instance as an image and uses it as the base for
// subsequent launches. Called by the environment bootstrap after the
// target build has been installed.
func (c *Cloud) Snapshot(ctx context.Context, inst cloud.Instance) error {
	alias := fmt.Sprintf("%s-snapshot-%.8s", c.namePrefix, uuid.NewString())

	// Publishing requires the instance to be stopped.
	if err := c.lxcRun(ctx, "stop", inst.Name()); err != nil {
		return err
	}
	if err := c.lxcRun(ctx, "publish", inst.Name(), "--alias", alias); err != nil {
		return err
	}

	c.mu.Lock()
	c.snapshot = alias
	c.mu.Unlock()

	c.log.Info("published snapshot image", "alias", alias)
	return nil
}

// DeleteSnapshot removes the published snapshot image, if any.
func (c *Cloud) DeleteSnapshot(ctx context.Context) error {
	c.mu.Lock()
	alias := c.snapshot
	c.snapshot = ""
	c.mu.Unlock()

	if alias == "" {
		return nil
	}
	return c.lxcRun(ctx, "image", "delete", alias)
}

// Destroy releases every instance the cloud still tracks, in parallel.
// Best effort: all destroys are attempted and the faults joined.
func (c *Cloud) Destroy(ctx context.Context) error {
	c.mu.Lock()
	leftover := make([]*Instance, 0, len(c.instances))
	for _, inst := range c.instances {
		leftover = append(leftover, inst)
	}
	c.mu.Unlock()

	g := new(errgroup.Group)
	for _, inst := range leftover {
		g.Go(func() error { return inst.Destroy(ctx) })
	}
	return g.Wait()
}

// SweepLeftovers deletes every LXD instance whose name carries the run
// prefix, whether or not this process launched it.
func (c *Cloud) SweepLeftovers(ctx context.Context) ([]string, error) {
	stdout, stderr, code, err := c.lxc.run(ctx, "list", "--format", "csv", "-c", "n")
	if err != nil {
		return nil, fmt.Errorf("lxc list: %w", err)
	}
	if code != 0 {
		return nil, fmt.Errorf("lxc list exited %d: %s", code, strings.TrimSpace(stderr))
	}

	var removed []string
	var errs []error
	for _, name := range strings.Fields(stdout) {
		if !strings.HasPrefix(name, c.namePrefix+"-") {
			continue
		}
		inst := &Instance{name: name, lxc: c.lxc, owner: c}
		if err := inst.Destroy(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, name)
	}
	return removed, errors.Join(errs...)
}

func (c *Cloud) LogSettings(log logr.Logger) {
	log.Info("lxd cloud settings",
		"platform", c.Platform(),
		"image", c.baseImage(),
		"namePrefix", c.namePrefix,
		"inPlaceSource", c.sourceDir,
	)
}

func (c *Cloud) baseImage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot != "" {
		return c.snapshot
	}
	return c.image
}

// awaitReady polls until the instance executes a trivial command. LXD
// reports VMs as RUNNING before the guest agent is up, so state alone is
// not enough.
func (c *Cloud) awaitReady(ctx context.Context, inst *Instance) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		res, err := inst.Execute(ctx, "true")
		if err != nil {
			return struct{}{}, err
		}
		if !res.Ok() {
			return struct{}{}, fmt.Errorf("instance %s not ready: %s", inst.Name(), res.Stderr)
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(BootTimeout),
	)
	return err
}

func (c *Cloud) track(inst *Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances[inst.name] = inst
}

func (c *Cloud) untrack(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.instances, name)
}

// lxcRun wraps runner.run for commands where any non-zero exit is a
// failure.
func (c *Cloud) lxcRun(ctx context.Context, args ...string) error {
	_, stderr, code, err := c.lxc.run(ctx, args...)
	if err != nil {
		return fmt.Errorf("lxc %s: %w", args[0], err)
	}
	if code != 0 {
		return fmt.Errorf("lxc %s exited %d: %s", args[0], code, strings.TrimSpace(stderr))
	}
	return nil
}

// Instance is one live LXD container or VM.
type Instance struct {
	name  string
	lxc   runner
	owner *Cloud
}

func (i *Instance) Name() string { return i.name }

func (i *Instance) Execute(ctx context.Context, cmd string) (cloud.ExecResult, error) {
	stdout, stderr, code, err := i.lxc.run(ctx, "exec", i.name, "--", "sh", "-c", cmd)
	if err != nil {
		return cloud.ExecResult{}, errors.Join(cloud.ErrExecFailed, err)
	}
	return cloud.ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: code}, nil
}

func (i *Instance) PullFile(ctx context.Context, remotePath, localPath string) error {
	_, stderr, code, err := i.lxc.run(ctx, "file", "pull", i.name+remotePath, localPath)
	if err != nil {
		return errors.Join(cloud.ErrFileTransferFailed, err)
	}
	if code != 0 {
		return fmt.Errorf("%w: lxc file pull exited %d: %s", cloud.ErrFileTransferFailed, code, strings.TrimSpace(stderr))
	}
	return nil
}

func (i *Instance) PushFile(ctx context.Context, localPath, remotePath string) error {
	_, stderr, code, err := i.lxc.run(ctx, "file", "push", localPath, i.name+remotePath)
	if err != nil {
		return errors.Join(cloud.ErrFileTransferFailed, err)
	}
	if code != 0 {
		return fmt.Errorf("%w: lxc file push exited %d: %s", cloud.ErrFileTransferFailed, code, strings.TrimSpace(stderr))
	}
	return nil
}

func (i *Instance) Destroy(ctx context.Context) error {
	_, stderr, code, err := i.lxc.run(ctx, "delete", i.name, "--force")
	if err != nil {
		return errors.Join(cloud.ErrDestroyFailed, err)
	}
	if code != 0 {
		// Already-gone instances are fine; destroy is best effort.
		if strings.Contains(stderr, "not found") {
			i.owner.untrack(i.name)
			return nil
		}
		return fmt.Errorf("%w: lxc delete exited %d: %s", cloud.ErrDestroyFailed, code, strings.TrimSpace(stderr))
	}
	i.owner.untrack(i.name)
	return nil
}
