package harness

import (
	"context"
	"errors"
	"fmt"

	"github.com/alexandremahdhaoui/seedtest/pkg/cloud"
)

// ErrBootstrapFailed indicates the target build could not be prepared.
// Fatal to the run: no test sessions start after a failed bootstrap.
var ErrBootstrapFailed = errors.New("failed to bootstrap target build")

// Bootstrap prepares the environment so every later instance runs the
// configured build of the agent. For source modes that install packages
// it launches one throwaway instance, installs the build there and
// snapshots it as the base image for the rest of the run. The throwaway
// instance is destroyed on every path.
func (h *Harness) Bootstrap(ctx context.Context) error {
	src := h.cfg.Source
	h.log.Info("preparing target build", "mode", src.Mode, "ref", src.Ref)

	switch src.Mode {
	case SourceNone:
		// Test whatever build the image already has.
		return nil
	case SourceInPlace:
		// The clouds mount the source tree at launch; nothing to prepare.
		return nil
	case SourceProposed, SourcePPA, SourceDeb:
		if err := h.bootstrapSnapshot(ctx, src); err != nil {
			return errors.Join(ErrBootstrapFailed, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: unexpected source mode %q", ErrInvalidSettings, src.Mode)
	}
}

func (h *Harness) bootstrapSnapshot(ctx context.Context, src Source) error {
	inst, err := h.cloud.Launch(ctx, cloud.LaunchOptions{Name: h.cfg.NamePrefix + "-bootstrap"})
	if err != nil {
		return err
	}
	defer func() {
		if err := inst.Destroy(context.WithoutCancel(ctx)); err != nil {
			h.log.Error(err, "failed to destroy bootstrap instance", "instance", inst.Name())
		}
	}()

	switch src.Mode {
	case SourceProposed:
		err = cloud.InstallProposed(ctx, inst)
	case SourcePPA:
		err = cloud.InstallPPA(ctx, inst, src.Ref)
	case SourceDeb:
		err = cloud.InstallDeb(ctx, inst, src.Ref)
	}
	if err != nil {
		return err
	}

	snap, ok := h.cloud.(cloud.Snapshotter)
	if !ok {
		return fmt.Errorf("platform %s cannot snapshot the bootstrapped build", h.cfg.Platform)
	}
	if err := snap.Snapshot(ctx, inst); err != nil {
		return err
	}

	h.log.Info("target build snapshotted", "mode", src.Mode)
	return nil
}
