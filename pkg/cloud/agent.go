package cloud

import (
	"context"
	"errors"
	"fmt"
	"path"
)

// ErrAgentInstallFailed indicates installing a seedinit build on an
// instance failed.
var ErrAgentInstallFailed = errors.New("seedinit install failed")

// Remote paths and commands used when swapping the seedinit build on a
// live instance. These operate over Instance.Execute so every Cloud
// implementation gets them for free.
const (
	aptInstallProposed = "apt-get install -qy seedinit -t=$(lsb_release -sc)-proposed"
	proposedSourceLine = `deb http://archive.ubuntu.com/ubuntu $(lsb_release -sc)-proposed main universe`
	proposedSourcePath = "/etc/apt/sources.list.d/proposed.list"
)

// InstallProposed upgrades the instance's seedinit to the build staged in
// the distribution's proposed channel.
func InstallProposed(ctx context.Context, inst Instance) error {
	cmds := []string{
		fmt.Sprintf(`echo "%s" > %s`, proposedSourceLine, proposedSourcePath),
		"apt-get update -q",
		aptInstallProposed,
	}
	for _, cmd := range cmds {
		if err := run(ctx, inst, cmd); err != nil {
			return err
		}
	}
	return nil
}

// InstallPPA installs seedinit from a named package archive reference such
// as "ppa:seedinit-dev/daily".
func InstallPPA(ctx context.Context, inst Instance, ref string) error {
	cmds := []string{
		"add-apt-repository -y " + ref,
		"apt-get update -q",
		"apt-get install -qy seedinit",
	}
	for _, cmd := range cmds {
		if err := run(ctx, inst, cmd); err != nil {
			return err
		}
	}
	return nil
}

// InstallDeb pushes a locally built package onto the instance and installs
// it.
func InstallDeb(ctx context.Context, inst Instance, localDebPath string) error {
	remote := path.Join("/var/tmp", path.Base(localDebPath))
	if err := inst.PushFile(ctx, localDebPath, remote); err != nil {
		return errors.Join(ErrAgentInstallFailed, err)
	}
	return run(ctx, inst, "dpkg -i "+remote)
}

func run(ctx context.Context, inst Instance, cmd string) error {
	res, err := inst.Execute(ctx, cmd)
	if err != nil {
		return errors.Join(ErrAgentInstallFailed, err)
	}
	if !res.Ok() {
		return fmt.Errorf("%w: %q exited %d: %s", ErrAgentInstallFailed, cmd, res.ExitCode, res.Stderr)
	}
	return nil
}
