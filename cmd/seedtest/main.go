package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/go-logr/logr"

	"github.com/alexandremahdhaoui/seedtest/internal/util/logging"
	"github.com/alexandremahdhaoui/seedtest/pkg/cloud"
	"github.com/alexandremahdhaoui/seedtest/pkg/harness"
)

// Exit codes
const (
	exitSuccess = 0 // Operation successful
	exitError   = 1 // Command execution error
)

func main() {
	fs := flag.NewFlagSet("seedtest", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: seedtest [command] [options]

Commands:
  check [--settings <path>]      Validate the run settings and print the resolved configuration
  platforms                      List the platforms this build can provision
  bootstrap [--settings <path>]  Prepare the target seedinit build (install + snapshot)
  smoke [--settings <path>]      Launch one instance, query the agent and tear everything down
  sweep [--settings <path>]      Destroy instances a previous run left behind

Options:
  --settings <path>  Path to the settings YAML file (default: seedtest.yaml)
  --verbose          Development-style log output

Environment Variables:
  SEEDTEST_PLATFORM          Platform to provision (lxd_container, lxd_vm, ec2)
  SEEDTEST_IMAGE             Base image reference
  SEEDTEST_SOURCE            Build source (none, in_place, proposed, ppa:<ref>, <path>.deb)
  SEEDTEST_COLLECT_LOGS      Diagnostics policy (never, on_error, always)
  SEEDTEST_LOCAL_LOG_PATH    Local root for run artifacts
  SEEDTEST_KEEP_INSTANCE     Keep instances after the run (for debugging)

Examples:
  # Validate a settings file
  seedtest check --settings ci/seedtest.yaml

  # Snapshot a proposed-channel build for a local container run
  SEEDTEST_SOURCE=proposed seedtest bootstrap

  # Smoke-test the default platform
  seedtest smoke
`)
	}

	if len(os.Args) < 2 {
		fs.Usage()
		os.Exit(exitError)
	}

	command := os.Args[1]

	switch command {
	case "check":
		cmdCheck(fs, os.Args[2:])
	case "platforms":
		cmdPlatforms()
	case "bootstrap":
		cmdBootstrap(fs, os.Args[2:])
	case "smoke":
		cmdSmoke(fs, os.Args[2:])
	case "sweep":
		cmdSweep(fs, os.Args[2:])
	case "-h", "--help", "help":
		fs.Usage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fs.Usage()
		os.Exit(exitError)
	}
}

// commonFlags parses the flags shared by every subcommand and loads the
// settings file.
func commonFlags(fs *flag.FlagSet, args []string) (harness.Settings, bool) {
	var settingsPath string
	var verbose bool
	fs.StringVar(&settingsPath, "settings", "seedtest.yaml", "Path to the settings YAML file")
	fs.BoolVar(&verbose, "verbose", false, "Development-style log output")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}

	settings, err := harness.LoadSettings(settingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}

	return settings, verbose
}

// signalContext returns a context canceled on SIGINT or SIGTERM so a
// half-finished run still tears its instances down.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// cmdCheck validates the settings and prints the resolved configuration.
func cmdCheck(fs *flag.FlagSet, args []string) {
	settings, _ := commonFlags(fs, args)

	cfg, err := settings.Validate(harness.DefaultRegistry())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "PLATFORM\t%s\n", cfg.Platform)
	if cfg.Image != "" {
		fmt.Fprintf(w, "IMAGE\t%s\n", cfg.Image)
	}
	if cfg.OS != "" {
		fmt.Fprintf(w, "OS\t%s\n", cfg.OS)
	}
	fmt.Fprintf(w, "SOURCE\t%s", cfg.Source.Mode)
	if cfg.Source.Ref != "" {
		fmt.Fprintf(w, " (%s)", cfg.Source.Ref)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "COLLECT LOGS\t%s\n", cfg.CollectLogs)
	fmt.Fprintf(w, "ARTIFACTS\t%s\n", cfg.LocalLogPath)
	fmt.Fprintf(w, "KEEP INSTANCES\t%v\n", cfg.KeepInstance)
	if err := w.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}

	fmt.Println("Settings OK")
}

// cmdPlatforms lists the registered platforms.
func cmdPlatforms() {
	for _, id := range harness.DefaultRegistry().Supported() {
		fmt.Println(id)
	}
}

// cmdBootstrap prepares the target build and leaves the snapshot in
// place for subsequent runs.
func cmdBootstrap(fs *flag.FlagSet, args []string) {
	settings, verbose := commonFlags(fs, args)
	log := setupLog(verbose)

	ctx, cancel := signalContext()
	defer cancel()

	h, err := harness.New(ctx, settings, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}

	if err := h.Bootstrap(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}

	fmt.Println("Target build ready")
}

// cmdSmoke runs one throwaway session end to end: launch, query the
// agent's status, collect per policy, destroy.
func cmdSmoke(fs *flag.FlagSet, args []string) {
	settings, verbose := commonFlags(fs, args)
	log := setupLog(verbose)

	ctx, cancel := signalContext()
	defer cancel()

	h, err := harness.New(ctx, settings, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}

	if err := h.Bootstrap(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}

	smokeErr := h.Scope(ctx, harness.ScopeOptions{NodeID: "smoke"}, runSmoke)

	if err := h.Close(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: teardown: %v\n", err)
		if smokeErr == nil {
			os.Exit(exitError)
		}
	}

	if smokeErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", smokeErr)
		os.Exit(exitError)
	}

	fmt.Printf("Smoke run passed; artifacts under %s\n", h.RunDir())
}

// cmdSweep removes instances left behind by earlier runs.
func cmdSweep(fs *flag.FlagSet, args []string) {
	settings, verbose := commonFlags(fs, args)
	log := setupLog(verbose)

	ctx, cancel := signalContext()
	defer cancel()

	h, err := harness.New(ctx, settings, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}

	removed, err := h.Sweep(ctx)
	for _, name := range removed {
		fmt.Println(name)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}

	fmt.Fprintf(os.Stderr, "Removed %d leftover instance(s)\n", len(removed))
}

// runSmoke waits for the agent to finish its first boot and prints its
// reported version.
func runSmoke(ctx context.Context, inst cloud.Instance) error {
	res, err := inst.Execute(ctx, "seedinit status --wait --long")
	if err != nil {
		return err
	}
	if !res.Ok() {
		return fmt.Errorf("seedinit status exited %d: %s", res.ExitCode, res.Stderr)
	}

	version, err := inst.Execute(ctx, "seedinit --version")
	if err != nil {
		return err
	}
	fmt.Printf("Instance %s runs %s\n", inst.Name(), strings.TrimSpace(version.Stdout))
	return nil
}

func setupLog(verbose bool) logr.Logger {
	if verbose {
		return logging.SetupDevelopment()
	}
	return logging.SetupDefault()
}
