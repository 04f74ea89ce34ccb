package harness

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"

	"github.com/alexandremahdhaoui/seedtest/pkg/cloud"
	"github.com/alexandremahdhaoui/seedtest/pkg/cloud/ec2"
	"github.com/alexandremahdhaoui/seedtest/pkg/cloud/lxd"
	"github.com/alexandremahdhaoui/seedtest/pkg/platform"
)

// runStampFormat names per-run artifact directories. Second precision is
// enough; parallel runs differ by name prefix anyway.
const runStampFormat = "060102150405"

// DefaultRegistry returns the registry of platforms this build can
// provision.
func DefaultRegistry() *cloud.Registry {
	reg := cloud.NewRegistry()
	reg.Register(platform.LXDContainer, lxd.NewContainerCloud)
	reg.Register(platform.LXDVM, lxd.NewVMCloud)
	reg.Register(platform.EC2, ec2.New)
	return reg
}

// Harness owns the cloud for one integration-test run: it bootstraps the
// target build, hands out scoped instance sessions and tears everything
// down at the end.
type Harness struct {
	cfg       *Config
	cloud     cloud.Cloud
	log       logr.Logger
	metrics   *Metrics
	collector *Collector
	recorder  *reportRecorder
	runDir    string
}

// New validates the settings against the default registry, builds the
// cloud and prepares the run directory layout.
func New(ctx context.Context, settings Settings, log logr.Logger) (*Harness, error) {
	return NewWithRegistry(ctx, settings, log, DefaultRegistry())
}

// NewWithRegistry is New with an explicit platform registry.
func NewWithRegistry(ctx context.Context, settings Settings, log logr.Logger, reg *cloud.Registry) (*Harness, error) {
	cfg, err := settings.Validate(reg)
	if err != nil {
		return nil, err
	}

	cl, err := reg.Build(ctx, cfg.Platform, cloud.Options{
		Log:          log,
		Image:        cfg.Image,
		NamePrefix:   cfg.NamePrefix,
		Region:       cfg.EC2.Region,
		InstanceType: cfg.EC2.InstanceType,
		SSHUser:      cfg.EC2.SSHUser,
		SSHKeyPath:   cfg.EC2.SSHKeyPath,
		SourceDir:    inPlaceSourceDir(cfg),
	})
	if err != nil {
		return nil, err
	}

	cl.LogSettings(log)

	runStamp := time.Now().Format(runStampFormat)
	runDir := filepath.Join(cfg.LocalLogPath, runStamp)
	metrics := NewMetrics()

	h := &Harness{
		cfg:       cfg,
		cloud:     cl,
		log:       log.WithName("harness"),
		metrics:   metrics,
		collector: NewCollector(log, cfg.CollectLogs, runDir, metrics),
		recorder:  newReportRecorder(runStamp, string(cfg.Platform), cfg.Image, string(cfg.Source.Mode)),
		runDir:    runDir,
	}

	h.log.Info("harness ready",
		"platform", cfg.Platform,
		"source", cfg.Source.Mode,
		"collectLogs", cfg.CollectLogs,
		"runDir", runDir,
	)

	return h, nil
}

func inPlaceSourceDir(cfg *Config) string {
	if cfg.Source.Mode != SourceInPlace {
		return ""
	}
	return cfg.LXD.SourceDir
}

// Config returns the validated run configuration.
func (h *Harness) Config() *Config { return h.cfg }

// RunDir returns the per-run artifact directory.
func (h *Harness) RunDir() string { return h.runDir }

// Metrics returns the run's metric set.
func (h *Harness) Metrics() *Metrics { return h.metrics }

// Sweep removes instances left behind by earlier runs, matched by the
// configured name prefix.
func (h *Harness) Sweep(ctx context.Context) ([]string, error) {
	sweeper, ok := h.cloud.(cloud.Sweeper)
	if !ok {
		return nil, fmt.Errorf("platform %s cannot sweep leftover instances", h.cfg.Platform)
	}
	removed, err := sweeper.SweepLeftovers(ctx)
	h.log.Info("swept leftover instances", "count", len(removed))
	return removed, err
}

// Close deletes the run's snapshot, destroys every tracked instance and
// writes the run report and metrics. Faults are joined so a failing
// report write never hides a failing teardown.
func (h *Harness) Close(ctx context.Context) error {
	var errs []error

	if err := h.cloud.DeleteSnapshot(ctx); err != nil {
		errs = append(errs, err)
	}

	if h.cfg.KeepInstance {
		h.log.Info("keeping instances as configured")
	} else if err := h.cloud.Destroy(ctx); err != nil {
		h.metrics.DestroyFailures.Inc()
		errs = append(errs, err)
	}

	report := h.recorder.finalize()
	if err := report.WriteFiles(h.runDir); err != nil {
		errs = append(errs, err)
	}
	if err := h.metrics.WriteTextfile(filepath.Join(h.runDir, "metrics.prom")); err != nil {
		errs = append(errs, fmt.Errorf("failed to write metrics: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	h.log.Info("harness closed", "report", filepath.Join(h.runDir, "report.txt"))
	return nil
}
