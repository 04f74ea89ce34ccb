package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"

	"github.com/alexandremahdhaoui/seedtest/internal/util/tarutil"
	"github.com/alexandremahdhaoui/seedtest/pkg/cloud"
)

// ErrCollectFailed indicates diagnostics could not be gathered from an
// instance. Never fatal to the run; callers log it and move on.
var ErrCollectFailed = errors.New("failed to collect instance diagnostics")

const (
	remoteArchivePath = "/var/tmp/seedinit.tar.gz"
	collectCommand    = "seedinit collect-logs -u -t " + remoteArchivePath
)

// Collector gathers diagnostics from instances according to the run's
// collect-logs policy and lays them out under a per-run directory.
type Collector struct {
	log     logr.Logger
	policy  CollectLogsPolicy
	runRoot string
	metrics *Metrics
}

// NewCollector returns a collector writing under runRoot, the
// timestamped directory for this run.
func NewCollector(log logr.Logger, policy CollectLogsPolicy, runRoot string, metrics *Metrics) *Collector {
	return &Collector{
		log:     log.WithName("collector"),
		policy:  policy,
		runRoot: runRoot,
		metrics: metrics,
	}
}

// ShouldCollect reports whether the policy calls for collection given the
// session outcome. When it returns false no instance interaction of any
// kind happens.
func (c *Collector) ShouldCollect(failed bool) bool {
	switch c.policy {
	case CollectAlways:
		return true
	case CollectOnError:
		return failed
	default:
		return false
	}
}

// Collect asks the instance's agent to bundle its diagnostics, pulls the
// archive and unpacks it under the run directory in a subdirectory named
// after the test. No-op when the policy does not apply to this outcome.
func (c *Collector) Collect(ctx context.Context, inst cloud.Instance, nodeID string, failed bool) error {
	if !c.ShouldCollect(failed) {
		return nil
	}

	dir := filepath.Join(c.runRoot, SanitizeNodeID(nodeID))
	c.log.Info("collecting instance diagnostics", "instance", inst.Name(), "dir", dir)

	if err := c.collect(ctx, inst, dir); err != nil {
		c.metrics.DiagnosticsFailures.Inc()
		return errors.Join(ErrCollectFailed, err)
	}

	c.metrics.DiagnosticsCollected.Inc()
	return nil
}

func (c *Collector) collect(ctx context.Context, inst cloud.Instance, dir string) error {
	res, err := inst.Execute(ctx, collectCommand)
	if err != nil {
		return err
	}
	if !res.Ok() {
		return fmt.Errorf("collect-logs exited %d: %s", res.ExitCode, res.Stderr)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	local := filepath.Join(dir, filepath.Base(remoteArchivePath))
	if err := inst.PullFile(ctx, remoteArchivePath, local); err != nil {
		return err
	}

	if err := tarutil.ExtractAll(local, dir); err != nil {
		return err
	}

	return os.Remove(local)
}

// SanitizeNodeID maps a test node identifier to a filesystem-safe
// relative path. Parametrized subtests keep their parameter readable in
// the directory name. Applying it to an already sanitized identifier is
// a no-op.
func SanitizeNodeID(nodeID string) string {
	s := strings.ReplaceAll(nodeID, ".go", "")
	s = strings.ReplaceAll(s, "::", string(os.PathSeparator))
	s = strings.ReplaceAll(s, "[", "-")
	s = strings.ReplaceAll(s, "]", "")
	return s
}
