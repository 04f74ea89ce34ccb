package harness

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/seedtest/pkg/applicability"
	"github.com/alexandremahdhaoui/seedtest/pkg/cloud"
)

// SkipError reports that the applicability filter ruled the test out on
// this run's platform or OS. It is not a failure.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string { return "test skipped: " + e.Reason }

// ScopeOptions configures one scoped instance session.
type ScopeOptions struct {
	// NodeID identifies the test for diagnostics directories and the run
	// report. Usually t.Name().
	NodeID string
	// Marks carries the test's applicability marks.
	Marks []string
	// SeedData is an optional initial configuration payload for the
	// instance's agent.
	SeedData string
	// Name overrides the generated instance name.
	Name string
}

// Session is a live instance bound to a single test. Obtained through
// Scope or Client; never shared across tests.
type Session struct {
	h       *Harness
	nodeID  string
	inst    cloud.Instance
	started time.Time
}

// acquire runs the applicability filter and, if the test may run,
// launches an instance. Returns a *SkipError when the filter says skip.
func (h *Harness) acquire(ctx context.Context, opts ScopeOptions) (*Session, error) {
	started := time.Now()

	decision, err := applicability.ShouldRun(
		applicability.NewMarks(opts.Marks...), h.cfg.Platform, h.cfg.OS)
	if err != nil {
		return nil, err
	}
	if decision.Verdict == applicability.Skip {
		h.metrics.SessionsSkipped.Inc()
		h.recorder.record(SessionResult{
			NodeID:     opts.NodeID,
			Status:     StatusSkipped,
			SkipReason: decision.Reason,
			StartTime:  started,
		})
		return nil, &SkipError{Reason: decision.Reason}
	}

	inst, err := h.launch(ctx, opts)
	if err != nil {
		h.recorder.record(SessionResult{
			NodeID:    opts.NodeID,
			Status:    StatusFailed,
			Error:     err.Error(),
			StartTime: started,
			Duration:  time.Since(started).Seconds(),
		})
		return nil, err
	}

	return &Session{h: h, nodeID: opts.NodeID, inst: inst, started: started}, nil
}

func (h *Harness) launch(ctx context.Context, opts ScopeOptions) (cloud.Instance, error) {
	launchStart := time.Now()
	inst, err := h.cloud.Launch(ctx, cloud.LaunchOptions{Name: opts.Name, SeedData: opts.SeedData})
	if err != nil {
		h.metrics.LaunchFailures.Inc()
		return nil, err
	}
	h.metrics.InstancesLaunched.Inc()
	h.metrics.LaunchSeconds.Observe(time.Since(launchStart).Seconds())
	h.log.Info("instance ready", "test", opts.NodeID, "instance", inst.Name())
	return inst, nil
}

// release collects diagnostics per policy and destroys the instance.
// Collection faults are logged, never returned: they must not mask the
// test outcome. The returned error is the teardown fault, if any.
func (s *Session) release(ctx context.Context, failed bool) error {
	if err := s.h.collector.Collect(ctx, s.inst, s.nodeID, failed); err != nil {
		s.h.log.Error(err, "diagnostics collection failed", "instance", s.inst.Name())
	}

	status := StatusPassed
	if failed {
		status = StatusFailed
	}
	s.h.recorder.record(SessionResult{
		NodeID:    s.nodeID,
		Instance:  s.inst.Name(),
		Status:    status,
		StartTime: s.started,
		Duration:  time.Since(s.started).Seconds(),
	})

	if s.h.cfg.KeepInstance {
		s.h.log.Info("keeping instance as configured", "instance", s.inst.Name())
		return nil
	}
	if err := s.inst.Destroy(ctx); err != nil {
		s.h.metrics.DestroyFailures.Inc()
		return err
	}
	return nil
}

// Scope launches an instance, runs body against it and guarantees
// diagnostics collection and teardown on every exit path, panics
// included. A teardown fault surfaces only when the body itself
// succeeded.
func (h *Harness) Scope(ctx context.Context, opts ScopeOptions, body func(ctx context.Context, inst cloud.Instance) error) (err error) {
	session, err := h.acquire(ctx, opts)
	if err != nil {
		return err
	}

	defer func() {
		r := recover()
		// The teardown must run even when the surrounding context is
		// already canceled.
		releaseErr := session.release(context.WithoutCancel(ctx), err != nil || r != nil)
		switch {
		case r != nil:
			if releaseErr != nil {
				h.log.Error(releaseErr, "teardown failed", "instance", session.inst.Name())
			}
			panic(r)
		case err != nil:
			if releaseErr != nil {
				h.log.Error(releaseErr, "teardown failed", "instance", session.inst.Name())
			}
		case releaseErr != nil:
			err = fmt.Errorf("test passed but teardown failed: %w", releaseErr)
		}
	}()

	return body(ctx, session.inst)
}

// Client is the testing adapter: it runs the applicability filter,
// launches an instance for t and registers collection and teardown as a
// cleanup. Skips or fails t as appropriate.
func (h *Harness) Client(t *testing.T, opts ScopeOptions) cloud.Instance {
	t.Helper()

	if opts.NodeID == "" {
		opts.NodeID = t.Name()
	}

	session, err := h.acquire(t.Context(), opts)

	var skip *SkipError
	switch {
	case errors.As(err, &skip):
		t.Skip(skip.Reason)
		return nil
	case err != nil:
		t.Fatalf("failed to acquire instance: %v", err)
		return nil
	}

	t.Cleanup(func() {
		if err := session.release(context.Background(), t.Failed()); err != nil {
			t.Errorf("teardown failed for %s: %v", session.inst.Name(), err)
		}
	})

	return session.inst
}
