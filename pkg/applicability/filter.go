// Package applicability decides whether a test should run against the
// currently configured platform and guest OS. It is a pure gate: it runs
// once per test, before any instance is launched, and performs no I/O.
//
// Platform and OS marks are opt-in allowlists: a test with no platform
// mark runs everywhere. The "no_container" mark is a denylist layered on
// top, because container environments lack capabilities that many tests
// implicitly assume.
package applicability

import (
	"errors"
	"fmt"

	"github.com/alexandremahdhaoui/seedtest/pkg/platform"
)

// Marks a test can carry beyond platform and OS names.
const (
	// MarkNoContainer excludes a test from container-backed platforms.
	MarkNoContainer = "no_container"
)

// ErrContradictoryMarks indicates a descriptor carrying both the container
// exclusion mark and an explicit container platform mark. This is an
// authoring error and must surface as a hard failure, never a silent skip.
var ErrContradictoryMarks = errors.New("contradictory marks: no_container and lxd_container set on the same test")

// Marks is the set of capability tags attached to a test.
type Marks map[string]struct{}

// NewMarks builds a mark set from tag names.
func NewMarks(names ...string) Marks {
	m := make(Marks, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

// Has reports whether the set contains name.
func (m Marks) Has(name string) bool {
	_, ok := m[name]
	return ok
}

// Descriptor identifies one selected test: its node identifier (the
// hierarchical name including any parametrization suffix) and its marks.
// Immutable once the test is selected to run.
type Descriptor struct {
	NodeID string
	Marks  Marks
}

// Verdict is the outcome of the applicability check.
type Verdict int

const (
	// Run means the test is applicable to the current target.
	Run Verdict = iota
	// Skip means the test is not applicable; this is not a failure.
	Skip
)

// Decision carries the verdict and, for skips, a human-readable reason.
type Decision struct {
	Verdict Verdict
	Reason  string
}

func skip(format string, args ...any) Decision {
	return Decision{Verdict: Skip, Reason: fmt.Sprintf(format, args...)}
}

// ShouldRun evaluates a test's marks against the current platform and OS.
// currentOS == "" means the guest OS is unset and OS filtering is bypassed.
//
// The contradiction check runs before any skip decision so that authoring
// errors surface as hard failures rather than silently skipped tests.
func ShouldRun(marks Marks, current platform.Identity, currentOS platform.OS) (Decision, error) {
	if marks.Has(MarkNoContainer) && marks.Has(string(platform.LXDContainer)) {
		return Decision{}, ErrContradictoryMarks
	}

	supported := supportedPlatforms(marks)
	if len(supported) > 0 && !supported.Has(string(current)) {
		return skip("cannot run on platform %s", current), nil
	}

	if marks.Has(MarkNoContainer) && current.IsContainer() {
		return skip("cannot run on platform %s", current), nil
	}

	if currentOS != "" {
		supportedOS := supportedOSes(marks)
		if len(supportedOS) > 0 && !supportedOS.Has(string(currentOS)) {
			return skip("cannot run on OS %s", currentOS), nil
		}
	}

	return Decision{Verdict: Run}, nil
}

// supportedPlatforms intersects the mark set with the known platforms.
func supportedPlatforms(marks Marks) Marks {
	out := Marks{}
	for _, id := range platform.All() {
		if marks.Has(string(id)) {
			out[string(id)] = struct{}{}
		}
	}
	return out
}

// supportedOSes intersects the mark set with the known OS families.
func supportedOSes(marks Marks) Marks {
	out := Marks{}
	if marks.Has(string(platform.Ubuntu)) {
		out[string(platform.Ubuntu)] = struct{}{}
	}
	return out
}
