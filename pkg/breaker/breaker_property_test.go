//go:build property
// +build property

package breaker_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/asap-proto/asap/pkg/breaker"
)

// TestBreaker_NeverAllowsTwoConcurrentHalfOpenProbes checks, for randomized
// threshold/timeout combinations and randomized failure-count sequences,
// that CanAttempt never grants a second HALF_OPEN permit before the
// outstanding probe resolves.
func TestBreaker_NeverAllowsTwoConcurrentHalfOpenProbes(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("at most one HALF_OPEN permit is outstanding at a time", prop.ForAll(
		func(threshold int, failures int) bool {
			clock := time.Unix(0, 0)
			b := breaker.New("https://example.test", threshold, time.Minute).
				WithClock(func() time.Time { return clock })

			for i := 0; i < failures; i++ {
				b.RecordFailure()
			}
			if b.State() != breaker.Open {
				return true // threshold not reached; nothing to probe
			}

			clock = clock.Add(time.Minute)
			first := b.CanAttempt()
			second := b.CanAttempt()
			return first && !second
		},
		gen.IntRange(1, 10),
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}

// TestBreaker_SuccessAlwaysRecoversToClosed checks that RecordSuccess
// transitions the breaker to CLOSED with a zeroed failure count from any
// starting state.
func TestBreaker_SuccessAlwaysRecoversToClosed(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("RecordSuccess always closes the breaker", prop.ForAll(
		func(failures int) bool {
			b := breaker.New("https://example.test", 3, time.Minute)
			for i := 0; i < failures; i++ {
				b.RecordFailure()
			}
			b.RecordSuccess()
			return b.State() == breaker.Closed && b.ConsecutiveFailures() == 0
		},
		gen.IntRange(0, 50),
	))

	properties.TestingRun(t)
}
