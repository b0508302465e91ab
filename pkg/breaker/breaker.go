package breaker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/acepool/acepool/pkg/log"
	"github.com/acepool/acepool/pkg/metrics"
)

// Class identifies an independent failure domain. General and replacement
// provisioning trip separately so a run of replacement failures cannot block
// demand-driven scale-up, and vice versa.
type Class string

const (
	ClassGeneral     Class = "general_provisioning"
	ClassReplacement Class = "replacement_provisioning"
)

// State is the classic three-state breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Settings configures one class.
type Settings struct {
	// FailureThreshold is the consecutive failure count that opens the
	// breaker.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before a single
	// trial attempt is allowed through.
	RecoveryTimeout time.Duration
}

// OpenError is returned by Allow when a class is open. Callers surface the
// recovery ETA to clients so they can back off instead of hammering.
type OpenError struct {
	Class       Class
	RecoveryETA time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s open, retry in %s", e.Class, e.RecoveryETA.Round(time.Second))
}

// ClassSnapshot is one class's state for the status endpoint.
type ClassSnapshot struct {
	Class               Class         `json:"class"`
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	FailureThreshold    int           `json:"failure_threshold"`
	RecoveryETA         time.Duration `json:"-"`
	RecoveryETASeconds  float64       `json:"recovery_eta_seconds"`
	LastFailure         time.Time     `json:"last_failure,omitempty"`
}

type classState struct {
	settings      Settings
	state         State
	consecutive   int
	openedAt      time.Time
	lastFailure   time.Time
	trialInFlight bool
}

// Breaker tracks consecutive provisioning failures per class and fails fast
// while the runtime is struggling, instead of queueing doomed container
// creates behind it.
type Breaker struct {
	mu      sync.Mutex
	classes map[Class]*classState
	logger  zerolog.Logger
}

// New creates a breaker with the given per-class settings.
func New(settings map[Class]Settings) *Breaker {
	b := &Breaker{
		classes: make(map[Class]*classState, len(settings)),
		logger:  log.WithComponent("breaker"),
	}
	for class, s := range settings {
		if s.FailureThreshold <= 0 {
			s.FailureThreshold = 5
		}
		if s.RecoveryTimeout <= 0 {
			s.RecoveryTimeout = 5 * time.Minute
		}
		b.classes[class] = &classState{settings: s, state: StateClosed}
	}
	return b
}

// Allow reports whether an attempt in the class may proceed. When the class
// is open it returns an *OpenError carrying the recovery ETA. After the
// recovery timeout the class moves to half-open and exactly one trial is let
// through; further attempts are rejected until that trial reports back.
func (b *Breaker) Allow(class Class) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs, ok := b.classes[class]
	if !ok {
		// Unknown classes never block.
		return nil
	}

	switch cs.state {
	case StateClosed:
		return nil
	case StateOpen:
		remaining := cs.settings.RecoveryTimeout - time.Since(cs.openedAt)
		if remaining > 0 {
			return &OpenError{Class: class, RecoveryETA: remaining}
		}
		cs.state = StateHalfOpen
		cs.trialInFlight = true
		metrics.BreakerOpen.WithLabelValues(string(class)).Set(0)
		b.logger.Info().Str("class", string(class)).Msg("circuit breaker half-open, allowing trial")
		return nil
	case StateHalfOpen:
		if cs.trialInFlight {
			return &OpenError{Class: class, RecoveryETA: cs.settings.RecoveryTimeout}
		}
		cs.trialInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess closes the class and clears its failure count.
func (b *Breaker) RecordSuccess(class Class) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs, ok := b.classes[class]
	if !ok {
		return
	}
	if cs.state != StateClosed {
		b.logger.Info().Str("class", string(class)).Msg("circuit breaker closed after successful attempt")
	}
	cs.state = StateClosed
	cs.consecutive = 0
	cs.trialInFlight = false
	metrics.BreakerOpen.WithLabelValues(string(class)).Set(0)
}

// RecordFailure counts one failure. At the threshold the class opens; a
// failed half-open trial reopens it with a fresh recovery timer.
func (b *Breaker) RecordFailure(class Class) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs, ok := b.classes[class]
	if !ok {
		return
	}
	cs.consecutive++
	cs.lastFailure = time.Now()

	switch cs.state {
	case StateHalfOpen:
		cs.state = StateOpen
		cs.openedAt = time.Now()
		cs.trialInFlight = false
		metrics.BreakerOpen.WithLabelValues(string(class)).Set(1)
		metrics.BreakerTripsTotal.WithLabelValues(string(class)).Inc()
		b.logger.Warn().Str("class", string(class)).Msg("half-open trial failed, circuit breaker reopened")
	case StateClosed:
		if cs.consecutive >= cs.settings.FailureThreshold {
			cs.state = StateOpen
			cs.openedAt = time.Now()
			metrics.BreakerOpen.WithLabelValues(string(class)).Set(1)
			metrics.BreakerTripsTotal.WithLabelValues(string(class)).Inc()
			b.logger.Warn().
				Str("class", string(class)).
				Int("consecutive_failures", cs.consecutive).
				Dur("recovery_timeout", cs.settings.RecoveryTimeout).
				Msg("circuit breaker opened")
		}
	}
}

// Reset force-closes a class, clearing all counters.
func (b *Breaker) Reset(class Class) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs, ok := b.classes[class]
	if !ok {
		return
	}
	cs.state = StateClosed
	cs.consecutive = 0
	cs.trialInFlight = false
	metrics.BreakerOpen.WithLabelValues(string(class)).Set(0)
}

// State returns the current state of a class.
func (b *Breaker) State(class Class) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs, ok := b.classes[class]
	if !ok {
		return StateClosed
	}
	// Surface half-open once the timer has elapsed, even before a trial
	// arrives, so status reads match what Allow would do.
	if cs.state == StateOpen && time.Since(cs.openedAt) >= cs.settings.RecoveryTimeout {
		return StateHalfOpen
	}
	return cs.state
}

// RecoveryETA returns how long until the class allows a trial attempt. Zero
// when the class is not open.
func (b *Breaker) RecoveryETA(class Class) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs, ok := b.classes[class]
	if !ok || cs.state != StateOpen {
		return 0
	}
	remaining := cs.settings.RecoveryTimeout - time.Since(cs.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Snapshot returns all class states, ordered by class name.
func (b *Breaker) Snapshot() []ClassSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]ClassSnapshot, 0, len(b.classes))
	for class, cs := range b.classes {
		snap := ClassSnapshot{
			Class:               class,
			State:               cs.state,
			ConsecutiveFailures: cs.consecutive,
			FailureThreshold:    cs.settings.FailureThreshold,
			LastFailure:         cs.lastFailure,
		}
		if cs.state == StateOpen {
			remaining := cs.settings.RecoveryTimeout - time.Since(cs.openedAt)
			if remaining < 0 {
				remaining = 0
				snap.State = StateHalfOpen
			}
			snap.RecoveryETA = remaining
			snap.RecoveryETASeconds = remaining.Seconds()
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out
}
