// Package track contains the control nucleus: the phase state machine,
// the control loop that closes the camera feedback cycle, the metadata
// publisher, the zoom controller, and the loop watchdog.
package track

import "time"

// Phase represents the tracking lifecycle state.
type Phase string

const (
	PhaseIdle      Phase = "idle"      // no target selected
	PhaseSearching Phase = "searching" // target selected, momentarily not detected
	PhaseTracking  Phase = "tracking"  // target selected and detected this tick
	PhaseLost      Phase = "lost"      // grace window exceeded
)

// Transition is the outcome of one Step. The action flags are
// edge-triggered: they fire once on phase entry and stay false while
// the phase is unchanged, so the caller never re-sends a one-shot
// command.
type Transition struct {
	From    Phase
	To      Phase
	Changed bool

	// ResetServo is set on every entry into TRACKING from a
	// non-tracking phase so stale integral state cannot kick the mount.
	ResetServo bool

	// StopMotion is set on entry into SEARCHING, LOST, or IDLE: the
	// loop suppresses pan/tilt and issues one stop.
	StopMotion bool

	// GoHome is set when the LOST idle timeout expires: the loop drops
	// the target lock and sends the camera home, exactly once.
	GoHome bool
}

// Machine is the flat tracking state machine. It is owned by the
// control loop: one writer, one reader, no internal locking. External
// readers observe the phase through the MetadataPublisher instead.
type Machine struct {
	phase       Phase
	lastSeen    time.Time
	lostAt      time.Time
	gracePeriod time.Duration
	idleTimeout time.Duration
}

// NewMachine creates a machine in IDLE. gracePeriod bounds how long a
// missing target stays SEARCHING; idleTimeout bounds how long a LOST
// target is held before the machine abandons it.
func NewMachine(gracePeriod, idleTimeout time.Duration) *Machine {
	return &Machine{
		phase:       PhaseIdle,
		gracePeriod: gracePeriod,
		idleTimeout: idleTimeout,
	}
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	return m.phase
}

// LastSeen returns the time the target was last detected. Zero when
// the target has never been detected.
func (m *Machine) LastSeen() time.Time {
	return m.lastSeen
}

// GracePeriod returns the configured grace window.
func (m *Machine) GracePeriod() time.Duration {
	return m.gracePeriod
}

// Reset returns the machine to IDLE with cleared timers. The loop
// calls this when the selected target changes so the new target gets a
// fresh grace window.
func (m *Machine) Reset() {
	m.phase = PhaseIdle
	m.lastSeen = time.Time{}
	m.lostAt = time.Time{}
}

// Step advances the machine by one control cycle.
func (m *Machine) Step(targetSelected, foundThisTick bool, now time.Time) Transition {
	from := m.phase

	switch {
	case !targetSelected:
		// Deselection cancels any in-flight searching/lost state.
		m.phase = PhaseIdle
		m.lastSeen = time.Time{}
		m.lostAt = time.Time{}

	case foundThisTick:
		m.phase = PhaseTracking
		m.lastSeen = now
		m.lostAt = time.Time{}

	default:
		// Selected but not seen this tick. A target that has never
		// been detected measures its grace window from selection.
		if m.lastSeen.IsZero() {
			m.lastSeen = now
		}
		if now.Sub(m.lastSeen) < m.gracePeriod {
			m.phase = PhaseSearching
			m.lostAt = time.Time{}
		} else {
			if m.phase != PhaseLost {
				m.lostAt = now
			}
			m.phase = PhaseLost

			if m.idleTimeout > 0 && now.Sub(m.lostAt) >= m.idleTimeout {
				// Abandon the lock: one-shot home on the way to IDLE.
				m.phase = PhaseIdle
				m.lastSeen = time.Time{}
				m.lostAt = time.Time{}
				return Transition{
					From:    from,
					To:      PhaseIdle,
					Changed: from != PhaseIdle,
					GoHome:  true,
				}
			}
		}
	}

	tr := Transition{
		From:    from,
		To:      m.phase,
		Changed: from != m.phase,
	}
	if tr.Changed {
		switch m.phase {
		case PhaseTracking:
			tr.ResetServo = true
		case PhaseSearching, PhaseLost, PhaseIdle:
			tr.StopMotion = true
		}
	}
	return tr
}
