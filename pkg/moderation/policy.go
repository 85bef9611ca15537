package moderation

import "time"

// Outcome is the concrete enforcement decided for one violation.
type Outcome struct {
	Action ActionType
	// Warnings is the count reported to the user, including this violation.
	Warnings int
	// Counter is the warning count to persist after this violation.
	Counter int
	// CounterDelta is Counter minus the count before this violation.
	CounterDelta int
	// Escalate is set when accumulated warnings also earn a mute.
	Escalate bool
	MuteFor  time.Duration
}

// UpdatesCounter reports whether the outcome writes the warning counter.
func (o Outcome) UpdatesCounter() bool {
	return o.Action == ActionWarn
}

// Policy maps a violation and the chat's settings to an Outcome.
type Policy struct {
	threshold int
}

// NewPolicy creates a policy escalating at WarningThreshold warnings.
func NewPolicy() *Policy {
	return &Policy{threshold: WarningThreshold}
}

// Apply decides the action for a violation given the user's current warning count.
// Only the warn action reads or changes the counter.
func (p *Policy) Apply(kind ViolationKind, cfg ChatConfig, warnings int) Outcome {
	if kind == ViolationNone {
		return Outcome{}
	}

	switch cfg.Action {
	case ActionWarn:
		count := warnings + 1
		out := Outcome{
			Action:   ActionWarn,
			Warnings: count,
			Counter:  count,
		}
		if count >= p.threshold {
			out.Counter = 0
			// No separate escalation action exists, so warn escalates to mute.
			if cfg.Action == ActionWarn {
				out.Escalate = true
				out.MuteFor = cfg.MuteFor()
			}
		}
		out.CounterDelta = out.Counter - warnings
		return out

	case ActionMute:
		return Outcome{Action: ActionMute, Warnings: warnings, Counter: warnings, MuteFor: cfg.MuteFor()}

	case ActionBan:
		return Outcome{Action: ActionBan, Warnings: warnings, Counter: warnings}

	default:
		return Outcome{Action: ActionDelete, Warnings: warnings, Counter: warnings}
	}
}
