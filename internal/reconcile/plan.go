// Package reconcile brings running processes in line with an accepted
// configuration change.
package reconcile

import (
	"github.com/proxypal/proxypal/internal/config/store"
	"github.com/proxypal/proxypal/internal/launch"
	"github.com/proxypal/proxypal/internal/status"
)

// Action is what a configuration change requires of one process kind.
type Action string

const (
	ActionNone    Action = "none"
	ActionRestart Action = "restart"
	ActionStop    Action = "stop"
)

// Step is the planned action for one kind.
type Step struct {
	Kind   status.Kind `json:"kind"`
	Action Action      `json:"action"`
	Reason string      `json:"reason,omitempty"`
}

// Decision lists one step per kind, in status.Kinds() order.
type Decision struct {
	Steps []Step `json:"steps"`
}

// Affected returns the kinds whose step is not ActionNone.
func (d Decision) Affected() []status.Kind {
	var kinds []status.Kind
	for _, step := range d.Steps {
		if step.Action != ActionNone {
			kinds = append(kinds, step.Kind)
		}
	}
	return kinds
}

// For returns the step planned for kind.
func (d Decision) For(kind status.Kind) Step {
	for _, step := range d.Steps {
		if step.Kind == kind {
			return step
		}
	}
	return Step{Kind: kind, Action: ActionNone}
}

// Plan decides which processes a change from oldDoc to newDoc affects.
// It depends only on its arguments: a kind is restarted when its launch
// spec fingerprint changes, and the Copilot bridge is stopped when it is
// switched off. Whether a process is actually running is checked at apply
// time, not here.
func Plan(b *launch.Builder, oldDoc, newDoc store.Document) Decision {
	oldDoc = normalized(oldDoc)
	newDoc = normalized(newDoc)

	var d Decision
	for _, kind := range status.Kinds() {
		step := Step{Kind: kind, Action: ActionNone}

		switch {
		case kind == status.KindCopilot && oldDoc.Copilot.Enabled && !newDoc.Copilot.Enabled:
			step.Action = ActionStop
			step.Reason = "copilot disabled"
		case b.Fingerprint(kind, oldDoc) != b.Fingerprint(kind, newDoc):
			step.Action = ActionRestart
			step.Reason = "launch configuration changed"
		}
		d.Steps = append(d.Steps, step)
	}
	return d
}

// normalized returns doc in the shape Save commits it. Generated ids do
// not reach any launch spec, so a constant generator keeps Plan pure.
func normalized(doc store.Document) store.Document {
	out, _ := store.Migrate(doc.Clone(), planID)
	out.Normalize()
	return out
}

func planID() string { return "plan" }
