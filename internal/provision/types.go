// Package provision drives secret provisioning runs: materialize each
// declared secret, store it, grant access to the identities that consume it,
// wait for the grants to propagate, and publish the resulting references.
package provision

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/seedvault/internal/access"
	"github.com/jkaninda/seedvault/internal/credential"
	"github.com/jkaninda/seedvault/internal/vault"
)

// State is the lifecycle state of a run.
type State string

const (
	StateInit          State = "init"
	StateMaterializing State = "materializing"
	StateStoring       State = "storing"
	StateBinding       State = "binding"
	StateConfirming    State = "confirming"
	StateReady         State = "ready"
	StateFailed        State = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateReady || s == StateFailed
}

// BindingSpec requests a capability on a resource for an identity.
type BindingSpec struct {
	Identity   string `json:"identity" yaml:"identity"`
	Resource   string `json:"resource" yaml:"resource"`
	Capability string `json:"capability" yaml:"capability"`
}

func (b BindingSpec) String() string {
	return fmt.Sprintf("%s:%s:%s", b.Identity, b.Resource, b.Capability)
}

// Request is the input of one run. Zero durations use the Config defaults.
type Request struct {
	RunID          uuid.UUID
	Trigger        string
	Secrets        []credential.Spec
	Bindings       []BindingSpec
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// Transition records entry into a state.
type Transition struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// Run is the observable record of one provisioning run.
type Run struct {
	ID          uuid.UUID                  `json:"id"`
	Trigger     string                     `json:"trigger,omitempty"`
	State       State                      `json:"state"`
	Transitions []Transition               `json:"transitions"`
	References  map[string]vault.Reference `json:"references,omitempty"`
	Bindings    []access.Binding           `json:"bindings,omitempty"`
	Reused      []string                   `json:"reused,omitempty"`
	Error       *RunError                  `json:"error,omitempty"`
	StartedAt   time.Time                  `json:"started_at"`
	FinishedAt  *time.Time                 `json:"finished_at,omitempty"`
}

// Snapshot returns a deep copy of r.
func (r *Run) Snapshot() Run {
	cp := *r
	cp.Transitions = append([]Transition(nil), r.Transitions...)
	cp.References = maps.Clone(r.References)
	cp.Bindings = append([]access.Binding(nil), r.Bindings...)
	cp.Reused = append([]string(nil), r.Reused...)
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	return cp
}

// Kind classifies a run failure.
type Kind string

const (
	KindPolicyViolation    Kind = "policy_violation"
	KindAccessDenied       Kind = "access_denied"
	KindIdentityNotFound   Kind = "identity_not_found"
	KindResourceNotFound   Kind = "resource_not_found"
	KindUnknownCapability  Kind = "unknown_capability"
	KindNetworkUnreachable Kind = "network_unreachable"
	KindBindingTimeout     Kind = "binding_timeout"
	KindPreconditionUnmet  Kind = "precondition_unmet"
	KindCancelled          Kind = "cancelled"
	KindInternal           Kind = "internal"
)

// RunError is the first fatal error of a run.
type RunError struct {
	Phase   State
	Kind    Kind
	Subject string // Secret name or binding triple; empty for run-wide failures.
	Err     error
}

func (e *RunError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("%s %s: %v", e.Phase, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Phase, e.Kind, e.Subject, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Transient reports whether retrying the run later may succeed.
func (e *RunError) Transient() bool {
	switch e.Kind {
	case KindNetworkUnreachable, KindBindingTimeout, KindPreconditionUnmet:
		return true
	}
	return false
}

func (e *RunError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Phase     State  `json:"phase"`
		Kind      Kind   `json:"kind"`
		Subject   string `json:"subject,omitempty"`
		Message   string `json:"message"`
		Transient bool   `json:"transient"`
	}{e.Phase, e.Kind, e.Subject, e.Err.Error(), e.Transient()})
}
