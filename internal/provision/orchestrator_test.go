package provision

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/seedvault/internal/access"
	"github.com/jkaninda/seedvault/internal/audit"
	"github.com/jkaninda/seedvault/internal/credential"
	"github.com/jkaninda/seedvault/internal/vault"
)

// --- Helpers ---

// countingStore wraps a store and counts calls.
type countingStore struct {
	vault.Store
	puts atomic.Int32
	refs atomic.Int32
}

func (s *countingStore) Put(ctx context.Context, name string, value []byte) (vault.Reference, error) {
	s.puts.Add(1)
	return s.Store.Put(ctx, name, value)
}

func (s *countingStore) Reference(ctx context.Context, name string) (vault.Reference, error) {
	s.refs.Add(1)
	return s.Store.Reference(ctx, name)
}

// slowStore blocks every Put until ctx is done.
type slowStore struct {
	*vault.MemoryStore
}

func (s slowStore) Put(ctx context.Context, _ string, _ []byte) (vault.Reference, error) {
	<-ctx.Done()
	return vault.Reference{}, ctx.Err()
}

type preconditionFunc func(ctx context.Context) error

func (f preconditionFunc) Check(ctx context.Context) error { return f(ctx) }

type harness struct {
	mem     *vault.MemoryStore
	store   *countingStore
	binder  *access.MemoryBinder
	journal *audit.MemoryJournal
	reg     *prometheus.Registry
	logs    *bytes.Buffer
	orch    *Orchestrator
}

func newHarness(t *testing.T, delay time.Duration) *harness {
	t.Helper()
	mem := vault.NewMemoryStore()
	h := &harness{
		mem:     mem,
		store:   &countingStore{Store: mem},
		binder:  access.NewMemoryBinder([]string{"n8n-app", "worker"}, []string{access.StoreResource}, nil, delay).WithSecretStore(mem),
		journal: &audit.MemoryJournal{},
		reg:     prometheus.NewRegistry(),
		logs:    &bytes.Buffer{},
	}
	logger := slog.New(slog.NewJSONHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h.orch = New(h.store, h.binder, credential.NewMaterializer(8), NewMetrics(h.reg), logger, Config{
		PollInterval:    5 * time.Millisecond,
		MaxPollInterval: 20 * time.Millisecond,
	}).WithJournal(h.journal)
	return h
}

func n8nRequest() Request {
	return Request{
		Trigger: "test",
		Secrets: []credential.Spec{
			{Name: "db-pass", Source: credential.Generate(credential.Policy{Length: 20, RequireSpecial: true})},
			{Name: "api-key", Source: credential.Raw("sk-live-123", nil)},
		},
		Bindings: []BindingSpec{
			{Identity: "n8n-app", Resource: "secret/db-pass", Capability: "read"},
			{Identity: "n8n-app", Resource: "secret/api-key", Capability: "read"},
		},
		ConfirmTimeout: 2 * time.Second,
	}
}

func states(r *Run) []State {
	out := make([]State, len(r.Transitions))
	for i, tr := range r.Transitions {
		out[i] = tr.State
	}
	return out
}

func expectRunError(t *testing.T, err error, phase State, kind Kind) *RunError {
	t.Helper()
	var re *RunError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RunError, got %T: %v", err, err)
	}
	if re.Phase != phase || re.Kind != kind {
		t.Fatalf("RunError = %s/%s (%v), want %s/%s", re.Phase, re.Kind, re.Err, phase, kind)
	}
	return re
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- Happy path ---

func TestExecute_Ready(t *testing.T) {
	h := newHarness(t, 40*time.Millisecond)
	ctx := context.Background()

	run, err := h.orch.Execute(ctx, n8nRequest())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := []State{StateInit, StateMaterializing, StateStoring, StateBinding, StateConfirming, StateReady}
	if !slices.Equal(states(run), want) {
		t.Errorf("transitions = %v, want %v", states(run), want)
	}
	if run.State != StateReady || run.Error != nil || run.FinishedAt == nil {
		t.Errorf("unexpected final run: state=%s err=%v finished=%v", run.State, run.Error, run.FinishedAt)
	}

	if len(run.References) != 2 {
		t.Fatalf("references = %v, want 2", run.References)
	}
	apiKey, err := h.mem.Resolve(ctx, run.References["api-key"])
	if err != nil {
		t.Fatalf("Resolve api-key: %v", err)
	}
	if string(apiKey) != "sk-live-123" {
		t.Errorf("api-key resolved to %q", apiKey)
	}
	dbPass, err := h.mem.Resolve(ctx, run.References["db-pass"])
	if err != nil {
		t.Fatalf("Resolve db-pass: %v", err)
	}
	if len(dbPass) != 20 {
		t.Errorf("db-pass length = %d, want 20", len(dbPass))
	}

	for _, b := range run.Bindings {
		if b.State != access.StateActive || b.ActivatedAt == nil {
			t.Errorf("binding %s/%s not active: %+v", b.ResourceID, b.Capability, b)
		}
	}

	if events := h.journal.Events(); len(events) != len(want) {
		t.Errorf("journal events = %d, want %d", len(events), len(want))
	}
	if v := counterValue(t, h.reg, "seedvault_provision_runs_total", prometheus.Labels{"state": "ready"}); v != 1 {
		t.Errorf("runs_total{ready} = %v, want 1", v)
	}
	if v := counterValue(t, h.reg, "seedvault_provision_secrets_written_total", prometheus.Labels{"source": "generate"}); v != 1 {
		t.Errorf("secrets_written_total{generate} = %v, want 1", v)
	}
}

func TestExecute_NeverLogsPlaintext(t *testing.T) {
	h := newHarness(t, 0)
	run, err := h.orch.Execute(context.Background(), n8nRequest())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	generated, _ := h.mem.Resolve(context.Background(), run.References["db-pass"])

	logs := h.logs.String()
	if bytes.Contains([]byte(logs), []byte("sk-live-123")) {
		t.Error("raw secret value appeared in logs")
	}
	if bytes.Contains([]byte(logs), generated) {
		t.Error("generated secret value appeared in logs")
	}
}

func TestExecute_ReferencesAreCopies(t *testing.T) {
	h := newHarness(t, 0)
	run, err := h.orch.Execute(context.Background(), n8nRequest())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	run.References["api-key"] = vault.Reference{Name: "tampered"}

	run2, _ := h.orch.Execute(context.Background(), n8nRequest())
	if run2.References["api-key"].Name != "api-key" {
		t.Error("mutating a published map leaked into another run")
	}
}

// --- Init failures ---

func TestExecute_EmptyRawZeroLengthFailsBeforeStore(t *testing.T) {
	h := newHarness(t, 0)
	req := Request{Secrets: []credential.Spec{
		{Name: "token", Source: credential.Raw("", &credential.Policy{Length: 0})},
	}}

	run, err := h.orch.Execute(context.Background(), req)
	expectRunError(t, err, StateInit, KindPolicyViolation)
	if !errors.Is(err, credential.ErrPolicyViolation) {
		t.Errorf("error does not wrap ErrPolicyViolation: %v", err)
	}
	if !slices.Equal(states(run), []State{StateInit, StateFailed}) {
		t.Errorf("transitions = %v", states(run))
	}
	if h.store.puts.Load() != 0 || h.store.refs.Load() != 0 {
		t.Errorf("store touched: puts=%d refs=%d", h.store.puts.Load(), h.store.refs.Load())
	}
}

func TestExecute_PolicyBelowStoreMinimum(t *testing.T) {
	h := newHarness(t, 0)
	req := Request{Secrets: []credential.Spec{
		{Name: "ok", Source: credential.Generate(credential.Policy{Length: 16})},
		{Name: "short", Source: credential.Generate(credential.Policy{Length: 6})},
	}}
	_, err := h.orch.Execute(context.Background(), req)
	re := expectRunError(t, err, StateInit, KindPolicyViolation)
	if re.Subject != "short" {
		t.Errorf("subject = %q, want short", re.Subject)
	}
	if h.store.puts.Load() != 0 {
		t.Errorf("puts = %d, want 0", h.store.puts.Load())
	}
}

func TestExecute_DuplicateSecretNames(t *testing.T) {
	h := newHarness(t, 0)
	req := Request{Secrets: []credential.Spec{
		{Name: "k", Source: credential.Raw("a", nil)},
		{Name: "k", Source: credential.Raw("b", nil)},
	}}
	_, err := h.orch.Execute(context.Background(), req)
	expectRunError(t, err, StateInit, KindPolicyViolation)
}

func TestExecute_IncompleteBinding(t *testing.T) {
	h := newHarness(t, 0)
	req := Request{Bindings: []BindingSpec{{Identity: "n8n-app", Resource: "store"}}}
	_, err := h.orch.Execute(context.Background(), req)
	expectRunError(t, err, StateInit, KindPolicyViolation)
}

func TestExecute_PreconditionUnmet(t *testing.T) {
	h := newHarness(t, 0)
	h.orch.WithPreconditions(preconditionFunc(func(context.Context) error {
		return errors.New("embedding model deployment not reachable")
	}))

	_, err := h.orch.Execute(context.Background(), n8nRequest())
	re := expectRunError(t, err, StateInit, KindPreconditionUnmet)
	if !re.Transient() {
		t.Error("precondition failure should be transient")
	}
	if h.store.puts.Load() != 0 {
		t.Errorf("puts = %d, want 0", h.store.puts.Load())
	}
}

// --- Storing failures ---

func TestExecute_NetworkUnreachable(t *testing.T) {
	h := newHarness(t, 0)
	policy, err := vault.ParseNetworkPolicy(false, "deny", []string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("ParseNetworkPolicy: %v", err)
	}
	guard := vault.NewGuard(h.mem, policy, vault.Origin{Addr: netip.MustParseAddr("192.168.1.5")}, "provisioner", nil)
	orch := New(guard, h.binder, credential.NewMaterializer(8), nil, nil, Config{})

	run, err := orch.Execute(context.Background(), n8nRequest())
	re := expectRunError(t, err, StateStoring, KindNetworkUnreachable)
	if !re.Transient() {
		t.Error("network_unreachable should be transient")
	}
	if len(run.References) != 0 {
		t.Errorf("references = %v, want none", run.References)
	}
}

func TestExecute_AccessDenied(t *testing.T) {
	h := newHarness(t, 0)
	guard := vault.NewGuard(h.mem, vault.NetworkPolicy{DefaultAction: vault.ActionAllow}, vault.Origin{}, "provisioner", []string{"admin"})
	orch := New(guard, h.binder, credential.NewMaterializer(8), nil, nil, Config{})

	req := Request{Secrets: []credential.Spec{{Name: "api-key", Source: credential.Raw("x", nil)}}}
	_, err := orch.Execute(context.Background(), req)
	re := expectRunError(t, err, StateStoring, KindAccessDenied)
	if re.Transient() {
		t.Error("access_denied should not be transient")
	}
	if re.Subject != "api-key" {
		t.Errorf("subject = %q, want api-key", re.Subject)
	}
}

func TestExecute_StoreTimeoutIsUnreachable(t *testing.T) {
	mem := vault.NewMemoryStore()
	binder := access.NewMemoryBinder(nil, nil, nil, 0)
	orch := New(slowStore{mem}, binder, credential.NewMaterializer(8), nil, nil, Config{StoreTimeout: 20 * time.Millisecond})

	req := Request{Secrets: []credential.Spec{{Name: "k", Source: credential.Raw("v", nil)}}}
	_, err := orch.Execute(context.Background(), req)
	expectRunError(t, err, StateStoring, KindNetworkUnreachable)
}

// --- Binding failures ---

func TestExecute_IdentityNotFoundKeepsSecrets(t *testing.T) {
	h := newHarness(t, 0)
	req := n8nRequest()
	req.Bindings = append(req.Bindings, BindingSpec{Identity: "ghost", Resource: "secret/db-pass", Capability: "read"})

	run, err := h.orch.Execute(context.Background(), req)
	re := expectRunError(t, err, StateBinding, KindIdentityNotFound)
	if re.Subject != "ghost:secret/db-pass:read" {
		t.Errorf("subject = %q", re.Subject)
	}
	if slices.Contains(states(run), StateConfirming) {
		t.Errorf("run entered confirming: %v", states(run))
	}
	for _, name := range []string{"db-pass", "api-key"} {
		if h.mem.Versions(name) != 1 {
			t.Errorf("secret %q versions = %d, want 1 (kept after failure)", name, h.mem.Versions(name))
		}
	}
}

func TestExecute_ResourceNotFound(t *testing.T) {
	h := newHarness(t, 0)
	req := n8nRequest()
	req.Bindings = []BindingSpec{{Identity: "n8n-app", Resource: "secret/unknown", Capability: "read"}}

	_, err := h.orch.Execute(context.Background(), req)
	expectRunError(t, err, StateBinding, KindResourceNotFound)
	if h.binder.Assignments() != 0 {
		t.Errorf("assignments = %d, want 0", h.binder.Assignments())
	}
}

func TestExecute_ExistingStoreEntryIsValidResource(t *testing.T) {
	h := newHarness(t, 0)
	h.mem.Put(context.Background(), "legacy", []byte("old"))
	req := Request{
		Bindings:       []BindingSpec{{Identity: "worker", Resource: "secret/legacy", Capability: "read"}},
		ConfirmTimeout: time.Second,
	}
	if _, err := h.orch.Execute(context.Background(), req); err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestExecute_UnknownCapability(t *testing.T) {
	h := newHarness(t, 0)
	req := n8nRequest()
	req.Bindings = []BindingSpec{{Identity: "n8n-app", Resource: "secret/db-pass", Capability: "admin"}}
	_, err := h.orch.Execute(context.Background(), req)
	expectRunError(t, err, StateBinding, KindUnknownCapability)
}

// --- Confirming failures ---

func TestExecute_BindingTimeout(t *testing.T) {
	h := newHarness(t, time.Hour)
	req := n8nRequest()
	req.ConfirmTimeout = 60 * time.Millisecond

	start := time.Now()
	run, err := h.orch.Execute(context.Background(), req)
	re := expectRunError(t, err, StateConfirming, KindBindingTimeout)
	if !re.Transient() {
		t.Error("binding_timeout should be transient")
	}
	if time.Since(start) < 60*time.Millisecond {
		t.Errorf("gave up after %s", time.Since(start))
	}
	if run.State != StateFailed {
		t.Errorf("state = %s", run.State)
	}
}

func TestExecute_ConfirmUsesSharedDeadline(t *testing.T) {
	h := newHarness(t, time.Hour)
	req := n8nRequest()
	req.Bindings = append(req.Bindings,
		BindingSpec{Identity: "worker", Resource: "secret/db-pass", Capability: "read"},
		BindingSpec{Identity: "worker", Resource: "store", Capability: "list"},
	)
	req.ConfirmTimeout = 80 * time.Millisecond

	start := time.Now()
	_, err := h.orch.Execute(context.Background(), req)
	expectRunError(t, err, StateConfirming, KindBindingTimeout)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("four bindings took %s; deadline is not shared", elapsed)
	}
}

// stalledBinder grants through the memory binder but blocks the chosen call
// until ctx is done, or reports every binding rejected.
type stalledBinder struct {
	*access.MemoryBinder
	blockGrant  bool
	blockStatus bool
	reject      bool
}

func (s stalledBinder) Grant(ctx context.Context, identity, resource, capability string) (access.Binding, error) {
	if s.blockGrant {
		<-ctx.Done()
		return access.Binding{}, ctx.Err()
	}
	return s.MemoryBinder.Grant(ctx, identity, resource, capability)
}

func (s stalledBinder) Status(ctx context.Context, b access.Binding) (access.State, error) {
	switch {
	case s.blockStatus:
		<-ctx.Done()
		return "", ctx.Err()
	case s.reject:
		return access.StateFailed, nil
	}
	return s.MemoryBinder.Status(ctx, b)
}

func TestExecute_RejectedBindingIsAccessDenied(t *testing.T) {
	h := newHarness(t, 0)
	orch := New(h.store, stalledBinder{MemoryBinder: h.binder, reject: true}, credential.NewMaterializer(8), nil, nil, Config{})

	run, err := orch.Execute(context.Background(), n8nRequest())
	re := expectRunError(t, err, StateConfirming, KindAccessDenied)
	if !errors.Is(re, access.ErrBindingRejected) {
		t.Errorf("err = %v, want ErrBindingRejected", re.Err)
	}
	if re.Transient() {
		t.Error("rejected binding should not be transient")
	}
	if run.State != StateFailed {
		t.Errorf("state = %s", run.State)
	}
}

func TestExecute_BlockedStatusHonorsConfirmTimeout(t *testing.T) {
	h := newHarness(t, 0)
	orch := New(h.store, stalledBinder{MemoryBinder: h.binder, blockStatus: true}, credential.NewMaterializer(8), nil, nil, Config{})
	req := n8nRequest()
	req.ConfirmTimeout = 80 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	_, err := orch.Execute(ctx, req)
	expectRunError(t, err, StateConfirming, KindBindingTimeout)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("run took %s, want about the confirm timeout", elapsed)
	}
}

func TestExecute_BlockedGrantTimesOut(t *testing.T) {
	h := newHarness(t, 0)
	orch := New(h.store, stalledBinder{MemoryBinder: h.binder, blockGrant: true}, credential.NewMaterializer(8), nil, nil,
		Config{StoreTimeout: 30 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	_, err := orch.Execute(ctx, n8nRequest())
	expectRunError(t, err, StateBinding, KindNetworkUnreachable)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("run took %s, want about the call timeout", elapsed)
	}
}

func TestExecute_Cancelled(t *testing.T) {
	h := newHarness(t, time.Hour)
	req := n8nRequest()
	req.ConfirmTimeout = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(40 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	run, err := h.orch.Execute(ctx, req)
	re := expectRunError(t, err, StateConfirming, KindCancelled)
	if re.Transient() {
		t.Error("cancelled should not be transient")
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("cancellation took %s", time.Since(start))
	}
	if run.State != StateFailed {
		t.Errorf("state = %s", run.State)
	}
	events := h.journal.Events()
	if last := events[len(events)-1]; last.State != string(StateFailed) || last.Kind != string(KindCancelled) {
		t.Errorf("last journal event = %+v", last)
	}
}

// --- Reruns ---

func TestExecute_RerunReusesGeneratedSecrets(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	first, err := h.orch.Execute(ctx, n8nRequest())
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	second, err := h.orch.Execute(ctx, n8nRequest())
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}

	if !slices.Equal(second.Reused, []string{"db-pass"}) {
		t.Errorf("reused = %v, want [db-pass]", second.Reused)
	}
	if first.References["db-pass"] != second.References["db-pass"] {
		t.Errorf("generated secret changed: %+v vs %+v", first.References["db-pass"], second.References["db-pass"])
	}
	if h.mem.Versions("db-pass") != 1 {
		t.Errorf("db-pass versions = %d, want 1", h.mem.Versions("db-pass"))
	}
	if h.mem.Versions("api-key") != 2 {
		t.Errorf("api-key versions = %d, want 2", h.mem.Versions("api-key"))
	}
	if h.binder.Assignments() != 2 {
		t.Errorf("assignments = %d, want 2 (grants are idempotent)", h.binder.Assignments())
	}
}

func TestExecute_RetryAfterTransientFailure(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	attempts := 0
	h.orch.WithPreconditions(preconditionFunc(func(context.Context) error {
		attempts++
		if attempts == 1 {
			return errors.New("dependency not deployed yet")
		}
		return nil
	}))

	_, err := h.orch.Execute(ctx, n8nRequest())
	re := expectRunError(t, err, StateInit, KindPreconditionUnmet)
	if !re.Transient() {
		t.Fatal("expected transient failure")
	}
	run, err := h.orch.Execute(ctx, n8nRequest())
	if err != nil {
		t.Fatalf("retry Execute: %v", err)
	}
	if run.State != StateReady {
		t.Errorf("state = %s", run.State)
	}
}

// --- RunError ---

func TestRunError_Format(t *testing.T) {
	re := &RunError{Phase: StateBinding, Kind: KindIdentityNotFound, Subject: "a:b:c", Err: access.ErrIdentityNotFound}
	if got := re.Error(); got != "binding identity_not_found a:b:c: identity not found" {
		t.Errorf("Error() = %q", got)
	}
	re2 := &RunError{Phase: StateInit, Kind: KindPreconditionUnmet, Err: errors.New("x")}
	if got := re2.Error(); got != "init precondition_unmet: x" {
		t.Errorf("Error() = %q", got)
	}
}

func TestClassify(t *testing.T) {
	live := context.Background()
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want Kind
	}{
		{"policy", live, credential.ErrPolicyViolation, KindPolicyViolation},
		{"denied", live, vault.ErrAccessDenied, KindAccessDenied},
		{"unreachable", live, vault.ErrNetworkUnreachable, KindNetworkUnreachable},
		{"store timeout", live, context.DeadlineExceeded, KindNetworkUnreachable},
		{"run cancelled", cancelled, vault.ErrNetworkUnreachable, KindCancelled},
		{"timeout", live, access.ErrBindingTimeout, KindBindingTimeout},
		{"rejected", live, access.ErrBindingRejected, KindAccessDenied},
		{"other", live, errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.ctx, tt.err); got != tt.want {
				t.Errorf("classify = %s, want %s", got, tt.want)
			}
		})
	}
}
