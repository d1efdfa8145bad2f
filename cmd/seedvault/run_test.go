package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jkaninda/seedvault/internal/gateway/httpapi"
	"github.com/jkaninda/seedvault/internal/provision"
	"github.com/jkaninda/seedvault/internal/vault"
)

// --- Helpers ---

// writeConfig writes body as the config file every command reads.
func writeConfig(t *testing.T, body string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "seedvault.yaml")
	body = "data_dir: " + filepath.Join(dir, "data") + "\n" + body
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	t.Setenv("SEEDVAULT_CONFIG", path)
	for _, key := range []string{"SEEDVAULT_DATA_DIR", "SEEDVAULT_ENCRYPTION_KEY", "SEEDVAULT_API_KEY", "VAULT_ADDR", "VAULT_TOKEN", "VAULT_NAMESPACE"} {
		t.Setenv(key, "")
	}
}

// executeRoot runs the root command with args and returns stdout and stderr.
func executeRoot(t *testing.T, ctx context.Context, args ...string) (string, string, error) {
	t.Helper()
	runRenderPath, runRenderFormat = "", "yaml"
	serveListenAddr = ""

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(append(args, "--log-level", "debug"))
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return 0
	}
	var exit *exitError
	if !errors.As(err, &exit) {
		t.Fatalf("expected *exitError, got %T: %v", err, err)
	}
	return exit.code
}

const memoryBackends = `
store:
  backend: memory
access:
  backend: memory
  identities: [n8n-app]
  resources: [store]
confirm_timeout_seconds: 2
poll_interval_seconds: 1
`

// --- seedvault run ---

func TestRunCommand_Ready(t *testing.T) {
	writeConfig(t, memoryBackends+`
secrets:
  - name: db-pass
    generate:
      length: 20
      require_special: true
  - name: api-key
    value: sk-live-7f3a9c2e
bindings:
  - {identity: n8n-app, resource: secret/db-pass, capability: read}
  - {identity: n8n-app, resource: secret/api-key, capability: read}
workloads:
  - name: n8n
    env:
      OPENAI_API_KEY: api-key
`)
	manifest := filepath.Join(t.TempDir(), "n8n.yaml")

	stdout, stderr, err := executeRoot(t, context.Background(), "run", "--render", manifest)
	if code := exitCode(t, err); code != 0 {
		t.Fatalf("exit = %d (%v)\nstderr: %s", code, err, stderr)
	}

	var doc struct {
		References map[string]vault.Reference `yaml:"references"`
	}
	if err := yaml.Unmarshal([]byte(stdout), &doc); err != nil {
		t.Fatalf("stdout is not YAML: %v\n%s", err, stdout)
	}
	for _, name := range []string{"db-pass", "api-key"} {
		ref, ok := doc.References[name]
		if !ok || ref.URI == "" || ref.Version == "" {
			t.Errorf("reference %q = %+v", name, ref)
		}
	}
	if strings.Contains(stdout+stderr, "sk-live-7f3a9c2e") {
		t.Error("plaintext secret value written to output")
	}

	rendered, err := os.ReadFile(manifest)
	if err != nil {
		t.Fatalf("reading manifest: %v", err)
	}
	if !strings.Contains(string(rendered), doc.References["api-key"].URI) {
		t.Errorf("manifest does not reference api-key:\n%s", rendered)
	}
}

func TestRunCommand_PolicyViolationExitsOne(t *testing.T) {
	writeConfig(t, memoryBackends+`
secrets:
  - name: short
    generate:
      length: 4
`)

	_, _, err := executeRoot(t, context.Background(), "run")
	if code := exitCode(t, err); code != 1 {
		t.Fatalf("exit = %d, want 1 (%v)", code, err)
	}
	if !strings.Contains(err.Error(), string(provision.KindPolicyViolation)) {
		t.Errorf("message = %q", err.Error())
	}
}

func TestRunCommand_PreconditionUnmetExitsTempFail(t *testing.T) {
	writeConfig(t, memoryBackends+`
secrets:
  - name: api-key
    value: sk-live-7f3a9c2e
preconditions:
  - name: model-deployment
`)

	stdout, _, err := executeRoot(t, context.Background(), "run")
	if code := exitCode(t, err); code != exitTempFail {
		t.Fatalf("exit = %d, want %d (%v)", code, exitTempFail, err)
	}
	if stdout != "" {
		t.Errorf("failed run printed references: %s", stdout)
	}
}

func TestRunCommand_UnreachableValueFromExitsTempFail(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	writeConfig(t, memoryBackends+fmt.Sprintf(`
secret_sources:
  providers:
    - type: vault
      config:
        address: http://%s
        token: test-token
        timeout: 2s
secrets:
  - name: openai-key
    value_from: vault://secret/data/ops/openai#key
`, addr))

	_, _, err = executeRoot(t, context.Background(), "run")
	if code := exitCode(t, err); code != exitTempFail {
		t.Fatalf("exit = %d, want %d (%v)", code, exitTempFail, err)
	}
	if !strings.Contains(err.Error(), string(provision.KindNetworkUnreachable)) || !strings.Contains(err.Error(), "openai-key") {
		t.Errorf("message = %q", err.Error())
	}
}

// --- seedvault serve ---

func TestServeCommand_RunViaAPI(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	writeConfig(t, memoryBackends+`
server:
  api_keys:
    serve-test-key: ops
secrets:
  - name: api-key
    value: sk-live-7f3a9c2e
bindings:
  - {identity: n8n-app, resource: secret/api-key, capability: read}
`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := executeRoot(t, ctx, "serve", "--listen", addr)
		done <- err
	}()

	base := "http://" + addr
	call := func(method, path string) (int, []byte) {
		req, _ := http.NewRequest(method, base+path, nil)
		req.Header.Set("Authorization", "Bearer serve-test-key")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return 0, nil
		}
		defer resp.Body.Close()
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		return resp.StatusCode, buf.Bytes()
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if code, _ := call(http.MethodGet, "/healthz"); code == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("server did not start")
		}
		time.Sleep(20 * time.Millisecond)
	}

	code, body := call(http.MethodPost, "/v1/runs")
	if code != http.StatusAccepted {
		cancel()
		t.Fatalf("submit = %d: %s", code, body)
	}
	var run provision.Run
	if err := json.Unmarshal(body, &run); err != nil {
		cancel()
		t.Fatalf("decoding run: %v", err)
	}

	var refs httpapi.ReferencesResponse
	for {
		code, body = call(http.MethodGet, "/v1/references")
		if code == http.StatusOK {
			_ = json.Unmarshal(body, &refs)
			break
		}
		if time.Now().After(deadline.Add(5 * time.Second)) {
			cancel()
			t.Fatalf("no ready run: last status %d: %s", code, body)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if refs.RunID != run.ID.String() || refs.References["api-key"].URI == "" {
		t.Errorf("references = %+v", refs)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not stop after cancellation")
	}
}
