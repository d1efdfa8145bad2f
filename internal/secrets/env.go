package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvProvider reads "env://VARIABLE_NAME" references from the process environment.
type EnvProvider struct{}

// NewEnvProvider creates an environment variable provider.
func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

func (p *EnvProvider) Name() string { return "env" }

// Resolve returns the variable's value. An unset variable is ErrSecretNotFound;
// a variable set to the empty string resolves to an empty value so the
// secret's fallback policy can apply.
func (p *EnvProvider) Resolve(_ context.Context, ref string) (*Secret, error) {
	if Scheme(ref) != "env" {
		return nil, fmt.Errorf("%w: env provider only handles env:// references, got %q",
			ErrSecretNotFound, ref)
	}
	name := strings.TrimPrefix(ref, "env://")
	if name == "" {
		return nil, fmt.Errorf("%w: empty environment variable name", ErrSecretNotFound)
	}
	value, ok := os.LookupEnv(name)
	if !ok {
		return nil, fmt.Errorf("%w: environment variable %q is not set", ErrSecretNotFound, name)
	}
	return &Secret{
		Value:    value,
		Metadata: map[string]string{"source": "env", "variable": name},
	}, nil
}

// FileProvider reads "file:///path" references, such as mounted container
// secrets. A single trailing newline is trimmed.
type FileProvider struct {
	baseDir string
}

// NewFileProvider creates a file provider. When baseDir is set, references
// outside it are rejected.
func NewFileProvider(baseDir string) *FileProvider {
	if baseDir != "" {
		baseDir = filepath.Clean(baseDir)
	}
	return &FileProvider{baseDir: baseDir}
}

func (p *FileProvider) Name() string { return "file" }

func (p *FileProvider) Resolve(_ context.Context, ref string) (*Secret, error) {
	if Scheme(ref) != "file" {
		return nil, fmt.Errorf("%w: file provider only handles file:// references, got %q",
			ErrSecretNotFound, ref)
	}
	path := strings.TrimPrefix(ref, "file://")
	if path == "" {
		return nil, fmt.Errorf("%w: empty file path", ErrSecretNotFound)
	}
	path = filepath.Clean(path)
	if p.baseDir != "" {
		rel, err := filepath.Rel(p.baseDir, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("file %q is outside %s", path, p.baseDir)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: file %q", ErrSecretNotFound, path)
		}
		return nil, fmt.Errorf("reading secret file %q: %w", path, err)
	}
	value := strings.TrimSuffix(string(data), "\n")
	value = strings.TrimSuffix(value, "\r")
	return &Secret{
		Value:    value,
		Metadata: map[string]string{"source": "file", "path": path},
	}, nil
}
