// Package workload renders the secret references a compute workload needs
// as environment variable bindings. Manifests carry references only.
package workload

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/seedvault/internal/vault"
)

// ErrUnknownSecret is returned when a workload references a secret that has
// no published reference.
var ErrUnknownSecret = errors.New("unknown secret")

// Spec maps a workload's environment variables to secret names.
type Spec struct {
	Name string            `json:"name" yaml:"name" validate:"required"`
	Env  map[string]string `json:"env" yaml:"env" validate:"required,min=1,dive,keys,required,endkeys,required"`
}

var validate = validator.New()

// Validate checks the struct tags of s.
func (s Spec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("workload %q: %w", s.Name, err)
	}
	return nil
}

// EnvVar binds one environment variable to a secret reference.
type EnvVar struct {
	Name      string `json:"name" yaml:"name"`
	SecretRef string `json:"secret_ref" yaml:"secret_ref"`
	Version   string `json:"version,omitempty" yaml:"version,omitempty"`
}

// Manifest is the rendered environment of one workload.
type Manifest struct {
	Name string   `json:"name" yaml:"name"`
	Env  []EnvVar `json:"env" yaml:"env"`
}

// Render resolves every workload's env mapping against refs. Variables are
// sorted by name so output is stable.
func Render(refs map[string]vault.Reference, specs []Spec) ([]Manifest, error) {
	out := make([]Manifest, 0, len(specs))
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		m := Manifest{Name: spec.Name, Env: make([]EnvVar, 0, len(spec.Env))}
		for envName, secret := range spec.Env {
			ref, ok := refs[secret]
			if !ok {
				return nil, fmt.Errorf("workload %q env %s: %w %q", spec.Name, envName, ErrUnknownSecret, secret)
			}
			m.Env = append(m.Env, EnvVar{Name: envName, SecretRef: ref.URI, Version: ref.Version})
		}
		sort.Slice(m.Env, func(i, j int) bool { return m.Env[i].Name < m.Env[j].Name })
		out = append(out, m)
	}
	return out, nil
}

// Encode writes manifests as "yaml" (default) or "json".
func Encode(w io.Writer, manifests []Manifest, format string) error {
	doc := struct {
		Workloads []Manifest `json:"workloads" yaml:"workloads"`
	}{manifests}

	switch strings.ToLower(format) {
	case "", "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encoding manifest: %w", err)
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encoding manifest: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported manifest format %q (use yaml or json)", format)
	}
}
