// Package credential turns declared secret sources into plaintext values.
// A source is either a raw operator-supplied value or a generation policy;
// generated values come from crypto/rand and are never logged.
package credential

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// ErrPolicyViolation is returned when a generation policy cannot be satisfied.
var ErrPolicyViolation = errors.New("policy violation")

// DefaultSpecialChars is used when a policy requires a special character
// but does not name a special set.
const DefaultSpecialChars = "!#$%&*()-_=+[]{}<>:?"

// Policy constrains generated values.
type Policy struct {
	Length         int    `json:"length" yaml:"length"`
	SpecialChars   string `json:"special_chars,omitempty" yaml:"special_chars,omitempty"`
	RequireSpecial bool   `json:"require_special" yaml:"require_special"`
}

// specials returns the effective special character set.
func (p Policy) specials() string {
	if p.SpecialChars != "" {
		return p.SpecialChars
	}
	if p.RequireSpecial {
		return DefaultSpecialChars
	}
	return ""
}

// requiredClasses is the number of character classes every generated value must include.
func (p Policy) requiredClasses() int {
	if p.RequireSpecial {
		return 4
	}
	return 3
}

// Validate checks the policy against the minimum length enforced by the target store.
func (p Policy) Validate(minLength int) error {
	if p.Length <= 0 {
		return fmt.Errorf("%w: length must be positive, got %d", ErrPolicyViolation, p.Length)
	}
	if p.Length < minLength {
		return fmt.Errorf("%w: length %d is below the store minimum of %d", ErrPolicyViolation, p.Length, minLength)
	}
	if p.Length < p.requiredClasses() {
		return fmt.Errorf("%w: length %d cannot hold %d required character classes",
			ErrPolicyViolation, p.Length, p.requiredClasses())
	}
	for _, r := range p.SpecialChars {
		if r < 0x21 || r > 0x7e || strings.ContainsRune(alphanumeric, r) {
			return fmt.Errorf("%w: special set contains invalid character %q", ErrPolicyViolation, r)
		}
	}
	return nil
}

// SourceKind discriminates a Source.
type SourceKind string

const (
	SourceRaw      SourceKind = "raw"
	SourceGenerate SourceKind = "generate"
)

// Source describes where a secret value comes from. A raw source with an
// empty value falls back to generation with Policy.
type Source struct {
	Kind   SourceKind
	Value  string
	Policy *Policy
}

// Raw returns a source carrying an operator-supplied value. The fallback
// policy is used only when value is empty.
func Raw(value string, fallback *Policy) Source {
	return Source{Kind: SourceRaw, Value: value, Policy: fallback}
}

// Generate returns a source that produces a fresh value under policy.
func Generate(policy Policy) Source {
	return Source{Kind: SourceGenerate, Policy: &policy}
}

// Generated reports whether materializing the source produces a new random value.
func (s Source) Generated() bool {
	return s.Kind == SourceGenerate || s.Value == ""
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]{0,126}$`)

// Spec names a secret and its source. Names are unique within a run.
type Spec struct {
	Name   string
	Source Source
}

// Validate checks the name and source against the store minimum length.
func (s Spec) Validate(minLength int) error {
	if s.Name == "" {
		return fmt.Errorf("%w: secret name is required", ErrPolicyViolation)
	}
	if !namePattern.MatchString(s.Name) {
		return fmt.Errorf("%w: secret name %q must be 1-127 letters, digits or dashes", ErrPolicyViolation, s.Name)
	}
	if !s.Source.Generated() {
		return nil
	}
	if s.Source.Policy == nil {
		return fmt.Errorf("%w: secret %q has no value and no generation policy", ErrPolicyViolation, s.Name)
	}
	if err := s.Source.Policy.Validate(minLength); err != nil {
		return fmt.Errorf("secret %q: %w", s.Name, err)
	}
	return nil
}

// Plaintext is secret material in memory. Callers Wipe it once the store
// has acknowledged the write.
type Plaintext []byte

// Wipe zeroes the backing array.
func (p Plaintext) Wipe() {
	for i := range p {
		p[i] = 0
	}
}

// String never exposes the value.
func (p Plaintext) String() string { return "[redacted]" }

// GoString never exposes the value.
func (p Plaintext) GoString() string { return "credential.Plaintext([redacted])" }

// Materializer produces plaintext from specs.
type Materializer struct {
	minLength int
	reader    io.Reader
}

// NewMaterializer creates a Materializer enforcing minLength on generated values.
func NewMaterializer(minLength int) *Materializer {
	return &Materializer{minLength: minLength, reader: rand.Reader}
}

// MinLength returns the minimum generated length this materializer enforces.
func (m *Materializer) MinLength() int { return m.minLength }

// Materialize returns the raw value unchanged or a freshly generated one.
func (m *Materializer) Materialize(ctx context.Context, spec Spec) (Plaintext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := spec.Validate(m.minLength); err != nil {
		return nil, err
	}
	if !spec.Source.Generated() {
		return Plaintext(spec.Source.Value), nil
	}
	value, err := m.generate(*spec.Source.Policy)
	if err != nil {
		return nil, fmt.Errorf("generating secret %q: %w", spec.Name, err)
	}
	return value, nil
}
