// Package precondition checks external facts a provisioning run depends on
// but does not create, such as a manually deployed model endpoint.
package precondition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-resty/resty/v2"
)

// ErrUnmet is returned when a precondition does not hold.
var ErrUnmet = errors.New("precondition unmet")

// Precondition is met when Satisfied is set, or when CheckURL answers with
// ExpectStatus (any 2xx when zero).
type Precondition struct {
	Name         string `json:"name" yaml:"name" validate:"required"`
	Satisfied    bool   `json:"satisfied,omitempty" yaml:"satisfied,omitempty"`
	CheckURL     string `json:"check_url,omitempty" yaml:"check_url,omitempty" validate:"omitempty,url"`
	ExpectStatus int    `json:"expect_status,omitempty" yaml:"expect_status,omitempty" validate:"omitempty,min=100,max=599"`
}

// Set checks a list of preconditions in order.
type Set struct {
	items  []Precondition
	client *resty.Client
	logger *slog.Logger
}

var validate = validator.New()

// Validate checks the struct tags of p.
func (p Precondition) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("precondition %q: %w", p.Name, err)
	}
	return nil
}

// NewSet creates a checker with a 10s HTTP timeout. It fails if any item
// does not validate.
func NewSet(items []Precondition, logger *slog.Logger) (*Set, error) {
	for _, p := range items {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Set{
		items:  append([]Precondition(nil), items...),
		client: resty.New().SetTimeout(10 * time.Second),
		logger: logger,
	}, nil
}

// Len returns the number of preconditions.
func (s *Set) Len() int { return len(s.items) }

// Check returns the first unmet precondition wrapped in ErrUnmet.
func (s *Set) Check(ctx context.Context) error {
	for _, p := range s.items {
		if err := s.check(ctx, p); err != nil {
			s.logger.WarnContext(ctx, "precondition unmet",
				slog.String("precondition", p.Name),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("%w: %s: %v", ErrUnmet, p.Name, err)
		}
		s.logger.DebugContext(ctx, "precondition met", slog.String("precondition", p.Name))
	}
	return nil
}

func (s *Set) check(ctx context.Context, p Precondition) error {
	if p.Satisfied {
		return nil
	}
	if p.CheckURL == "" {
		return errors.New("not marked satisfied and no check_url configured")
	}

	resp, err := s.client.R().SetContext(ctx).Get(p.CheckURL)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("probing %s: %w", p.CheckURL, err)
	}

	status := resp.StatusCode()
	if p.ExpectStatus != 0 {
		if status != p.ExpectStatus {
			return fmt.Errorf("%s returned status %d, want %d", p.CheckURL, status, p.ExpectStatus)
		}
		return nil
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("%s returned status %d", p.CheckURL, status)
	}
	return nil
}
