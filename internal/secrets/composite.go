package secrets

import (
	"context"
	"errors"
	"fmt"
)

// CompositeProvider chains providers and tries each in order. The provider
// that answered is recorded in the secret's "provider" metadata.
// A provider answering ErrSecretNotFound passes the reference on; any other
// error (a Vault outage, a permission failure) stops the chain so it is not
// masked by a later "not found".
type CompositeProvider struct {
	providers []Provider
}

// NewCompositeProvider creates a provider that delegates to the given providers in order.
func NewCompositeProvider(providers ...Provider) *CompositeProvider {
	return &CompositeProvider{providers: providers}
}

func (p *CompositeProvider) Name() string { return "composite" }

func (p *CompositeProvider) Resolve(ctx context.Context, ref string) (*Secret, error) {
	var lastErr error
	for _, provider := range p.providers {
		secret, err := provider.Resolve(ctx, ref)
		if err == nil {
			if secret.Metadata == nil {
				secret.Metadata = make(map[string]string, 1)
			}
			secret.Metadata["provider"] = provider.Name()
			return secret, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			return nil, fmt.Errorf("%s provider: %w", provider.Name(), err)
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: no provider could resolve %q", ErrSecretNotFound, ref)
}
