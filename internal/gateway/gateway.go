// Package gateway defines the interface for serve-mode entry points.
package gateway

import "context"

// Gateway accepts run requests from outside the process (the HTTP API).
type Gateway interface {
	// Start serves until Stop is called or ctx is canceled.
	Start(ctx context.Context) error

	// Stop drains in-flight requests within the deadline carried by ctx.
	Stop(ctx context.Context) error
}
