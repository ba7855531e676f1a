// Package provider defines the client capability the dispatcher uses to
// reach an LLM endpoint, plus an OpenAI-compatible HTTP implementation
// and a scriptable mock for tests. The core engine is agnostic to wire
// format; one Client implementation exists per provider and is selected
// by configuration.
package provider

import (
	"context"
	"encoding/json"

	"github.com/jasonkneen/curator/pkg/types"
)

// Response is the raw payload returned by a provider before validation.
type Response struct {
	Message string
	Raw     json.RawMessage
	Usage   types.TokenUsage
}

// Client performs the network call for a fully formed request.
type Client interface {
	// Send submits the request and returns the raw payload, or a typed
	// *Error on failure.
	Send(ctx context.Context, req types.Request) (*Response, error)

	// EstimateTokens returns the estimated total token cost of the
	// request (prompt plus output ceiling), used to reserve rate-limit
	// capacity before the call.
	EstimateTokens(req types.Request) int

	// Name returns the provider identifier, e.g. "openai".
	Name() string
}
