// Package engineclient implements domain.EngineDispatcher: sending a
// resolved job to its engine, either over HTTP for server-mode models
// or via a one-shot CLI invocation, and returning the decoded images
// (§4.4 steps 6-7, §6 "Engine-facing protocol").
package engineclient

import (
	"fmt"

	"github.com/fairyhunter13/dmctl/internal/domain"
)

// Dispatcher routes a job to the HTTP or CLI path based on the
// resolved model's exec mode.
type Dispatcher struct {
	http *HTTPDispatcher
	cli  *CLIDispatcher
}

// New constructs a Dispatcher backed by both sub-dispatchers.
func New(http *HTTPDispatcher, cli *CLIDispatcher) *Dispatcher {
	return &Dispatcher{http: http, cli: cli}
}

// Dispatch implements domain.EngineDispatcher.
func (d *Dispatcher) Dispatch(ctx domain.Context, req domain.DispatchRequest) (domain.DispatchResult, error) {
	switch req.Model.ExecMode {
	case domain.ExecModeServer:
		return d.http.Dispatch(ctx, req)
	case domain.ExecModeCLI:
		return d.cli.Dispatch(ctx, req)
	default:
		return domain.DispatchResult{}, fmt.Errorf("op=engineclient.dispatch: %w: exec mode %q", domain.ErrInvalidArgument, req.Model.ExecMode)
	}
}
