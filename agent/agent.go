// Package agent defines the learning-agent contract and two implementations:
// a builtin deterministic policy agent and a subprocess wrapper for external
// agents. An agent must write proposal.json and the initial metadata.json
// before returning; a failure (non-zero exit for subprocess agents) surfaces
// as an agent-stage failure artifact.
package agent

import (
	"context"
	"fmt"

	"github.com/quantslab/clmmlab/episode"
)

// Agent produces the proposal for one episode. Implementations write
// proposal.json and the initial metadata.json through the artifact writer
// before returning.
type Agent interface {
	Propose(ctx context.Context, runID, episodeID string) (episode.Proposal, error)
}

// Error reports an agent invocation failure. ExitCode carries the subprocess
// exit status; builtin agents use 1.
type Error struct {
	ExitCode int
	Err      error
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("agent failed (exit %d): %v", e.ExitCode, e.Err)
}

// Unwrap exposes the underlying error.
func (e *Error) Unwrap() error { return e.Err }
