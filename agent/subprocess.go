package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/quantslab/clmmlab/artifact"
	"github.com/quantslab/clmmlab/episode"
	"github.com/quantslab/clmmlab/telemetry"
)

// Subprocess invokes an external learning agent as a child process. The
// command receives the run and episode ids as arguments plus RUN_ID and
// EPISODE_ID in the environment, and must write proposal.json and the
// initial metadata.json into the episode directory before exiting zero.
type Subprocess struct {
	command string
	writer  *artifact.Writer
	logger  telemetry.Logger
}

var _ Agent = (*Subprocess)(nil)

// NewSubprocess constructs a Subprocess agent running command, which is
// split on whitespace into the executable and fixed leading arguments.
func NewSubprocess(command string, writer *artifact.Writer, logger telemetry.Logger) *Subprocess {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Subprocess{command: command, writer: writer, logger: logger}
}

// Propose runs the agent process and loads the proposal it wrote. A non-zero
// exit or a missing/invalid proposal.json is an agent failure.
func (s *Subprocess) Propose(ctx context.Context, runID, episodeID string) (episode.Proposal, error) {
	parts := strings.Fields(s.command)
	if len(parts) == 0 {
		return episode.Proposal{}, &Error{ExitCode: 1, Err: fmt.Errorf("empty agent command")}
	}
	args := append(parts[1:], runID, episodeID)

	cmd := exec.CommandContext(ctx, parts[0], args...)
	cmd.Env = append(os.Environ(),
		"RUN_ID="+runID,
		"EPISODE_ID="+episodeID,
		"EPISODE_DIR="+s.writer.EpisodeDir(runID, episodeID),
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		exitCode := 1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		s.logger.Error(ctx, "agent process failed",
			"episode_id", episodeID, "exit_code", exitCode, "output", tail(out, 500))
		return episode.Proposal{}, &Error{ExitCode: exitCode, Err: fmt.Errorf("agent process: %w", err)}
	}

	path := filepath.Join(s.writer.EpisodeDir(runID, episodeID), "proposal.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return episode.Proposal{}, &Error{ExitCode: 1, Err: fmt.Errorf("agent exited zero but wrote no proposal: %w", err)}
	}
	var p episode.Proposal
	if err := json.Unmarshal(raw, &p); err != nil {
		return episode.Proposal{}, &Error{ExitCode: 1, Err: fmt.Errorf("parse agent proposal: %w", err)}
	}
	return p, nil
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}
