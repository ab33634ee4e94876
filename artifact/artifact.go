// Package artifact writes the per-episode artifact bundle. Every write is
// atomic (tmp file + rename in the same directory) so a crash can only lose
// the in-flight document, never corrupt a previous one. Typed payloads are
// validated against embedded JSON schemas before they touch disk.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/quantslab/clmmlab/episode"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// Kind names a typed artifact within an episode directory.
	Kind string

	// Writer owns a base directory and writes run/episode artifacts under
	// <base>/runs/<run_id>/episodes/<episode_id>/. It is safe for use by a
	// single orchestrator goroutine; the log append path carries its own
	// lock so harness callbacks may log concurrently.
	Writer struct {
		base    string
		schemas map[Kind]*jsonschema.Schema

		logMu sync.Mutex
	}

	// IoError reports a filesystem failure during an artifact operation.
	// It is fatal to the current episode.
	IoError struct {
		Op   string
		Path string
		Err  error
	}

	// SchemaError reports a payload that does not satisfy its declared
	// artifact schema. It is fatal to the current episode.
	SchemaError struct {
		Kind Kind
		Err  error
	}
)

const (
	KindProposal Kind = "proposal"
	KindMetadata Kind = "metadata"
	KindResult   Kind = "result"
	KindFailure  Kind = "failure"
	KindTimings  Kind = "timings"
	KindReward   Kind = "reward"
)

// fileNames maps artifact kinds to their on-disk names.
var fileNames = map[Kind]string{
	KindProposal: "proposal.json",
	KindMetadata: "metadata.json",
	KindResult:   "result.json",
	KindFailure:  "failure.json",
	KindTimings:  "timings.json",
	KindReward:   "reward.json",
}

// Error implements error.
func (e *IoError) Error() string {
	return fmt.Sprintf("artifact io: %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap exposes the underlying filesystem error.
func (e *IoError) Unwrap() error { return e.Err }

// Error implements error.
func (e *SchemaError) Error() string {
	return fmt.Sprintf("artifact schema: %s: %v", e.Kind, e.Err)
}

// Unwrap exposes the underlying validation error.
func (e *SchemaError) Unwrap() error { return e.Err }

// NewWriter constructs a Writer rooted at base and compiles the embedded
// artifact schemas.
func NewWriter(base string) (*Writer, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Writer{base: base, schemas: schemas}, nil
}

// RunDir returns the directory owned by runID.
func (w *Writer) RunDir(runID string) string {
	return filepath.Join(w.base, "runs", runID)
}

// EpisodeDir returns the directory owned by (runID, episodeID).
func (w *Writer) EpisodeDir(runID, episodeID string) string {
	return filepath.Join(w.RunDir(runID), "episodes", episodeID)
}

// CreateEpisode makes the episode directory (and the run directory above it).
func (w *Writer) CreateEpisode(runID, episodeID string) error {
	dir := w.EpisodeDir(runID, episodeID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &IoError{Op: "mkdir", Path: dir, Err: err}
	}
	return nil
}

// WriteProposal writes proposal.json. Proposals are immutable; the caller
// must not write twice for the same episode.
func (w *Writer) WriteProposal(runID, episodeID string, p episode.Proposal) error {
	return w.writeTyped(runID, episodeID, KindProposal, p)
}

// WriteMetadata writes metadata.json, replacing any previous content. Use
// MergeMetadata to add keys without losing what the agent wrote.
func (w *Writer) WriteMetadata(runID, episodeID string, m episode.Metadata) error {
	return w.writeTyped(runID, episodeID, KindMetadata, m)
}

// WriteResult writes result.json.
func (w *Writer) WriteResult(runID, episodeID string, r episode.Result) error {
	return w.writeTyped(runID, episodeID, KindResult, r)
}

// WriteFailure writes failure.json.
func (w *Writer) WriteFailure(runID, episodeID string, f episode.Failure) error {
	return w.writeTyped(runID, episodeID, KindFailure, f)
}

// WriteTimings writes timings.json, a flat map of stage name to wall
// milliseconds.
func (w *Writer) WriteTimings(runID, episodeID string, timings map[string]float64) error {
	return w.writeTyped(runID, episodeID, KindTimings, timings)
}

// WriteReward writes reward.json.
func (w *Writer) WriteReward(runID, episodeID string, r episode.RewardBreakdown) error {
	return w.writeTyped(runID, episodeID, KindReward, r)
}

// MergeMetadata deep-merges patch into the existing metadata.json: keys in
// patch win at leaves, nested maps merge, arrays are replaced wholesale.
// A previously written extra.intel_snapshot is preserved over any value in
// patch so a closed episode's snapshot is never rewritten. When no metadata
// exists yet the patch must be a complete document.
func (w *Writer) MergeMetadata(runID, episodeID string, patch map[string]any) error {
	path := filepath.Join(w.EpisodeDir(runID, episodeID), fileNames[KindMetadata])

	merged := patch
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		var existing map[string]any
		if uerr := json.Unmarshal(raw, &existing); uerr != nil {
			return &IoError{Op: "parse", Path: path, Err: uerr}
		}
		merged = deepMerge(existing, patch)
		if snap := dig(existing, "extra", "intel_snapshot"); snap != nil {
			setDig(merged, snap, "extra", "intel_snapshot")
		}
	case os.IsNotExist(err):
		// First write; patch is the document.
	default:
		return &IoError{Op: "read", Path: path, Err: err}
	}

	encoded, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return &SchemaError{Kind: KindMetadata, Err: err}
	}
	if err := w.validate(KindMetadata, encoded); err != nil {
		return err
	}
	return w.atomicWrite(path, encoded)
}

// AppendLog appends one {event, payload} line to logs.jsonl. A crash
// mid-line leaves the file parseable up to the last complete line.
func (w *Writer) AppendLog(runID, episodeID, event string, payload map[string]any) error {
	line, err := json.Marshal(map[string]any{"event": event, "payload": payload})
	if err != nil {
		return &SchemaError{Kind: "logs", Err: err}
	}
	path := filepath.Join(w.EpisodeDir(runID, episodeID), "logs.jsonl")
	return w.appendLine(path, append(line, '\n'))
}

// AppendCampaignLog appends a timestamped line to the run's campaign.log.
func (w *Writer) AppendCampaignLog(runID, line string) error {
	path := filepath.Join(w.RunDir(runID), "campaign.log")
	entry := fmt.Sprintf("%s %s\n", episode.NowUTC(time.Now()), line)
	return w.appendLine(path, []byte(entry))
}

// ReadMetadata loads and decodes metadata.json for an episode.
func (w *Writer) ReadMetadata(runID, episodeID string) (map[string]any, error) {
	path := filepath.Join(w.EpisodeDir(runID, episodeID), fileNames[KindMetadata])
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &IoError{Op: "read", Path: path, Err: err}
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &IoError{Op: "parse", Path: path, Err: err}
	}
	return doc, nil
}

// Exists reports whether the named artifact has been written for an episode.
func (w *Writer) Exists(runID, episodeID string, kind Kind) bool {
	name, ok := fileNames[kind]
	if !ok {
		return false
	}
	_, err := os.Stat(filepath.Join(w.EpisodeDir(runID, episodeID), name))
	return err == nil
}

func (w *Writer) writeTyped(runID, episodeID string, kind Kind, v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &SchemaError{Kind: kind, Err: err}
	}
	if err := w.validate(kind, encoded); err != nil {
		return err
	}
	path := filepath.Join(w.EpisodeDir(runID, episodeID), fileNames[kind])
	return w.atomicWrite(path, encoded)
}

// atomicWrite lands data at path via a temp file and rename in the same
// directory. On failure the previous version of path is untouched.
func (w *Writer) atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return &IoError{Op: "create", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &IoError{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &IoError{Op: "sync", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &IoError{Op: "close", Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &IoError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

func (w *Writer) appendLine(path string, line []byte) error {
	w.logMu.Lock()
	defer w.logMu.Unlock()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &IoError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return &IoError{Op: "append", Path: path, Err: err}
	}
	return nil
}

// deepMerge merges patch into base without mutating either. Nested maps
// merge recursively; every other value type in patch replaces the base
// value, including arrays.
func deepMerge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, pv := range patch {
		if bm, ok := out[k].(map[string]any); ok {
			if pm, ok := pv.(map[string]any); ok {
				out[k] = deepMerge(bm, pm)
				continue
			}
		}
		out[k] = pv
	}
	return out
}

// dig walks nested maps along path, returning nil when any step is absent.
func dig(doc map[string]any, path ...string) any {
	cur := any(doc)
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[p]
		if !ok {
			return nil
		}
	}
	return cur
}

// setDig writes v at path, creating intermediate maps as needed.
func setDig(doc map[string]any, v any, path ...string) {
	cur := doc
	for _, p := range path[:len(path)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = v
}
