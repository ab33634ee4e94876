package episode

import (
	"fmt"
	"regexp"
	"time"
)

const idStamp = "20060102_150405"

var (
	runIDPattern     = regexp.MustCompile(`^run_\d{8}_\d{6}$`)
	episodeIDPattern = regexp.MustCompile(`^ep_\d{8}_\d{6}_\d+$`)
)

// NewRunID derives a run identifier from t: run_<YYYYMMDD_HHMMSS>.
func NewRunID(t time.Time) string {
	return "run_" + t.UTC().Format(idStamp)
}

// NewEpisodeID derives an episode identifier from t and the episode index n:
// ep_<YYYYMMDD_HHMMSS>_<n>.
func NewEpisodeID(t time.Time, n int) string {
	return fmt.Sprintf("ep_%s_%d", t.UTC().Format(idStamp), n)
}

// ValidRunID reports whether id matches the run identifier format.
func ValidRunID(id string) bool { return runIDPattern.MatchString(id) }

// ValidEpisodeID reports whether id matches the episode identifier format.
func ValidEpisodeID(id string) bool { return episodeIDPattern.MatchString(id) }
