package scheduler

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/samber/lo"

	"github.com/quantslab/clmmlab/qualitykv"
	"github.com/quantslab/clmmlab/registry"
)

// job is one planned refresh: a descriptor instantiated with concrete
// parameters. Immediate jobs (missing or too-old envelopes) run before
// background revalidation of stale ones.
type job struct {
	desc      registry.Descriptor
	params    map[string]string
	key       string
	immediate bool
}

// enabledWindows are the window labels the scheduler keeps warm for
// windowed queries.
var enabledWindows = []string{"1h", "6h", "24h"}

// enumerate expands every enabled descriptor across the active scope. Pool
// and pair scoped queries are skipped (not errored) when the corresponding
// active set is empty; wallet and hook scopes have no active set in the
// pipeline and are never planned.
func enumerate(pools, pairs []string) []job {
	var jobs []job
	add := func(desc registry.Descriptor, params map[string]string) {
		if desc.Windowed {
			for _, w := range enabledWindows {
				p := lo.Assign(params, map[string]string{"window": w})
				jobs = append(jobs, job{desc: desc, params: p, key: qualitykv.Key(desc.Key, p)})
			}
			return
		}
		jobs = append(jobs, job{desc: desc, params: params, key: qualitykv.Key(desc.Key, params)})
	}

	for _, desc := range registry.Enabled() {
		switch desc.Scope {
		case registry.ScopeGlobal:
			add(desc, nil)
		case registry.ScopePool:
			for _, pool := range pools {
				add(desc, map[string]string{"pool": pool})
			}
		case registry.ScopePair:
			for _, pair := range pairs {
				add(desc, map[string]string{"pair": pair})
			}
		}
	}
	return jobs
}

// orderJobs sorts immediate work ahead of background revalidation, then by
// (priority class, cost class, key lexical) within each group.
func orderJobs(jobs []job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		ja, jb := jobs[a], jobs[b]
		if ja.immediate != jb.immediate {
			return ja.immediate
		}
		if ra, rb := ja.desc.Priority.Rank(), jb.desc.Priority.Rank(); ra != rb {
			return ra < rb
		}
		if ra, rb := ja.desc.Cost.Rank(), jb.desc.Cost.Rank(); ra != rb {
			return ra < rb
		}
		return ja.key < jb.key
	})
}

// ActivePoolsFromRuns derives the active pool set from the most recent run:
// pool addresses of its episode proposals, newest episode first, de-duplicated
// and capped. Returns nil when no runs exist yet.
func ActivePoolsFromRuns(baseDir string, limit int) []string {
	runsDir := filepath.Join(baseDir, "runs")
	entries, err := os.ReadDir(runsDir)
	if err != nil || len(entries) == 0 {
		return nil
	}
	runs := lo.FilterMap(entries, func(e os.DirEntry, _ int) (string, bool) {
		return e.Name(), e.IsDir()
	})
	if len(runs) == 0 {
		return nil
	}
	sort.Strings(runs)
	latest := runs[len(runs)-1]

	epsDir := filepath.Join(runsDir, latest, "episodes")
	eps, err := os.ReadDir(epsDir)
	if err != nil {
		return nil
	}
	names := lo.FilterMap(eps, func(e os.DirEntry, _ int) (string, bool) {
		return e.Name(), e.IsDir()
	})
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	var pools []string
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(epsDir, name, "proposal.json"))
		if err != nil {
			continue
		}
		var p struct {
			PoolAddress string `json:"pool_address"`
		}
		if err := json.Unmarshal(raw, &p); err != nil || p.PoolAddress == "" {
			continue
		}
		pools = append(pools, p.PoolAddress)
	}
	pools = lo.Uniq(pools)
	if len(pools) > limit {
		pools = pools[:limit]
	}
	return pools
}
