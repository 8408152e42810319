// Package notify turns job results into a pipeline result and fires the
// notification rules whose conditions hold.
package notify

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/opnlabs/dotmatrix/pkg/models"
)

// Aggregate builds the pipeline result. The run passes iff every job that is
// not optional passed; aborted overrides everything. Jobs are put back into
// matrix order.
func Aggregate(results []models.JobResult, meta models.RunMetadata, aborted bool) models.PipelineResult {
	jobs := make([]models.JobResult, len(results))
	copy(jobs, results)
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].Index < jobs[j].Index })

	status := models.StatusPass
	for _, j := range jobs {
		if !j.Optional && j.Status != models.StatusPass {
			status = models.StatusFail
			break
		}
	}
	if aborted {
		status = models.StatusAborted
	}

	return models.PipelineResult{
		Metadata: meta,
		Status:   status,
		Jobs:     jobs,
	}
}

// Summary is a one line description of a pipeline result.
func Summary(result models.PipelineResult) string {
	passed, optionalFailed := 0, 0
	for _, j := range result.Jobs {
		switch {
		case j.Status == models.StatusPass:
			passed++
		case j.Optional:
			optionalFailed++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "pipeline %s: %d/%d jobs passed", result.Status, passed, len(result.Jobs))
	if optionalFailed > 0 {
		fmt.Fprintf(&b, " (%d allowed failures)", optionalFailed)
	}
	if result.Metadata.Branch != "" {
		fmt.Fprintf(&b, " on %s", result.Metadata.Branch)
	}
	return b.String()
}

// BranchAllowed applies the branch filter of a pipeline. A branch matching
// any except pattern is excluded; when only patterns exist the branch must
// match one of them. An unknown branch is always allowed.
func BranchAllowed(meta models.RunMetadata, except, only []string) bool {
	if meta.Branch == "" {
		return true
	}
	for _, p := range except {
		if matchBranch(p, meta.Branch) {
			return false
		}
	}
	if len(only) == 0 {
		return true
	}
	for _, p := range only {
		if matchBranch(p, meta.Branch) {
			return true
		}
	}
	return false
}

// matchBranch matches a glob pattern. A malformed pattern only matches
// itself.
func matchBranch(pattern, branch string) bool {
	ok, err := path.Match(pattern, branch)
	if err != nil {
		return pattern == branch
	}
	return ok
}
