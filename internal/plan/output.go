package plan

import "strconv"

// OutputStatus is the terminal state a worker reports for its own execution.
type OutputStatus string

const (
	OutputSuccess OutputStatus = "success"
	OutputError   OutputStatus = "error"
	OutputPartial OutputStatus = "partial"
)

// WorkerOutput is the validated result of one worker execution.
type WorkerOutput struct {
	NodeID        string         `json:"nodeId"`
	Type          WorkerType     `json:"type"`
	Status        OutputStatus   `json:"status"`
	Data          map[string]any `json:"data"`
	Summary       string         `json:"summary"`
	TokensUsed    int            `json:"tokensUsed"`
	DurationMs    int            `json:"durationMs"`
	ArtifactPaths []string       `json:"artifactPaths,omitempty"`
}

// MaxSummaryLen is the hard cap on WorkerOutput.Summary length.
const MaxSummaryLen = 2000

// ForbiddenDataKeys is the set of keys that must never appear, at any
// depth, inside a WorkerOutput's data map. Their presence indicates a
// worker attempted to smuggle a spawn directive back into the run.
var ForbiddenDataKeys = map[string]struct{}{
	"spawnPlan":      {},
	"spawn_plan":     {},
	"nodes":          {},
	"edges":          {},
	"gates":          {},
	"spawnDirective": {},
}

// MaxForbiddenKeyScanDepth bounds the cost of the deep forbidden-key walk.
const MaxForbiddenKeyScanDepth = 32

// FindForbiddenKey walks data (recursing into maps and slices) looking for
// any key in ForbiddenDataKeys. It returns the first offending path found
// (dot-separated, array indices in brackets) and true, or ("", false) if
// none is found within MaxForbiddenKeyScanDepth levels.
func FindForbiddenKey(data map[string]any) (string, bool) {
	return walkForbidden(data, "", 0)
}

func walkForbidden(node any, path string, depth int) (string, bool) {
	if depth > MaxForbiddenKeyScanDepth {
		return "", false
	}

	switch v := node.(type) {
	case map[string]any:
		for k, val := range v {
			childPath := joinPath(path, k)
			if _, bad := ForbiddenDataKeys[k]; bad {
				return childPath, true
			}
			if p, found := walkForbidden(val, childPath, depth+1); found {
				return p, true
			}
		}
	case []any:
		for i, val := range v {
			childPath := indexPath(path, i)
			if p, found := walkForbidden(val, childPath, depth+1); found {
				return p, true
			}
		}
	}
	return "", false
}

func joinPath(base, key string) string {
	if base == "" {
		return "." + key
	}
	return base + "." + key
}

func indexPath(base string, i int) string {
	return base + "[" + strconv.Itoa(i) + "]"
}
