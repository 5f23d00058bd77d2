package cycle

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"warpgate/internal/collab"
	"warpgate/internal/types"
)

const (
	// largeDiffLines is the changed-line count above which a refactor is
	// suggested.
	largeDiffLines   = 50
	maxDescriptionLn = 200
)

// insightPriority maps an insight type to the improvement it suggests and
// its priority. Unknown types fall back to general at priority 3.
var insightPriority = map[string]struct {
	imp      types.ImprovementType
	priority int
}{
	"security":       {types.ImprovementSecurity, 1},
	"vulnerability":  {types.ImprovementSecurity, 1},
	"bug":            {types.ImprovementBugFix, 1},
	"performance":    {types.ImprovementPerformance, 2},
	"testing":        {types.ImprovementTesting, 2},
	"test":           {types.ImprovementTesting, 2},
	"error_handling": {types.ImprovementErrorHandling, 2},
	"error":          {types.ImprovementErrorHandling, 2},
	"readability":    {types.ImprovementReadability, 3},
	"refactor":       {types.ImprovementRefactor, 3},
}

// Suggest derives an ordered list of at most max code-update suggestions
// from the outcome, the insights and the proposal's own diff. Each
// improvement type appears once, at its most urgent priority.
func Suggest(p *types.Proposal, outcome types.Outcome, insights []collab.Insight, max int) []collab.Suggestion {
	var out []collab.Suggestion
	add := func(imp types.ImprovementType, priority int, desc string) {
		out = append(out, collab.Suggestion{Type: string(imp), Priority: priority, Description: desc})
	}

	file := ""
	if p != nil {
		file = p.FilePath
	}

	if outcome == types.OutcomeFailed {
		add(types.ImprovementBugFix, 1, fmt.Sprintf("Fix the behavior that made tests fail in %s", file))
	}

	for _, in := range insights {
		content := strings.TrimSpace(in.Content)
		if content == "" {
			continue
		}
		rule, ok := insightPriority[strings.ToLower(strings.TrimSpace(in.Type))]
		if !ok {
			rule.imp, rule.priority = types.ImprovementGeneral, 3
		}
		add(rule.imp, rule.priority, truncate(content, maxDescriptionLn))
	}

	if p != nil {
		if n := changedLines(p.CodeBefore, p.CodeAfter); n > largeDiffLines {
			add(types.ImprovementRefactor, 3, fmt.Sprintf("Split the %d-line change to %s into smaller steps", n, file))
		}
		if hasMarker(p.CodeAfter) {
			add(types.ImprovementReadability, 3, fmt.Sprintf("Resolve TODO/FIXME markers left in %s", file))
		}
	}

	return rankSuggestions(out, max)
}

func rankSuggestions(in []collab.Suggestion, max int) []collab.Suggestion {
	best := make(map[string]int, len(in))
	var out []collab.Suggestion
	for _, s := range in {
		if i, ok := best[s.Type]; ok {
			if s.Priority < out[i].Priority {
				out[i] = s
			}
			continue
		}
		best[s.Type] = len(out)
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

// changedLines counts lines of after that do not appear in before.
func changedLines(before, after string) int {
	seen := make(map[string]struct{})
	for _, l := range strings.Split(before, "\n") {
		seen[strings.TrimSpace(l)] = struct{}{}
	}
	n := 0
	for _, l := range strings.Split(after, "\n") {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if _, ok := seen[l]; !ok {
			n++
		}
	}
	return n
}

func hasMarker(code string) bool {
	return strings.Contains(code, "TODO") || strings.Contains(code, "FIXME")
}

// truncate keeps at most n bytes of s, cut on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
