package selector

import "strings"

const (
	CategoryFilesystem = "filesystem"
	CategoryShell      = "shell"
	CategorySystem     = "system"
	CategoryGeneral    = "general"
)

// Classification is the coarse intent bucket a query falls into, with a
// confidence derived from how many signals fired.
type Classification struct {
	Category   string   `json:"category"`
	Confidence float64  `json:"confidence"`
	Signals    []string `json:"signals,omitempty"`
}

var categorySignals = []struct {
	category string
	words    []string
}{
	{CategoryFilesystem, []string{
		"file", "files", "read", "write", "edit", "directory", "folder",
		"list", "search", "find", "grep", "open", "save", "path", "content",
		"rename", "create", "delete", "look at", "show me",
	}},
	{CategoryShell, []string{
		"run", "execute", "command", "shell", "terminal", "bash", "script",
		"install", "build", "compile", "test", "make", "npm", "git",
	}},
	{CategorySystem, []string{
		"memory", "cpu", "host", "uptime", "load", "system", "machine",
		"platform", "kernel", "hardware", "ram", "disk",
	}},
}

// classifyQuery buckets a user query by lexical keyword signals. Ties
// resolve in the fixed order above; no signals means general intent with
// low confidence.
func classifyQuery(query string) Classification {
	lower := strings.ToLower(strings.TrimSpace(query))
	if lower == "" {
		return Classification{Category: CategoryGeneral, Confidence: 0.2}
	}
	best := Classification{Category: CategoryGeneral, Confidence: 0.2}
	bestHits := 0
	for _, entry := range categorySignals {
		hits := 0
		var signals []string
		for _, word := range entry.words {
			if strings.Contains(lower, word) {
				hits++
				signals = append(signals, word)
			}
		}
		if hits > bestHits {
			bestHits = hits
			best = Classification{
				Category:   entry.category,
				Confidence: 1 - 1/float64(1+hits),
				Signals:    signals,
			}
		}
	}
	return best
}
