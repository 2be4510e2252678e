package tools

import (
	"time"

	"aide/internal/agent"
)

// DefaultSet assembles the standard tool set rooted at workDir.
func DefaultSet(workDir string, dangerous Classifier, shellTimeout time.Duration) []*agent.Tool {
	return []*agent.Tool{
		RunShell(workDir, dangerous, shellTimeout),
		ReadFile(workDir),
		WriteFile(workDir),
		SearchReplace(workDir),
		GrepSearch(workDir),
	}
}
