package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"aide/internal/agent"
)

const maxSearchHits = 100

type grepArgs struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path"`
}

// GrepSearch searches files under the working directory for a regular
// expression and returns file:line matches.
func GrepSearch(workDir string) *agent.Tool {
	return &agent.Tool{
		Name:        "grep_search",
		Description: "Search files for a regular expression and return matching lines as path:line:text.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pattern": {"type": "string", "description": "Go regular expression to search for."},
				"path": {"type": "string", "description": "Optional subdirectory to search, relative to the working directory."}
			},
			"required": ["pattern"]
		}`),
		Execute: func(ctx context.Context, arguments string) (string, error) {
			var args grepArgs
			if err := json.Unmarshal([]byte(arguments), &args); err != nil {
				return "", fmt.Errorf("invalid grep_search arguments: %w", err)
			}
			re, err := regexp.Compile(args.Pattern)
			if err != nil {
				return "", fmt.Errorf("invalid pattern: %w", err)
			}
			root := workDir
			if strings.TrimSpace(args.Path) != "" {
				root, err = resolvePath(workDir, args.Path)
				if err != nil {
					return "", err
				}
			}
			var hits []string
			err = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
				if err != nil {
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if entry.IsDir() {
					name := entry.Name()
					if name == ".git" || name == "node_modules" || name == "vendor" {
						return filepath.SkipDir
					}
					return nil
				}
				if len(hits) >= maxSearchHits {
					return filepath.SkipAll
				}
				matches, err := grepFile(path, re, maxSearchHits-len(hits))
				if err != nil {
					return nil
				}
				rel, relErr := filepath.Rel(workDir, path)
				if relErr != nil {
					rel = path
				}
				for _, match := range matches {
					hits = append(hits, rel+":"+match)
				}
				return nil
			})
			if err != nil {
				return "", err
			}
			if len(hits) == 0 {
				return "no matches", nil
			}
			result := strings.Join(hits, "\n")
			if len(hits) >= maxSearchHits {
				result += "\n... (more matches not shown)"
			}
			return result, nil
		},
		FormatCommand: func(arguments string) string {
			var args grepArgs
			if err := json.Unmarshal([]byte(arguments), &args); err != nil {
				return ""
			}
			return "grep " + args.Pattern
		},
	}
}

func grepFile(path string, re *regexp.Regexp, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if strings.ContainsRune(text, 0) {
			// binary file
			return nil, nil
		}
		if re.MatchString(text) {
			out = append(out, fmt.Sprintf("%d:%s", line, strings.TrimSpace(text)))
			if len(out) >= limit {
				break
			}
		}
	}
	return out, scanner.Err()
}
