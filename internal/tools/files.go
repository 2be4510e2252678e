package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"aide/internal/agent"
)

// resolvePath anchors a possibly-relative path inside the working directory
// and refuses paths that escape it.
func resolvePath(workDir, path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("path is required")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(workDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the working directory", path)
	}
	return path, nil
}

type readFileArgs struct {
	Path string `json:"path"`
}

func ReadFile(workDir string) *agent.Tool {
	return &agent.Tool{
		Name:        "read_file",
		Description: "Read a file relative to the working directory and return its contents.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path, relative to the working directory."}
			},
			"required": ["path"]
		}`),
		Execute: func(ctx context.Context, arguments string) (string, error) {
			var args readFileArgs
			if err := json.Unmarshal([]byte(arguments), &args); err != nil {
				return "", fmt.Errorf("invalid read_file arguments: %w", err)
			}
			path, err := resolvePath(workDir, args.Path)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return "", err
			}
			return truncate(string(data)), nil
		},
		FormatCommand: func(arguments string) string {
			var args readFileArgs
			if err := json.Unmarshal([]byte(arguments), &args); err != nil {
				return ""
			}
			return "read " + args.Path
		},
	}
}

type writeFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func WriteFile(workDir string) *agent.Tool {
	return &agent.Tool{
		Name:        "write_file",
		Description: "Create or overwrite a file with the given content.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path, relative to the working directory."},
				"content": {"type": "string", "description": "Full file content to write."}
			},
			"required": ["path", "content"]
		}`),
		NeedsApproval: func(string) bool { return true },
		Execute: func(ctx context.Context, arguments string) (string, error) {
			var args writeFileArgs
			if err := json.Unmarshal([]byte(arguments), &args); err != nil {
				return "", fmt.Errorf("invalid write_file arguments: %w", err)
			}
			path, err := resolvePath(workDir, args.Path)
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return "", err
			}
			if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path), nil
		},
		FormatCommand: func(arguments string) string {
			var args writeFileArgs
			if err := json.Unmarshal([]byte(arguments), &args); err != nil {
				return ""
			}
			return "write " + args.Path
		},
	}
}

type searchReplaceArgs struct {
	Path      string `json:"path"`
	OldString string `json:"old_string"`
	NewString string `json:"new_string"`
}

// SearchReplace edits a file by exact-match replacement. The old string must
// match exactly once; ambiguity is an error rather than a guess.
func SearchReplace(workDir string) *agent.Tool {
	return &agent.Tool{
		Name:        "search_replace",
		Description: "Replace one exact occurrence of old_string with new_string in a file.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path, relative to the working directory."},
				"old_string": {"type": "string", "description": "Exact text to replace. Must occur exactly once."},
				"new_string": {"type": "string", "description": "Replacement text."}
			},
			"required": ["path", "old_string", "new_string"]
		}`),
		NeedsApproval: func(string) bool { return true },
		Execute: func(ctx context.Context, arguments string) (string, error) {
			var args searchReplaceArgs
			if err := json.Unmarshal([]byte(arguments), &args); err != nil {
				return "", fmt.Errorf("invalid search_replace arguments: %w", err)
			}
			if args.OldString == "" {
				return "", errors.New("old_string is required")
			}
			path, err := resolvePath(workDir, args.Path)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return "", err
			}
			content := string(data)
			count := strings.Count(content, args.OldString)
			if count == 0 {
				return "", fmt.Errorf("old_string not found in %s", args.Path)
			}
			if count > 1 {
				return "", fmt.Errorf("old_string occurs %d times in %s, needs a unique match", count, args.Path)
			}
			content = strings.Replace(content, args.OldString, args.NewString, 1)
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return "", err
			}
			return "edited " + args.Path, nil
		},
		FormatCommand: func(arguments string) string {
			var args searchReplaceArgs
			if err := json.Unmarshal([]byte(arguments), &args); err != nil {
				return ""
			}
			return "edit " + args.Path
		},
	}
}
