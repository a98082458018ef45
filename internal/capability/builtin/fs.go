package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/skeinworks/skein-agent/internal/agent/model"
	"github.com/skeinworks/skein-agent/internal/capability"
)

type readArgs struct {
	Path   string `json:"path" jsonschema:"description=File path relative to the workspace root"`
	Offset int    `json:"offset,omitempty" jsonschema:"description=First line to return (1-based)"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum number of lines to return"`
}

type readHandler struct{ o Options }

func (h readHandler) Validate(_ context.Context, inv model.Invocation) error {
	var args readArgs
	if err := decodeArgs(inv.Args, &args); err != nil {
		return err
	}
	if strings.TrimSpace(args.Path) == "" {
		return errors.New("missing required field: path")
	}
	return nil
}

func (h readHandler) Execute(_ context.Context, inv model.Invocation) (capability.Result, error) {
	var args readArgs
	if err := decodeArgs(inv.Args, &args); err != nil {
		return capability.Result{Err: capability.NewError(capability.ErrorCodeInvalidArgs, err.Error())}, nil
	}
	abs, err := confine(h.o.Root, args.Path)
	if err != nil {
		return capability.Result{Err: capability.NewError(capability.ErrorCodePermissionDenied, err.Error())}, nil
	}
	info, err := os.Stat(abs)
	if err != nil {
		return capability.Result{Err: fsError(err)}, nil
	}
	if info.IsDir() {
		return capability.Result{Err: capability.NewError(capability.ErrorCodeInvalidArgs, "path is a directory, use fs.list")}, nil
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return capability.Result{Err: fsError(err)}, nil
	}
	content := string(raw)
	totalLines := strings.Count(content, "\n") + 1
	if args.Offset > 0 || args.Limit > 0 {
		lines := strings.Split(content, "\n")
		start := args.Offset - 1
		if start < 0 {
			start = 0
		}
		if start > len(lines) {
			start = len(lines)
		}
		end := len(lines)
		if args.Limit > 0 && start+args.Limit < end {
			end = start + args.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	content, truncated := capBytes(content, h.o.MaxOutputBytes)
	data, _ := json.Marshal(map[string]any{
		"path":        args.Path,
		"size_bytes":  info.Size(),
		"total_lines": totalLines,
		"truncated":   truncated,
	})
	return capability.Result{Output: content, Data: data}, nil
}

type listArgs struct {
	Path       string `json:"path,omitempty" jsonschema:"description=Directory path, defaults to the workspace root"`
	ShowHidden bool   `json:"show_hidden,omitempty" jsonschema:"description=Include dotfiles"`
}

type listHandler struct{ o Options }

func (h listHandler) Validate(_ context.Context, inv model.Invocation) error {
	var args listArgs
	return decodeArgs(inv.Args, &args)
}

func (h listHandler) Execute(_ context.Context, inv model.Invocation) (capability.Result, error) {
	var args listArgs
	if err := decodeArgs(inv.Args, &args); err != nil {
		return capability.Result{Err: capability.NewError(capability.ErrorCodeInvalidArgs, err.Error())}, nil
	}
	abs, err := confine(h.o.Root, args.Path)
	if err != nil {
		return capability.Result{Err: capability.NewError(capability.ErrorCodePermissionDenied, err.Error())}, nil
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return capability.Result{Err: fsError(err)}, nil
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})
	var b strings.Builder
	count := 0
	for _, entry := range entries {
		name := entry.Name()
		if !args.ShowHidden && strings.HasPrefix(name, ".") {
			continue
		}
		kind := "file"
		size := int64(0)
		if entry.IsDir() {
			kind = "dir"
		} else if info, err := entry.Info(); err == nil {
			size = info.Size()
		}
		fmt.Fprintf(&b, "%s\t%s\t%d\n", kind, name, size)
		count++
	}
	out, truncated := capBytes(b.String(), h.o.MaxOutputBytes)
	data, _ := json.Marshal(map[string]any{"path": args.Path, "entries": count, "truncated": truncated})
	return capability.Result{Output: out, Data: data}, nil
}

type searchArgs struct {
	Pattern    string `json:"pattern" jsonschema:"description=Substring or Go regular expression to find"`
	Path       string `json:"path,omitempty" jsonschema:"description=Subtree to search, defaults to the workspace root"`
	Regex      bool   `json:"regex,omitempty" jsonschema:"description=Treat pattern as a regular expression"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Stop after this many matches (default 50)"`
}

type searchHandler struct{ o Options }

const searchMaxFileBytes = 1 << 20

func (h searchHandler) Validate(_ context.Context, inv model.Invocation) error {
	var args searchArgs
	if err := decodeArgs(inv.Args, &args); err != nil {
		return err
	}
	if strings.TrimSpace(args.Pattern) == "" {
		return errors.New("missing required field: pattern")
	}
	if args.Regex {
		if _, err := regexp.Compile(args.Pattern); err != nil {
			return fmt.Errorf("invalid regex: %v", err)
		}
	}
	return nil
}

func (h searchHandler) Execute(ctx context.Context, inv model.Invocation) (capability.Result, error) {
	var args searchArgs
	if err := decodeArgs(inv.Args, &args); err != nil {
		return capability.Result{Err: capability.NewError(capability.ErrorCodeInvalidArgs, err.Error())}, nil
	}
	abs, err := confine(h.o.Root, args.Path)
	if err != nil {
		return capability.Result{Err: capability.NewError(capability.ErrorCodePermissionDenied, err.Error())}, nil
	}
	maxResults := args.MaxResults
	if maxResults <= 0 {
		maxResults = 50
	}
	var re *regexp.Regexp
	if args.Regex {
		re, err = regexp.Compile(args.Pattern)
		if err != nil {
			return capability.Result{Err: capability.NewError(capability.ErrorCodeInvalidArgs, err.Error())}, nil
		}
	}
	matches := 0
	var b strings.Builder
	walkErr := filepath.WalkDir(abs, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > searchMaxFileBytes {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(h.o.Root, path)
		if err != nil {
			rel = path
		}
		for i, line := range strings.Split(string(raw), "\n") {
			hit := false
			if re != nil {
				hit = re.MatchString(line)
			} else {
				hit = strings.Contains(line, args.Pattern)
			}
			if !hit {
				continue
			}
			fmt.Fprintf(&b, "%s:%d: %s\n", rel, i+1, strings.TrimSpace(line))
			matches++
			if matches >= maxResults {
				return errSearchDone
			}
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errSearchDone) {
		if ctx.Err() != nil {
			return capability.Result{}, ctx.Err()
		}
	}
	out, truncated := capBytes(b.String(), h.o.MaxOutputBytes)
	data, _ := json.Marshal(map[string]any{"matches": matches, "truncated": truncated})
	return capability.Result{Output: out, Data: data}, nil
}

var errSearchDone = errors.New("search complete")

type writeArgs struct {
	Path    string `json:"path" jsonschema:"description=File path relative to the workspace root"`
	Content string `json:"content" jsonschema:"description=Full file content to write"`
	Append  bool   `json:"append,omitempty" jsonschema:"description=Append instead of overwrite"`
}

type writeHandler struct{ o Options }

func (h writeHandler) Validate(_ context.Context, inv model.Invocation) error {
	var args writeArgs
	if err := decodeArgs(inv.Args, &args); err != nil {
		return err
	}
	if strings.TrimSpace(args.Path) == "" {
		return errors.New("missing required field: path")
	}
	return nil
}

func (h writeHandler) Execute(_ context.Context, inv model.Invocation) (capability.Result, error) {
	var args writeArgs
	if err := decodeArgs(inv.Args, &args); err != nil {
		return capability.Result{Err: capability.NewError(capability.ErrorCodeInvalidArgs, err.Error())}, nil
	}
	abs, err := confine(h.o.Root, args.Path)
	if err != nil {
		return capability.Result{Err: capability.NewError(capability.ErrorCodePermissionDenied, err.Error())}, nil
	}
	if abs == h.o.Root {
		return capability.Result{Err: capability.NewError(capability.ErrorCodeInvalidArgs, "refusing to write the workspace root")}, nil
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return capability.Result{Err: fsError(err)}, nil
	}
	if args.Append {
		f, err := os.OpenFile(abs, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return capability.Result{Err: fsError(err)}, nil
		}
		_, werr := f.WriteString(args.Content)
		cerr := f.Close()
		if werr != nil {
			return capability.Result{Err: fsError(werr)}, nil
		}
		if cerr != nil {
			return capability.Result{Err: fsError(cerr)}, nil
		}
	} else if err := os.WriteFile(abs, []byte(args.Content), 0o644); err != nil {
		return capability.Result{Err: fsError(err)}, nil
	}
	data, _ := json.Marshal(map[string]any{"path": args.Path, "bytes": len(args.Content), "append": args.Append})
	return capability.Result{Output: fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path), Data: data}, nil
}

func fsError(err error) *capability.Error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return capability.NewError(capability.ErrorCodeNotFound, err.Error())
	case errors.Is(err, os.ErrPermission):
		return capability.NewError(capability.ErrorCodePermissionDenied, err.Error())
	default:
		return capability.NewError(capability.ErrorCodeExecution, err.Error())
	}
}
