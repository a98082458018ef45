// Package builtin registers the stock local capabilities: filesystem
// read/list/search/write, shell execution, and host inspection.
package builtin

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/skeinworks/skein-agent/internal/capability"
)

const defaultMaxOutputBytes = 64 * 1024

type Options struct {
	// Root confines every filesystem capability and the shell working
	// directory. Required.
	Root string
	// Shell runs shell.exec command lines. Defaults to $SHELL, then
	// /bin/bash.
	Shell string
	// MaxOutputBytes caps capability output bodies. Defaults to 64KiB.
	MaxOutputBytes int
	Logger         *slog.Logger
}

func (o Options) effective() (Options, error) {
	o.Root = strings.TrimSpace(o.Root)
	if o.Root == "" {
		return o, errors.New("builtin capabilities require a root directory")
	}
	abs, err := filepath.Abs(o.Root)
	if err != nil {
		return o, fmt.Errorf("resolve root: %w", err)
	}
	o.Root = filepath.Clean(abs)
	if o.Shell == "" {
		o.Shell = strings.TrimSpace(os.Getenv("SHELL"))
	}
	if o.Shell == "" {
		o.Shell = "/bin/bash"
	}
	if o.MaxOutputBytes <= 0 {
		o.MaxOutputBytes = defaultMaxOutputBytes
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return o, nil
}

// RegisterAll adds every builtin capability to the registry. Declaration
// order is deliberate: read-only capabilities first.
func RegisterAll(reg *capability.Registry, opts Options) error {
	if reg == nil {
		return errors.New("nil registry")
	}
	o, err := opts.effective()
	if err != nil {
		return err
	}
	entries := []struct {
		def     capability.Descriptor
		handler capability.Handler
	}{
		{
			def: capability.Descriptor{
				Name:        "fs.read",
				Description: "Read a text file from the workspace, optionally a line range",
				Category:    "filesystem",
				Schema:      reflectSchema(readArgs{}),
			},
			handler: readHandler{o: o},
		},
		{
			def: capability.Descriptor{
				Name:        "fs.list",
				Description: "List the entries of a workspace directory",
				Category:    "filesystem",
				Schema:      reflectSchema(listArgs{}),
			},
			handler: listHandler{o: o},
		},
		{
			def: capability.Descriptor{
				Name:        "fs.search",
				Description: "Search workspace files for a substring or regular expression",
				Category:    "filesystem",
				Schema:      reflectSchema(searchArgs{}),
			},
			handler: searchHandler{o: o},
		},
		{
			def: capability.Descriptor{
				Name:        "sys.info",
				Description: "Report host system information: OS, CPU, memory, load",
				Category:    "system",
				Schema:      reflectSchema(sysInfoArgs{}),
			},
			handler: sysInfoHandler{o: o},
		},
		{
			def: capability.Descriptor{
				Name:        "fs.write",
				Description: "Write content to a workspace file, creating parent directories",
				Category:    "filesystem",
				Schema:      reflectSchema(writeArgs{}),
				Mutates:     true,
			},
			handler: writeHandler{o: o},
		},
		{
			def: capability.Descriptor{
				Name:        "shell.exec",
				Description: "Run a shell command inside the workspace and capture its output",
				Category:    "shell",
				Schema:      reflectSchema(execArgs{}),
				Mutates:     true,
			},
			handler: execHandler{o: o},
		},
	}
	for _, entry := range entries {
		if err := reg.Register(entry.def, entry.handler); err != nil {
			return fmt.Errorf("register %s: %w", entry.def.Name, err)
		}
	}
	return nil
}

func reflectSchema(v any) json.RawMessage {
	reflector := jsonschema.Reflector{DoNotReference: true}
	schema := reflector.Reflect(v)
	b, err := schema.MarshalJSON()
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return b
}

func decodeArgs(raw json.RawMessage, v any) error {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// confine maps a user-supplied path onto the root and rejects escapes.
// Both relative paths and absolute paths already under the root are
// accepted.
func confine(root, p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" || p == "." {
		return root, nil
	}
	var abs string
	if filepath.IsAbs(p) {
		abs = filepath.Clean(p)
	} else {
		abs = filepath.Clean(filepath.Join(root, p))
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", errors.New("path escapes workspace root")
	}
	rel = filepath.Clean(rel)
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", errors.New("path escapes workspace root")
	}
	return abs, nil
}

func capBytes(s string, max int) (string, bool) {
	if max <= 0 || len(s) <= max {
		return s, false
	}
	return s[:max], true
}
