// Command skein-agent is an interactive coding assistant: a REPL that
// drives one engine conversation against a live model backend, with the
// builtin workspace capabilities registered.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/skeinworks/skein-agent/internal/config"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "conversations":
		conversationsCmd(os.Args[2:])
	case "version":
		fmt.Printf("skein-agent %s (%s)\n", Version, Commit)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `skein-agent

Usage:
  skein-agent init [flags]
  skein-agent run [flags]
  skein-agent conversations [flags]
  skein-agent version

Commands:
  init           Write a starter config file.
  run            Start an interactive conversation using the local config.
  conversations  List stored conversations.
  version        Print build information.

`)
}

func initCmd(args []string) {
	fs := newFlagSet("init")
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	providerName := fs.String("provider", "anthropic", "Model provider: anthropic|openai")
	model := fs.String("model", "", "Model name (default: provider default)")
	rootDir := fs.String("root-dir", "", "Workspace root (default: current directory)")
	force := fs.Bool("force", false, "Overwrite an existing config file")
	_ = fs.Parse(args)

	if !*force {
		if _, err := os.Stat(*cfgPath); err == nil {
			fmt.Fprintf(os.Stderr, "config already exists: %s (use -force to overwrite)\n", *cfgPath)
			os.Exit(1)
		}
	}
	cfg := &config.Config{
		Provider: config.ProviderConfig{Name: *providerName, Model: *model},
		RootDir:  *rootDir,
	}
	if err := config.Save(*cfgPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written: %s\n", filepath.Clean(*cfgPath))
	fmt.Printf("Set %s before running.\n", cfg.EffectiveAPIKeyEnv())
}
