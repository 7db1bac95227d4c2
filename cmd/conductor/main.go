// Command conductor runs the session-orchestration engine and its CLI.
//
// With no arguments it starts the server; subcommands manage projects and
// sessions against a locally running engine.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"conductor/internal/config"
	"conductor/internal/logging"
	"conductor/internal/orchestrator"
	"conductor/internal/version"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		args = []string{"serve"}
	}
	switch args[0] {
	case "serve":
		return runServe(args[1:], stdout, stderr)
	case "project":
		return runProject(args[1:], stdout, stderr)
	case "session":
		return runSession(args[1:], stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, version.Get().String())
		return 0
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	}
	fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
	printUsage(stderr)
	return 2
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `usage: conductor <command> [flags]

commands:
  serve                       run the engine and HTTP API (default)
  project add <path>          register a repository
  project list                list registered projects
  project remove <project>    unregister a project
  session create <name>       create a session (-project, -program)
  session list                list sessions
  session pause <session>     stop polling a session
  session resume <session>    resume a paused or errored session
  session delete <session>    delete a session (-keep-branch)
  session send <session>      type text or a key into a session (-text, -key)
  session attach <session>    attach the terminal (Ctrl+Q detaches)
  version                     print version

Common flags:
  -config <path>              config file (default ` + config.DefaultPath() + `)
`)
}

// startEngine loads configuration and brings up an engine for a one-shot
// command. The caller must Close it.
func startEngine(ctx context.Context, configPath string) (*orchestrator.Orchestrator, config.Settings, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, cfg, err
	}
	// One-shot commands only surface warnings; serve mode uses the
	// configured level.
	logger := logging.NewLogger(nil, logging.LevelWarning)
	engine := orchestrator.New(cfg, logger)
	if err := engine.Start(ctx); err != nil {
		engine.Close()
		return nil, cfg, err
	}
	return engine, cfg, nil
}
