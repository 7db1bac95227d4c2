package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"conductor/internal/attach"
	"conductor/internal/config"
	"conductor/internal/orchestrator"
	"conductor/internal/session"
)

func runProject(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: conductor project <add|list|remove> ...")
		return 2
	}
	verb, rest := args[0], args[1:]

	fs := flag.NewFlagSet("conductor project "+verb, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultPath(), "config file")
	name := fs.String("name", "", "project name (add only; defaults to the repo directory)")
	if err := fs.Parse(rest); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	ctx := context.Background()
	engine, _, err := startEngine(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(stderr, "conductor: %v\n", err)
		return 1
	}
	defer engine.Close()

	switch verb {
	case "add":
		if fs.NArg() != 1 {
			fmt.Fprintln(stderr, "usage: conductor project add [-name NAME] <path>")
			return 2
		}
		project, err := engine.AddProject(ctx, fs.Arg(0), *name)
		if err != nil {
			fmt.Fprintf(stderr, "conductor: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "added project %s (%s) on %s\n",
			project.Name, project.ID.Short(), project.MainBranch)
		return 0

	case "list":
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tBRANCH\tSESSIONS\tPATH")
		for _, p := range engine.ListProjects() {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
				p.ID.Short(), p.Name, p.MainBranch, len(p.SessionIDs), p.RootPath)
		}
		tw.Flush()
		return 0

	case "remove":
		if fs.NArg() != 1 {
			fmt.Fprintln(stderr, "usage: conductor project remove <project>")
			return 2
		}
		project, err := resolveProject(engine, fs.Arg(0))
		if err != nil {
			fmt.Fprintf(stderr, "conductor: %v\n", err)
			return 1
		}
		if err := engine.RemoveProject(ctx, project.ID); err != nil {
			fmt.Fprintf(stderr, "conductor: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "removed project %s\n", project.Name)
		return 0
	}

	fmt.Fprintf(stderr, "unknown project command %q\n", verb)
	return 2
}

func runSession(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: conductor session <create|list|pause|resume|delete|send|attach> ...")
		return 2
	}
	verb, rest := args[0], args[1:]

	fs := flag.NewFlagSet("conductor session "+verb, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultPath(), "config file")
	projectKey := fs.String("project", "", "project id or name (create only)")
	program := fs.String("program", "", "agent program (create only; defaults from config)")
	text := fs.String("text", "", "text to send (send only)")
	key := fs.String("key", "", "special key to send, e.g. escape or ctrl-c (send only)")
	keepBranch := fs.Bool("keep-branch", false, "keep the branch when deleting")
	if err := fs.Parse(rest); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	ctx := context.Background()
	engine, _, err := startEngine(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(stderr, "conductor: %v\n", err)
		return 1
	}
	defer engine.Close()

	fail := func(err error) int {
		fmt.Fprintf(stderr, "conductor: %v\n", err)
		return 1
	}

	switch verb {
	case "create":
		if fs.NArg() != 1 || *projectKey == "" {
			fmt.Fprintln(stderr, "usage: conductor session create -project <project> [-program P] <name>")
			return 2
		}
		project, err := resolveProject(engine, *projectKey)
		if err != nil {
			return fail(err)
		}
		sess, err := engine.CreateSession(ctx, project.ID, fs.Arg(0), *program)
		if err != nil {
			return fail(err)
		}
		fmt.Fprintf(stdout, "created session %s (%s) on branch %s\n",
			sess.Name, sess.ID.Short(), sess.Branch)
		return 0

	case "list":
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tACTIVITY\tBRANCH")
		for _, s := range engine.ListSessions() {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				s.ID.Short(), s.Name, s.Status, s.Activity, s.Branch)
		}
		tw.Flush()
		return 0

	case "pause", "resume", "delete", "send", "attach":
		if fs.NArg() != 1 {
			fmt.Fprintf(stderr, "usage: conductor session %s <session>\n", verb)
			return 2
		}
		sess, err := resolveSession(engine, fs.Arg(0))
		if err != nil {
			return fail(err)
		}
		switch verb {
		case "pause":
			if err := engine.PauseSession(ctx, sess.ID); err != nil {
				return fail(err)
			}
			fmt.Fprintf(stdout, "paused %s\n", sess.Name)
		case "resume":
			if err := engine.ResumeSession(ctx, sess.ID); err != nil {
				return fail(err)
			}
			fmt.Fprintf(stdout, "resumed %s\n", sess.Name)
		case "delete":
			if err := engine.DeleteSession(ctx, sess.ID, *keepBranch); err != nil {
				return fail(err)
			}
			fmt.Fprintf(stdout, "deleted %s\n", sess.Name)
		case "send":
			if *key != "" {
				if err := engine.SendKey(ctx, sess.ID, *key); err != nil {
					return fail(err)
				}
			} else if err := engine.SendInput(ctx, sess.ID, *text); err != nil {
				return fail(err)
			}
		case "attach":
			result, err := engine.Attach(ctx, sess.ID)
			if err != nil {
				return fail(err)
			}
			if result == attach.SessionEnded {
				fmt.Fprintf(stdout, "session %s ended\n", sess.Name)
			}
		}
		return 0
	}

	fmt.Fprintf(stderr, "unknown session command %q\n", verb)
	return 2
}

// resolveProject matches a project by full id, short id, or name.
func resolveProject(engine *orchestrator.Orchestrator, key string) (session.Project, error) {
	var matches []session.Project
	for _, p := range engine.ListProjects() {
		if string(p.ID) == key || p.ID.Short() == key || p.Name == key {
			matches = append(matches, p)
		}
	}
	return one(matches, "project", key, func(p session.Project) string { return p.Name })
}

// resolveSession matches a session by full id, short id, or name.
func resolveSession(engine *orchestrator.Orchestrator, key string) (session.Session, error) {
	var matches []session.Session
	for _, s := range engine.ListSessions() {
		if string(s.ID) == key || s.ID.Short() == key || s.Name == key {
			matches = append(matches, s)
		}
	}
	return one(matches, "session", key, func(s session.Session) string { return s.Name })
}

func one[T any](matches []T, kind, key string, name func(T) string) (T, error) {
	var zero T
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return zero, fmt.Errorf("no %s matches %q", kind, key)
	default:
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = name(m)
		}
		return zero, fmt.Errorf("%q is ambiguous: %s", key, strings.Join(names, ", "))
	}
}
