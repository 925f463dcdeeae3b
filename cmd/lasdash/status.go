package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/whytehoux-projecty/LAS/internal/api"
)

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: lasdash status")
		return 2
	}
	env, err := newClientEnv(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer env.close()

	health, err := env.client.Health(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "daemon unreachable at %s: %v\n", env.cfg.DaemonURL, err)
		return 1
	}
	line := fmt.Sprintf("daemon %s: %s", env.cfg.DaemonURL, health.Status)
	if health.Version != "" {
		line += " (" + health.Version + ")"
	}
	fmt.Println(line)
	return 0
}

func runQueryCommand(ctx context.Context, args []string) int {
	query := strings.TrimSpace(strings.Join(args, " "))
	if query == "" {
		fmt.Fprintln(os.Stderr, "usage: lasdash query <text>")
		return 2
	}
	env, err := newClientEnv(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer env.close()

	resp, _, err := env.client.SubmitQuery(ctx, query, env.cfg.TTSEnabled)
	if err != nil {
		return reportCommandError("query", err)
	}
	if resp.AgentName != "" {
		fmt.Printf("%s: %s\n", resp.AgentName, resp.Answer)
	} else {
		fmt.Println(resp.Answer)
	}
	return 0
}

func runStopCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: lasdash stop")
		return 2
	}
	env, err := newClientEnv(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer env.close()

	if err := env.client.Stop(ctx); err != nil {
		return reportCommandError("stop", err)
	}
	fmt.Println("stop requested")
	return 0
}

func reportCommandError(command string, err error) int {
	if errors.Is(err, api.ErrSessionExpired) {
		fmt.Fprintln(os.Stderr, "session expired; run `lasdash login`")
		return 1
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
	return 1
}
