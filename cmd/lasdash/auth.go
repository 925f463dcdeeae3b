package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/whytehoux-projecty/LAS/internal/api"
)

// promptLine reads one line from stdin with a label. Passwords are read
// the same way; lasdash targets a local daemon, not a shared terminal.
func promptLine(label string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func runLoginCommand(ctx context.Context, args []string) int {
	username := ""
	if len(args) > 0 {
		username = strings.TrimSpace(args[0])
	}
	if len(args) > 1 {
		fmt.Fprintln(os.Stderr, "usage: lasdash login [username]")
		return 2
	}

	var err error
	if username == "" {
		if username, err = promptLine("username"); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	password, err := promptLine("password")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if username == "" || password == "" {
		fmt.Fprintln(os.Stderr, "username and password are required")
		return 2
	}

	env, err := newClientEnv(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer env.close()

	if err := env.client.Login(ctx, username, password); err != nil {
		fmt.Fprintf(os.Stderr, "login: %v\n", err)
		return 1
	}
	fmt.Printf("logged in as %s\n", username)
	return 0
}

func runRegisterCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: lasdash register")
		return 2
	}
	username, err := promptLine("username")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	email, err := promptLine("email")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	password, err := promptLine("password")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if username == "" || password == "" {
		fmt.Fprintln(os.Stderr, "username and password are required")
		return 2
	}

	env, err := newClientEnv(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer env.close()

	if err := env.client.Register(ctx, username, email, password); err != nil {
		fmt.Fprintf(os.Stderr, "register: %v\n", err)
		return 1
	}
	fmt.Printf("account %s created; run `lasdash login` to sign in\n", username)
	return 0
}

func runLogoutCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: lasdash logout")
		return 2
	}
	env, err := newClientEnv(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer env.close()

	// Tokens are cleared locally even when the daemon call fails.
	if err := env.client.Logout(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "logout: daemon call failed (%v); local tokens cleared\n", err)
		return 1
	}
	fmt.Println("logged out")
	return 0
}

func runWhoamiCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: lasdash whoami")
		return 2
	}
	env, err := newClientEnv(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer env.close()

	user, err := env.client.Me(ctx)
	if errors.Is(err, api.ErrNotAuthenticated) {
		fmt.Println("not logged in")
		return 1
	}
	if err != nil {
		return reportCommandError("whoami", err)
	}
	line := user.Username
	if user.Role != "" {
		line += " (" + user.Role + ")"
	}
	if user.Email != "" {
		line += " <" + user.Email + ">"
	}
	fmt.Println(line)
	return 0
}
