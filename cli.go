package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/wahjam/wahjam-sub001/internal/privs"
	"github.com/wahjam/wahjam-sub001/internal/store"
)

const usersUsage = "Usage: wahjam users [list|add <name> <password> [privs] [max_channels]|remove <name>]"

// RunCLI handles subcommand execution against the database at dbPath and
// returns the process exit code.
func RunCLI(ctx context.Context, args []string, dbPath string, stdout, stderr io.Writer) int {
	var err error
	switch args[0] {
	case "version":
		fmt.Fprintf(stdout, "wahjam server %s\n", Version)
		return 0
	case "users":
		err = withStore(dbPath, func(st *store.Store) error {
			return cliUsers(ctx, st, args[1:], stdout)
		})
	case "sessions":
		err = withStore(dbPath, func(st *store.Store) error {
			return cliSessions(ctx, st, args[1:], stdout)
		})
	default:
		err = fmt.Errorf("unknown command %q", args[0])
	}
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func withStore(dbPath string, fn func(*store.Store) error) error {
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()
	return fn(st)
}

func cliUsers(ctx context.Context, st *store.Store, args []string, out io.Writer) error {
	if len(args) == 0 || args[0] == "list" {
		users, err := st.ListUsers(ctx)
		if err != nil {
			return err
		}
		if len(users) == 0 {
			fmt.Fprintln(out, "No users found.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tPRIVS\tMAX CHANNELS\tCREATED")
		for _, u := range users {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", u.Name, u.Privs, u.MaxChannels, u.CreatedAt.Format(time.DateOnly))
		}
		return tw.Flush()
	}

	switch {
	case args[0] == "add" && len(args) >= 3 && len(args) <= 5:
		var p privs.Set
		if len(args) > 3 {
			var unknown []byte
			p, unknown = privs.Parse(args[3])
			if len(unknown) > 0 {
				return fmt.Errorf("unknown privilege letters %q", unknown)
			}
		}
		maxCh := 0
		if len(args) > 4 {
			n, err := strconv.Atoi(args[4])
			if err != nil || n < 0 {
				return fmt.Errorf("invalid max channels %q", args[4])
			}
			maxCh = n
		}
		if err := st.AddUser(ctx, args[1], args[2], p, maxCh); err != nil {
			return err
		}
		fmt.Fprintf(out, "Stored user %q (privs=%s)\n", args[1], p)
		return nil
	case args[0] == "remove" && len(args) == 2:
		if err := st.RemoveUser(ctx, args[1]); err != nil {
			if errors.Is(err, store.ErrUserNotFound) {
				return fmt.Errorf("no user named %q", args[1])
			}
			return err
		}
		fmt.Fprintf(out, "Removed user %q\n", args[1])
		return nil
	}
	return errors.New(usersUsage)
}

func cliSessions(ctx context.Context, st *store.Store, args []string, out io.Writer) error {
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid limit %q", args[0])
		}
		limit = n
	}
	sessions, err := st.ListSessions(ctx, limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tDURATION\tDIR")
	for _, s := range sessions {
		dur := "running"
		if !s.EndedAt.IsZero() {
			dur = s.EndedAt.Sub(s.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.StartedAt.Format(time.DateTime), dur, s.Dir)
	}
	return tw.Flush()
}
