package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/MrWong99/procagent/internal/app"
	"github.com/MrWong99/procagent/internal/session"
)

// historyFileName lives in the user's home directory.
const historyFileName = ".procagent_history"

var exitCommands = map[string]bool{
	"exit": true,
	"quit": true,
	"q":    true,
}

func newChatCmd(c *cli) *cobra.Command {
	var (
		tenant  string
		message string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if tenant == "" {
				tenant = c.cfg.Database.DefaultTenant
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			application, err := c.newApp(ctx, true)
			if err != nil {
				return err
			}
			defer application.Shutdown(context.Background())

			sess, _, err := application.Sessions().GetOrCreate(ctx, tenant, "")
			if errors.Is(err, app.ErrNoProvider) {
				return errors.New("chat needs an llm provider; set llm.name and llm.model in the config")
			}
			if err != nil {
				return err
			}
			if message != "" {
				reply, err := sess.Chat(ctx, message)
				if err != nil {
					return err
				}
				fmt.Println(reply)
				return nil
			}
			return repl(ctx, sess)
		},
	}
	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "tenant whose tools and database are used (default: database.default_tenant)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "send a single message and exit")
	return cmd
}

// repl reads lines until exit, EOF or interrupt on an empty line. "/reset"
// clears the conversation.
func repl(ctx context.Context, sess *session.Session) error {
	fmt.Printf("procagent %s, tenant %s. Type 'exit' to quit, '/reset' to start over.\n\n", version, sess.Tenant)

	var history string
	if home, err := os.UserHomeDir(); err == nil {
		history = filepath.Join(home, historyFileName)
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "you> ",
		HistoryFile:       history,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		Stdin:             readline.NewCancelableStdin(os.Stdin),
		Stdout:            os.Stdout,
		Stderr:            os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if line == "" {
				return nil
			}
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}

		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case exitCommands[strings.ToLower(line)]:
			return nil
		case line == "/reset":
			sess.Reset()
			fmt.Println("conversation cleared")
			continue
		}

		reply, err := sess.Chat(ctx, line)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
			continue
		}
		fmt.Printf("\n%s\n\n", reply)
	}
}
