package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/streetfix/streetfix-client/internal/app"
	"github.com/streetfix/streetfix-client/internal/identity"
)

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:      "login",
		Usage:     "sign in and store the session",
		ArgsUsage: "<user-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "password-stdin",
				Usage: "read the password from stdin instead of prompting",
			},
		},
		Action: withApp(loginAction),
	}
}

func loginAction(ctx context.Context, cmd *cli.Command, application *app.App) error {
	userID := cmd.Args().First()
	if userID == "" {
		return cli.Exit("user id is required", 2)
	}

	password, err := readPassword(cmd.Root().Reader, cmd.Root().ErrWriter, cmd.Bool("password-stdin"))
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}

	id, err := application.Sessions().SignIn(ctx, userID, password)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(cmd.Root().Writer, "signed in as %s\n", describe(id))
	return err
}

// readPassword prompts on the terminal without echo, or reads one line
// from r when stdin is not a terminal or fromStdin is set.
func readPassword(r io.Reader, prompt io.Writer, fromStdin bool) (string, error) {
	fd := int(os.Stdin.Fd())
	if !fromStdin && r == os.Stdin && term.IsTerminal(fd) {
		_, _ = fmt.Fprint(prompt, "Password: ")
		b, err := term.ReadPassword(fd)
		_, _ = fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("empty password")
	}
	return password, nil
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "clear the stored session",
		Action: withApp(func(ctx context.Context, cmd *cli.Command, application *app.App) error {
			if err := application.Sessions().SignOut(ctx); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.Root().Writer, "signed out")
			return err
		}),
	}
}

func whoamiCommand() *cli.Command {
	return &cli.Command{
		Name:  "whoami",
		Usage: "show the identity of the stored session",
		Action: withApp(func(ctx context.Context, cmd *cli.Command, application *app.App) error {
			id := application.Sessions().Bootstrap(ctx)
			if id == nil {
				return cli.Exit("not signed in", 1)
			}
			_, err := fmt.Fprintln(cmd.Root().Writer, describe(id))
			return err
		}),
	}
}

func deleteAccountCommand() *cli.Command {
	return &cli.Command{
		Name:  "delete-account",
		Usage: "permanently delete the signed-in account",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "yes",
				Usage: "confirm deletion",
			},
		},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, application *app.App) error {
			if !cmd.Bool("yes") {
				return cli.Exit("refusing to delete the account without --yes", 2)
			}
			if err := application.Sessions().DeleteAccount(ctx); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.Root().Writer, "account deleted")
			return err
		}),
	}
}

func describe(id *identity.Identity) string {
	var b strings.Builder
	if id.Nickname != "" {
		fmt.Fprintf(&b, "%s (%s)", id.Nickname, id.UserID)
	} else {
		b.WriteString(id.UserID)
	}
	if id.Role != "" {
		fmt.Fprintf(&b, " role=%s", id.Role)
	}
	fmt.Fprintf(&b, " score=%g expires=%s", id.Score, id.ExpiresAt.Local().Format("2006-01-02 15:04"))
	return b.String()
}
