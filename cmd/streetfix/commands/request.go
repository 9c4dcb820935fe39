package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/streetfix/streetfix-client/internal/app"
	"github.com/streetfix/streetfix-client/internal/gateway"
)

func requestCommand() *cli.Command {
	return &cli.Command{
		Name:      "request",
		Usage:     "send an authenticated request and print the response body",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "method",
				Aliases: []string{"X"},
				Usage:   "HTTP method (defaults to GET, or POST with --data)",
			},
			&cli.StringFlag{
				Name:    "data",
				Aliases: []string{"d"},
				Usage:   "request body",
			},
			&cli.StringFlag{
				Name:  "content-type",
				Usage: "content type of --data",
				Value: "application/json",
			},
			&cli.StringSliceFlag{
				Name:    "header",
				Aliases: []string{"H"},
				Usage:   "extra header as 'Key: Value' (repeatable)",
			},
			&cli.BoolFlag{
				Name:  "anonymous",
				Usage: "send without credentials",
			},
		},
		Action: withApp(requestAction),
	}
}

func requestAction(ctx context.Context, cmd *cli.Command, application *app.App) error {
	path := cmd.Args().First()
	if path == "" {
		return cli.Exit("path is required", 2)
	}

	opts, err := requestOptions(cmd)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	resp, err := application.Gateway().Do(ctx, path, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	_, err = io.Copy(cmd.Root().Writer, resp.Body)
	return err
}

func requestOptions(cmd *cli.Command) ([]gateway.RequestOption, error) {
	var opts []gateway.RequestOption
	if m := cmd.String("method"); m != "" {
		opts = append(opts, gateway.WithMethod(strings.ToUpper(m)))
	}
	if cmd.IsSet("data") {
		opts = append(opts, gateway.WithBody(cmd.String("content-type"), []byte(cmd.String("data"))))
	}
	for _, h := range cmd.StringSlice("header") {
		key, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid header %q, expected 'Key: Value'", h)
		}
		opts = append(opts, gateway.WithHeader(strings.TrimSpace(key), strings.TrimSpace(value)))
	}
	if cmd.Bool("anonymous") {
		opts = append(opts, gateway.WithAnonymous())
	}
	return opts, nil
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "print a valid access token, refreshing it if needed",
		Action: withApp(func(ctx context.Context, cmd *cli.Command, application *app.App) error {
			token, err := application.Gateway().TokenSource(ctx).Token()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.Root().Writer, token.AccessToken)
			return err
		}),
	}
}
