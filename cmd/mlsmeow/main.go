// mlsmeow - Group session orchestration over a membership-agnostic relay.
// Copyright (C) 2026 mlsmeow contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"go.mau.fi/mlsmeow/pkg/mlsmeow"
	"go.mau.fi/mlsmeow/pkg/mlsmeow/events"
	"go.mau.fi/mlsmeow/pkg/mlsmeow/web"
)

type flags struct {
	Server         string
	Name           string
	LogLevel       string
	RelayReadLimit int64
}

func newRootCommand() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:          "mlsmeow",
		Short:        "Interactive group messaging client",
		SilenceUsage: true,
		Example: `  mlsmeow --server http://127.0.0.1:3000 --name alice`,
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := zerolog.ParseLevel(f.LogLevel)
			if err != nil {
				return fmt.Errorf("invalid log level: %w", err)
			}
			log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
				Level(level).
				With().Timestamp().
				Logger()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(log.WithContext(ctx), f)
		},
	}
	cmd.Flags().StringVarP(&f.Server, "server", "s", "http://127.0.0.1:3000", "directory and relay server URL")
	cmd.Flags().StringVarP(&f.Name, "name", "n", "", "identity to create and publish")
	cmd.Flags().Int64Var(&f.RelayReadLimit, "relay-read-limit", web.DefaultRelayReadLimit, "largest relay frame to accept in bytes, should match the server's read_limit")
	cmd.Flags().StringVar(&f.LogLevel, "log-level", "info", "logging level (trace, debug, info, warn, error)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func run(ctx context.Context, f flags) error {
	log := zerolog.Ctx(ctx)
	directoryClient, err := web.NewDirectoryClient(f.Server)
	if err != nil {
		return err
	}
	out := newOutput(os.Stdout)
	cli := mlsmeow.NewClient(directoryClient, log.With().Str("component", "client").Logger(), nil)
	cli.RelayReadLimit = f.RelayReadLimit
	cli.EventHandler = func(evt events.GroupEvent) {
		out.printEvent(evt)
		if _, ok := evt.(*events.Joined); ok {
			// The welcome consumed the published key package.
			go func() {
				if err := cli.PublishKeyPackage(ctx); err != nil {
					out.printError(err)
				}
			}()
		}
	}

	if err = cli.CreateUser(f.Name); err != nil {
		return err
	} else if err = cli.PublishKeyPackage(ctx); err != nil {
		return err
	} else if err = cli.ConnectRelay(ctx); err != nil {
		return err
	}
	defer cli.Disconnect()
	out.println("Signed in as", f.Name, "- type 'help' for commands")

	return newREPL(cli, out).run(ctx, os.Stdin)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
