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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.mau.fi/mlsmeow/pkg/mlsmeow"
	"go.mau.fi/mlsmeow/pkg/mlsmeow/events"
	"go.mau.fi/mlsmeow/pkg/mlsmeow/types"
)

var errQuit = errors.New("quit")

type output struct {
	w    io.Writer
	lock sync.Mutex
}

func newOutput(w io.Writer) *output {
	return &output{w: w}
}

func (o *output) println(args ...any) {
	o.lock.Lock()
	defer o.lock.Unlock()
	_, _ = fmt.Fprintln(o.w, args...)
}

func (o *output) printEvent(evt events.GroupEvent) {
	switch typed := evt.(type) {
	case *events.Joined:
		o.println("* joined group", typed.GroupID)
	case *events.MessageReceived:
		o.println(fmt.Sprintf("[%s] <%s> %s", typed.GroupID, typed.Sender, typed.Plaintext))
	}
}

// printError prints the error with its kind so it stays distinguishable.
func (o *output) printError(err error) {
	var mErr *mlsmeow.Error
	if errors.As(err, &mErr) {
		data, _ := json.Marshal(mErr)
		o.println("error:", string(data))
	} else {
		o.println("error:", err)
	}
}

type command struct {
	usage   string
	minArgs int
	fn      func(ctx context.Context, args []string) error
}

type repl struct {
	cli      *mlsmeow.Client
	out      *output
	commands map[string]command
}

func newREPL(cli *mlsmeow.Client, out *output) *repl {
	r := &repl{cli: cli, out: out}
	r.commands = map[string]command{
		"help":       {usage: "help", fn: r.help},
		"create":     {usage: "create", fn: r.create},
		"groups":     {usage: "groups", fn: r.groups},
		"whoami":     {usage: "whoami", fn: r.whoami},
		"identities": {usage: "identities", fn: r.identities},
		"publish":    {usage: "publish", fn: r.publish},
		"invite":     {usage: "invite <group> <identity>", minArgs: 2, fn: r.invite},
		"send":       {usage: "send <group> <text>", minArgs: 2, fn: r.send},
		"quit":       {usage: "quit", fn: func(context.Context, []string) error { return errQuit }},
	}
	return r
}

func (r *repl) run(ctx context.Context, input io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(input)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case line, ok = <-lines:
			if !ok {
				return nil
			}
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		cmd, found := r.commands[fields[0]]
		if !found {
			r.out.println("unknown command, type 'help' for commands")
			continue
		} else if len(fields)-1 < cmd.minArgs {
			r.out.println("usage:", cmd.usage)
			continue
		}
		err := cmd.fn(ctx, fields[1:])
		if errors.Is(err, errQuit) {
			return nil
		} else if err != nil {
			r.out.printError(err)
		}
	}
}

func (r *repl) help(_ context.Context, _ []string) error {
	for _, name := range []string{"create", "groups", "whoami", "identities", "publish", "invite", "send", "quit"} {
		r.out.println(" ", r.commands[name].usage)
	}
	return nil
}

func (r *repl) create(_ context.Context, _ []string) error {
	groupID, err := r.cli.CreateGroup()
	if err != nil {
		return err
	}
	r.out.println("created group", groupID)
	return nil
}

func (r *repl) groups(_ context.Context, _ []string) error {
	for _, groupID := range r.cli.ListGroups() {
		r.out.println(" ", groupID)
	}
	return nil
}

func (r *repl) whoami(_ context.Context, _ []string) error {
	name, err := r.cli.Name()
	if err != nil {
		return err
	}
	identity, err := r.cli.Identity()
	if err != nil {
		return err
	}
	r.out.println(name, "("+identity+")")
	return nil
}

func (r *repl) identities(ctx context.Context, _ []string) error {
	identities, err := r.cli.ListIdentities(ctx)
	if err != nil {
		return err
	}
	for _, identity := range identities {
		r.out.println(" ", identity)
	}
	return nil
}

func (r *repl) publish(ctx context.Context, _ []string) error {
	if err := r.cli.PublishKeyPackage(ctx); err != nil {
		return err
	}
	r.out.println("published a new key package")
	return nil
}

func (r *repl) invite(ctx context.Context, args []string) error {
	invitation, err := r.cli.InviteMember(ctx, types.GroupID(args[0]), args[1])
	if err != nil {
		return err
	}
	// Existing members need the commit before they can read messages of the
	// new epoch, the invitee needs the welcome.
	if err = r.cli.SendEnvelope(ctx, invitation.Commit); err != nil {
		return err
	} else if err = r.cli.SendEnvelope(ctx, invitation.Welcome); err != nil {
		return err
	}
	r.out.println("invited", args[1], "to", invitation.GroupID)
	return nil
}

func (r *repl) send(ctx context.Context, args []string) error {
	envelope, err := r.cli.CreateMessage(types.GroupID(args[0]), []byte(strings.Join(args[1:], " ")))
	if err != nil {
		return err
	}
	return r.cli.SendEnvelope(ctx, envelope)
}
