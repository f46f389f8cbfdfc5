/*
OutFlow MTA - high-throughput outbound mail transfer agent.
Copyright © 2024 OutFlow MTA contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"
)

func readRawMessage(path string) (string, error) {
	if path == "-" {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read message from stdin: %w", err)
		}
		return string(raw), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read message file: %w", err)
	}
	return string(raw), nil
}

var bounceCommand = &cli.Command{
	Name:  "bounce",
	Usage: "install a bounce overlay matching the given criteria",
	Flags: append([]cli.Flag{
		&cli.StringFlag{Name: "reason", Usage: "bounce reason text recorded on disposition", Required: true},
		&cli.IntFlag{Name: "code", Usage: "SMTP-style reply code to record", Value: 550},
		&cli.StringFlag{Name: "duration", Usage: "how long the overlay stays active, e.g. 1h (empty means until cancelled)"},
	}, criteriaFlags...),
	Action: func(c *cli.Context) error {
		out, err := clientFromContext(c).Bounce(criteriaFromContext(c), c.String("reason"), c.Int("code"), c.String("duration"))
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

var suspendCommand = &cli.Command{
	Name:  "suspend",
	Usage: "suspend scheduling or delivery matching the given criteria",
	Subcommands: []*cli.Command{
		{
			Name:  "create",
			Usage: "install a suspend overlay (matching messages are held in their scheduled queue)",
			Flags: append([]cli.Flag{
				&cli.StringFlag{Name: "duration", Usage: "how long the suspend stays active, e.g. 30m", Required: true},
			}, criteriaFlags...),
			Action: func(c *cli.Context) error {
				out, err := clientFromContext(c).Suspend(criteriaFromContext(c), c.String("duration"))
				if err != nil {
					return err
				}
				return printJSON(out)
			},
		},
		{
			Name:  "ready-q",
			Usage: "install a suspend-ready-q overlay (already-ready messages stop being dispatched)",
			Flags: append([]cli.Flag{
				&cli.StringFlag{Name: "duration", Usage: "how long the suspend stays active, e.g. 30m", Required: true},
			}, criteriaFlags...),
			Action: func(c *cli.Context) error {
				out, err := clientFromContext(c).SuspendReadyQ(criteriaFromContext(c), c.String("duration"))
				if err != nil {
					return err
				}
				return printJSON(out)
			},
		},
		{
			Name:  "list",
			Usage: "list active suspend and suspend-ready-q overlays",
			Action: func(c *cli.Context) error {
				out, err := clientFromContext(c).SuspendList()
				if err != nil {
					return err
				}
				return printRaw(out)
			},
		},
		{
			Name:      "cancel",
			Usage:     "cancel a suspend overlay by id",
			ArgsUsage: "<id>",
			Action: func(c *cli.Context) error {
				id := c.Args().First()
				if id == "" {
					return errors.New("suspend cancel requires an overlay id argument")
				}
				return clientFromContext(c).SuspendCancel(id)
			},
		},
	},
}

var rebindCommand = &cli.Command{
	Name:  "rebind",
	Usage: "apply meta overrides to every message currently held in a scheduled queue",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "queue", Usage: "scheduled queue to rebind", Required: true},
		&cli.StringFlag{Name: "data", Usage: "JSON object of meta key/value overrides to apply", Value: "{}"},
		&cli.BoolFlag{Name: "always-flush", Usage: "requeue every message even if its queue name did not change"},
	},
	Action: func(c *cli.Context) error {
		var data map[string]interface{}
		if err := json.Unmarshal([]byte(c.String("data")), &data); err != nil {
			return fmt.Errorf("--data must be a JSON object: %w", err)
		}
		return clientFromContext(c).Rebind(c.String("queue"), data, c.Bool("always-flush"))
	},
}

var xferCommand = &cli.Command{
	Name:  "xfer",
	Usage: "stage every message in a scheduled queue for transfer to another node",
	Subcommands: []*cli.Command{
		{
			Name:  "start",
			Usage: "move every message currently in a scheduled queue into a transfer staging queue",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "queue", Usage: "scheduled queue to drain", Required: true},
				&cli.StringFlag{Name: "url", Usage: "destination node URL", Required: true},
			},
			Action: func(c *cli.Context) error {
				moved, err := clientFromContext(c).Xfer(c.String("queue"), c.String("url"))
				if err != nil {
					return err
				}
				return printJSON(map[string]int{"moved": moved})
			},
		},
		{
			Name:  "cancel",
			Usage: "restore every message in a transfer staging queue to its origin queue",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "xfer-queue", Usage: "transfer staging queue name", Required: true},
			},
			Action: func(c *cli.Context) error {
				restored, err := clientFromContext(c).XferCancel(c.String("xfer-queue"))
				if err != nil {
					return err
				}
				return printJSON(map[string]int{"restored": restored})
			},
		},
	},
}

var inspectCommand = &cli.Command{
	Name:  "inspect",
	Usage: "inspect live queue state",
	Subcommands: []*cli.Command{
		{
			Name:  "sched-q",
			Usage: "show scheduled-queue depth, one queue or every live queue",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "queue", Usage: "inspect only this queue (default: every live queue)"},
			},
			Action: func(c *cli.Context) error {
				out, err := clientFromContext(c).InspectSchedQ(c.String("queue"))
				if err != nil {
					return err
				}
				return printRaw(out)
			},
		},
		{
			Name:  "ready-q",
			Usage: "show ready-queue worker and FIFO state for every live ready queue",
			Action: func(c *cli.Context) error {
				out, err := clientFromContext(c).ReadyQStates()
				if err != nil {
					return err
				}
				return printRaw(out)
			},
		},
	},
}

var injectCommand = &cli.Command{
	Name:  "inject",
	Usage: "submit a message for delivery through the HTTP inject API",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "from", Usage: "envelope sender", Required: true},
		&cli.StringSliceFlag{Name: "to", Usage: "recipient address, repeatable", Required: true},
		&cli.StringFlag{Name: "raw", Usage: "path to a raw RFC 5322 message, or - for stdin (mutually exclusive with --text/--html/--subject)"},
		&cli.StringFlag{Name: "subject", Usage: "subject line, for the built-in content builder"},
		&cli.StringFlag{Name: "text", Usage: "plain-text body, for the built-in content builder"},
		&cli.StringFlag{Name: "html", Usage: "HTML body, for the built-in content builder"},
		&cli.BoolFlag{Name: "deferred-generation", Usage: "accept the job without resolving recipients or rendering a body yet"},
	},
	Action: func(c *cli.Context) error {
		content, err := injectContent(c)
		if err != nil {
			return err
		}
		out, err := clientFromContext(c).Inject(c.String("from"), c.StringSlice("to"), content, c.Bool("deferred-generation"))
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

func injectContent(c *cli.Context) (interface{}, error) {
	rawPath := c.String("raw")
	if rawPath != "" {
		if c.String("subject") != "" || c.String("text") != "" || c.String("html") != "" {
			return nil, errors.New("--raw cannot be combined with --subject/--text/--html")
		}
		raw, err := readRawMessage(rawPath)
		if err != nil {
			return nil, err
		}
		return raw, nil
	}

	if c.String("text") == "" && c.String("html") == "" {
		return nil, errors.New("inject requires either --raw or one of --text/--html")
	}

	builder := map[string]interface{}{}
	if v := c.String("subject"); v != "" {
		builder["subject"] = v
	}
	if v := c.String("text"); v != "" {
		builder["text_body"] = v
	}
	if v := c.String("html"); v != "" {
		builder["html_body"] = v
	}
	return builder, nil
}

func printRaw(raw json.RawMessage) error {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	return printJSON(v)
}
