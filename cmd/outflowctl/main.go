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
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.NewApp()
	app.Name = "outflowctl"
	app.Usage = "OutFlow MTA admin API client"
	app.Version = BuildInfo()
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			cli.OsExiter(1)
		}
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "addr",
			Usage:   "base URL of the outflowd admin API",
			EnvVars: []string{"OUTFLOWCTL_ADDR"},
			Value:   "http://127.0.0.1:8000",
		},
		&cli.StringFlag{
			Name:    "user",
			Usage:   "HTTP Basic username, if the admin API requires it",
			EnvVars: []string{"OUTFLOWCTL_USER"},
		},
		&cli.StringFlag{
			Name:    "password",
			Usage:   "HTTP Basic password, if the admin API requires it",
			EnvVars: []string{"OUTFLOWCTL_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "token",
			Usage:   "bearer token, if the admin API requires it",
			EnvVars: []string{"OUTFLOWCTL_TOKEN"},
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "request timeout",
			Value: 30 * time.Second,
		},
	}

	app.Commands = []*cli.Command{
		bounceCommand,
		suspendCommand,
		rebindCommand,
		xferCommand,
		inspectCommand,
		injectCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func clientFromContext(c *cli.Context) *client {
	return newClient(c.String("addr"), c.String("user"), c.String("password"), c.String("token"), c.Duration("timeout"))
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// criteriaFlags are the five match_criteria fields shared by bounce,
// suspend and suspend-ready-q, collected as cli.Flag values so each
// command can append them to its own flags. rebind takes a queue name
// instead of criteria.
var criteriaFlags = []cli.Flag{
	&cli.StringFlag{Name: "campaign", Usage: "match only this campaign"},
	&cli.StringFlag{Name: "tenant", Usage: "match only this tenant"},
	&cli.StringFlag{Name: "domain", Usage: "match only this recipient domain"},
	&cli.StringFlag{Name: "routing-domain", Usage: "match only this routing domain"},
	&cli.StringFlag{Name: "queue", Usage: "match only this exact queue name"},
}

func criteriaFromContext(c *cli.Context) criteria {
	return criteria{
		Campaign:      optionalString(c, "campaign"),
		Tenant:        optionalString(c, "tenant"),
		Domain:        optionalString(c, "domain"),
		RoutingDomain: optionalString(c, "routing-domain"),
		Queue:         optionalString(c, "queue"),
	}
}

func optionalString(c *cli.Context, name string) *string {
	if !c.IsSet(name) {
		return nil
	}
	v := c.String(name)
	return &v
}

// BuildInfo is the version string `outflowctl --version` reports, in the
// same "<binary> (development build)" form as outflowd's own BuildInfo.
func BuildInfo() string {
	return "outflowctl (development build)"
}
