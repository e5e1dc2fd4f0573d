// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package shell

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"text/tabwriter"
)

// CmdFn represents a command handler.
type CmdFn func(iface *Interface, arg []string) (res string, err error)

// Cmd represents a shell command.
type Cmd struct {
	// Name is the command name, matched verbatim when Pattern is nil.
	Name string
	// Args is the number of Pattern submatches passed to Fn.
	Args int
	// Pattern is the optional command line regular expression.
	Pattern *regexp.Regexp
	// Syntax is the argument syntax shown by help.
	Syntax string
	// Help is the command description.
	Help string
	// Fn is the command handler.
	Fn CmdFn
}

var cmds = make(map[string]*Cmd)

// Add registers a command, replacing any existing one with the same name.
func Add(cmd Cmd) {
	cmds[cmd.Name] = &cmd
}

// Help returns the list of registered commands.
func Help(_ *Interface, _ []string) (string, error) {
	var help bytes.Buffer
	var names []string

	t := tabwriter.NewWriter(&help, 16, 8, 0, '\t', tabwriter.TabIndent)

	for name := range cmds {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		cmd := cmds[name]
		fmt.Fprintf(t, "%s\t%s\t # %s\n", cmd.Name, cmd.Syntax, cmd.Help)
	}

	t.Flush()

	return help.String(), nil
}

func match(line string) (cmd *Cmd, arg []string) {
	for _, c := range cmds {
		if c.Pattern == nil {
			if c.Name == line {
				return c, nil
			}
		} else if m := c.Pattern.FindStringSubmatch(line); len(m) > 0 && (len(m)-1 == c.Args) {
			return c, m[1:]
		}
	}

	return
}
