// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package shell implements a terminal console handler for user defined
// commands, served locally or over SSH.
package shell

import (
	"errors"
	"fmt"
	"io"
	"log"

	"golang.org/x/term"
)

// Interface represents a terminal interface.
type Interface struct {
	// Banner represents the welcome message
	Banner string

	// ReadWriter represents the terminal connection
	ReadWriter io.ReadWriter

	// Terminal is the active terminal, created by Start when nil
	Terminal *term.Terminal

	VT100 bool
}

func (iface *Interface) handleLine(line string, w io.Writer) (err error) {
	var res string

	if line == "" {
		return
	}

	cmd, arg := match(line)

	if cmd == nil {
		return errors.New("unknown command, type `help`")
	}

	if res, err = cmd.Fn(iface, arg); err != nil {
		return
	}

	fmt.Fprintln(w, res)

	return
}

func (iface *Interface) readLine(t *term.Terminal, w io.Writer) error {
	s, err := t.ReadLine()

	if err == io.EOF {
		return err
	}

	if err != nil {
		log.Printf("readline error, %v", err)
		return nil
	}

	if err = iface.handleLine(s, w); err != nil {
		if err == io.EOF {
			return err
		}

		fmt.Fprintf(w, "command error, %v\n", err)
		return nil
	}

	return nil
}

// Start handles registered commands over the interface ReadWriter until the
// connection is closed or a command returns [io.EOF].
func (iface *Interface) Start() {
	var w io.Writer

	if iface.Terminal == nil {
		iface.Terminal = term.NewTerminal(iface.ReadWriter, "")
	}

	t := iface.Terminal
	w = iface.ReadWriter

	if iface.VT100 {
		t.SetPrompt(string(t.Escape.Red) + "> " + string(t.Escape.Reset))
		w = t
	}

	help, _ := Help(iface, nil)

	fmt.Fprintf(t, "\n%s\n\n", iface.Banner)
	fmt.Fprintf(t, "%s\n", help)

	for {
		if err := iface.readLine(t, w); err != nil {
			return
		}
	}
}
