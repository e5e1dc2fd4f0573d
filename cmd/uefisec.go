// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/hako/durafmt"

	"github.com/usbarmory/uefisec/shell"
	"github.com/usbarmory/uefisec/uefi"
	"github.com/usbarmory/uefisec/uefisec"
)

// Syncer is the scheduler controlled by the console.
var Syncer *uefisec.Syncer

// Store is the UEFI variable store listed by the console.
var Store uefi.Store

var errNoSyncer = errors.New("synchronization not configured")

func init() {
	shell.Add(shell.Cmd{
		Name: "status",
		Help: "show synchronization status",
		Fn:   statusCmd,
	})

	shell.Add(shell.Cmd{
		Name: "sync",
		Help: "synchronize variable tables now",
		Fn:   syncCmd,
	})

	shell.Add(shell.Cmd{
		Name: "load",
		Help: "load the Trusted Application",
		Fn:   loadCmd,
	})

	shell.Add(shell.Cmd{
		Name: "unload",
		Help: "shutdown the Trusted Application",
		Fn:   unloadCmd,
	})

	shell.Add(shell.Cmd{
		Name:    "vars",
		Args:    1,
		Pattern: regexp.MustCompile(`^vars( auth)?$`),
		Syntax:  "(auth)?",
		Help:    "list UEFI variables",
		Fn:      varsCmd,
	})
}

func since(t time.Time) string {
	if t.IsZero() {
		return "never"
	}

	return durafmt.Parse(time.Since(t)).LimitFirstN(2).String() + " ago"
}

func statusCmd(_ *shell.Interface, _ []string) (string, error) {
	var buf bytes.Buffer

	if Syncer == nil {
		return "", errNoSyncer
	}

	st := Syncer.Status()
	app := st.Application

	if app == "" {
		app = "not loaded"
	}

	fmt.Fprintf(&buf, "application ... : %s\n", app)
	fmt.Fprintf(&buf, "started ....... : %s\n", since(st.Started))
	fmt.Fprintf(&buf, "last sync ..... : %s\n", since(st.Last))
	fmt.Fprintf(&buf, "runs .......... : %d\n", st.Runs)
	fmt.Fprintf(&buf, "errors ........ : %d", st.Errors)

	if err := st.Result.Err(); err != nil {
		fmt.Fprintf(&buf, "\nlast result ... : %v", err)
	}

	return buf.String(), nil
}

func syncCmd(_ *shell.Interface, _ []string) (string, error) {
	if Syncer == nil {
		return "", errNoSyncer
	}

	res, err := Syncer.Sync()

	if err != nil {
		return "", err
	}

	if err = res.Err(); err != nil {
		return "", err
	}

	return "synchronization succeeded", nil
}

func loadCmd(_ *shell.Interface, _ []string) (string, error) {
	if Syncer == nil {
		return "", errNoSyncer
	}

	if err := Syncer.Load(); err != nil {
		return "", err
	}

	return fmt.Sprintf("%s loaded", Syncer.Status().Application), nil
}

func unloadCmd(_ *shell.Interface, _ []string) (string, error) {
	if Syncer == nil {
		return "", errNoSyncer
	}

	if err := Syncer.Stop(); err != nil {
		return "", err
	}

	return "application unloaded", nil
}

func varsCmd(_ *shell.Interface, arg []string) (string, error) {
	var buf bytes.Buffer

	if Store == nil {
		return "", errors.New("UEFI variables not available")
	}

	vars, err := uefi.Variables(Store)

	if err != nil {
		return "", err
	}

	if len(arg[0]) > 0 {
		vars = uefi.Secure(vars)
	}

	for _, v := range vars {
		fmt.Fprintf(&buf, "%s\n", v)
	}

	fmt.Fprintf(&buf, "%d variables", len(vars))

	return buf.String(), nil
}
