// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package config implements parsing of the daemon configuration file.
//
// The file holds one `key value` pair per line, empty lines and lines
// starting with `#` are skipped:
//
//	app             qcom.tz.uefisecapp
//	buffer_size     1024
//	interval        10m
//	whole_image     false
//	console         127.0.0.1:2222
//	authorized_keys /etc/uefisec/authorized_keys
//	kmsg            true
//	efivars         true
package config

import (
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"
)

// DefaultPath is the default configuration file location.
const DefaultPath = "/etc/uefisec.conf"

// Config represents the daemon configuration.
type Config struct {
	// App is the Trusted Application name.
	App string
	// BufferSize is the application shared buffer size hint.
	BufferSize int
	// Interval is the delay between periodic synchronizations.
	Interval time.Duration
	// WholeImage selects loading of whole (`.mbn`) application images.
	WholeImage bool
	// Console is the SSH console listening address, disabled when empty.
	Console string
	// AuthorizedKeys is the SSH console authorized keys file, public key
	// authentication is disabled when empty.
	AuthorizedKeys string
	// Kmsg routes logging to the kernel log buffer.
	Kmsg bool
	// Efivars enables the UEFI variable inventory.
	Efivars bool

	parsed  string
	ignored string
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		App:        "qcom.tz.uefisecapp",
		BufferSize: 1024,
		Interval:   600 * time.Second,
	}
}

// ParseDuration parses a duration either as a Go duration string or as an
// integer number of seconds.
func ParseDuration(v string) (d time.Duration, err error) {
	if n, err := strconv.Atoi(v); err == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(v); err != nil {
		return 0, err
	}

	if d <= 0 {
		return 0, fmt.Errorf("invalid duration %s", v)
	}

	return
}

func (c *Config) parseKey(line string) (err error) {
	s := strings.TrimSpace(line)

	if len(s) == 0 || strings.HasPrefix(s, "#") {
		return
	}

	kv := strings.SplitN(s, " ", 2)

	if len(kv) < 2 {
		c.ignored += line
		return
	}

	k := kv[0]
	v := strings.TrimSpace(kv[1])

	switch k {
	case "app":
		c.App = v
	case "buffer_size":
		if c.BufferSize, err = strconv.Atoi(v); err != nil {
			return
		}

		if c.BufferSize <= 0 {
			return fmt.Errorf("invalid buffer_size %d", c.BufferSize)
		}
	case "interval":
		if c.Interval, err = ParseDuration(v); err != nil {
			return
		}
	case "whole_image":
		if c.WholeImage, err = strconv.ParseBool(v); err != nil {
			return
		}
	case "console":
		c.Console = v
	case "authorized_keys":
		c.AuthorizedKeys = v
	case "kmsg":
		if c.Kmsg, err = strconv.ParseBool(v); err != nil {
			return
		}
	case "efivars":
		if c.Efivars, err = strconv.ParseBool(v); err != nil {
			return
		}
	default:
		c.ignored += line
		return
	}

	c.parsed += line

	return
}

// String returns the lines successfully parsed.
func (c *Config) String() string {
	return c.parsed
}

// Ignored returns the lines ignored during parsing.
func (c *Config) Ignored() string {
	return c.ignored
}

// Parse parses the argument configuration over the default one.
func Parse(buf []byte) (c *Config, err error) {
	c = Default()

	n := 0

	for line := range strings.Lines(string(buf)) {
		n++

		if err = c.parseKey(line); err != nil {
			return nil, fmt.Errorf("line %d, %v", n, err)
		}
	}

	return
}

// Load parses the configuration file at the argument path within the
// argument file system.
func Load(fsys fs.FS, path string) (c *Config, err error) {
	buf, err := fs.ReadFile(fsys, path)

	if err != nil {
		return
	}

	return Parse(buf)
}
