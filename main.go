// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command uefisec periodically requests the UEFI secure variable Trusted
// Application to synchronize the variable tables to RPMB.
//
// Usage:
//
//	uefisec [flags] [1]
//
// A first argument of `1` performs a single synchronization, otherwise
// synchronization is repeated until termination. The exit code is the
// number of errors, capped at 255.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"

	"github.com/u-root/u-root/pkg/ulog"

	"github.com/usbarmory/uefisec/cmd"
	"github.com/usbarmory/uefisec/config"
	"github.com/usbarmory/uefisec/loader"
	"github.com/usbarmory/uefisec/qseecom"
	"github.com/usbarmory/uefisec/secmem"
	"github.com/usbarmory/uefisec/shell"
	"github.com/usbarmory/uefisec/uefi"
	"github.com/usbarmory/uefisec/uefisec"
)

var (
	configPath string
	logPath    string
	flags      = config.Default()
)

func init() {
	log.SetFlags(log.LstdFlags)

	cmd.Banner = fmt.Sprintf("uefisec • %s/%s (%s)",
		runtime.GOOS, runtime.GOARCH, runtime.Version())

	flag.StringVar(&configPath, "c", config.DefaultPath, "configuration file")
	flag.StringVar(&logPath, "log", "", "log file")
	flag.StringVar(&flags.App, "app", flags.App, "Trusted Application name")
	flag.BoolVar(&flags.WholeImage, "whole-image", false, "load whole (.mbn) application images")
	flag.DurationVar(&flags.Interval, "interval", flags.Interval, "synchronization interval")
	flag.StringVar(&flags.Console, "console", "", "SSH console address")
	flag.BoolVar(&flags.Kmsg, "kmsg", false, "log to the kernel log buffer")
	flag.BoolVar(&flags.Efivars, "efivars", false, "report UEFI variables through efivarfs")
}

// loadConfig returns the configuration file contents overridden by the
// command line flags explicitly set.
func loadConfig() (conf *config.Config, err error) {
	dir, name := filepath.Split(filepath.Clean(configPath))

	if dir == "" {
		dir = "."
	}

	conf, err = config.Load(os.DirFS(dir), name)

	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist) && configPath == config.DefaultPath:
		conf = config.Default()
	default:
		return nil, fmt.Errorf("could not load %s, %v", configPath, err)
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "app":
			conf.App = flags.App
		case "whole-image":
			conf.WholeImage = flags.WholeImage
		case "interval":
			conf.Interval = flags.Interval
		case "console":
			conf.Console = flags.Console
		case "kmsg":
			conf.Kmsg = flags.Kmsg
		case "efivars":
			conf.Efivars = flags.Efivars
		}
	})

	return
}

// oneShot returns whether the first positional argument requests a single
// synchronization, anything but 1 keeps the periodic loop.
func oneShot(args []string) bool {
	if len(args) == 0 {
		return false
	}

	n, _ := strconv.Atoi(args[0])

	return n == 1
}

// exitCode maps the argument error count, or [uefisec.AllocationFailure], to
// a process exit status which never truncates to success.
func exitCode(n int) int {
	if n < 0 {
		return 255
	}

	return min(n, 255)
}

// run synchronizes until termination, or once when single is set in which
// case the application is unloaded before returning the exit status.
func run(syncer *uefisec.Syncer, single bool, logger ulog.Logger) int {
	n := syncer.Run(single)

	if single {
		if err := syncer.Stop(); err != nil && !errors.Is(err, qseecom.ErrNoApplication) {
			logger.Printf("%v", err)
		}
	}

	return exitCode(n)
}

func startConsole(conf *config.Config) (err error) {
	srv := &shell.Server{
		Interface: &shell.Interface{
			Banner: cmd.Banner,
		},
	}

	if conf.AuthorizedKeys != "" {
		buf, err := os.ReadFile(conf.AuthorizedKeys)

		if err != nil {
			return err
		}

		if srv.AuthorizedKeys, err = shell.ParseAuthorizedKeys(buf); err != nil {
			return err
		}
	}

	go func() {
		if err := srv.ListenAndServe(conf.Console); err != nil {
			log.Printf("console error, %v", err)
		}
	}()

	return
}

func main() {
	var logger ulog.Logger = log.Default()

	flag.Parse()

	if logPath != "" {
		logFile, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)

		if err != nil {
			log.Fatalf("could not open log file, %v", err)
		}

		log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	}

	conf, err := loadConfig()

	if err != nil {
		log.Fatal(err)
	}

	if conf.Kmsg {
		logger = ulog.KernelLog
	}

	if len(conf.Ignored()) > 0 {
		logger.Printf("ignored configuration lines:\n%s", conf.Ignored())
	}

	single := oneShot(flag.Args())

	client := qseecom.NewClient()

	l := loader.New(client, conf.App, conf.BufferSize, conf.WholeImage)
	l.Log = logger

	syncer := &uefisec.Syncer{
		Loader:   l,
		Client:   client,
		Heap:     &secmem.DMAHeap{},
		TableID:  uefisec.TableIDAll,
		Interval: conf.Interval,
		Log:      logger,
	}

	if conf.Efivars {
		if store, err := uefi.Open(); err != nil {
			logger.Printf("UEFI variables not available, %v", err)
		} else {
			syncer.Store = store
			cmd.Store = store
		}
	}

	cmd.Syncer = syncer

	if conf.Console != "" && !single {
		if err = startConsole(conf); err != nil {
			log.Fatalf("could not start console, %v", err)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		s := <-sig

		logger.Printf("%v received, shutting down", s)

		if err := syncer.Stop(); err != nil {
			logger.Printf("%v", err)
		}

		os.Exit(exitCode(syncer.Errors()))
	}()

	os.Exit(run(syncer, single, logger))
}
