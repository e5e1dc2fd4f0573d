// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package loader implements discovery and loading of a Trusted Application
// image in the Secure World.
//
// Candidate locations are tried in order until one succeeds, each either
// through the runtime provisioned loader ([StartApp]), which resolves the
// split image (`*.mdt`, `*.b01`, ...) under a root directory, or by reading
// and submitting a whole image (`*.mbn`) directly ([StartAppImage]).
package loader

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/u-root/u-root/pkg/ulog"

	"github.com/usbarmory/uefisec/qseecom"
)

// Strategy represents an application loading strategy.
type Strategy int

const (
	// StartApp loads an application resolved by the runtime under a
	// root directory.
	StartApp Strategy = iota
	// StartAppImage reads a whole image and submits it to the runtime.
	StartAppImage
)

func (s Strategy) String() string {
	switch s {
	case StartApp:
		return "split"
	case StartAppImage:
		return "whole"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// Image locations and path limits
const (
	// SplitImageRoot is scanned first, in both loading modes.
	SplitImageRoot = "/lib/firmware/qcom"

	// ImageExtension is the whole image file extension.
	ImageExtension = ".mbn"

	// MaxImagePath is the capacity for whole image paths (80 bytes of
	// root, 25 of name and 4 of extension).
	MaxImagePath = 80 + 25 + 4
	// MaxScanPath is the capacity for scanned subdirectory paths.
	MaxScanPath = 1024
)

// FallbackRoots are tried, in order, after [SplitImageRoot].
var FallbackRoots = []string{
	"/vendor/firmware_mnt/image",
	"/firmware/image",
	"/home/root",
}

var (
	// ErrLoad represents a failure to load the application from every
	// search path.
	ErrLoad = errors.New("could not load application")
	// ErrPathTooLong represents a path exceeding its capacity.
	ErrPathTooLong = errors.New("path too long")
)

// SearchPath represents a candidate application location.
type SearchPath struct {
	// Root is the directory where the application is looked up.
	Root string
	// Strategy is the loading strategy used for Root.
	Strategy Strategy
	// Scan tries each immediate subdirectory of Root instead of Root
	// itself.
	Scan bool
}

// DefaultPaths returns the search paths for the argument loading mode.
func DefaultPaths(wholeImage bool) (paths []SearchPath) {
	strategy := StartApp

	if wholeImage {
		strategy = StartAppImage
	}

	paths = append(paths, SearchPath{
		Root:     SplitImageRoot,
		Strategy: StartApp,
		Scan:     true,
	})

	for _, root := range FallbackRoots {
		paths = append(paths, SearchPath{
			Root:     root,
			Strategy: strategy,
		})
	}

	return
}

// Loader represents a Trusted Application loader.
type Loader struct {
	// Client is the Secure World client runtime.
	Client qseecom.Client
	// FS is the file system used to read images and scan directories, the
	// host root directory when nil.
	FS fs.FS
	// Name is the application name.
	Name string
	// BufferSize is the suggested application shared buffer size.
	BufferSize int
	// Paths are the search paths, tried in order.
	Paths []SearchPath
	// Log is the loader logger, [ulog.Log] when nil.
	Log ulog.Logger
}

// New returns a loader for the argument application with the default search
// paths for the argument loading mode.
func New(client qseecom.Client, name string, sbSize int, wholeImage bool) *Loader {
	return &Loader{
		Client:     client,
		Name:       name,
		BufferSize: sbSize,
		Paths:      DefaultPaths(wholeImage),
	}
}

// ImagePath returns the whole image path for the argument root and
// application name, without ever exceeding [MaxImagePath].
func ImagePath(root string, name string) (string, error) {
	if root == "" || name == "" {
		return "", errors.New("empty path or application name")
	}

	if len(root)+len(name)+len(ImageExtension)+2 >= MaxImagePath {
		return "", fmt.Errorf("%w, %s/%s%s exceeds %d bytes", ErrPathTooLong, root, name, ImageExtension, MaxImagePath)
	}

	return root + "/" + name + ImageExtension, nil
}

func (l *Loader) log() ulog.Logger {
	if l.Log == nil {
		return ulog.Log
	}

	return l.Log
}

func (l *Loader) rootFS() fs.FS {
	if l.FS == nil {
		return os.DirFS("/")
	}

	return l.FS
}

// fsPath converts an absolute host path to a [fs.FS] one.
func fsPath(p string) string {
	p = strings.TrimPrefix(path.Clean(p), "/")

	if p == "" {
		return "."
	}

	return p
}

func (l *Loader) startApp(root string) (qseecom.App, error) {
	return l.Client.StartApp(root, l.Name, l.BufferSize)
}

func (l *Loader) startAppImage(root string) (app qseecom.App, err error) {
	p, err := ImagePath(root, l.Name)

	if err != nil {
		return
	}

	image, err := fs.ReadFile(l.rootFS(), fsPath(p))

	if err != nil {
		return nil, fmt.Errorf("cannot read %s, %v", p, err)
	}

	l.log().Printf("read %s (%d bytes)", p, len(image))

	return l.Client.StartAppImage(l.Name, image, l.BufferSize)
}

// scan tries StartApp on each subdirectory of the argument root.
func (l *Loader) scan(root string) (app qseecom.App, err error) {
	entries, err := fs.ReadDir(l.rootFS(), fsPath(root))

	if err != nil {
		return nil, fmt.Errorf("cannot open %s, %v", root, err)
	}

	err = fmt.Errorf("no application directory in %s", root)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		dir := path.Join(root, entry.Name())

		if len(dir) >= MaxScanPath {
			err = fmt.Errorf("%w, %s exceeds %d bytes", ErrPathTooLong, dir, MaxScanPath)
			continue
		}

		l.log().Printf("checking %s", dir)

		if app, err = l.startApp(dir); err == nil {
			return
		}
	}

	return nil, err
}

func (l *Loader) try(p SearchPath) (qseecom.App, error) {
	switch {
	case p.Scan:
		return l.scan(p.Root)
	case p.Strategy == StartAppImage:
		return l.startAppImage(p.Root)
	default:
		return l.startApp(p.Root)
	}
}

// Load tries each search path in order and returns the application loaded
// from the first one which succeeds.
func (l *Loader) Load() (app qseecom.App, err error) {
	if l.Client == nil {
		return nil, fmt.Errorf("%w, no client", ErrLoad)
	}

	err = errors.New("no search path")

	for _, p := range l.Paths {
		if app, err = l.try(p); err == nil {
			l.log().Printf("loaded %s from %s (%s)", l.Name, p.Root, p.Strategy)
			return
		}

		l.log().Printf("loading %s from %s (%s) failed, %v", l.Name, p.Root, p.Strategy, err)
	}

	return nil, fmt.Errorf("%w %s, %w", ErrLoad, l.Name, err)
}

// Unload shuts down the argument application.
func (l *Loader) Unload(app qseecom.App) (err error) {
	if app == nil {
		l.log().Printf("cannot shutdown %s, not loaded", l.Name)
		return qseecom.ErrNoApplication
	}

	if err = l.Client.ShutdownApp(app); err != nil {
		return fmt.Errorf("shutdown of %s failed, %w", app.Name(), err)
	}

	l.log().Printf("shutdown of %s succeeded", app.Name())

	return
}
