// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package qseecom implements a client for Trusted Applications running in
// the Qualcomm Secure Execution Environment (QSEE), the TrustZone Secure
// World of Qualcomm SoCs.
//
// The native binding requires the `qseecom` build tag, cgo and the
// QSEEComAPI library, other builds return [ErrUnsupported] on every call.
package qseecom

import (
	"errors"
	"fmt"
	"unsafe"
)

// AlignSize represents the alignment unit of command and response buffers
// (QSEECOM_ALIGN_SIZE).
const AlignSize = 0x40

// MaxFDs represents the number of buffer descriptor slots of a modified
// command (struct QSEECom_ion_fd_info).
const MaxFDs = 4

var (
	// ErrNoApplication represents an operation on an application which is
	// not loaded.
	ErrNoApplication = errors.New("application not loaded")
	// ErrUnsupported represents a build without the native binding.
	ErrUnsupported = errors.New("QSEECom support not available in this build")
)

// App represents a Trusted Application loaded in the Secure World.
type App interface {
	// Name returns the application name.
	Name() string
	// Buffer returns the command shared buffer, requests and responses
	// must be laid out within it.
	Buffer() []byte
}

// Client represents the Secure World client runtime.
type Client interface {
	// StartApp loads an application by name, the runtime resolves its
	// image under the argument path.
	StartApp(path string, name string, sbSize int) (App, error)
	// StartAppImage loads an application from its whole image.
	StartAppImage(name string, image []byte, sbSize int) (App, error)
	// SendModifiedCmd sends a command to the application, the argument
	// descriptors are resolved by the Secure World at the given offsets
	// of the request.
	SendModifiedCmd(app App, req []byte, rsp []byte, info *FDInfo) error
	// ShutdownApp unloads the application.
	ShutdownApp(app App) error
}

// FDBinding represents a buffer descriptor and the request offset at which
// the Secure World resolves its address.
type FDBinding struct {
	FD     int32
	Offset uint32
}

// FDInfo represents the buffer descriptor table of a modified command.
type FDInfo [MaxFDs]FDBinding

// Bind assigns the argument descriptor and request offset to a slot.
func (i *FDInfo) Bind(slot int, fd int, offset int) (err error) {
	if slot < 0 || slot >= MaxFDs {
		return fmt.Errorf("invalid descriptor slot %d", slot)
	}

	if fd < 0 || offset < 0 {
		return fmt.Errorf("invalid binding fd:%d offset:%d", fd, offset)
	}

	i[slot] = FDBinding{
		FD:     int32(fd),
		Offset: uint32(offset),
	}

	return
}

// Align rounds the argument length up to a multiple of [AlignSize].
func Align(n int) int {
	if n%AlignSize == 0 {
		return n
	}

	return n + (AlignSize - n%AlignSize)
}

// StatusError represents a failed QSEECom call.
type StatusError struct {
	// Op is the failed call
	Op string
	// Code is the returned status
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed, ret = %d", e.Op, e.Code)
}

func parseStatus(op string, ret int) (err error) {
	switch {
	case ret != 0:
		return &StatusError{Op: op, Code: ret}
	default:
		return
	}
}

// checkRegion verifies that the argument slice lies within the application
// shared buffer and returns its offset.
func checkRegion(app App, b []byte) (off int, err error) {
	buf := app.Buffer()

	if len(b) == 0 || len(buf) == 0 {
		return 0, errors.New("empty command buffer")
	}

	start := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	ptr := uintptr(unsafe.Pointer(unsafe.SliceData(b)))

	if ptr < start || ptr+uintptr(len(b)) > start+uintptr(len(buf)) {
		return 0, errors.New("buffer outside of application shared memory")
	}

	return int(ptr - start), nil
}
