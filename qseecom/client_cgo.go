// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build qseecom && linux && cgo

package qseecom

/*
#cgo LDFLAGS: -lQSEEComAPI
#include <stdint.h>
#include <stdlib.h>
#include "QSEEComAPI.h"

static unsigned char *qsc_sbuffer(struct QSEECom_handle *h) {
	return h->ion_sbuffer;
}
*/
import "C"

import (
	"errors"
	"fmt"
	"unsafe"
)

type nativeApp struct {
	name   string
	handle *C.struct_QSEECom_handle
	buf    []byte
}

func (a *nativeApp) Name() string {
	return a.name
}

func (a *nativeApp) Buffer() []byte {
	return a.buf
}

type nativeClient struct{}

// NewClient returns the native QSEECom client.
func NewClient() Client {
	return &nativeClient{}
}

func newApp(name string, handle *C.struct_QSEECom_handle, sbSize int) (App, error) {
	if handle == nil {
		return nil, errors.New("invalid QSEECom handle")
	}

	sbuffer := C.qsc_sbuffer(handle)

	if sbuffer == nil {
		return nil, errors.New("invalid QSEECom shared buffer")
	}

	return &nativeApp{
		name:   name,
		handle: handle,
		buf:    unsafe.Slice((*byte)(unsafe.Pointer(sbuffer)), sbSize),
	}, nil
}

func native(app App) (a *nativeApp, err error) {
	if app == nil {
		return nil, ErrNoApplication
	}

	a, ok := app.(*nativeApp)

	if !ok {
		return nil, fmt.Errorf("invalid application type %T", app)
	}

	if a.handle == nil {
		return nil, ErrNoApplication
	}

	return
}

// StartApp implements [Client.StartApp] with QSEECom_start_app().
func (c *nativeClient) StartApp(path string, name string, sbSize int) (App, error) {
	var handle *C.struct_QSEECom_handle

	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	ret := C.QSEECom_start_app(&handle, cpath, cname, C.uint32_t(sbSize))

	if err := parseStatus("QSEECom_start_app", int(ret)); err != nil {
		return nil, err
	}

	return newApp(name, handle, sbSize)
}

// StartAppImage implements [Client.StartAppImage] with QSEECom_start_app_V2().
func (c *nativeClient) StartAppImage(name string, image []byte, sbSize int) (App, error) {
	var handle *C.struct_QSEECom_handle

	if len(image) == 0 {
		return nil, errors.New("empty application image")
	}

	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	trustlet := C.CBytes(image)
	defer C.free(trustlet)

	ret := C.QSEECom_start_app_V2(&handle, cname, (*C.uchar)(trustlet), C.uint32_t(len(image)), C.uint32_t(sbSize))

	if err := parseStatus("QSEECom_start_app_V2", int(ret)); err != nil {
		return nil, err
	}

	return newApp(name, handle, sbSize)
}

// SendModifiedCmd implements [Client.SendModifiedCmd] with
// QSEECom_send_modified_cmd().
func (c *nativeClient) SendModifiedCmd(app App, req []byte, rsp []byte, info *FDInfo) (err error) {
	var ifd C.struct_QSEECom_ion_fd_info

	a, err := native(app)

	if err != nil {
		return
	}

	if _, err = checkRegion(a, req); err != nil {
		return fmt.Errorf("invalid request, %v", err)
	}

	if _, err = checkRegion(a, rsp); err != nil {
		return fmt.Errorf("invalid response, %v", err)
	}

	if info != nil {
		for i, b := range info {
			ifd.data[i].fd = C.int32_t(b.FD)
			ifd.data[i].cmd_buf_offset = C.uint32_t(b.Offset)
		}
	}

	ret := C.QSEECom_send_modified_cmd(a.handle,
		unsafe.Pointer(&req[0]), C.uint32_t(len(req)),
		unsafe.Pointer(&rsp[0]), C.uint32_t(len(rsp)),
		&ifd)

	return parseStatus("QSEECom_send_modified_cmd", int(ret))
}

// ShutdownApp implements [Client.ShutdownApp] with QSEECom_shutdown_app().
func (c *nativeClient) ShutdownApp(app App) (err error) {
	a, err := native(app)

	if err != nil {
		return
	}

	ret := C.QSEECom_shutdown_app(&a.handle)

	a.handle = nil
	a.buf = nil

	return parseStatus("QSEECom_shutdown_app", int(ret))
}
