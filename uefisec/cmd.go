// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package uefisec implements the client side of the UEFI secure variable
// application (`qcom.tz.uefisecapp`), which persists the UEFI variable
// tables to the RPMB partition on request.
//
// Requests and responses are exchanged through the application shared
// command buffer, while the variable payload is carried by a secure buffer
// bound to the command through descriptor bindings.
package uefisec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/usbarmory/uefisec/qseecom"
	"github.com/usbarmory/uefisec/secmem"
)

// Application defaults
const (
	DefaultName       = "qcom.tz.uefisecapp"
	DefaultBufferSize = 1024
	// PayloadLength is the fixed length of the synchronization payload.
	PayloadLength = 20
)

// Command identifiers
const (
	CmdSyncVarTables = 0x0800B
	// TableIDAll selects every variable table.
	TableIDAll = 0
)

// ErrResponse represents a negative response status.
var ErrResponse = errors.New("command failed")

// Request represents a variable table synchronization request.
type Request struct {
	CmdID   uint32
	Len     uint32
	TableID uint32
}

// MarshalBinary implements the [encoding.BinaryMarshaler] interface.
func (r *Request) MarshalBinary() (data []byte, err error) {
	buf := new(bytes.Buffer)
	err = binary.Write(buf, binary.LittleEndian, r)
	return buf.Bytes(), err
}

// UnmarshalBinary implements the [encoding.BinaryUnmarshaler] interface.
func (r *Request) UnmarshalBinary(data []byte) (err error) {
	_, err = binary.Decode(data, binary.LittleEndian, r)
	return
}

// Response represents a variable table synchronization response.
type Response struct {
	CmdID  uint32
	Len    uint32
	Status int32
}

// MarshalBinary implements the [encoding.BinaryMarshaler] interface.
func (r *Response) MarshalBinary() (data []byte, err error) {
	buf := new(bytes.Buffer)
	err = binary.Write(buf, binary.LittleEndian, r)
	return buf.Bytes(), err
}

// UnmarshalBinary implements the [encoding.BinaryUnmarshaler] interface.
func (r *Response) UnmarshalBinary(data []byte) (err error) {
	_, err = binary.Decode(data, binary.LittleEndian, r)
	return
}

// Descriptor binding offsets, the words following the request fields.
var (
	requestSize  = binary.Size(Request{})
	responseSize = binary.Size(Response{})

	bindingOffsets = [2]int{
		requestSize,
		requestSize + 4,
	}
)

// BuildRequest writes a synchronization request for the argument table at
// the start of the argument buffer.
func BuildRequest(buf []byte, tableID uint32, payloadLen uint32) (req *Request, err error) {
	req = &Request{
		CmdID:   CmdSyncVarTables,
		Len:     payloadLen,
		TableID: tableID,
	}

	if len(buf) < requestSize {
		return nil, fmt.Errorf("buffer too small for request (%d < %d)", len(buf), requestSize)
	}

	if _, err = binary.Encode(buf, binary.LittleEndian, req); err != nil {
		return nil, err
	}

	return
}

// PlaceResponse returns the response window which follows the aligned request
// within the argument buffer, with its status set to pending (0).
func PlaceResponse(buf []byte, reqLen int) (rsp []byte, err error) {
	rspLen := qseecom.Align(responseSize)

	if reqLen != qseecom.Align(reqLen) {
		return nil, fmt.Errorf("unaligned request length %d", reqLen)
	}

	if len(buf) < reqLen+rspLen {
		return nil, fmt.Errorf("buffer too small for response (%d < %d)", len(buf), reqLen+rspLen)
	}

	rsp = buf[reqLen : reqLen+rspLen]
	clear(rsp)

	_, err = binary.Encode(rsp, binary.LittleEndian, &Response{Status: 0})

	return
}

// Result represents the outcome of a command exchange. The transport status
// and the response status are independent, both can report a failure for
// the same exchange.
type Result struct {
	// Transport is the client call error.
	Transport error
	// Status is the response status, not meaningful on transport errors.
	Status int32
	// Release is the secure buffer release error.
	Release error
}

// Errors returns the number of failures reported by the result.
func (r *Result) Errors() (n int) {
	if r.Transport != nil {
		n++
	}

	if r.Status < 0 {
		n++
	}

	if r.Release != nil {
		n++
	}

	return
}

// Err returns the result failures as a single error, nil on success.
func (r *Result) Err() error {
	var errs []error

	if r.Transport != nil {
		errs = append(errs, fmt.Errorf("transport error, %w", r.Transport))
	}

	if r.Status < 0 {
		errs = append(errs, fmt.Errorf("%w, status %d", ErrResponse, r.Status))
	}

	if r.Release != nil {
		errs = append(errs, fmt.Errorf("release error, %w", r.Release))
	}

	return errors.Join(errs...)
}

// SyncVarTables requests the argument application to synchronize the
// argument variable table, the argument secure buffer is bound to the
// command as payload. The command is sent once, without retries.
func SyncVarTables(c qseecom.Client, app qseecom.App, buf *secmem.Buffer, tableID uint32) (res Result) {
	var info qseecom.FDInfo

	if app == nil {
		// the client fails fast without application
		if res.Transport = c.SendModifiedCmd(nil, nil, nil, nil); res.Transport == nil {
			res.Transport = qseecom.ErrNoApplication
		}

		return
	}

	cmdBuf := app.Buffer()
	reqLen := qseecom.Align(requestSize)

	if _, err := BuildRequest(cmdBuf, tableID, uint32(buf.Size)); err != nil {
		res.Transport = err
		return
	}

	rsp, err := PlaceResponse(cmdBuf, reqLen)

	if err != nil {
		res.Transport = err
		return
	}

	for i, off := range bindingOffsets {
		if err = info.Bind(i, buf.FD, off); err != nil {
			res.Transport = err
			return
		}
	}

	res.Transport = c.SendModifiedCmd(app, cmdBuf[:reqLen], rsp, &info)

	r := &Response{}

	if err = r.UnmarshalBinary(rsp); err != nil {
		res.Transport = errors.Join(res.Transport, err)
		return
	}

	res.Status = r.Status

	return
}
