// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"testing"
	"testing/fstest"

	"github.com/u-root/u-root/pkg/ulog/ulogtest"

	"github.com/usbarmory/uefisec/loader"
	"github.com/usbarmory/uefisec/qseecom"
	"github.com/usbarmory/uefisec/uefisec"
)

func TestOneShot(t *testing.T) {
	for _, tt := range []struct {
		args []string
		want bool
	}{
		{nil, false},
		{[]string{}, false},
		{[]string{"1"}, true},
		{[]string{"0"}, false},
		{[]string{"2"}, false},
		{[]string{"x"}, false},
		{[]string{"1", "x"}, true},
	} {
		if got := oneShot(tt.args); got != tt.want {
			t.Fatalf("oneShot(%q) = %v, want %v", tt.args, got, tt.want)
		}
	}
}

func TestExitCode(t *testing.T) {
	for _, tt := range []struct {
		n    int
		want int
	}{
		{0, 0},
		{2, 2},
		{255, 255},
		{256, 255},
		{512, 255},
		{uefisec.AllocationFailure, 255},
	} {
		if got := exitCode(tt.n); got != tt.want {
			t.Fatalf("exitCode(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

type testApp struct{}

func (a *testApp) Name() string {
	return uefisec.DefaultName
}

func (a *testApp) Buffer() []byte {
	return make([]byte, uefisec.DefaultBufferSize)
}

type testClient struct {
	loadable  bool
	shutdowns int
}

func (c *testClient) StartApp(path string, name string, sbSize int) (qseecom.App, error) {
	if !c.loadable {
		return nil, &qseecom.StatusError{Op: "QSEECom_start_app", Code: -1}
	}

	return &testApp{}, nil
}

func (c *testClient) StartAppImage(name string, image []byte, sbSize int) (qseecom.App, error) {
	return nil, qseecom.ErrUnsupported
}

func (c *testClient) SendModifiedCmd(app qseecom.App, req []byte, rsp []byte, info *qseecom.FDInfo) error {
	if app == nil {
		return qseecom.ErrNoApplication
	}

	return nil
}

func (c *testClient) ShutdownApp(app qseecom.App) error {
	if app == nil {
		return qseecom.ErrNoApplication
	}

	c.shutdowns++

	return nil
}

type testHeap struct{}

func (h *testHeap) Alloc(length int) (int, error) {
	return 3, nil
}

func (h *testHeap) Map(fd int, length int) ([]byte, error) {
	return make([]byte, length), nil
}

func (h *testHeap) Sync(fd int, flags uint64) error {
	return nil
}

func (h *testHeap) Unmap(b []byte) error {
	return nil
}

func (h *testHeap) Close(fd int) error {
	return nil
}

func TestRunOneShot(t *testing.T) {
	for _, tt := range []struct {
		loadable  bool
		want      int
		shutdowns int
	}{
		{true, 0, 1},
		// load and transport failures, nothing to unload
		{false, 2, 0},
	} {
		logger := &ulogtest.Logger{TB: t}
		c := &testClient{loadable: tt.loadable}

		l := loader.New(c, uefisec.DefaultName, uefisec.DefaultBufferSize, false)
		l.FS = fstest.MapFS{}
		l.Log = logger

		s := &uefisec.Syncer{
			Loader: l,
			Client: c,
			Heap:   &testHeap{},
			Log:    logger,
		}

		if got := run(s, true, logger); got != tt.want {
			t.Fatalf("run() = %d, want %d", got, tt.want)
		}

		if c.shutdowns != tt.shutdowns {
			t.Fatalf("shutdowns = %d, want %d", c.shutdowns, tt.shutdowns)
		}

		if st := s.Status(); st.Application != "" {
			t.Fatalf("%s still loaded", st.Application)
		}
	}
}
