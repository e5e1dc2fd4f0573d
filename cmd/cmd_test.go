// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cmd

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/u-root/u-root/pkg/efivarfs"
	"github.com/u-root/u-root/pkg/ulog/ulogtest"

	"github.com/usbarmory/uefisec/qseecom"
	"github.com/usbarmory/uefisec/uefi"
	"github.com/usbarmory/uefisec/uefisec"
)

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

type testStore map[efivarfs.VariableDescriptor]efivarfs.VariableAttributes

func (s testStore) List() (descs []efivarfs.VariableDescriptor, err error) {
	for desc := range s {
		descs = append(descs, desc)
	}

	return
}

func (s testStore) Get(desc efivarfs.VariableDescriptor) (efivarfs.VariableAttributes, []byte, error) {
	return s[desc], []byte{0, 1, 2, 3}, nil
}

func TestUnconfigured(t *testing.T) {
	Syncer = nil
	Store = nil

	for _, fn := range []func() error{
		func() (err error) { _, err = statusCmd(nil, nil); return },
		func() (err error) { _, err = syncCmd(nil, nil); return },
		func() (err error) { _, err = loadCmd(nil, nil); return },
		func() (err error) { _, err = unloadCmd(nil, nil); return },
	} {
		if err := fn(); !errors.Is(err, errNoSyncer) {
			t.Fatalf("got %v, want %v", err, errNoSyncer)
		}
	}

	if _, err := varsCmd(nil, []string{""}); err == nil {
		t.Fatal("missing store accepted")
	}
}

func TestSyncWithoutApplication(t *testing.T) {
	Syncer = &uefisec.Syncer{
		Client: qseecom.NewClient(),
		Heap:   &testHeap{},
		Log:    &ulogtest.Logger{TB: t},
	}

	defer func() { Syncer = nil }()

	// load failure is counted
	Syncer.Start()

	if _, err := syncCmd(nil, nil); !errors.Is(err, qseecom.ErrNoApplication) {
		t.Fatalf("syncCmd() = %v, want ErrNoApplication", err)
	}

	res, err := statusCmd(nil, nil)

	if err != nil {
		t.Fatal(err)
	}

	for _, s := range []string{"not loaded", "runs .......... : 1", "errors ........ : 2"} {
		if !strings.Contains(res, s) {
			t.Fatalf("status missing %q\n%s", s, res)
		}
	}
}

func TestVars(t *testing.T) {
	Store = testStore{
		{Name: "PK", GUID: uefi.EFI_GLOBAL_VARIABLE_GUID}:        0x27,
		{Name: "BootOrder", GUID: uefi.EFI_GLOBAL_VARIABLE_GUID}: 0x07,
		{Name: "Test", GUID: uuid.New()}:                         0x07,
	}

	defer func() { Store = nil }()

	res, err := varsCmd(nil, []string{""})

	if err != nil {
		t.Fatal(err)
	}

	if !strings.HasSuffix(res, "3 variables") || !strings.Contains(res, "BootOrder-8be4df61-93ca-11d2-aa0d-00e098032b8c") {
		t.Fatalf("unexpected output\n%s", res)
	}

	if res, err = varsCmd(nil, []string{" auth"}); err != nil {
		t.Fatal(err)
	}

	if !strings.HasSuffix(res, "1 variables") || !strings.Contains(res, "NV|BS|RT|AT") {
		t.Fatalf("unexpected output\n%s", res)
	}
}

func TestExit(t *testing.T) {
	if _, err := exitCmd(nil, nil); err != io.EOF {
		t.Fatalf("exitCmd() = %v, want io.EOF", err)
	}
}
