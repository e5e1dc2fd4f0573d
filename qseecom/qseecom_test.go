// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package qseecom

import (
	"errors"
	"testing"
)

type testApp struct {
	buf []byte
}

func (a *testApp) Name() string {
	return "test"
}

func (a *testApp) Buffer() []byte {
	return a.buf
}

func TestAlign(t *testing.T) {
	for n := 0; n < 4*AlignSize; n++ {
		got := Align(n)

		want := n
		if n%AlignSize != 0 {
			want = n + (AlignSize - n%AlignSize)
		}

		if got != want {
			t.Fatalf("Align(%d) = %d, want %d", n, got, want)
		}

		if Align(got) != got {
			t.Fatalf("Align(Align(%d)) = %d, want %d", n, Align(got), got)
		}
	}

	if Align(12) != 64 {
		t.Fatalf("Align(12) = %d, want 64", Align(12))
	}
}

func TestBind(t *testing.T) {
	var info FDInfo

	if err := info.Bind(0, 7, 12); err != nil {
		t.Fatal(err)
	}

	if err := info.Bind(1, 7, 16); err != nil {
		t.Fatal(err)
	}

	if info[0] != (FDBinding{FD: 7, Offset: 12}) || info[1] != (FDBinding{FD: 7, Offset: 16}) {
		t.Fatalf("unexpected bindings %+v", info)
	}

	if info[2] != (FDBinding{}) || info[3] != (FDBinding{}) {
		t.Fatalf("unused slots modified %+v", info)
	}

	if err := info.Bind(MaxFDs, 7, 0); err == nil {
		t.Fatal("out of range slot accepted")
	}

	if err := info.Bind(0, -1, 0); err == nil {
		t.Fatal("invalid descriptor accepted")
	}
}

func TestParseStatus(t *testing.T) {
	if err := parseStatus("op", 0); err != nil {
		t.Fatal(err)
	}

	var statusErr *StatusError

	if err := parseStatus("op", -22); !errors.As(err, &statusErr) || statusErr.Code != -22 {
		t.Fatalf("parseStatus() = %v, want status -22", err)
	}
}

func TestCheckRegion(t *testing.T) {
	app := &testApp{buf: make([]byte, 256)}

	off, err := checkRegion(app, app.buf[64:128])

	if err != nil {
		t.Fatal(err)
	}

	if off != 64 {
		t.Fatalf("offset = %d, want 64", off)
	}

	if _, err = checkRegion(app, make([]byte, 16)); err == nil {
		t.Fatal("foreign buffer accepted")
	}

	if _, err = checkRegion(app, app.buf[255:]); err != nil {
		t.Fatal(err)
	}
}
