// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package uefi

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/u-root/u-root/pkg/efivarfs"
)

type testVar struct {
	attr efivarfs.VariableAttributes
	data []byte
}

type testStore map[efivarfs.VariableDescriptor]testVar

func (s testStore) List() (descs []efivarfs.VariableDescriptor, err error) {
	for desc := range s {
		descs = append(descs, desc)
	}

	return
}

func (s testStore) Get(desc efivarfs.VariableDescriptor) (efivarfs.VariableAttributes, []byte, error) {
	v, ok := s[desc]

	if !ok || v.data == nil {
		return 0, nil, errors.New("not found")
	}

	return v.attr, v.data, nil
}

func TestParseAttributes(t *testing.T) {
	attr := ParseAttributes(0x27)

	if !attr.NonVolatile || !attr.BootServiceAccess || !attr.RuntimeServiceAccess || !attr.TimeBasedAuthWriteAccess {
		t.Fatalf("unexpected attributes %+v", attr)
	}

	if attr.HardwareErrorRecord || attr.AuthWriteAccess || attr.AppendWrite || attr.EnhancedAuthAccess {
		t.Fatalf("unexpected attributes %+v", attr)
	}

	if !attr.Authenticated() {
		t.Fatal("time based authenticated variable not reported")
	}

	if s := attr.String(); s != "NV|BS|RT|AT" {
		t.Fatalf("String() = %s", s)
	}

	if ParseAttributes(0x07).Authenticated() {
		t.Fatal("unauthenticated variable reported")
	}
}

func TestVariables(t *testing.T) {
	vendor := uuid.New()

	store := testStore{
		{Name: "db", GUID: EFI_IMAGE_SECURITY_DATABASE_GUID}: {0x27, make([]byte, 1024)},
		{Name: "PK", GUID: EFI_GLOBAL_VARIABLE_GUID}:         {0x27, make([]byte, 512)},
		{Name: "BootOrder", GUID: EFI_GLOBAL_VARIABLE_GUID}:  {0x07, []byte{0, 0}},
		{Name: "Vendor", GUID: vendor}:                       {0x03, []byte{1}},
		{Name: "Missing", GUID: vendor}:                      {0x07, nil},
	}

	vars, err := Variables(store)

	if err != nil {
		t.Fatal(err)
	}

	if len(vars) != 4 {
		t.Fatalf("got %d variables, want 4", len(vars))
	}

	for i, name := range []string{"BootOrder", "PK", "Vendor", "db"} {
		if vars[i].Name != name {
			t.Fatalf("vars[%d] = %s, want %s", i, vars[i].Name, name)
		}
	}

	if vars[1].Size != 512 || vars[1].GUID != EFI_GLOBAL_VARIABLE_GUID {
		t.Fatalf("unexpected variable %s", vars[1])
	}

	secure := Secure(vars)

	if len(secure) != 2 || secure[0].Name != "PK" || secure[1].Name != "db" {
		t.Fatalf("unexpected authenticated variables %v", secure)
	}
}
