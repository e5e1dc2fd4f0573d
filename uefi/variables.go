// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package uefi implements an inventory of the UEFI variables exposed by the
// Linux efivarfs file system.
package uefi

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/u-root/u-root/pkg/efivarfs"
)

var (
	EFI_GLOBAL_VARIABLE_GUID         = uuid.MustParse("8BE4DF61-93CA-11D2-AA0D-00E098032B8C")
	EFI_IMAGE_SECURITY_DATABASE_GUID = uuid.MustParse("D719B2CB-3D3A-4596-A3BC-DAD00E67656F")
)

// Store represents a UEFI variable store, such as [efivarfs.EFIVarFS].
type Store interface {
	List() ([]efivarfs.VariableDescriptor, error)
	Get(desc efivarfs.VariableDescriptor) (efivarfs.VariableAttributes, []byte, error)
}

// VariableAttributes represents the attributes of a UEFI variable.
// See: https://uefi.org/specs/UEFI/2.11/08_Services_Runtime_Services.html#getvariable
type VariableAttributes struct {
	NonVolatile              bool
	BootServiceAccess        bool
	RuntimeServiceAccess     bool
	HardwareErrorRecord      bool
	AuthWriteAccess          bool
	TimeBasedAuthWriteAccess bool
	AppendWrite              bool
	EnhancedAuthAccess       bool
}

// ParseAttributes decodes the argument attribute mask.
func ParseAttributes(attributes uint32) (attr VariableAttributes) {
	attr.NonVolatile = attributes&0x1 != 0
	attr.BootServiceAccess = attributes&0x2 != 0
	attr.RuntimeServiceAccess = attributes&0x4 != 0
	attr.HardwareErrorRecord = attributes&0x8 != 0
	attr.AuthWriteAccess = attributes&0x10 != 0
	attr.TimeBasedAuthWriteAccess = attributes&0x20 != 0
	attr.AppendWrite = attributes&0x40 != 0
	attr.EnhancedAuthAccess = attributes&0x80 != 0

	return
}

// Authenticated returns whether writes to the variable require
// authentication.
func (a VariableAttributes) Authenticated() bool {
	return a.AuthWriteAccess || a.TimeBasedAuthWriteAccess || a.EnhancedAuthAccess
}

// String returns the attributes in short form (e.g. `NV|BS|RT|AT`).
func (a VariableAttributes) String() string {
	var s []string

	flags := []struct {
		set  bool
		name string
	}{
		{a.NonVolatile, "NV"},
		{a.BootServiceAccess, "BS"},
		{a.RuntimeServiceAccess, "RT"},
		{a.HardwareErrorRecord, "HR"},
		{a.AuthWriteAccess, "AW"},
		{a.TimeBasedAuthWriteAccess, "AT"},
		{a.AppendWrite, "AP"},
		{a.EnhancedAuthAccess, "EA"},
	}

	for _, f := range flags {
		if f.set {
			s = append(s, f.name)
		}
	}

	return strings.Join(s, "|")
}

// Variable represents a UEFI variable.
type Variable struct {
	Name       string
	GUID       uuid.UUID
	Attributes VariableAttributes
	Size       int
}

// String returns the variable in `Name-GUID` form followed by its
// attributes and size.
func (v *Variable) String() string {
	return fmt.Sprintf("%s-%s %-14s %6d", v.Name, v.GUID, v.Attributes, v.Size)
}

// Variables returns all variables in the argument store, sorted by name and
// GUID. Variables which cannot be read are skipped.
func Variables(s Store) (vars []*Variable, err error) {
	descs, err := s.List()

	if err != nil {
		return nil, fmt.Errorf("could not list variables, %v", err)
	}

	for _, desc := range descs {
		attr, data, err := s.Get(desc)

		if err != nil {
			continue
		}

		vars = append(vars, &Variable{
			Name:       desc.Name,
			GUID:       desc.GUID,
			Attributes: ParseAttributes(uint32(attr)),
			Size:       len(data),
		})
	}

	sort.Slice(vars, func(i, j int) bool {
		if vars[i].Name != vars[j].Name {
			return vars[i].Name < vars[j].Name
		}

		return vars[i].GUID.String() < vars[j].GUID.String()
	})

	return
}

// Secure returns the variables which require authenticated writes, these
// are persisted by the Secure World.
func Secure(vars []*Variable) (secure []*Variable) {
	for _, v := range vars {
		if v.Attributes.Authenticated() {
			secure = append(secure, v)
		}
	}

	return
}

// Open returns the variable store mounted at the default efivarfs location.
func Open() (Store, error) {
	fs, err := efivarfs.New()

	if err != nil {
		return nil, err
	}

	return fs, nil
}
