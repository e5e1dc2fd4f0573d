// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package secmem implements allocation of memory buffers shared between the
// Normal World process and the Secure World, backed by a DMA-BUF heap.
//
// A [Buffer] is mapped and cache synchronized for CPU access on allocation,
// the matching end barrier is issued on release.
package secmem

import (
	"errors"
	"fmt"
)

// PageSize represents the allocation granularity in bytes.
const PageSize = 4096 // 4 KiB

// DMA-BUF synchronization flags (linux/dma-buf.h)
const (
	SyncRead  = 1 << 0
	SyncWrite = 1 << 1
	SyncRW    = SyncRead | SyncWrite
	SyncStart = 0 << 2
	SyncEnd   = 1 << 2
)

var (
	// ErrAllocation represents a failure of the underlying secure memory
	// allocator.
	ErrAllocation = errors.New("secure buffer allocation failed")
	// ErrMapping represents a failure to map an allocated buffer.
	ErrMapping = errors.New("secure buffer mapping failed")
	// ErrSync represents a cache synchronization failure.
	ErrSync = errors.New("secure buffer synchronization failed")
)

// Heap represents a shared memory allocator.
type Heap interface {
	// Alloc allocates a buffer of the argument length and returns its
	// descriptor.
	Alloc(length int) (fd int, err error)
	// Map maps the buffer descriptor with read/write access.
	Map(fd int, length int) ([]byte, error)
	// Sync issues a cache synchronization barrier.
	Sync(fd int, flags uint64) error
	// Unmap releases a mapping obtained with Map.
	Unmap(b []byte) error
	// Close releases the buffer descriptor.
	Close(fd int) error
}

// Buffer represents a secure buffer.
type Buffer struct {
	// FD is the buffer descriptor, -1 once released.
	FD int
	// Size is the logical payload length.
	Size int
	// Length is the page aligned length used for mapping.
	Length int

	heap Heap
	data []byte
}

// PageAlign rounds the argument size up to a multiple of [PageSize].
func PageAlign(size int) int {
	return (size + PageSize - 1) &^ (PageSize - 1)
}

// Allocate allocates, maps and synchronizes a secure buffer of at least the
// argument size from the argument heap.
func Allocate(h Heap, size int) (b *Buffer, err error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w, invalid size %d", ErrAllocation, size)
	}

	b = &Buffer{
		FD:     -1,
		Size:   size,
		Length: PageAlign(size),
		heap:   h,
	}

	if b.FD, err = h.Alloc(b.Length); err != nil {
		return nil, fmt.Errorf("%w, len %d, %v", ErrAllocation, b.Length, err)
	}

	if b.data, err = h.Map(b.FD, b.Length); err != nil {
		return nil, errors.Join(fmt.Errorf("%w, len %d, %v", ErrMapping, b.Length, err), h.Close(b.FD))
	}

	if err = h.Sync(b.FD, SyncStart|SyncRW); err != nil {
		return nil, errors.Join(fmt.Errorf("%w, start, %v", ErrSync, err), h.Unmap(b.data), h.Close(b.FD))
	}

	return
}

// Bytes returns the logical payload window of the mapped buffer, nil if the
// buffer has been released.
func (b *Buffer) Bytes() []byte {
	if b.data == nil {
		return nil
	}

	return b.data[:b.Size]
}

// Released returns whether the buffer no longer holds any resource.
func (b *Buffer) Released() bool {
	return b.data == nil && b.FD < 0
}

// Release issues the end synchronization barrier, unmaps and closes the
// buffer. A failed barrier does not prevent the release, it is returned
// along with any other failure. Release can be called more than once.
func (b *Buffer) Release() error {
	var errs []error

	if b.FD >= 0 {
		if err := b.heap.Sync(b.FD, SyncEnd|SyncRW); err != nil {
			errs = append(errs, fmt.Errorf("%w, end, %v", ErrSync, err))
		}
	}

	if b.data != nil {
		if err := b.heap.Unmap(b.data); err != nil {
			errs = append(errs, fmt.Errorf("could not unmap buffer, %v", err))
		}

		b.data = nil
	}

	if b.FD >= 0 {
		if err := b.heap.Close(b.FD); err != nil {
			errs = append(errs, fmt.Errorf("could not close buffer, %v", err))
		}

		b.FD = -1
	}

	return errors.Join(errs...)
}
