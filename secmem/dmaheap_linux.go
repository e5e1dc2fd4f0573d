// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build linux

package secmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultHeap is the DMA-BUF heap exported for QSEECom shared buffers.
const DefaultHeap = "/dev/dma_heap/qcom,qseecom"

// linux/dma-heap.h, linux/dma-buf.h
const (
	dmaHeapIoctlAlloc = 0xc0184800 // _IOWR('H', 0x0, struct dma_heap_allocation_data)
	dmaBufIoctlSync   = 0x40086200 // _IOW('b', 0, struct dma_buf_sync)
)

type dmaHeapAllocationData struct {
	Len       uint64
	FD        uint32
	FDFlags   uint32
	HeapFlags uint64
}

type dmaBufSync struct {
	Flags uint64
}

// DMAHeap implements [Heap] on a Linux DMA-BUF heap device.
type DMAHeap struct {
	// Path is the heap character device, [DefaultHeap] when empty.
	Path string
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) (err error) {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))

		switch errno {
		case 0:
			return nil
		case unix.EINTR, unix.EAGAIN:
			continue
		default:
			return errno
		}
	}
}

// Alloc implements [Heap.Alloc].
func (h *DMAHeap) Alloc(length int) (fd int, err error) {
	path := h.Path

	if path == "" {
		path = DefaultHeap
	}

	heap, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)

	if err != nil {
		return -1, fmt.Errorf("could not open %s, %v", path, err)
	}

	defer unix.Close(heap)

	data := dmaHeapAllocationData{
		Len:     uint64(length),
		FDFlags: unix.O_RDWR | unix.O_CLOEXEC,
	}

	if err = ioctl(heap, dmaHeapIoctlAlloc, unsafe.Pointer(&data)); err != nil {
		return -1, fmt.Errorf("DMA_HEAP_IOCTL_ALLOC failed, %v", err)
	}

	return int(data.FD), nil
}

// Map implements [Heap.Map].
func (h *DMAHeap) Map(fd int, length int) ([]byte, error) {
	return unix.Mmap(fd, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// Sync implements [Heap.Sync].
func (h *DMAHeap) Sync(fd int, flags uint64) (err error) {
	sync := dmaBufSync{
		Flags: flags,
	}

	if err = ioctl(fd, dmaBufIoctlSync, unsafe.Pointer(&sync)); err != nil {
		return fmt.Errorf("DMA_BUF_IOCTL_SYNC failed, %v", err)
	}

	return
}

// Unmap implements [Heap.Unmap].
func (h *DMAHeap) Unmap(b []byte) error {
	return unix.Munmap(b)
}

// Close implements [Heap.Close].
func (h *DMAHeap) Close(fd int) error {
	return unix.Close(fd)
}
