// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package uefisec

import (
	"fmt"
	"sync"
	"time"

	"github.com/hako/durafmt"
	"github.com/u-root/u-root/pkg/ulog"

	"github.com/usbarmory/uefisec/loader"
	"github.com/usbarmory/uefisec/qseecom"
	"github.com/usbarmory/uefisec/secmem"
	"github.com/usbarmory/uefisec/uefi"
)

// DefaultInterval is the delay between periodic synchronizations.
const DefaultInterval = 600 * time.Second

// AllocationFailure is the [Syncer.Run] result when a secure buffer cannot
// be obtained.
const AllocationFailure = -1

// Syncer represents the periodic variable table synchronization scheduler.
//
// The application is loaded once, a failure to load it is counted but does
// not prevent the synchronization steps, which then fail on their own and
// are counted as well.
type Syncer struct {
	// Loader loads and unloads the application.
	Loader *loader.Loader
	// Client is the Secure World client runtime.
	Client qseecom.Client
	// Heap is the secure buffer allocator.
	Heap secmem.Heap
	// TableID is the variable table to synchronize.
	TableID uint32
	// PayloadLength is the secure buffer logical length, [PayloadLength]
	// when zero.
	PayloadLength int
	// Interval is the delay between synchronizations, [DefaultInterval]
	// when zero.
	Interval time.Duration
	// Store, when set, is used to report authenticated variables before
	// each synchronization.
	Store uefi.Store
	// Log is the scheduler logger, [ulog.Log] when nil.
	Log ulog.Logger
	// Sleep waits between synchronizations, [time.Sleep] when nil.
	Sleep func(time.Duration)

	mu sync.Mutex

	app     qseecom.App
	loaded  bool
	errors  int
	runs    int
	started time.Time
	last    time.Time
	result  Result
}

// Status represents a snapshot of the scheduler state.
type Status struct {
	// Application is the loaded application name, empty if not loaded.
	Application string
	// Errors is the number of accumulated errors.
	Errors int
	// Runs is the number of synchronizations issued.
	Runs int
	// Started is the scheduler start time.
	Started time.Time
	// Last is the last synchronization time.
	Last time.Time
	// Result is the last synchronization result.
	Result Result
}

func (s *Syncer) log() ulog.Logger {
	if s.Log == nil {
		return ulog.Log
	}

	return s.Log
}

func (s *Syncer) interval() time.Duration {
	if s.Interval <= 0 {
		return DefaultInterval
	}

	return s.Interval
}

func (s *Syncer) payloadLength() int {
	if s.PayloadLength <= 0 {
		return PayloadLength
	}

	return s.PayloadLength
}

func (s *Syncer) sleep(d time.Duration) {
	if s.Sleep == nil {
		time.Sleep(d)
		return
	}

	s.Sleep(d)
}

func (s *Syncer) load() (err error) {
	if s.Loader == nil {
		return fmt.Errorf("%w, no loader", loader.ErrLoad)
	}

	s.app, err = s.Loader.Load()

	return
}

// Start loads the application, a load failure is counted and returned
// while the scheduler remains usable without application.
func (s *Syncer) Start() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started.IsZero() {
		s.started = time.Now()
	}

	if s.loaded {
		return
	}

	s.loaded = true

	if err = s.load(); err != nil {
		s.errors++
		s.log().Printf("%v", err)
	}

	return
}

// Load loads the application if not already loaded.
func (s *Syncer) Load() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.app != nil {
		return fmt.Errorf("%s already loaded", s.app.Name())
	}

	s.loaded = true

	return s.load()
}

// Stop unloads the application.
func (s *Syncer) Stop() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Loader == nil {
		return qseecom.ErrNoApplication
	}

	if err = s.Loader.Unload(s.app); err != nil {
		return
	}

	s.app = nil

	return
}

func (s *Syncer) inventory() {
	if s.Store == nil {
		return
	}

	vars, err := uefi.Variables(s.Store)

	if err != nil {
		s.log().Printf("could not list variables, %v", err)
		return
	}

	s.log().Printf("%d variables, %d authenticated", len(vars), len(uefi.Secure(vars)))
}

// Sync allocates a secure buffer, fills it with the synchronization payload
// and issues one variable table synchronization command. The buffer is
// released on every path.
//
// An error is returned only when the secure buffer cannot be obtained, in
// which case no command is sent. Command failures are reported by the
// result and accumulated in the error count.
func (s *Syncer) Sync() (res Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inventory()

	buf, err := secmem.Allocate(s.Heap, s.payloadLength())

	if err != nil {
		s.errors++
		s.log().Printf("%v", err)
		return
	}

	defer func() {
		res.Release = buf.Release()

		s.runs++
		s.last = time.Now()
		s.result = res
		s.errors += res.Errors()

		if err := res.Err(); err != nil {
			s.log().Printf("synchronization failed, %v", err)
		} else {
			s.log().Printf("synchronization succeeded")
		}
	}()

	Fill(buf.Bytes())

	if !Verify(buf.Bytes()) {
		s.errors++
		s.log().Printf("payload readback mismatch")
	}

	res = SyncVarTables(s.Client, s.app, buf, s.TableID)

	return
}

// Fill writes the synchronization payload pattern to the argument buffer.
func Fill(b []byte) {
	for j := range b {
		b[j] = byte(j % 255)
	}
}

// Verify returns whether the argument buffer holds the synchronization
// payload pattern.
func Verify(b []byte) bool {
	for j := range b {
		if b[j] != byte(j%255) {
			return false
		}
	}

	return true
}

// Run starts the scheduler and synchronizes once, when oneShot is set, or
// periodically forever. The accumulated error count is returned, or
// [AllocationFailure] as soon as a secure buffer cannot be obtained.
func (s *Syncer) Run(oneShot bool) int {
	s.Start()

	for {
		if _, err := s.Sync(); err != nil {
			return AllocationFailure
		}

		if oneShot {
			break
		}

		s.log().Printf("next synchronization in %s", durafmt.Parse(s.interval()).LimitFirstN(2))
		s.sleep(s.interval())
	}

	return s.Errors()
}

// Errors returns the number of accumulated errors.
func (s *Syncer) Errors() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.errors
}

// Status returns the scheduler state.
func (s *Syncer) Status() (st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st = Status{
		Errors:  s.errors,
		Runs:    s.runs,
		Started: s.started,
		Last:    s.last,
		Result:  s.result,
	}

	if s.app != nil {
		st.Application = s.app.Name()
	}

	return
}
