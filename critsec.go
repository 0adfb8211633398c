// Package critsec provides a reentrant critical section for serializing
// access to shared state inside a host-side library.
//
// A Section is meant to guard code that may be called concurrently from
// multiple goroutines, including nested calls from a goroutine that already
// holds the section. The holder may call [Section.Enter] any number of times
// without blocking; the section is released to other goroutines when the
// matching number of [Section.Exit] calls have been made.
//
// Initialization and teardown are idempotent, so several independent
// components may call [Section.Initialize] and [Section.Terminate] without
// coordinating. The first effective Initialize constructs the native
// mutual-exclusion object and any Terminate fully tears it down; callers
// with multiple independent owners should note that teardown is not
// reference counted.
//
// Misuse (entering or exiting a section that's not initialized, or exiting
// more times than entered) is reported through diagnostics and otherwise
// ignored: the operations never block or corrupt state in that case, but
// protection is silently absent. Builds with the "checked" build tag turn
// those diagnostics into panics.
package critsec

import (
	"bytes"
	"context"
	"runtime"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quay/zlog"
)

// Section is a reentrant critical section.
//
// The zero value is not usable; use [New]. A Section must not be copied
// after first use.
type Section struct {
	// ctx is used for logging only.
	ctx context.Context
	id  uuid.UUID
	src Source

	// mu guards the fields below. It is only ever held briefly; a
	// Section never blocks while holding it.
	mu sync.Mutex
	// init reports whether Initialize has run and Terminate has not
	// undone it.
	init bool
	// native is the mutual-exclusion object constructed by src. Valid
	// only while init is set.
	native Mutex
	// depth counts unmatched Enter calls.
	depth uint64
	// holder is the goroutine holding native. Valid only while depth is
	// nonzero.
	holder uint64
}

// New creates a Section that constructs its native mutual-exclusion object
// from the provided Source. A nil Source means an in-process mutex.
//
// The provided context is only used for logging.
func New(ctx context.Context, src Source) *Section {
	if src == nil {
		src = localSource{}
	}
	return &Section{
		ctx: ctx,
		id:  uuid.New(),
		src: src,
	}
}

// Initialize readies the section for use. It must be called before Enter and
// Exit.
//
// It is okay to call Initialize multiple times from independent components;
// the native mutual-exclusion object is constructed on the first effective
// call only. Initialize never blocks.
func (s *Section) Initialize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.init {
		return
	}
	m, err := s.src.NewMutex()
	if err != nil {
		// The core operations have no error returns, so this is as far
		// as a construction failure can be reported. The section stays
		// uninitialized.
		zlog.Error(s.ctx).
			Str("section", s.id.String()).
			Err(err).
			Msg("failed to construct native mutex")
		return
	}
	s.native = m
	s.depth = 0
	s.holder = 0
	s.init = true
	zlog.Debug(s.ctx).
		Str("section", s.id.String()).
		Msg("initialized")
}

// Terminate tears the section down, destroying the native mutual-exclusion
// object. Like Initialize, it is idempotent and never blocks.
//
// Calling Terminate while a goroutine is inside the section is a caller
// error the Section does not guard against: the native object may be
// destroyed while held. Checked builds report it.
func (s *Section) Terminate() {
	s.mu.Lock()
	if !s.init {
		s.mu.Unlock()
		return
	}
	held := s.depth != 0
	native := s.native
	s.init = false
	s.depth = 0
	s.holder = 0
	s.native = nil
	s.mu.Unlock()
	heldProfile.Remove(s)
	if held {
		s.violation("Terminate", "terminating a held section")
	}
	if err := native.Close(); err != nil {
		zlog.Warn(s.ctx).
			Str("section", s.id.String()).
			Err(err).
			Msg("error destroying native mutex")
	}
	zlog.Debug(s.ctx).
		Str("section", s.id.String()).
		Msg("terminated")
}

// Enter acquires the section, blocking until the current holder (if any)
// leaves. A goroutine that already holds the section re-enters without
// blocking. Enter and Exit must be used in pairs, on the same goroutine.
//
// There is no ordering guarantee among blocked callers beyond what
// [sync.Mutex] or the configured Source provides.
func (s *Section) Enter() {
	g := gid()
	s.mu.Lock()
	if !s.init {
		s.mu.Unlock()
		s.violation("Enter", "section not initialized")
		return
	}
	if s.depth != 0 && s.holder == g {
		s.depth++
		enterCounter.WithLabelValues("true").Inc()
		s.mu.Unlock()
		return
	}
	native := s.native
	s.mu.Unlock()

	t := prometheus.NewTimer(waitTimer)
	native.Lock()
	t.ObserveDuration()

	s.mu.Lock()
	if !s.init || s.native != native {
		// The section was terminated, and possibly reinitialized, while
		// this goroutine was blocked. The object just acquired is no
		// longer the section's native mutex, so holding it protects
		// nothing; release it and report.
		s.mu.Unlock()
		native.Unlock()
		s.violation("Enter", "section terminated while blocked")
		return
	}
	s.depth = 1
	s.holder = g
	s.mu.Unlock()
	enterCounter.WithLabelValues("false").Inc()
	heldProfile.Add(s, 2)
}

// Exit leaves the section. The native mutual-exclusion object is released,
// and other goroutines unblocked, when the outermost of a matched nest of
// Enter/Exit calls completes.
func (s *Section) Exit() {
	s.mu.Lock()
	if !s.init {
		s.mu.Unlock()
		s.violation("Exit", "section not initialized")
		return
	}
	if s.depth == 0 {
		s.mu.Unlock()
		s.violation("Exit", "exit without matching enter")
		return
	}
	s.depth--
	if s.depth != 0 {
		s.mu.Unlock()
		return
	}
	native := s.native
	s.holder = 0
	s.mu.Unlock()
	heldProfile.Remove(s)
	native.Unlock()
}

// Violation reports misuse of the section. Normal builds log and carry on;
// checked builds panic.
func (s *Section) violation(op, why string) {
	misuseCounter.WithLabelValues(op).Inc()
	if checked {
		panic("critsec: " + op + ": " + why)
	}
	zlog.Warn(s.ctx).
		Str("section", s.id.String()).
		Str("op", op).
		Msg(why)
}

// Gid returns the calling goroutine's ID, as reported in the stack header.
//
// Goroutine identity stands in for thread identity here: it's what makes
// nested Enter calls distinguishable from a second caller contending for the
// section. There's no sanctioned API for this, so parse it out of
// [runtime.Stack].
func gid() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	b = b[:bytes.IndexByte(b, ' ')]
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		panic("critsec: unparsable stack header: " + err.Error())
	}
	return id
}
