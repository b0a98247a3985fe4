package kestrel

import (
	"runtime"
	"time"

	"github.com/kestrel-dbi/kestrel/internal/codewriter"
)

// options collects every New tunable before it is translated into an
// interceptor.Config — kept separate from interceptor.Config itself
// because a calling-convention name can't be resolved to an
// invocation.ABI until the architecture (possibly set by a later
// option) is known.
type options struct {
	arch       string
	convention string
	prologue   codewriter.Prologue

	maxBranch          int64
	slabSize           uint32
	workers            int
	pollIdle           time.Duration
	maxInvocationDepth int
}

func defaultOptions() options {
	return options{maxBranch: -1}
}

func (o options) archOrHost() string {
	if o.arch != "" {
		return o.arch
	}
	return runtime.GOARCH
}

// Option configures a Kestrel at construction time — spec.md §6's
// "Persisted state: None" turns every tunable that would be a
// compile-time constant or config file entry in the original into a
// functional option instead.
type Option func(*options)

// WithArch overrides the target architecture (default: runtime.GOARCH).
// One of "amd64", "386", "arm64", "arm".
func WithArch(arch string) Option {
	return func(o *options) { o.arch = arch }
}

// WithCallingConvention selects a non-default calling convention for the
// chosen architecture (e.g. "stdcall" on "386", "win64" on "amd64").
// Empty means the platform default.
func WithCallingConvention(convention string) Option {
	return func(o *options) { o.convention = convention }
}

// WithFullPrologue makes every trampoline save the full general-purpose
// register file (invocation.PrologueFull), so a listener's
// Context.CPUContext reflects every register rather than returning nil.
// Costs more per-call save/restore work than the default.
func WithFullPrologue() Option {
	return func(o *options) { o.prologue = codewriter.PrologueFull }
}

// WithMaxBranchRange bounds how far the code allocator may place a
// trampoline from its target (internal/codeslab.Allocator.AllocateNear).
// -1 (the default) means no limit, appropriate for architectures whose
// absolute-jump forms have no range restriction.
func WithMaxBranchRange(n int64) Option {
	return func(o *options) { o.maxBranch = n }
}

// WithSlabSize sets the size in bytes of each trampoline slot the code
// allocator hands out (internal/codeslab.NewAllocator; default 256,
// rounded up to 16). The number of slots per slab is fixed at 32.
func WithSlabSize(n uint32) Option {
	return func(o *options) { o.slabSize = n }
}

// WithWorkers sets the dispatcher pool's goroutine count (default:
// runtime.GOMAXPROCS(0)).
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithPollIdleInterval sets how long an idle dispatcher goroutine sleeps
// between mailbox poll sweeps (default 200us) — trampoline.NewDispatcher's
// latency/CPU tradeoff, exposed here rather than hardcoded.
func WithPollIdleInterval(d time.Duration) Option {
	return func(o *options) { o.pollIdle = d }
}

// WithInvocationStackCap overrides the per-thread invocation stack's
// depth limit (default: interceptor's maxInvocationDepth) — DESIGN.md's
// decided Open Question #2: grow rather than abort, but still cap
// runaway recursion.
func WithInvocationStackCap(n int) Option {
	return func(o *options) { o.maxInvocationDepth = n }
}
