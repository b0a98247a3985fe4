// Package interceptor implements the Interceptor Core of spec.md §4.6:
// the orchestrator that turns an attach/replace request into a built
// trampoline (package trampoline), commits its redirector over the
// target function's live prologue (internal/codeseg), and routes every
// subsequent call through registered listeners via the Invocation
// Context (package invocation).
//
// Interceptor owns exactly the state spec.md §3 names: a map of
// function records keyed by resolved target address, a transaction
// nesting counter and its pending-write/pending-destroy queues, and a
// per-thread registry of ignore-depth and invocation-stack state. It
// does not know how to encode an instruction or decode a relocation —
// those stay in internal/codewriter, internal/reloc and trampoline,
// exactly the split spec.md §2 draws between the Interceptor Core and
// the Trampoline Backend.
package interceptor
