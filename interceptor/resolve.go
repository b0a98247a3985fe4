package interceptor

import "github.com/kestrel-dbi/kestrel/internal/codewriter"

// redirectTemplate returns the bytes a fresh redirector for arch would
// contain, with the final embedded absolute address left as the
// placeholder 0 — every backend's JmpAbs encodes a fixed instruction
// shape regardless of the immediate's value (trampoline.Build relies on
// the same property to size a redirect branch), so everything except
// the trailing address-sized tail is identical for any two redirectors
// this package ever writes.
func redirectTemplate(arch string) ([]byte, error) {
	w, err := codewriter.New(arch)
	if err != nil {
		return nil, err
	}
	w.JmpAbs(0)
	return w.Flush()
}

// looksLikeOurRedirect reports whether the bytes at addr already match
// the shape this Interceptor writes over a hooked function's prologue —
// the Go equivalent of gum_interceptor_instrument's "already hooked"
// byte-pattern probe (spec.md §4.6 step 1), used as the fallback once a
// direct functionContext map lookup misses (e.g. a target hooked by an
// Interceptor instance that no longer exists, or whose record this one
// never saw).
func looksLikeOurRedirect(arch string, code []byte) bool {
	tmpl, err := redirectTemplate(arch)
	if err != nil || len(code) < len(tmpl) {
		return false
	}
	addrWidth := 8
	if len(tmpl) <= addrWidth {
		return false
	}
	prefix := len(tmpl) - addrWidth
	for i := 0; i < prefix; i++ {
		if code[i] != tmpl[i] {
			return false
		}
	}
	return true
}

// resolveTarget implements spec.md §4.6 attach step 1: resolve target
// through any existing redirector. Three outcomes: this Interceptor
// already has a record for target (attach another listener to it);
// target's bytes match this Interceptor's own redirect shape but no
// record exists for it (foreign is true — a previous hook this instance
// lost track of, or another Interceptor's; attach refuses rather than
// stacking a second redirect over the first); or target is untouched
// code, safe to hook fresh.
func (ic *Interceptor) resolveTarget(target uintptr) (existing *functionContext, foreign bool) {
	if fc, ok := ic.funcs[target]; ok {
		return fc, false
	}
	code := readTargetCode(target, redirectProbeLen)
	if looksLikeOurRedirect(ic.arch, code) {
		return nil, true
	}
	return nil, false
}

// redirectProbeLen bounds how many bytes resolveTarget reads before
// giving up on recognizing a redirect — generously larger than any
// architecture's JmpAbs encoding in this module.
const redirectProbeLen = 32
