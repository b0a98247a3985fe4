package invocation

import (
	"errors"
	"fmt"
)

// ErrUnknownConvention is returned by ABIFor when asked for a named
// calling convention an architecture doesn't support (e.g. "fastcall"
// on "arm").
var ErrUnknownConvention = errors.New("invocation: unknown calling convention for this architecture")

func errUnsupportedArch(arch string) error {
	return fmt.Errorf("invocation: unsupported architecture %q", arch)
}
