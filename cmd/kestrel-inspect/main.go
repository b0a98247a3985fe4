// Command kestrel-inspect reports whether a function's machine code can
// be hooked: how many leading bytes internal/reloc would need to
// relocate for a given architecture's redirect branch, and a hex dump of
// those bytes. It never patches or executes anything — a read-only
// diagnostic, the same role wagon's cmd/wasm-dump plays for WASM module
// sections.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"unsafe"

	"github.com/kestrel-dbi/kestrel/internal/codewriter"
	"github.com/kestrel-dbi/kestrel/internal/reloc"
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: kestrel-inspect [options]

Reports whether the function at -addr (or this binary's own demo
function, with -self) can be hooked: how many leading bytes
internal/reloc would relocate past a redirect branch, and the raw bytes
read.

options:
`)
		flag.PrintDefaults()
	}
}

var (
	flagAddr = flag.String("addr", "", "hex address to inspect, e.g. 0x4a1230")
	flagSelf = flag.Bool("self", false, "inspect this binary's own demo function instead of -addr")
	flagArch = flag.String("arch", runtime.GOARCH, "architecture: amd64, 386, arm64, or arm")
	flagN    = flag.Int("n", 64, "number of bytes to read starting at the target address")
)

func main() {
	log.SetPrefix("kestrel-inspect: ")
	log.SetFlags(0)
	flag.Parse()

	addr, err := resolveAddr(*flagAddr, *flagSelf)
	if err != nil {
		log.Fatal(err)
	}

	if err := inspect(os.Stdout, addr, *flagArch, *flagN); err != nil {
		log.Fatal(err)
	}
}

// resolveAddr turns the CLI flags into a concrete address: -self takes
// the entry PC of demoTarget via runtime introspection (reflect.Value's
// Pointer() for a func value is documented to return the code entry
// point), -addr parses a literal hex string.
func resolveAddr(addrFlag string, self bool) (uintptr, error) {
	if self {
		return reflect.ValueOf(demoTarget).Pointer(), nil
	}
	if addrFlag == "" {
		return 0, fmt.Errorf("one of -addr or -self is required")
	}
	s := strings.TrimPrefix(addrFlag, "0x")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid -addr %q: %w", addrFlag, err)
	}
	return uintptr(v), nil
}

// demoTarget is read, never called, by -self — an ordinary Go function
// whose compiled prologue is real, decodable machine code regardless of
// Go's own register-based calling convention (instruction decoding
// doesn't care which ABI assigned which register to which argument, only
// interceptor.Attach's later listener wiring would).
//
//go:noinline
func demoTarget(a, b int) int {
	return a + b
}

func inspect(w io.Writer, addr uintptr, arch string, n int) error {
	if n <= 0 {
		return fmt.Errorf("-n must be positive")
	}
	code := rawBytesAt(addr, n)

	redirectSize, err := redirectBranchSize(arch)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "address:        0x%x\n", addr)
	fmt.Fprintf(w, "architecture:   %s\n", arch)
	fmt.Fprintf(w, "redirect width: %d bytes\n", redirectSize)
	fmt.Fprintf(w, "bytes read:\n%s", hex.Dump(code))

	displaced, err := reloc.CanRelocate(arch, code, redirectSize)
	if err != nil {
		fmt.Fprintf(w, "hookable:       no (%v)\n", err)
		return nil
	}
	fmt.Fprintf(w, "hookable:       yes, displaces %d bytes of original prologue\n", displaced)
	return nil
}

// redirectBranchSize measures the redirect branch's real encoded width
// for arch by actually emitting it once, the same way
// interceptor.redirectTemplate and trampoline.Build's own sizer do —
// every backend's JmpAbs is a fixed width regardless of the immediate,
// so this never needs arch-specific width constants duplicated here.
func redirectBranchSize(arch string) (int, error) {
	w, err := codewriter.New(arch)
	if err != nil {
		return 0, err
	}
	w.JmpAbs(0)
	code, err := w.Flush()
	if err != nil {
		return 0, err
	}
	return len(code), nil
}

type rawSliceHeader struct {
	Data uintptr
	Len  int
	Cap  int
}

// rawBytesAt views n bytes of this process's own memory starting at
// addr as a []byte — the same unsafe technique interceptor/rawmem.go
// uses, duplicated here since cmd/kestrel-inspect has no reason to
// import an internal package solely for this one helper.
func rawBytesAt(addr uintptr, n int) []byte {
	var b []byte
	sh := (*rawSliceHeader)(unsafe.Pointer(&b))
	sh.Data = addr
	sh.Len = n
	sh.Cap = n
	out := make([]byte, n)
	copy(out, b)
	return out
}
