package asanrt

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"github.com/gofrida/asanrt/internal/abi"
)

// CurrentStackRange implements the "scanning a memory-area enumerator for
// the region containing a local stack variable's address" half of spec.md
// §4.G register_thread(): it walks /proc/self/maps and returns the bounds
// of whichever mapping contains the address of a variable local to this
// call.
func CurrentStackRange() (abi.ThreadRange, bool) {
	var local int
	addr := uintptr(unsafe.Pointer(&local))

	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return abi.ThreadRange{}, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			continue
		}
		lo, err1 := strconv.ParseUint(bounds[0], 16, 64)
		hi, err2 := strconv.ParseUint(bounds[1], 16, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		if addr >= uintptr(lo) && addr < uintptr(hi) {
			return abi.ThreadRange{Lo: uintptr(lo), Hi: uintptr(hi)}, true
		}
	}
	return abi.ThreadRange{}, false
}

// CurrentTLSRange is the "TLS pointer helper" spec.md §4.G names. Go's
// runtime does not expose a per-goroutine TLS base the way a native
// pthread TLS block would have one, so this always reports not-found; a
// stalker targeting a non-Go native thread would substitute its own
// platform TLS lookup (e.g. rdfsbase/TPIDR_EL0) here.
func CurrentTLSRange() (abi.ThreadRange, bool) {
	return abi.ThreadRange{}, false
}

// RegisterCurrentThread locates and registers the calling goroutine's
// stack (and, where available, TLS) range.
func (r *Runtime) RegisterCurrentThread() {
	stack, stackOK := CurrentStackRange()
	tls, tlsOK := CurrentTLSRange()
	if !stackOK {
		stack = abi.ThreadRange{}
	}
	if !tlsOK {
		tls = abi.ThreadRange{}
	}
	r.RegisterThread(stack, tls)
}
