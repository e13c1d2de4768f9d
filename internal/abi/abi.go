// Package abi describes the architecture- and ABI-specific facts the rest
// of the runtime needs: which registers exist, how many the runtime saves
// on a failing check, and the shape of a decoded memory operand. Nothing in
// this package touches machine code directly — internal/codegen and
// internal/inline do that, against the tables defined here.
package abi

// Arch identifies a target instruction set.
type Arch int

const (
	ArchUnknown Arch = iota
	ArchAMD64
	ArchARM64
)

func (a Arch) String() string {
	switch a {
	case ArchAMD64:
		return "amd64"
	case ArchARM64:
		return "arm64"
	default:
		return "unknown"
	}
}

// NamedRegister pairs a human-readable register name with its captured
// value, so an AsanError can be symbolicated without a side-table mapping
// slot index back to name. Mirrors ASAN_SAVE_REGISTER_NAMES from the
// original runtime, which is why three synthetic slots ("instrumented rip",
// "fault address", "actual rip") appear alongside real register names.
type NamedRegister struct {
	Name  string
	Value uint64
}

// AMD64SaveRegisterNames lists, in save order, the general-purpose
// registers plus the three synthetic slots the report blob appends: the
// stalked (instrumented) PC, the fault address, and the resolved guest PC.
var AMD64SaveRegisterNames = [...]string{
	"rax", "rbx", "rcx", "rdx", "rbp", "rsp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"instrumented rip", "fault address", "actual rip",
}

// ARM64SaveRegisterNames lists x0-x28, fp, lr, sp: 32 slots total. Unlike
// AMD64SaveRegisterNames, AArch64's save budget has no separate headroom
// for the three synthetic values (instrumented pc, fault address, actual
// pc) — callers that need them on this architecture carry them alongside
// the register slice rather than expecting extra named entries here.
var ARM64SaveRegisterNames = buildARM64Names()

func buildARM64Names() [32]string {
	var names [32]string
	for i := 0; i < 29; i++ {
		names[i] = "x" + itoa(i)
	}
	names[29] = "fp"
	names[30] = "lr"
	names[31] = "sp"
	return names
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [4]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// SaveRegisterCount is the number of slots AsanError.Registers carries for
// a given architecture, matching ASAN_SAVE_REGISTER_COUNT in the original
// runtime (19 for x86-64, 32 for AArch64).
func SaveRegisterCount(a Arch) int {
	switch a {
	case ArchAMD64:
		return len(AMD64SaveRegisterNames)
	case ArchARM64:
		return len(ARM64SaveRegisterNames)
	default:
		return 0
	}
}

// NameRegisters zips raw register values with their names for the given
// architecture. Extra or missing values are truncated/zero-padded rather
// than erroring — the caller controls how many it captured.
func NameRegisters(a Arch, values []uint64) []NamedRegister {
	var names []string
	switch a {
	case ArchAMD64:
		names = AMD64SaveRegisterNames[:]
	case ArchARM64:
		names = ARM64SaveRegisterNames[:]
	default:
		return nil
	}
	out := make([]NamedRegister, len(names))
	for i, n := range names {
		var v uint64
		if i < len(values) {
			v = values[i]
		}
		out[i] = NamedRegister{Name: n, Value: v}
	}
	return out
}

// ScratchRegister is the fixed register each ISA's check blobs use to hold
// the effective address under test: rdi on x86-64, x0 on AArch64(spec.md §4.C).
func ScratchRegister(a Arch) string {
	switch a {
	case ArchAMD64:
		return "rdi"
	case ArchARM64:
		return "x0"
	default:
		return ""
	}
}

// Operand is a decoded memory operand: base + (index << scale) + disp,
// with an optional AArch64 index-register shift style. Width is measured
// in bytes of the memory access, not of the register (spec.md §4.D).
type Operand struct {
	BaseReg    int  // register index, or -1 if no base
	IndexReg   int  // register index, or -1 if no index
	Scale      uint8
	Disp       int64
	Width      uint8
	IsLoad     bool
	IsStore    bool
	IsPCRel    bool // base or index is the instruction pointer
	ShiftStyle ShiftStyle
	ShiftAmt   uint8
}

// ShiftStyle names an AArch64 addressing-mode shift (LSL/LSR/ASR/ROR) used
// when an index register is scaled by something other than a plain left
// shift of the access width.
type ShiftStyle int

const (
	ShiftNone ShiftStyle = iota
	ShiftLSL
	ShiftLSR
	ShiftASR
	ShiftROR
)

// ThreadRange describes a registered thread's stack or TLS extent
// (spec.md §3 Thread record). Hi is exclusive.
type ThreadRange struct {
	Lo, Hi uintptr
}

// Contains reports whether addr falls in [Lo, Hi). A range with Lo == 0 is
// treated as unregistered and contains nothing.
func (r ThreadRange) Contains(addr uintptr) bool {
	return r.Lo != 0 && addr >= r.Lo && addr < r.Hi
}

// X86EncodingOrder lists the x86-64 GPRs in ModRM/SIB register-number
// order (0=rax, 1=rcx, ... 7=rdi, 8=r8 ... 15=r15), which is the indexing
// abi.Operand.BaseReg/IndexReg use on AMD64 (internal/codegen's regRAX
// etc. constants share this order). It is distinct from
// AMD64SaveRegisterNames, which is save-slot order, not encoding order.
var X86EncodingOrder = [...]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// GPRValue resolves a decoded operand's register index (ModRM/SIB order on
// AMD64, Xn index on ARM64) to its captured runtime value, by name-matching
// against the NamedRegister slice a check/report blob produced. Returns
// (0, false) for idx < 0 (no base/index register present) or an index this
// architecture doesn't have a name for.
func GPRValue(a Arch, regs []NamedRegister, idx int) (uint64, bool) {
	if idx < 0 {
		return 0, false
	}
	var name string
	switch a {
	case ArchAMD64:
		if idx >= len(X86EncodingOrder) {
			return 0, false
		}
		name = X86EncodingOrder[idx]
	case ArchARM64:
		if idx >= len(ARM64SaveRegisterNames) {
			return 0, false
		}
		name = ARM64SaveRegisterNames[idx]
	default:
		return 0, false
	}
	for _, r := range regs {
		if r.Name == name {
			return r.Value, true
		}
	}
	return 0, false
}

// SkipRange names an address range the inliner must not instrument,
// independently for reads and writes (SPEC_FULL.md §3, generalizing
// spec.md's dont_instrument config field from the original's SkipRange).
type SkipRange struct {
	Module     string
	Offset     uint64
	Size       uint64
	SkipReads  bool
	SkipWrites bool
}

// Covers reports whether offset (relative to Module's base) falls inside
// the range, honoring the read/write-specific suppression flags.
func (s SkipRange) Covers(offset uint64, isWrite bool) bool {
	if offset < s.Offset || offset >= s.Offset+s.Size {
		return false
	}
	if isWrite {
		return s.SkipWrites
	}
	return s.SkipReads
}
