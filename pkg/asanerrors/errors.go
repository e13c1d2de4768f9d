// Package asanerrors defines the structured error taxonomy produced by the
// fault handler and the hook table (spec.md §3 Error record, §7 Error
// handling design). It intentionally does not format, print, or persist
// anything — per spec.md §1 that is out of scope; callers symbolicate and
// render these records themselves.
package asanerrors

import (
	"fmt"

	"github.com/gofrida/asanrt/internal/abi"
)

// Kind enumerates the error variants named in spec.md §3 and §7.
type Kind int

const (
	KindUnknown Kind = iota
	KindOobRead
	KindOobWrite
	KindReadAfterFree
	KindWriteAfterFree
	KindDoubleFree
	KindUnallocatedFree
	KindStackOobRead
	KindStackOobWrite
	KindBadFuncArg
	KindLeak
)

func (k Kind) String() string {
	switch k {
	case KindOobRead:
		return "HeapOobRead"
	case KindOobWrite:
		return "HeapOobWrite"
	case KindReadAfterFree:
		return "UseAfterFreeRead"
	case KindWriteAfterFree:
		return "UseAfterFreeWrite"
	case KindDoubleFree:
		return "DoubleFree"
	case KindUnallocatedFree:
		return "UnallocatedFree"
	case KindStackOobRead:
		return "StackOobRead"
	case KindStackOobWrite:
		return "StackOobWrite"
	case KindBadFuncArg:
		return "BadFunctionArgument"
	case KindLeak:
		return "MemoryLeak"
	default:
		return "Unknown"
	}
}

// AccessDescriptor is the (base_reg, index_reg, displacement, fault_address)
// tuple spec.md §3/§6 requires on every error record.
type AccessDescriptor struct {
	BaseReg      int
	IndexReg     int
	Displacement int64
	FaultAddress uintptr
}

// ChunkMetadata is the subset of allocator chunk state an error carries,
// decoupled from the internal/alloc.Chunk type so pkg/asanerrors has no
// import-cycle dependency on the allocator.
type ChunkMetadata struct {
	UserPtr        uintptr
	UserSize       uint64
	Freed          bool
	AllocBacktrace []uintptr
	FreeBacktrace  []uintptr
}

// AsanError is the self-contained, symbolicate-offline record spec.md §3
// and §7 require: every variant carries the same envelope (registers, PC,
// access descriptor, backtrace), with FuncName and Chunk populated only
// where relevant.
type AsanError struct {
	Kind       Kind
	PC         uintptr
	Registers  []abi.NamedRegister
	Access     AccessDescriptor
	Backtrace  []uintptr
	Chunk      *ChunkMetadata // set for Oob*, UseAfterFree*, Leak; DoubleFree only when its builder is given one
	FuncName   string         // set for BadFuncArg
}

func (e *AsanError) Error() string {
	switch e.Kind {
	case KindBadFuncArg:
		return fmt.Sprintf("%s: bad argument to %s at 0x%x", e.Kind, e.FuncName, e.Access.FaultAddress)
	case KindLeak:
		if e.Chunk != nil {
			return fmt.Sprintf("%s: %d bytes leaked at 0x%x", e.Kind, e.Chunk.UserSize, e.Chunk.UserPtr)
		}
		return e.Kind.String()
	default:
		return fmt.Sprintf("%s at pc=0x%x fault_addr=0x%x", e.Kind, e.PC, e.Access.FaultAddress)
	}
}

// DedupKey identifies reports that should be coalesced by the collector
// (SPEC_FULL.md §3, suppressed_addresses in the original runtime). Leak and
// Unknown errors have no stable per-occurrence key, so every one of those
// is reported individually.
func (e *AsanError) DedupKey() (key [3]uint64, dedupable bool) {
	switch e.Kind {
	case KindLeak, KindUnknown:
		return key, false
	default:
		return [3]uint64{uint64(e.Kind), uint64(e.PC), uint64(e.Access.FaultAddress)}, true
	}
}

// NewOob builds an Oob{Read,Write} error from classification results.
func NewOob(isWrite bool, pc uintptr, regs []abi.NamedRegister, access AccessDescriptor, bt []uintptr, chunk *ChunkMetadata) *AsanError {
	k := KindOobRead
	if isWrite {
		k = KindOobWrite
	}
	return &AsanError{Kind: k, PC: pc, Registers: regs, Access: access, Backtrace: bt, Chunk: chunk}
}

// NewUseAfterFree builds a ReadAfterFree/WriteAfterFree error.
func NewUseAfterFree(isWrite bool, pc uintptr, regs []abi.NamedRegister, access AccessDescriptor, bt []uintptr, chunk *ChunkMetadata) *AsanError {
	k := KindReadAfterFree
	if isWrite {
		k = KindWriteAfterFree
	}
	return &AsanError{Kind: k, PC: pc, Registers: regs, Access: access, Backtrace: bt, Chunk: chunk}
}

// NewStackOob builds a StackOob{Read,Write} error.
func NewStackOob(isWrite bool, pc uintptr, regs []abi.NamedRegister, access AccessDescriptor, bt []uintptr) *AsanError {
	k := KindStackOobRead
	if isWrite {
		k = KindStackOobWrite
	}
	return &AsanError{Kind: k, PC: pc, Registers: regs, Access: access, Backtrace: bt}
}

// NewDoubleFree, NewUnallocatedFree, NewBadFuncArg, and NewLeak build the
// remaining variants; each takes only the fields that variant can carry.

func NewDoubleFree(pc uintptr, regs []abi.NamedRegister, access AccessDescriptor, bt []uintptr, chunk *ChunkMetadata) *AsanError {
	return &AsanError{Kind: KindDoubleFree, PC: pc, Registers: regs, Access: access, Backtrace: bt, Chunk: chunk}
}

func NewUnallocatedFree(pc uintptr, access AccessDescriptor, bt []uintptr) *AsanError {
	return &AsanError{Kind: KindUnallocatedFree, PC: pc, Access: access, Backtrace: bt}
}

func NewBadFuncArg(funcName string, access AccessDescriptor, bt []uintptr) *AsanError {
	return &AsanError{Kind: KindBadFuncArg, FuncName: funcName, Access: access, Backtrace: bt}
}

func NewLeak(chunk ChunkMetadata) *AsanError {
	return &AsanError{Kind: KindLeak, Chunk: &chunk}
}

func NewUnknown(pc uintptr, regs []abi.NamedRegister, access AccessDescriptor, bt []uintptr) *AsanError {
	return &AsanError{Kind: KindUnknown, PC: pc, Registers: regs, Access: access, Backtrace: bt}
}
