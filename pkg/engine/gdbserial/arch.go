package gdbserial

import (
	"fmt"
	"strings"
)

// archInfo describes the registers of an architecture as seen by the
// unwinder and by DWARF location expressions.
type archInfo struct {
	name   string
	triple string
	// dwarfRegs maps DWARF register numbers to stub register names.
	dwarfRegs map[int]string
	pc, sp    string
	fp        string
	// lr is the link register holding the return address on entry, if
	// the architecture has one.
	lr string
	// ret is the register holding integer return values.
	ret string
	// breakpointKind is the kind argument of Z0 packets.
	breakpointKind int
}

var amd64Arch = &archInfo{
	name:   "amd64",
	triple: "x86_64-unknown-linux-gnu",
	dwarfRegs: map[int]string{
		0: "rax", 1: "rdx", 2: "rcx", 3: "rbx", 4: "rsi", 5: "rdi", 6: "rbp", 7: "rsp",
		8: "r8", 9: "r9", 10: "r10", 11: "r11", 12: "r12", 13: "r13", 14: "r14", 15: "r15",
		16: "rip",
	},
	pc:             "rip",
	sp:             "rsp",
	fp:             "rbp",
	ret:            "rax",
	breakpointKind: 1,
}

var arm64Arch = func() *archInfo {
	a := &archInfo{
		name:           "arm64",
		triple:         "aarch64-unknown-linux-gnu",
		dwarfRegs:      map[int]string{31: "sp", 32: "pc"},
		pc:             "pc",
		sp:             "sp",
		fp:             "x29",
		lr:             "x30",
		ret:            "x0",
		breakpointKind: 4,
	}
	for i := 0; i <= 30; i++ {
		a.dwarfRegs[i] = fmt.Sprintf("x%d", i)
	}
	return a
}()

// archForRegisters guesses the architecture from the register names
// reported by the stub.
func archForRegisters(regs []registerInfo) (*archInfo, error) {
	for _, ri := range regs {
		switch strings.ToLower(ri.Name) {
		case "rip":
			return amd64Arch, nil
		case "x29", "x30":
			return arm64Arch, nil
		}
	}
	return nil, fmt.Errorf("unsupported architecture: no known program counter among %d registers", len(regs))
}

// archForMachine returns the architecture of an ELF machine name, as
// printed by debug/elf.
func archForMachine(machine string) *archInfo {
	switch machine {
	case "EM_AARCH64":
		return arm64Arch
	}
	return amd64Arch
}

// regName returns the stub name of a register, accepting the aliases
// users type.
func (a *archInfo) regName(name string) string {
	name = strings.ToLower(name)
	switch name {
	case "pc":
		return a.pc
	case "sp":
		return a.sp
	case "fp":
		return a.fp
	case "lr":
		if a.lr != "" {
			return a.lr
		}
	}
	return name
}
