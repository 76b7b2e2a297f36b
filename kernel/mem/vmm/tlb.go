package vmm

import "ferrite/kernel/cpu"

// flushTLBEntry, switchPDT, and activePDT delegate to the cpu package's
// architectural primitives. Kept as unexported package-local names (rather
// than calling cpu.FlushTLBEntry etc. directly at every call site) so the
// swappable *Fn variables below read the same as every other mockable call
// in this package.
func flushTLBEntry(virtAddr uintptr) { cpu.FlushTLBEntry(virtAddr) }

func switchPDT(pdtPhysAddr uintptr) { cpu.SwitchPDT(pdtPhysAddr) }

func activePDT() uintptr { return cpu.ActivePDT() }
