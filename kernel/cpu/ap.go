package cpu

// ap.go implements the INIT-SIPI-SIPI application-processor startup
// sequence (spec-supplemented, grounded on original_source's
// core/mh/smp.c send_startup_ipis and prepare_percpu). It assumes the
// boot pipeline has already placed real-mode trampoline code at
// trampolinePhys before BringUpAP is called — building and relocating
// that trampoline itself is a boot-loader/linker concern belonging
// outside this package, the same way the original kernel links it from a
// separately assembled binary rather than emitting it from C.

// apBootDelayFn busy-waits for roughly the LAPIC's required inter-IPI
// settle time. Swapped out by tests; production has no calibrated PIT or
// HPET delay source at this layer, so it approximates the original's
// pit_sleep_ms with a bounded Pause spin.
var apBootDelayFn = func() {
	for i := 0; i < 1_000_000; i++ {
		Pause()
	}
}

// apOnlineWaitFn is polled once per spin iteration while BringUpAP waits
// for the target to mark itself online; swapped out by tests so the wait
// can be driven without a real second logical CPU.
var apOnlineWaitFn = func(id ID) bool { return Get(id).Online() }

// apOnlineTimeoutIters bounds how many times BringUpAP polls Online()
// before giving up, so a dead or absent CPU doesn't wedge bring-up
// forever.
const apOnlineTimeoutIters = 2_000_000

var sendInitIPIFn = SendInitIPI
var sendStartupIPIFn = SendStartupIPI

// BringUpAP starts the application processor identified by targetAPICID,
// whose logical index is id, by sending it the INIT-SIPI-SIPI sequence
// through the LAPIC at lapicVirt: an INIT-assert, a settle delay, then two
// Startup IPIs encoding trampolinePage (trampolinePhys >> 12) as the
// vector, each followed by its own settle delay. It then polls the
// target's Block.Online() flag until the AP's own bring-up code marks it
// online, or returns false on timeout.
//
// The target Block must already exist (via InitBlocks) with its LAPICID
// field populated from ACPI/MADT enumeration.
func BringUpAP(id ID, targetAPICID uint32, lapicVirt uintptr, trampolinePhys uintptr) bool {
	trampolinePage := uint8(trampolinePhys >> 12)

	sendInitIPIFn(lapicVirt, targetAPICID)
	apBootDelayFn()

	sendStartupIPIFn(lapicVirt, targetAPICID, trampolinePage)
	apBootDelayFn()
	sendStartupIPIFn(lapicVirt, targetAPICID, trampolinePage)
	apBootDelayFn()

	for i := 0; i < apOnlineTimeoutIters; i++ {
		if apOnlineWaitFn(id) {
			return true
		}
		Pause()
	}
	return false
}
