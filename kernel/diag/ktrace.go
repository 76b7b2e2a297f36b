package diag

import (
	"bytes"

	"github.com/google/pprof/profile"

	"ferrite/kernel/cpu"
	"ferrite/kernel/sched"
	"ferrite/kernel/spinlock"
)

// ktraceMaxSamples bounds the in-memory sample ring so a long-uptime
// system doesn't grow this unbounded; once full, RecordSample overwrites
// the oldest entry (a ring buffer, not a queue).
const ktraceMaxSamples = 4096

type ktraceSample struct {
	cpu      cpu.ID
	threadID uint64
	ticks    uint32
}

var (
	ktraceLock    spinlock.Spinlock
	ktraceSamples [ktraceMaxSamples]ktraceSample
	ktraceNext    int
	ktraceFilled  int
)

// Init wires the scheduler's per-tick timing hook to RecordSample, giving
// the time-slice accounting a real consumer of its per-tick data (spec
// §4.8's preemption trigger otherwise has no observer besides Schedule
// itself).
func Init() {
	sched.TickSampleFn = func(id cpu.ID, t *sched.Thread, consumed uint32) {
		RecordSample(id, t.ID, consumed)
	}
}

// RecordSample appends one scheduling sample: threadID ran on the given
// CPU for consumed time-slice ticks so far this quantum.
func RecordSample(cpuID cpu.ID, threadID uint64, consumed uint32) {
	oldIRQL := ktraceLock.Acquire()
	ktraceSamples[ktraceNext] = ktraceSample{cpu: cpuID, threadID: threadID, ticks: consumed}
	ktraceNext = (ktraceNext + 1) % ktraceMaxSamples
	if ktraceFilled < ktraceMaxSamples {
		ktraceFilled++
	}
	ktraceLock.Release(oldIRQL)
}

// Snapshot renders the current sample ring as a gzip-compressed
// pprof-format profile (github.com/google/pprof/profile), one Location
// per CPU and one Function per thread ID, so it can be drained through
// the debug port and opened with any standard pprof viewer.
func Snapshot() ([]byte, error) {
	oldIRQL := ktraceLock.Acquire()
	samples := make([]ktraceSample, ktraceFilled)
	for i := 0; i < ktraceFilled; i++ {
		idx := (ktraceNext - ktraceFilled + i + ktraceMaxSamples) % ktraceMaxSamples
		samples[i] = ktraceSamples[idx]
	}
	ktraceLock.Release(oldIRQL)

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "ticks", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "tick", Unit: "count"},
		Period:     1,
	}

	functions := map[uint64]*profile.Function{}
	locations := map[cpu.ID]*profile.Location{}
	var nextID uint64 = 1

	for _, s := range samples {
		fn, ok := functions[s.threadID]
		if !ok {
			fn = &profile.Function{ID: nextID, Name: threadFuncName(s.threadID)}
			nextID++
			functions[s.threadID] = fn
			p.Function = append(p.Function, fn)
		}

		loc, ok := locations[s.cpu]
		if !ok {
			loc = &profile.Location{ID: nextID, Address: uint64(s.cpu)}
			nextID++
			locations[s.cpu] = loc
			p.Location = append(p.Location, loc)
		}
		loc.Line = append(loc.Line, profile.Line{Function: fn})

		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(s.ticks)},
		})
	}

	var buf bytes.Buffer
	if err := p.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func threadFuncName(id uint64) string {
	if id == ^uint64(0) {
		return "idle"
	}
	return "thread-" + itoa(id)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
