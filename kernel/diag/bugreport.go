//go:build verbosebugcheck

package diag

import (
	"gopkg.in/yaml.v3"

	"ferrite/kernel/kfmt/early"
)

func init() {
	verboseReportFn = Render
}

// reportDoc is Record's YAML-serializable shape; Parameters is expanded to
// named fields since a bare [4]uintptr marshals as an opaque flow sequence.
type reportDoc struct {
	StopCode   string  `yaml:"stop_code"`
	Parameter1 uintptr `yaml:"parameter1"`
	Parameter2 uintptr `yaml:"parameter2"`
	Parameter3 uintptr `yaml:"parameter3"`
	Parameter4 uintptr `yaml:"parameter4"`
	IRQL       uint32  `yaml:"irql"`
	CPU        uint32  `yaml:"cpu"`
	ThreadID   uint64  `yaml:"thread_id"`
	FaultRIP   uintptr `yaml:"fault_rip,omitempty"`
	FaultText  string  `yaml:"fault_instruction,omitempty"`
}

// Render serializes rec to YAML and writes it to the boot console. Only
// built with the verbosebugcheck tag: the plain-text report BugCheckEx
// always prints is the default, since a bugcheck can't assume an
// allocator is available to build the strings yaml.Marshal needs, and a
// structured dump is only worth the risk when explicitly asked for.
func Render(rec Record) {
	doc := reportDoc{
		StopCode:   rec.Code.String(),
		Parameter1: rec.Parameters[0],
		Parameter2: rec.Parameters[1],
		Parameter3: rec.Parameters[2],
		Parameter4: rec.Parameters[3],
		IRQL:       uint32(rec.IRQL),
		CPU:        uint32(rec.CPU),
		ThreadID:   rec.ThreadID,
		FaultRIP:   rec.FaultRIP,
	}
	if rec.FaultRIP != 0 {
		if text, ok := DisassembleAt(rec.FaultRIP); ok {
			doc.FaultText = text
		}
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		early.Printf("bugreport: failed to render: %s\n", err.Error())
		return
	}
	early.Printf("--- bugcheck report ---\n%s\n", string(out))
}
