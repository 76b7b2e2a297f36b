package irq

// ExceptionNum identifies an interrupt vector, 0-255: the 32 architectural
// exception vectors as well as timer, IPI and other device vectors.
type ExceptionNum uint8

// Exception vectors consumed by kernel/mem/fault, vmm, and the bring-up
// sequence. Vectors without a named constant are still dispatchable by
// numeric value.
const (
	DivideByZeroException        ExceptionNum = 0
	DebugException               ExceptionNum = 1
	NMIException                 ExceptionNum = 2
	BreakpointException          ExceptionNum = 3
	OverflowException            ExceptionNum = 4
	BoundRangeException          ExceptionNum = 5
	InvalidOpcodeException       ExceptionNum = 6
	DeviceNotAvailableException  ExceptionNum = 7
	DoubleFaultException         ExceptionNum = 8
	GPFException                 ExceptionNum = 13
	PageFaultException           ExceptionNum = 14
)

// ExceptionHandler handles an exception that does not push an error code.
type ExceptionHandler func(frame *Frame, regs *Regs)

// ExceptionHandlerWithCode handles an exception that pushes an error code
// (page fault, general protection fault, double fault, and a handful of
// others).
type ExceptionHandlerWithCode func(errorCode uint64, frame *Frame, regs *Regs)

var (
	handlers         [256]ExceptionHandler
	handlersWithCode [256]ExceptionHandlerWithCode
)

// HandleException registers handler for vector num, overriding whatever was
// previously installed.
func HandleException(num ExceptionNum, handler ExceptionHandler) {
	handlers[num] = handler
}

// HandleExceptionWithCode registers handler for vector num, overriding
// whatever was previously installed.
func HandleExceptionWithCode(num ExceptionNum, handler ExceptionHandlerWithCode) {
	handlersWithCode[num] = handler
}

// Dispatch is called by the assembly ISR trampoline for vectors that don't
// carry an error code.
func Dispatch(num uint8, frame *Frame, regs *Regs) {
	if h := handlers[num]; h != nil {
		h(frame, regs)
	}
}

// DispatchWithCode is called by the assembly ISR trampoline for vectors
// that push an error code ahead of the frame.
func DispatchWithCode(num uint8, errorCode uint64, frame *Frame, regs *Regs) {
	if h := handlersWithCode[num]; h != nil {
		h(errorCode, frame, regs)
	}
}
