package reconcile

// DefaultStep is the checkpoint advance per pass, in blocks.
const DefaultStep uint64 = 500

// Window is the inclusive block range scanned by one pass.
type Window struct {
	FromBlock uint64
	ToBlock   uint64
}

// PlanWindow computes the next scan window from the checkpoint block and the
// chain head. The window reaches back up to one step behind the already-synced
// range on purpose: log providers can under-report very recent blocks, and the
// replay filter makes the overlap harmless. ToBlock never exceeds the head.
func PlanWindow(checkpoint, head, step uint64) Window {
	if step == 0 {
		step = DefaultStep
	}
	to := checkpoint + step
	if to > head {
		to = head
	}
	var from uint64
	if to > 2*step {
		from = to - 2*step
	}
	return Window{FromBlock: from, ToBlock: to}
}
