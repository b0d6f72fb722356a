package amm

// IterationHistory keeps a rolling window of solver iteration counts. The
// design target is a ~4.2 iteration average; drift above it is a regression
// signal for market conditioning, not a contract.
type IterationHistory struct {
	window  []int
	next    int
	filled  bool
	buckets [solverMaxIterations + 1]int64 // index = iterations, [0] unused
	total   int64
	runs    int64
	failed  int64
}

// DefaultHistoryWindow covers enough solves to smooth bursty markets.
const DefaultHistoryWindow = 1024

func NewIterationHistory(window int) *IterationHistory {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	return &IterationHistory{window: make([]int, window)}
}

// Record adds one solver run.
func (h *IterationHistory) Record(res Result) {
	h.runs++
	h.total += int64(res.Iterations)
	if !res.Converged {
		h.failed++
	}
	if res.Iterations >= 1 && res.Iterations <= solverMaxIterations {
		h.buckets[res.Iterations]++
	}

	h.window[h.next] = res.Iterations
	h.next++
	if h.next == len(h.window) {
		h.next = 0
		h.filled = true
	}
}

// MeanTimes10 returns the all-time mean iteration count scaled by 10
// (42 = the 4.2 design target).
func (h *IterationHistory) MeanTimes10() int64 {
	if h.runs == 0 {
		return 0
	}
	return h.total * 10 / h.runs
}

// WindowMeanTimes10 returns the rolling-window mean iteration count
// scaled by 10.
func (h *IterationHistory) WindowMeanTimes10() int64 {
	count := h.next
	if h.filled {
		count = len(h.window)
	}
	if count == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < count; i++ {
		sum += int64(h.window[i])
	}
	return sum * 10 / int64(count)
}

// Buckets returns the all-time histogram indexed by iteration count.
func (h *IterationHistory) Buckets() []int64 {
	out := make([]int64, len(h.buckets))
	copy(out, h.buckets[:])
	return out
}

// Runs returns total and failed solver runs.
func (h *IterationHistory) Runs() (total, failed int64) {
	return h.runs, h.failed
}
