package notify

// Notifier receives end-of-pass signals. Ambiguous and unmatched movements
// are aggregated into a single count per pass rather than reported one by one.
type Notifier interface {
	// UnmatchedMovements reports how many movements a pass left without a
	// confirmed match. Zero counts are not reported.
	UnmatchedMovements(count int)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) UnmatchedMovements(int) {}

var _ Notifier = NopNotifier{}

// CollectingNotifier records counts in memory, for tests and the simulator.
type CollectingNotifier struct {
	Counts []int
}

func (n *CollectingNotifier) UnmatchedMovements(count int) {
	n.Counts = append(n.Counts, count)
}

var _ Notifier = (*CollectingNotifier)(nil)
