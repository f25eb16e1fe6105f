package baseline

import (
	"sort"

	"github.com/ocdev21/l1sentry/internal/models"
)

// Checkpoint is a point-in-time copy of every baseline window, suitable for
// persistence across process restarts. Persistence is optional; a tracker
// started without a restore simply re-warms from live traffic.
type Checkpoint struct {
	Windows []WindowState `json:"windows"`
}

// WindowState holds one window's retained samples in insertion order.
type WindowState struct {
	Category models.Category `json:"category"`
	Signal   string          `json:"signal"`
	Values   []float64       `json:"values"`
}

// Snapshot captures all windows. Output ordering is deterministic.
func (t *Tracker) Snapshot() Checkpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cp := Checkpoint{Windows: make([]WindowState, 0, len(t.windows))}
	for k, w := range t.windows {
		cp.Windows = append(cp.Windows, WindowState{
			Category: k.Category,
			Signal:   k.Signal,
			Values:   w.values(),
		})
	}
	sort.Slice(cp.Windows, func(i, j int) bool {
		a, b := cp.Windows[i], cp.Windows[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return a.Signal < b.Signal
	})
	return cp
}

// Restore replaces all windows with the checkpoint contents. Samples are
// replayed in order so running statistics match a live-built window exactly.
func (t *Tracker) Restore(cp Checkpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.windows = make(map[key]*window, len(cp.Windows))
	for _, ws := range cp.Windows {
		w := newWindow(t.cfg.WindowCapacity)
		for _, v := range ws.Values {
			w.add(v)
		}
		t.windows[key{ws.Category, ws.Signal}] = w
	}
}
