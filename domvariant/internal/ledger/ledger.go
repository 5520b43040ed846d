// Package ledger keeps the in-memory bookkeeping of which changes are
// applied, which wait for their target element, and which elements the
// mutation engine created. It has no DOM side effects of its own apart from
// detaching created elements when they are forgotten.
package ledger

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/abdom/domvariant/changes"
)

// Applied is a change currently in effect.
type Applied struct {
	Experiment string
	Change     changes.Change
	Elements   []*html.Node
	AppliedAt  time.Time
	seq        uint64
}

// Pending is a change whose target does not exist yet. Retries counts the
// lookups made after mutation batches that inserted an element or changed an
// attribute under the watched root.
type Pending struct {
	Experiment string
	Change     changes.Change
	Retries    int
	Since      time.Time
}

// Detacher removes a node from its document.
type Detacher interface {
	Remove(n *html.Node)
}

// Ledger is safe for concurrent use; every operation is total.
type Ledger struct {
	mu      sync.Mutex
	detach  Detacher
	applied map[string][]*Applied
	pending map[string][]*Pending
	created map[string]*html.Node
	now     func() time.Time
	seq     uint64
}

// New creates an empty Ledger. detach is used to remove created elements
// from the document; nil detaches them directly from their parent.
func New(detach Detacher) *Ledger {
	return &Ledger{
		detach:  detach,
		applied: make(map[string][]*Applied),
		pending: make(map[string][]*Pending),
		created: make(map[string]*html.Node),
		now:     time.Now,
	}
}

// RecordApplied stores an applied change.
func (l *Ledger) RecordApplied(experiment string, ch changes.Change, elements []*html.Node) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	l.applied[experiment] = append(l.applied[experiment], &Applied{
		Experiment: experiment,
		Change:     ch,
		Elements:   append([]*html.Node(nil), elements...),
		AppliedAt:  l.now(),
		seq:        l.seq,
	})
}

// RecordPending stores a change waiting for its element. Recording the same
// (selector, kind) twice keeps a single entry.
func (l *Ledger) RecordPending(experiment string, ch changes.Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.pending[experiment] {
		if sameChange(p.Change, ch) {
			return
		}
	}
	l.pending[experiment] = append(l.pending[experiment], &Pending{
		Experiment: experiment,
		Change:     ch,
		Since:      l.now(),
	})
}

// IncrementPendingRetry bumps the retry counter and returns the new value
// (0 when the change is not pending).
func (l *Ledger) IncrementPendingRetry(experiment string, ch changes.Change) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.pending[experiment] {
		if sameChange(p.Change, ch) {
			p.Retries++
			return p.Retries
		}
	}
	return 0
}

// RemovePending drops a pending change once it applied.
func (l *Ledger) RemovePending(experiment string, ch changes.Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.pending[experiment]
	for i, p := range list {
		if sameChange(p.Change, ch) {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(l.pending, experiment)
		return
	}
	l.pending[experiment] = list
}

// RemoveAllPending drops every pending change of experiment.
func (l *Ledger) RemoveAllPending(experiment string) []Pending {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.pending[experiment]
	delete(l.pending, experiment)
	out := make([]Pending, len(list))
	for i, p := range list {
		out[i] = *p
	}
	return out
}

// RemoveApplied removes every applied record of experiment and returns them.
func (l *Ledger) RemoveApplied(experiment string) []Applied {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.applied[experiment]
	delete(l.applied, experiment)
	out := make([]Applied, len(list))
	for i, a := range list {
		out[i] = *a
	}
	return out
}

// RemoveAppliedChange removes the records of one (selector, kind) pair of
// experiment. The experiment key is dropped when nothing remains.
func (l *Ledger) RemoveAppliedChange(experiment, selector string, kind changes.Kind) []Applied {
	l.mu.Lock()
	defer l.mu.Unlock()
	var removed []Applied
	kept := l.applied[experiment][:0:0]
	for _, a := range l.applied[experiment] {
		if a.Change.Selector == selector && a.Change.Kind == kind {
			removed = append(removed, *a)
			continue
		}
		kept = append(kept, a)
	}
	if len(kept) == 0 {
		delete(l.applied, experiment)
	} else {
		l.applied[experiment] = kept
	}
	return removed
}

// Applied returns a copy of the applied records of experiment, oldest first.
func (l *Ledger) Applied(experiment string) []Applied {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.applied[experiment]
	out := make([]Applied, len(list))
	for i, a := range list {
		out[i] = *a
	}
	return out
}

// PendingFor returns a copy of the pending records of experiment.
func (l *Ledger) PendingFor(experiment string) []Pending {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.pending[experiment]
	out := make([]Pending, len(list))
	for i, p := range list {
		out[i] = *p
	}
	return out
}

// HasChanges reports whether experiment has at least one applied record.
func (l *Ledger) HasChanges(experiment string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.applied[experiment]) > 0
}

// Experiments lists experiments with applied records.
func (l *Ledger) Experiments() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.applied))
	for name := range l.applied {
		out = append(out, name)
	}
	return out
}

// AppliedTo returns the applied records of every experiment using the
// (selector, kind) pair, oldest first.
func (l *Ledger) AppliedTo(selector string, kind changes.Kind) []Applied {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Applied
	for _, list := range l.applied {
		for _, a := range list {
			if a.Change.Selector == selector && a.Change.Kind == kind {
				out = append(out, *a)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// RecordCreatedElement remembers an element created by the engine.
func (l *Ledger) RecordCreatedElement(id string, n *html.Node) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.created[id] = n
}

// CreatedElement returns the element registered under id.
func (l *Ledger) CreatedElement(id string) (*html.Node, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.created[id]
	return n, ok
}

// RemoveCreatedElement forgets id and detaches its element if still attached.
func (l *Ledger) RemoveCreatedElement(id string) {
	l.mu.Lock()
	n, ok := l.created[id]
	delete(l.created, id)
	l.mu.Unlock()
	if ok {
		l.remove(n)
	}
}

// Clear wipes all state and detaches every created element.
func (l *Ledger) Clear() {
	l.mu.Lock()
	created := l.created
	l.applied = make(map[string][]*Applied)
	l.pending = make(map[string][]*Pending)
	l.created = make(map[string]*html.Node)
	l.mu.Unlock()

	for _, n := range created {
		l.remove(n)
	}
}

func (l *Ledger) remove(n *html.Node) {
	if n == nil || n.Parent == nil {
		return
	}
	if l.detach != nil {
		l.detach.Remove(n)
		return
	}
	n.Parent.RemoveChild(n)
}

func sameChange(a, b changes.Change) bool {
	return a.Selector == b.Selector && a.Kind == b.Kind && a.Value == b.Value &&
		a.TargetSelector == b.TargetSelector && a.Element == b.Element
}
