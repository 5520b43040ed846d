package dom

import (
	"golang.org/x/net/html"
)

// Op is the type of DOM mutation observed.
type Op string

const (
	OpInsert  Op = "insert"   // child node inserted under Target
	OpRemove  Op = "remove"   // child node removed from Target
	OpText    Op = "text"     // character data of Target changed
	OpAttr    Op = "attr"     // attribute Name of Target set
	OpAttrDel Op = "attr_del" // attribute Name of Target removed
)

// Record is a single DOM mutation. For insert/remove, Target is the parent
// and Node the inserted or removed child.
type Record struct {
	Op       Op
	Target   *html.Node
	Node     *html.Node
	Name     string
	Value    string
	OldValue string
}

// ChildList reports whether the record is a structural change.
func (r Record) ChildList() bool {
	return r.Op == OpInsert || r.Op == OpRemove
}

// ObserveOptions selects which records a MutationObserver receives.
type ObserveOptions struct {
	ChildList     bool
	Attributes    bool
	CharacterData bool
	Subtree       bool
	// AttributeFilter restricts attribute records to these names. Empty = all.
	AttributeFilter []string
}

// MutationCallback receives the records queued since the last delivery.
type MutationCallback func(records []Record, obs *MutationObserver)

// MutationObserver buffers records for the nodes it observes and delivers
// them asynchronously on the document's Loop, one batch per loop turn.
type MutationObserver struct {
	doc          *Document
	cb           MutationCallback
	targets      []observedTarget
	queue        []Record
	scheduled    bool
	disconnected bool
}

type observedTarget struct {
	node *html.Node
	opts ObserveOptions
}

// NewMutationObserver creates an observer bound to d. It observes nothing
// until Observe is called.
func (d *Document) NewMutationObserver(cb MutationCallback) *MutationObserver {
	return &MutationObserver{doc: d, cb: cb}
}

// Observe starts (or re-configures) observation of target.
func (o *MutationObserver) Observe(target *html.Node, opts ObserveOptions) {
	if target == nil {
		return
	}
	for i := range o.targets {
		if o.targets[i].node == target {
			o.targets[i].opts = opts
			return
		}
	}
	o.targets = append(o.targets, observedTarget{node: target, opts: opts})
	if o.disconnected || !o.doc.hasObserver(o) {
		o.disconnected = false
		o.doc.addObserver(o)
	}
}

// Disconnect stops observation and drops undelivered records.
func (o *MutationObserver) Disconnect() {
	o.disconnected = true
	o.targets = nil
	o.queue = nil
	o.doc.removeObserver(o)
}

// TakeRecords returns and clears the undelivered records.
func (o *MutationObserver) TakeRecords() []Record {
	recs := o.queue
	o.queue = nil
	return recs
}

func (o *MutationObserver) enqueue(rec Record) {
	if o.disconnected || !o.interested(rec) {
		return
	}
	o.queue = append(o.queue, rec)
	if o.scheduled {
		return
	}
	o.scheduled = true
	o.doc.loop.Post(o.deliver)
}

func (o *MutationObserver) deliver() {
	o.scheduled = false
	if o.disconnected || len(o.queue) == 0 {
		return
	}
	recs := o.TakeRecords()
	o.cb(recs, o)
}

func (o *MutationObserver) interested(rec Record) bool {
	for _, t := range o.targets {
		if !t.opts.accepts(rec) {
			continue
		}
		if rec.Target == t.node {
			return true
		}
		if t.opts.Subtree && isAncestor(t.node, rec.Target) {
			return true
		}
	}
	return false
}

func (opts ObserveOptions) accepts(rec Record) bool {
	switch rec.Op {
	case OpInsert, OpRemove:
		return opts.ChildList
	case OpText:
		return opts.CharacterData
	case OpAttr, OpAttrDel:
		if !opts.Attributes {
			return false
		}
		if len(opts.AttributeFilter) == 0 {
			return true
		}
		for _, name := range opts.AttributeFilter {
			if name == rec.Name {
				return true
			}
		}
		return false
	}
	return false
}

// isAncestor reports whether a is a strict ancestor of n.
func isAncestor(a, n *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p == a {
			return true
		}
	}
	return false
}
