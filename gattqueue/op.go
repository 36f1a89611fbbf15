package gattqueue

import "blelink/transport"

// Priority is the scheduler's two-tier ordering tag, distinguishing
// user/system writes from bulk streaming writes.
type Priority int

const (
	Low Priority = iota
	High
)

// Verb selects which transport.Adapter call an Op drives.
type Verb int

const (
	VerbRead Verb = iota
	VerbWrite
	VerbWriteCommand
	VerbReadDescriptor
	VerbWriteDescriptor
	VerbRequestMTU
)

// Op is a single queued GATT operation. The Scheduler issues its
// transport call exactly once, on whichever goroutine is driving
// dispatch at the time; OnExecute, when set, runs synchronously just
// before that transport call - streaming layers use it to update counters and emit progress
// events at the moment a chunk is actually handed to the radio, not when
// it is merely enqueued.
type Op struct {
	Verb           Verb
	Characteristic transport.Characteristic
	Descriptor     uint16
	Payload        []byte
	WantMTU        int
	Priority       Priority

	OnExecute func()

	// OnError is invoked with the transport error if the operation fails.
	// It lets the owning layer (CodeLess pending command, a DSPS stream)
	// react without the scheduler knowing what kind of op this was.
	OnError func(error)

	// OnSuccess is invoked with the read result (nil for writes).
	OnSuccess func(result []byte)

	// tag associates an Op with an owning streaming operation so
	// pause_dsps can find and remove its queued chunks; opaque to the
	// scheduler itself.
	tag any
}

// Tag returns the opaque owner tag attached to this Op, if any.
func (o *Op) Tag() any { return o.tag }

// WithTag attaches an owner tag and returns the same Op for chaining at
// the call site.
func (o *Op) WithTag(tag any) *Op {
	o.tag = tag
	return o
}
