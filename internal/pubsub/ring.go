package pubsub

// RingBuffer is a fixed-capacity circular FIFO of messages in publish
// order. When full, Append overwrites the oldest entry.
//
// RingBuffer is not safe for concurrent use; the owning Topic's mutex
// guards every call.
type RingBuffer struct {
	buf  []Message
	head int // index of the oldest message
	size int
}

// NewRingBuffer creates a ring buffer holding up to capacity messages.
// capacity must be >= 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{buf: make([]Message, capacity)}
}

// Append adds m, overwriting the oldest message when full. O(1).
func (r *RingBuffer) Append(m Message) {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = m
		r.size++
		return
	}
	// Full: the slot holding the oldest message becomes the newest.
	r.buf[r.head] = m
	r.head = (r.head + 1) % len(r.buf)
}

// Tail returns the last min(n, Len()) messages in publish order.
// Tail(0) and Tail on an empty buffer return an empty slice.
func (r *RingBuffer) Tail(n int) []Message {
	if n <= 0 || r.size == 0 {
		return nil
	}
	if n > r.size {
		n = r.size
	}
	out := make([]Message, n)
	start := r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.head+start+i)%len(r.buf)]
	}
	return out
}

// Len returns the number of messages currently held.
func (r *RingBuffer) Len() int { return r.size }

// Cap returns the fixed capacity.
func (r *RingBuffer) Cap() int { return len(r.buf) }
