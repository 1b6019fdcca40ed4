package dialpool

// queueSegmentSize is the number of slots in one queue segment. Push
// allocates a fresh segment when the current one fills, so existing
// entries are never copied.
const queueSegmentSize = 2048

type queueSegment struct {
	entries [queueSegmentSize]*DispatchRequest
	read    int
	write   int
	next    *queueSegment
}

func (s *queueSegment) full() bool    { return s.write == queueSegmentSize }
func (s *queueSegment) drained() bool { return s.read == s.write }

// RequestQueue is a FIFO of dispatch requests, backed by a singly
// linked chain of fixed-size segments running tail (oldest) to head
// (newest). Push and Shift are O(1), never block and never fail; the
// caller serializes access.
type RequestQueue struct {
	head *queueSegment
	tail *queueSegment
	size int
}

// NewRequestQueue returns an empty queue with a single segment.
func NewRequestQueue() *RequestQueue {
	s := new(queueSegment)
	return &RequestQueue{head: s, tail: s}
}

// Push appends r to the back of the queue.
func (q *RequestQueue) Push(r *DispatchRequest) {
	if q.head.full() {
		s := new(queueSegment)
		q.head.next = s
		q.head = s
	}
	q.head.entries[q.head.write] = r
	q.head.write++
	q.size++
}

// PushFront returns r to the front of the queue, ahead of every queued
// entry. Drain cycles use it to put a shifted entry back without
// losing its place in line.
func (q *RequestQueue) PushFront(r *DispatchRequest) {
	t := q.tail
	if t.read > 0 {
		t.read--
		t.entries[t.read] = r
		q.size++
		return
	}
	if t.write == 0 {
		// Fresh segment, queue empty: order is trivially kept.
		q.Push(r)
		return
	}
	// Tail slot 0 is occupied; link a new segment in front.
	s := new(queueSegment)
	s.read = queueSegmentSize - 1
	s.write = queueSegmentSize
	s.entries[s.read] = r
	s.next = t
	q.tail = s
	q.size++
}

// Shift removes and returns the oldest entry. ok is false when the
// queue is empty.
func (q *RequestQueue) Shift() (r *DispatchRequest, ok bool) {
	for q.tail.drained() {
		if q.tail.next == nil {
			return nil, false
		}
		// Unlink the exhausted segment.
		q.tail = q.tail.next
	}
	r = q.tail.entries[q.tail.read]
	q.tail.entries[q.tail.read] = nil
	q.tail.read++
	q.size--
	return r, true
}

// IsEmpty reports whether the queue holds no entries.
func (q *RequestQueue) IsEmpty() bool { return q.size == 0 }

// Len returns the number of queued entries.
func (q *RequestQueue) Len() int { return q.size }
