package dialpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestQueueFIFO(t *testing.T) {
	q := NewRequestQueue()
	assert.True(t, q.IsEmpty())
	assert.Equal(t, 0, q.Len())

	// Enough entries to span three segments.
	n := queueSegmentSize*2 + 100
	reqs := make([]*DispatchRequest, n)
	for i := range reqs {
		reqs[i] = &DispatchRequest{}
		q.Push(reqs[i])
	}
	assert.Equal(t, n, q.Len())
	assert.False(t, q.IsEmpty())

	for i := 0; i < n; i++ {
		r, ok := q.Shift()
		require.True(t, ok)
		require.Same(t, reqs[i], r, "entry %d out of order", i)
	}
	assert.True(t, q.IsEmpty())

	r, ok := q.Shift()
	assert.False(t, ok)
	assert.Nil(t, r)
}

func TestRequestQueueInterleaved(t *testing.T) {
	q := NewRequestQueue()
	var pushed, shifted int
	next := func() *DispatchRequest { pushed++; return &DispatchRequest{} }

	// Roll the read cursor across segment boundaries repeatedly.
	var expect []*DispatchRequest
	for round := 0; round < 5; round++ {
		for i := 0; i < queueSegmentSize-1; i++ {
			r := next()
			expect = append(expect, r)
			q.Push(r)
		}
		for i := 0; i < queueSegmentSize/2; i++ {
			r, ok := q.Shift()
			require.True(t, ok)
			require.Same(t, expect[shifted], r)
			shifted++
		}
	}
	assert.Equal(t, pushed-shifted, q.Len())
	for !q.IsEmpty() {
		r, ok := q.Shift()
		require.True(t, ok)
		require.Same(t, expect[shifted], r)
		shifted++
	}
	assert.Equal(t, pushed, shifted)
}

func TestRequestQueuePushFront(t *testing.T) {
	q := NewRequestQueue()
	a, b := &DispatchRequest{}, &DispatchRequest{}

	// Empty queue: a front insert behaves like an append.
	q.PushFront(a)
	got, ok := q.Shift()
	require.True(t, ok)
	assert.Same(t, a, got)

	// Re-inserting a shifted entry restores its place in line.
	q.Push(a)
	q.Push(b)
	got, ok = q.Shift()
	require.True(t, ok)
	require.Same(t, a, got)
	q.PushFront(a)
	for _, want := range []*DispatchRequest{a, b} {
		got, ok = q.Shift()
		require.True(t, ok)
		assert.Same(t, want, got)
	}
	assert.True(t, q.IsEmpty())
}

func TestRequestQueuePushFrontLinksSegment(t *testing.T) {
	// Tail slot 0 occupied: the front insert must not displace it.
	q := NewRequestQueue()
	a, b, c := &DispatchRequest{}, &DispatchRequest{}, &DispatchRequest{}
	q.Push(b)
	q.Push(c)
	q.PushFront(a)
	assert.Equal(t, 3, q.Len())
	for _, want := range []*DispatchRequest{a, b, c} {
		got, ok := q.Shift()
		require.True(t, ok)
		assert.Same(t, want, got)
	}
	assert.True(t, q.IsEmpty())

	// Storage keeps working after the extra segment drains.
	q.Push(a)
	got, ok := q.Shift()
	require.True(t, ok)
	assert.Same(t, a, got)
}

func TestRequestQueueShiftAfterDrainReusesHead(t *testing.T) {
	q := NewRequestQueue()
	for i := 0; i < queueSegmentSize+5; i++ {
		q.Push(&DispatchRequest{})
	}
	for i := 0; i < queueSegmentSize+5; i++ {
		_, ok := q.Shift()
		require.True(t, ok)
	}
	// The drained tail segment must be unlinked, not revisited.
	r := &DispatchRequest{}
	q.Push(r)
	got, ok := q.Shift()
	require.True(t, ok)
	assert.Same(t, r, got)
}
