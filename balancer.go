package dialpool

const (
	defaultWeight = 100
	minWeight     = 1
	maxWeight     = 100
	weightStep    = 15
)

// wrrBalancer selects the next pool member to receive a dispatch using
// smoothed weighted round robin: a rotating cursor paired with a
// current-weight threshold that is lowered by gcd(weights) on each
// wraparound and reset to the maximum weight when it reaches zero.
// Higher-weight members are granted proportionally more turns over a
// full cycle instead of receiving all traffic in a burst.
//
// The balancer owns its member slice by reference; the pool serializes
// all access.
type wrrBalancer struct {
	members []*Member
	index   int
	current int
	gcd     int
	max     int
}

// next returns a connected, non-busy member, or nil when every member
// is busy or disconnected. Callers treat nil as "pool at capacity".
func (b *wrrBalancer) next() *Member {
	if len(b.members) == 0 {
		return nil
	}
	eligible := 0
	for _, m := range b.members {
		if m.selectable() {
			eligible++
		}
	}
	if eligible == 0 {
		return nil
	}
	// The threshold bottoms out at gcd(weights), which every weight in
	// [1,100] clears, so the walk below terminates.
	for {
		b.index++
		if b.index >= len(b.members) {
			b.index = 0
		}
		if b.index == 0 {
			b.current -= b.gcd
			if b.current <= 0 {
				b.current = b.max
			}
		}
		m := b.members[b.index]
		if m.selectable() && m.weight >= b.current {
			return m
		}
	}
}

// penalize lowers a member's weight after a connection error.
func (b *wrrBalancer) penalize(m *Member) {
	m.weight -= weightStep
	if m.weight < minWeight {
		m.weight = minWeight
	}
	b.recompute()
}

// reward raises a member's weight after sustained successful
// completions. The policy of when to call it is owned by the caller.
func (b *wrrBalancer) reward(m *Member) {
	m.weight += weightStep
	if m.weight > maxWeight {
		m.weight = maxWeight
	}
	b.recompute()
}

func (b *wrrBalancer) add(m *Member) {
	b.members = append(b.members, m)
	b.recompute()
}

func (b *wrrBalancer) remove(m *Member) {
	for i, mm := range b.members {
		if mm == m {
			b.members = append(b.members[:i], b.members[i+1:]...)
			break
		}
	}
	if b.index >= len(b.members) {
		b.index = 0
	}
	b.recompute()
}

// recompute refreshes the shared GCD and maximum after any weight or
// membership mutation.
func (b *wrrBalancer) recompute() {
	b.gcd = 0
	b.max = 0
	for _, m := range b.members {
		b.gcd = gcd(b.gcd, m.weight)
		if m.weight > b.max {
			b.max = m.weight
		}
	}
	if b.current > b.max {
		b.current = b.max
	}
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
