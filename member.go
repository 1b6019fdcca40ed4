package dialpool

import (
	"context"
	"net"
	"time"
)

// timeoutKind classifies which keep-alive deadline a socket touch
// refreshes, so a body-phase timeout is distinguishable from an idle
// expiry.
type timeoutKind int

const (
	timeoutIdle timeoutKind = iota
	timeoutHeaders
	timeoutBody
)

// Member is a single reusable connection tracked by the pool, with a
// load-balancing weight and live counters. A member survives the loss
// of its socket: it is excluded from selection while disconnected and
// reconnects on demand when the pool claims it again. Counters and
// flags are mutated only under the owning pool's mutex.
type Member struct {
	pool *Pool
	addr string // canonical host:port of the true destination

	work chan *DispatchRequest

	// Guarded by pool.mu.
	weight     int
	connected  bool
	connecting bool
	busy       bool
	closed     bool // graceful: no new claims
	destroyed  bool
	queued     int // claimed, sitting in the work channel
	pending    int // picked up, waiting for the socket
	running    int // write phase in progress
	streak     int // consecutive successful completions
	conn       net.Conn
	connStop   chan struct{} // per-connection generation
	closeErr   error
	idleTimer  *time.Timer
}

func newMember(p *Pool, addr string) *Member {
	return &Member{
		pool:   p,
		addr:   addr,
		weight: defaultWeight,
		work:   make(chan *DispatchRequest, p.opts.Pipelining),
	}
}

// sizeCount is the member's total load: pending + running + queued.
func (m *Member) sizeCount() int { return m.pending + m.running + m.queued }

// selectable reports whether the balancer may pick this member.
func (m *Member) selectable() bool {
	return m.connected && !m.busy && !m.closed && !m.destroyed
}

// hasCapacityLocked reports whether the member can claim one more
// request. Unconnected members may claim; the request waits for the
// socket.
func (m *Member) hasCapacityLocked() bool {
	return !m.closed && !m.destroyed && m.sizeCount() < m.pool.opts.Pipelining
}

// claimLocked transfers ownership of req to this member and kicks off a
// connect when no socket is live. The caller must have checked
// hasCapacityLocked; the work channel send cannot block because its
// capacity matches the pipelining limit.
func (m *Member) claimLocked(req *DispatchRequest) {
	m.queued++
	m.updateBusyLocked()
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	m.work <- req
	if !m.connected && !m.connecting {
		m.connecting = true
		m.connStop = make(chan struct{})
		go m.run(m.connStop)
	}
}

// updateBusyLocked recomputes the busy flag. busy implies connected:
// an unconnected member is simply not selectable.
func (m *Member) updateBusyLocked() {
	m.busy = m.connected && m.sizeCount() >= m.pool.opts.Pipelining
}

// run is one connection generation: establish the socket (through the
// proxy tunnel when one is configured), then serve claimed requests one
// write phase at a time until the connection is torn down.
func (m *Member) run(stop chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	p := m.pool
	conn, err := p.connect(ctx, m.addr)

	p.mu.Lock()
	if m.destroyed {
		p.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		p.mu.Unlock()
		m.disconnect(err)
		return
	}
	m.conn = conn
	m.connected = true
	m.connecting = false
	m.updateBusyLocked()
	p.mu.Unlock()

	p.post(memberEvent{kind: eventConnected, member: m})

	for {
		select {
		case req, ok := <-m.work:
			if !ok {
				return
			}
			m.process(req)
		case <-stop:
			return
		}
	}
}

// process owns one request from pickup to terminal callback, then
// reports freed capacity so the pool can drain.
func (m *Member) process(req *DispatchRequest) {
	p := m.pool
	p.mu.Lock()
	m.queued--
	m.pending++
	conn := m.conn
	p.mu.Unlock()

	if req.aborted() {
		// Nothing hit the wire yet; the socket stays trustworthy.
		p.mu.Lock()
		m.pending--
		m.updateBusyLocked()
		p.mu.Unlock()
		req.fail(ErrRequestAborted)
		p.post(memberEvent{kind: eventDrained, member: m, err: ErrRequestAborted})
		return
	}

	if conn == nil {
		// The connection was torn down between claim and pickup; the
		// request never had a socket to write to.
		p.mu.Lock()
		m.pending--
		m.updateBusyLocked()
		p.mu.Unlock()
		err := &SocketError{Addr: m.addr, Err: net.ErrClosed}
		req.fail(err)
		p.post(memberEvent{kind: eventDrained, member: m, err: err})
		return
	}

	req.handler.OnConnect(func(err error) {
		if err == nil {
			err = ErrRequestAborted
		}
		req.fail(err)
		m.disconnect(err)
	})

	p.mu.Lock()
	m.pending--
	m.running++
	p.mu.Unlock()

	f := newRequestFramer(m, conn, req)
	err := f.writeRequest()

	p.mu.Lock()
	m.running--
	m.updateBusyLocked()
	p.mu.Unlock()

	if err != nil {
		req.fail(err)
		if f.dirty() {
			// Partial protocol state cannot be trusted.
			m.disconnect(err)
			return
		}
		p.post(memberEvent{kind: eventDrained, member: m, err: err})
		return
	}
	req.succeed(nil)
	m.maybeCloseIdle()
	p.post(memberEvent{kind: eventDrained, member: m})
}

// maybeCloseIdle finishes a graceful close once in-flight work has
// drained.
func (m *Member) maybeCloseIdle() {
	p := m.pool
	p.mu.Lock()
	done := m.closed && !m.destroyed && m.sizeCount() == 0
	p.mu.Unlock()
	if done {
		m.destroy(nil)
	}
}

// touch refreshes the deadline classified by kind: header and body
// phases arm a write deadline on the socket, idle arms the keep-alive
// timer that retires the connection.
func (m *Member) touch(kind timeoutKind) {
	p := m.pool
	if p == nil {
		return
	}
	p.mu.Lock()
	conn := m.conn
	p.mu.Unlock()
	if conn == nil {
		return
	}
	switch kind {
	case timeoutHeaders:
		if d := p.opts.HeadersTimeout; d > 0 {
			conn.SetWriteDeadline(time.Now().Add(d))
		}
	case timeoutBody:
		if d := p.opts.BodyTimeout; d > 0 {
			conn.SetWriteDeadline(time.Now().Add(d))
		}
	case timeoutIdle:
		conn.SetWriteDeadline(time.Time{})
		p.mu.Lock()
		if m.idleTimer != nil {
			m.idleTimer.Stop()
		}
		if d := p.opts.IdleTimeout; d > 0 && m.sizeCount() == 0 && !m.closed && !m.destroyed {
			m.idleTimer = time.AfterFunc(d, m.expireIdle)
		}
		p.mu.Unlock()
	}
}

// expireIdle retires a connection whose keep-alive window lapsed. The
// member itself stays registered and reconnects on the next claim.
func (m *Member) expireIdle() {
	p := m.pool
	p.mu.Lock()
	idle := m.sizeCount() == 0 && m.connected && !m.destroyed
	p.mu.Unlock()
	if idle {
		m.disconnect(nil)
	}
}

// disconnect tears down the current connection generation, failing any
// requests the member still owns. A nil err means an administrative
// teardown (idle expiry); a non-nil err marks a connection error, which
// the pool answers by penalizing the member's weight.
func (m *Member) disconnect(err error) {
	p := m.pool
	p.mu.Lock()
	if !m.connected && !m.connecting && m.conn == nil {
		p.mu.Unlock()
		return
	}
	m.connected = false
	m.connecting = false
	m.busy = false
	conn := m.conn
	m.conn = nil
	stop := m.connStop
	m.connStop = nil
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	p.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if conn != nil {
		m.closeErr = conn.Close()
	}
	m.failOwned(err)

	if err != nil {
		p.post(memberEvent{kind: eventConnectionError, member: m, err: err})
	} else {
		p.post(memberEvent{kind: eventDisconnected, member: m})
	}
}

// failOwned fails every request still claimed by this member.
func (m *Member) failOwned(err error) {
	if err == nil {
		err = &SocketError{Addr: m.addr, Err: net.ErrClosed}
	}
	p := m.pool
	for {
		select {
		case req := <-m.work:
			p.mu.Lock()
			m.queued--
			m.updateBusyLocked()
			p.mu.Unlock()
			req.fail(err)
		default:
			return
		}
	}
}

// close stops the member gracefully: no new claims, the connection is
// released once in-flight work finishes.
func (m *Member) close() {
	p := m.pool
	p.mu.Lock()
	m.closed = true
	idle := m.sizeCount() == 0
	p.mu.Unlock()
	if idle {
		m.destroy(nil)
	}
}

// destroy is terminal: the member leaves service and every request it
// still owns is handed to OnError exactly once.
func (m *Member) destroy(err error) {
	p := m.pool
	p.mu.Lock()
	if m.destroyed {
		p.mu.Unlock()
		return
	}
	m.destroyed = true
	m.connected = false
	m.connecting = false
	m.busy = false
	conn := m.conn
	m.conn = nil
	stop := m.connStop
	m.connStop = nil
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	p.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if conn != nil {
		m.closeErr = conn.Close()
	}

	failErr := err
	if failErr == nil {
		failErr = ErrPoolDestroyed
	}
	for {
		select {
		case req := <-m.work:
			p.mu.Lock()
			m.queued--
			p.mu.Unlock()
			req.fail(failErr)
		default:
			p.post(memberEvent{kind: eventDisconnected, member: m})
			return
		}
	}
}
