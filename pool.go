package dialpool

import (
	"context"
	"errors"
	"net"
	"net/url"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/dialpool/dialpool/internal/netutil"
)

const (
	defaultPoolConnections = 2
	defaultConnectTimeout  = 10 * time.Second
	defaultIdleTimeout     = 90 * time.Second

	// rewardInterval is how many consecutive successful completions a
	// member needs before its weight is raised again.
	rewardInterval = 16
)

// DialFunc establishes the raw TCP connection. The default is a plain
// net.Dialer; name resolution policy lives behind it.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Options configures a Pool.
type Options struct {
	// Connections caps the number of pool members. Default 2.
	Connections int
	// Pipelining caps in-flight requests per member. The framer can
	// only track a single write phase, so this defaults to 1.
	Pipelining int
	// Proxy, when set, routes every connection through the configured
	// intermediary (HTTP CONNECT or SOCKS).
	Proxy *ProxyOptions
	// Dial overrides the raw TCP dial.
	Dial DialFunc
	// TLSUpgrade performs the TLS handshake for https origins, both on
	// direct connections and on tunnels after a CONNECT succeeds.
	// Defaults to a standard crypto/tls handshake; see
	// FingerprintTLSUpgrader for a utls-backed alternative.
	TLSUpgrade TLSUpgrader

	// ConnectTimeout bounds dial + tunnel negotiation + TLS upgrade.
	// Default 10s.
	ConnectTimeout time.Duration
	// HeadersTimeout bounds the header phase of a request write.
	HeadersTimeout time.Duration
	// BodyTimeout bounds each body write.
	BodyTimeout time.Duration
	// IdleTimeout retires a keep-alive connection that has carried no
	// request for this long. Default 90s.
	IdleTimeout time.Duration

	// LenientContentLength downgrades a content-length mismatch from a
	// fatal error to a logged warning.
	LenientContentLength bool
	// CompressBody gzips request bodies; the body is then framed
	// chunked with a content-encoding header.
	CompressBody bool

	Logger Logger
}

// Stats is a read-only aggregate of member counters plus queue depth.
type Stats struct {
	Connected int
	Pending   int
	Running   int
	Queued    int
	Size      int
}

type memberEventKind int

const (
	eventConnected memberEventKind = iota
	eventDisconnected
	eventConnectionError
	eventDrained
)

type memberEvent struct {
	kind   memberEventKind
	member *Member
	err    error
}

// Pool aggregates members for a single origin, owns the request queue,
// and drains queued work when a member frees capacity. All lifecycle
// signals flow through one event channel consumed by a single
// dispatcher goroutine, so drain cycles never re-enter each other.
type Pool struct {
	opts   Options
	origin *url.URL
	scheme string
	addr   string
	log    Logger
	tunnel *TunnelNegotiator

	mu         sync.Mutex
	balancer   wrrBalancer
	queue      *RequestQueue
	needsDrain bool
	closed     bool
	destroyed  bool
	drainHooks []func()

	events      chan memberEvent
	loopStop    chan struct{}
	loopDone    chan struct{}
	quiesced    chan struct{}
	stopOnce    sync.Once
	quiesceOnce sync.Once
}

// NewPool creates a pool for origin ("http://host:port" or
// "https://host[:port]") and starts its event dispatcher.
func NewPool(origin string, opts Options) (*Pool, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("dialpool: unsupported origin scheme " + u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("dialpool: origin has no host")
	}
	if opts.Connections <= 0 {
		opts.Connections = defaultPoolConnections
	}
	if opts.Pipelining <= 0 {
		opts.Pipelining = 1
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.TLSUpgrade == nil {
		opts.TLSUpgrade = StdTLSUpgrader(nil)
	}
	if opts.Logger == nil {
		opts.Logger = createLogger()
	}

	p := &Pool{
		opts:     opts,
		origin:   u,
		scheme:   u.Scheme,
		addr:     netutil.AuthorityAddr(u.Scheme, u.Host),
		log:      opts.Logger,
		queue:    NewRequestQueue(),
		events:   make(chan memberEvent, 16),
		loopStop: make(chan struct{}),
		loopDone: make(chan struct{}),
		quiesced: make(chan struct{}),
	}
	if opts.Proxy != nil {
		p.tunnel = &TunnelNegotiator{
			Proxy:      opts.Proxy,
			TLSUpgrade: opts.TLSUpgrade,
			Logger:     p.log,
		}
	}
	go p.loop()
	return p, nil
}

// Dispatch hands a request to the pool. It returns true when a member
// took the request immediately. False signals backpressure: the request
// was queued (or refused outright on a closed pool) and the caller
// should stop dispatching until a drain notification arrives.
func (p *Pool) Dispatch(opts DispatchOptions, handler Handler) bool {
	req, err := newDispatchRequest(opts, handler)
	if err != nil {
		handler.OnError(err)
		return true
	}
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		req.fail(ErrPoolDestroyed)
		return false
	}
	if p.closed {
		p.mu.Unlock()
		req.fail(ErrPoolClosed)
		return false
	}
	accepted := p.dispatchLocked(req)
	if !accepted {
		p.queue.Push(req)
		p.needsDrain = true
	}
	p.mu.Unlock()
	return accepted
}

// dispatchLocked tries to place req on a member immediately. It never
// queues; a caller that gets false decides where the request goes (new
// dispatches join the back, drained entries keep their place at the
// front).
func (p *Pool) dispatchLocked(req *DispatchRequest) bool {
	m := p.balancer.next()
	if m == nil {
		// No connected member is free; prefer waking a disconnected
		// member over growing the pool.
		for _, mm := range p.balancer.members {
			if !mm.connected && mm.hasCapacityLocked() {
				m = mm
				break
			}
		}
		if m == nil && len(p.balancer.members) < p.opts.Connections {
			m = p.addMemberLocked(p.addr)
		}
	}
	if m == nil || !m.hasCapacityLocked() {
		return false
	}
	m.claimLocked(req)
	return true
}

// AddMember registers a new member for addr (the pool origin when addr
// is empty) and returns it, or nil when the pool no longer accepts
// members.
func (p *Pool) AddMember(addr string) *Member {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.destroyed {
		return nil
	}
	if addr == "" {
		addr = p.addr
	}
	return p.addMemberLocked(addr)
}

func (p *Pool) addMemberLocked(addr string) *Member {
	m := newMember(p, addr)
	p.balancer.add(m)
	return m
}

// RemoveMember deregisters m and closes it gracefully.
func (p *Pool) RemoveMember(m *Member) {
	p.mu.Lock()
	p.balancer.remove(m)
	p.mu.Unlock()
	m.close()
}

// OnDrain registers fn to run each time the pool transitions out of a
// needs-drain state. The notification is edge-triggered: one call per
// transition, not per freed slot.
func (p *Pool) OnDrain(fn func()) {
	p.mu.Lock()
	p.drainHooks = append(p.drainHooks, fn)
	p.mu.Unlock()
}

// Stats returns an aggregate snapshot. Queued counts both member-level
// claims awaiting a socket and entries still in the pool queue.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var s Stats
	for _, m := range p.balancer.members {
		if m.connected {
			s.Connected++
		}
		s.Pending += m.pending
		s.Running += m.running
		s.Queued += m.queued
	}
	s.Queued += p.queue.Len()
	s.Size = s.Pending + s.Running + s.Queued
	return s
}

// loop is the pool's single event dispatcher.
func (p *Pool) loop() {
	defer close(p.loopDone)
	for {
		select {
		case ev := <-p.events:
			p.handleEvent(ev)
		case <-p.loopStop:
			return
		}
	}
}

func (p *Pool) handleEvent(ev memberEvent) {
	switch ev.kind {
	case eventConnected:
		p.log.Debugf("member %s connected", ev.member.addr)
		p.drain()
	case eventConnectionError:
		p.log.Warnf("member %s connection error: %v", ev.member.addr, ev.err)
		p.mu.Lock()
		ev.member.streak = 0
		p.balancer.penalize(ev.member)
		p.mu.Unlock()
		p.drain()
		p.maybeQuiesce()
	case eventDisconnected:
		p.log.Debugf("member %s disconnected", ev.member.addr)
		p.maybeQuiesce()
	case eventDrained:
		if ev.err == nil {
			p.mu.Lock()
			ev.member.streak++
			if ev.member.streak%rewardInterval == 0 {
				p.balancer.reward(ev.member)
			}
			p.mu.Unlock()
		}
		p.drain()
		p.maybeQuiesce()
	}
}

// drain pulls queued requests and re-attempts dispatch until the queue
// empties or capacity fills up again mid-drain. The drain notification
// fires exactly once per needs-drain -> free transition.
func (p *Pool) drain() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	was := p.needsDrain
	p.needsDrain = false
	for {
		req, ok := p.queue.Shift()
		if !ok {
			break
		}
		if !p.dispatchLocked(req) {
			// Capacity filled mid-drain; the head of the line keeps
			// its place.
			p.queue.PushFront(req)
			p.needsDrain = true
			break
		}
	}
	fire := was && !p.needsDrain
	var hooks []func()
	if fire {
		hooks = append(hooks, p.drainHooks...)
	}
	p.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// maybeQuiesce resolves a pending Close once the queue is empty and no
// member holds work.
func (p *Pool) maybeQuiesce() {
	p.mu.Lock()
	idle := p.closed && p.queue.IsEmpty()
	if idle {
		for _, m := range p.balancer.members {
			if m.sizeCount() > 0 {
				idle = false
				break
			}
		}
	}
	p.mu.Unlock()
	if idle {
		p.quiesceOnce.Do(func() { close(p.quiesced) })
	}
}

// Close stops accepting new dispatches and resolves once the queue has
// drained and every member has closed gracefully.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrPoolDestroyed
	}
	alreadyClosed := p.closed
	p.closed = true
	p.mu.Unlock()
	if alreadyClosed {
		<-p.loopDone
		return nil
	}

	p.maybeQuiesce()
	<-p.quiesced

	p.mu.Lock()
	members := append([]*Member(nil), p.balancer.members...)
	p.mu.Unlock()

	var err error
	for _, m := range members {
		m.close()
		err = multierr.Append(err, m.closeErr)
	}
	p.stopOnce.Do(func() { close(p.loopStop) })
	<-p.loopDone
	return err
}

// Destroy drains the queue immediately, failing every queued request
// with err (ErrPoolDestroyed when nil), then forcibly destroys every
// member. Requests already claimed by a member are failed through that
// member's own destroy path.
func (p *Pool) Destroy(err error) error {
	if err == nil {
		err = ErrPoolDestroyed
	}
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true
	p.closed = true
	var queued []*DispatchRequest
	for {
		req, ok := p.queue.Shift()
		if !ok {
			break
		}
		queued = append(queued, req)
	}
	members := append([]*Member(nil), p.balancer.members...)
	p.mu.Unlock()

	for _, req := range queued {
		req.fail(err)
	}
	var closeErr error
	for _, m := range members {
		m.destroy(err)
		closeErr = multierr.Append(closeErr, m.closeErr)
	}
	p.quiesceOnce.Do(func() { close(p.quiesced) })
	p.stopOnce.Do(func() { close(p.loopStop) })
	<-p.loopDone
	return closeErr
}

// post delivers a member lifecycle event to the dispatcher loop.
func (p *Pool) post(ev memberEvent) {
	select {
	case p.events <- ev:
	case <-p.loopStop:
	}
}

// connect establishes one ready-to-use byte stream to addr: raw dial,
// then tunnel negotiation when a proxy is configured, then TLS upgrade
// for https origins.
func (p *Pool) connect(ctx context.Context, addr string) (net.Conn, error) {
	if d := p.opts.ConnectTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	dial := p.opts.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}

	if p.tunnel != nil {
		conn, err := dial(ctx, "tcp", p.tunnel.ProxyAddr())
		if err != nil {
			return nil, p.connectErr(p.tunnel.ProxyAddr(), err)
		}
		conn, err = p.tunnel.Negotiate(ctx, conn, p.scheme, addr)
		if err != nil {
			return nil, p.connectErr(addr, err)
		}
		return conn, nil
	}

	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, p.connectErr(addr, err)
	}
	if p.scheme == "https" {
		host, _, _ := net.SplitHostPort(addr)
		tconn, err := p.opts.TLSUpgrade(ctx, conn, host)
		if err != nil {
			conn.Close()
			return nil, p.connectErr(addr, err)
		}
		return tconn, nil
	}
	return conn, nil
}

// connectErr classifies a connection-establishment failure.
func (p *Pool) connectErr(addr string, err error) error {
	var te *TunnelError
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrConnectTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrConnectTimeout
	}
	return &SocketError{Addr: addr, Err: err}
}
