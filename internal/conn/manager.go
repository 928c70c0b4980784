// Package conn maintains the single logical real-time inbound channel.
//
// Manager owns the connection state machine:
//
//	disconnected -> connecting -> connected
//	connected -> disconnected        (transport loss)
//	any -> error                     (unrecoverable failure)
//	error -> connecting              (after backoff)
//
// Reconnects use exponential backoff with jitter. Every established
// connection gets a new epoch; payloads carry the epoch they were read on so
// consumers can drop anything read before a reconnect.
package conn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	logx "notipipe/pkg/logx"
)

type Config struct {
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// Jitter is the backoff randomization factor (0.3 = ±30%).
	Jitter      float64
	DialTimeout time.Duration
	// Buffer is the inbound message channel capacity.
	Buffer int
}

func (c Config) withDefaults() Config {
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.BackoffCap < c.BackoffBase {
		c.BackoffCap = c.BackoffBase
	}
	if c.Jitter <= 0 || c.Jitter >= 1 {
		c.Jitter = 0.3
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	return c
}

type Stats struct {
	State      string `json:"state"`
	Epoch      uint64 `json:"epoch"`
	Dials      uint64 `json:"dials"`
	DialErrors uint64 `json:"dialErrors"`
	Drops      uint64 `json:"drops"`
	Received   uint64 `json:"received"`
}

type Manager struct {
	mu     sync.Mutex
	cfg    Config
	dialer Dialer
	state  State
	epoch  uint64
	conn   Conn
	bo     *backoff.ExponentialBackOff

	subs    map[int]chan Change
	nextSub int

	log  logx.Logger
	now  func() time.Time
	out  chan Message
	kick chan struct{}

	running    atomic.Bool
	dials      atomic.Uint64
	dialErrors atomic.Uint64
	drops      atomic.Uint64
	received   atomic.Uint64
}

func New(cfg Config, d Dialer, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:    cfg,
		dialer: d,
		state:  StateDisconnected,
		subs:   map[int]chan Change{},
		log:    log,
		now:    time.Now,
		out:    make(chan Message, cfg.Buffer),
		kick:   make(chan struct{}, 1),
	}
	m.bo = newBackoff(cfg)
	return m
}

func newBackoff(cfg Config) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BackoffBase
	bo.MaxInterval = cfg.BackoffCap
	bo.RandomizationFactor = cfg.Jitter
	bo.Multiplier = 2
	bo.Reset()
	return bo
}

// Apply swaps backoff settings; it takes effect on the next wait.
func (m *Manager) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	m.mu.Lock()
	cfg.Buffer = m.cfg.Buffer
	m.cfg = cfg
	m.bo = newBackoff(cfg)
	m.mu.Unlock()
}

// Messages is the inbound payload stream. Check Accept before using one.
func (m *Manager) Messages() <-chan Message { return m.out }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Accept reports whether msg belongs to the live connection. Payloads from
// an earlier epoch, or read while not connected, are dropped.
func (m *Manager) Accept(msg Message) bool {
	m.mu.Lock()
	ok := m.state == StateConnected && msg.Epoch == m.epoch
	m.mu.Unlock()
	if !ok {
		m.drops.Add(1)
	}
	return ok
}

// Reconnect resets backoff and retries immediately. A live connection is
// closed and replaced.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	m.bo.Reset()
	c := m.conn
	m.mu.Unlock()

	select {
	case m.kick <- struct{}{}:
	default:
	}
	if c != nil {
		_ = c.Close()
	}
	m.log.Info("manual reconnect requested")
}

// Subscribe returns a stream of state changes. Slow subscribers miss
// changes rather than block the manager.
func (m *Manager) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Change, buffer)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	st, ep := m.state, m.epoch
	m.mu.Unlock()
	return Stats{
		State:      st.String(),
		Epoch:      ep,
		Dials:      m.dials.Load(),
		DialErrors: m.dialErrors.Load(),
		Drops:      m.drops.Load(),
		Received:   m.received.Load(),
	}
}

// Run drives the state machine until ctx ends. Transport failures never
// escape; Run returns nil on cancellation.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("connection manager already running")
	}
	defer m.running.Store(false)
	defer m.setState(StateDisconnected, 0, nil)

	for {
		if ctx.Err() != nil {
			return nil
		}
		m.drainKick()
		m.setState(StateConnecting, 0, nil)

		m.mu.Lock()
		dialTimeout := m.cfg.DialTimeout
		m.mu.Unlock()

		m.dials.Add(1)
		dctx, cancel := context.WithTimeout(ctx, dialTimeout)
		c, err := m.dialer.Dial(dctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.dialErrors.Add(1)
			if !m.fail(ctx, err) {
				return nil
			}
			continue
		}

		epoch := m.connected(c)
		err = m.readLoop(ctx, c, epoch)
		_ = c.Close()
		m.mu.Lock()
		if m.conn == c {
			m.conn = nil
		}
		m.mu.Unlock()

		if ctx.Err() != nil {
			return nil
		}
		if !m.fail(ctx, err) {
			return nil
		}
	}
}

// fail records a lost or failed connection and waits out the backoff.
// It returns false when ctx ended while waiting.
func (m *Manager) fail(ctx context.Context, err error) bool {
	to := StateDisconnected
	if IsUnrecoverable(err) {
		to = StateError
	}
	m.setState(to, 0, err)

	wait := m.nextBackoff(to == StateError)
	m.log.Warn("inbound connection lost", logx.String("state", to.String()), logx.Duration("retry_in", wait), logx.Err(err))
	return m.sleep(ctx, wait)
}

func (m *Manager) nextBackoff(unrecoverable bool) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if unrecoverable {
		return m.cfg.BackoffCap
	}
	d := m.bo.NextBackOff()
	if d < 0 || d > m.cfg.BackoffCap {
		d = m.cfg.BackoffCap
	}
	return d
}

// sleep waits d, returning early on Reconnect. It returns false on ctx end.
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-m.kick:
		return true
	case <-t.C:
		return true
	}
}

func (m *Manager) drainKick() {
	select {
	case <-m.kick:
	default:
	}
}

func (m *Manager) connected(c Conn) uint64 {
	m.mu.Lock()
	m.epoch++
	ep := m.epoch
	m.conn = c
	m.bo.Reset()
	m.mu.Unlock()
	m.setState(StateConnected, ep, nil)
	m.log.Info("inbound connection established", logx.Uint64("epoch", ep))
	return ep
}

func (m *Manager) readLoop(ctx context.Context, c Conn, epoch uint64) error {
	for {
		data, err := c.Read(ctx)
		if err != nil {
			return err
		}
		m.received.Add(1)
		msg := Message{Epoch: epoch, Data: data, ReceivedAt: m.now()}
		select {
		case m.out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) setState(to State, epoch uint64, err error) {
	m.mu.Lock()
	from := m.state
	if from == to && err == nil {
		m.mu.Unlock()
		return
	}
	m.state = to
	if epoch == 0 {
		epoch = m.epoch
	}
	ch := Change{From: from, To: to, Epoch: epoch, At: m.now(), Err: err}
	subs := make([]chan Change, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		select {
		case s <- ch:
		default:
		}
	}
}
