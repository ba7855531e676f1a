// Package ratelimit implements per-endpoint sliding-window rate limiting
// over two independent ceilings: requests per window and tokens per
// window. Grants suspend the caller until headroom exists; waiters are
// woken in strict FIFO order. Consumption decays by continuous eviction
// of aged entries, never by boundary resets, so reopened capacity
// trickles instead of bursting.
package ratelimit

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTokenCeiling is returned when a single request's estimated token
// cost exceeds the endpoint's configured token ceiling outright. No
// amount of waiting can make such a grant legal.
var ErrTokenCeiling = errors.New("ratelimit: estimated tokens exceed endpoint ceiling")

// Config holds the ceilings for one endpoint.
type Config struct {
	RequestsPerWindow int           `yaml:"requests_per_window"`
	TokensPerWindow   int           `yaml:"tokens_per_window"`
	Window            time.Duration `yaml:"window"`
}

// DefaultConfig mirrors common provider entry-tier limits.
func DefaultConfig() Config {
	return Config{
		RequestsPerWindow: 3000,
		TokensPerWindow:   150000,
		Window:            time.Minute,
	}
}

type event struct {
	at     time.Time
	reqs   int
	tokens int
}

type waiter struct {
	tokens  int
	ready   chan struct{}
	granted bool
}

type endpointState struct {
	cfg          Config
	effReq       float64
	effTok       float64
	events       []event
	reqInWindow  int
	tokInWindow  int
	queue        *list.List
	lastThrottle time.Time
	timerArmed   bool
}

// Limiter tracks consumption per endpoint and gates submission.
type Limiter struct {
	mu        sync.Mutex
	defaults  Config
	overrides map[string]Config
	endpoints map[string]*endpointState

	// On a provider throttle signal the effective ceilings are
	// multiplied by backoffFactor; each clean window restores
	// restoreStep of the configured ceiling until fully recovered.
	backoffFactor float64
	restoreStep   float64

	now func() time.Time
}

// New creates a limiter with the given default ceilings. Per-endpoint
// overrides are applied lazily on first use.
func New(defaults Config, overrides map[string]Config) *Limiter {
	if defaults.Window <= 0 {
		defaults.Window = time.Minute
	}
	return &Limiter{
		defaults:      defaults,
		overrides:     overrides,
		endpoints:     make(map[string]*endpointState),
		backoffFactor: 0.5,
		restoreStep:   0.1,
		now:           time.Now,
	}
}

func (l *Limiter) endpoint(name string) *endpointState {
	if ep, ok := l.endpoints[name]; ok {
		return ep
	}
	cfg := l.defaults
	if o, ok := l.overrides[name]; ok {
		if o.Window <= 0 {
			o.Window = l.defaults.Window
		}
		cfg = o
	}
	ep := &endpointState{
		cfg:    cfg,
		effReq: float64(cfg.RequestsPerWindow),
		effTok: float64(cfg.TokensPerWindow),
		queue:  list.New(),
	}
	l.endpoints[name] = ep
	return ep
}

// Acquire blocks until the endpoint has headroom for one request of the
// given estimated token cost, or ctx is cancelled. Wakeups are FIFO in
// submission order.
func (l *Limiter) Acquire(ctx context.Context, endpoint string, estimatedTokens int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	ep := l.endpoint(endpoint)
	if ep.cfg.TokensPerWindow > 0 && estimatedTokens > ep.cfg.TokensPerWindow {
		l.mu.Unlock()
		return ErrTokenCeiling
	}
	l.evict(ep)
	l.restore(ep)
	if ep.queue.Len() == 0 && l.fits(ep, estimatedTokens) {
		l.consume(ep, estimatedTokens)
		l.mu.Unlock()
		return nil
	}

	w := &waiter{tokens: estimatedTokens, ready: make(chan struct{})}
	elem := ep.queue.PushBack(w)
	l.arm(endpoint, ep)
	l.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		if w.granted {
			l.mu.Unlock()
			return nil
		}
		ep.queue.Remove(elem)
		l.mu.Unlock()
		return ctx.Err()
	}
}

// Release reconciles an estimate with the actual token consumption the
// provider reported, correcting the live window instead of letting
// estimation error accumulate. A zero actual refunds the estimate
// (failed call, nothing consumed remotely counts against tokens).
func (l *Limiter) Release(endpoint string, estimatedTokens, actualTokens int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ep := l.endpoint(endpoint)
	delta := actualTokens - estimatedTokens
	if delta != 0 {
		ep.events = append(ep.events, event{at: l.now(), tokens: delta})
		ep.tokInWindow += delta
		if ep.tokInWindow < 0 {
			ep.tokInWindow = 0
		}
	}
	l.evict(ep)
	l.restore(ep)
	l.pump(endpoint, ep)
}

// ReportThrottle depresses the endpoint's effective ceilings after a
// provider-signaled rate-limit error. The depression is multiplicative
// and recovers gradually on clean windows (see restore).
func (l *Limiter) ReportThrottle(endpoint string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ep := l.endpoint(endpoint)
	ep.effReq *= l.backoffFactor
	ep.effTok *= l.backoffFactor
	if ep.effReq < 1 {
		ep.effReq = 1
	}
	if ep.cfg.TokensPerWindow > 0 && ep.effTok < 1 {
		ep.effTok = 1
	}
	ep.lastThrottle = l.now()
}

// InWindow returns current windowed consumption, for reporting.
func (l *Limiter) InWindow(endpoint string) (requests, tokens int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ep := l.endpoint(endpoint)
	l.evict(ep)
	return ep.reqInWindow, ep.tokInWindow
}

func (l *Limiter) fits(ep *endpointState, tokens int) bool {
	if ep.cfg.RequestsPerWindow > 0 && float64(ep.reqInWindow+1) > ep.effReq {
		return false
	}
	if ep.cfg.TokensPerWindow > 0 && float64(ep.tokInWindow+tokens) > ep.effTok {
		return false
	}
	return true
}

func (l *Limiter) consume(ep *endpointState, tokens int) {
	ep.events = append(ep.events, event{at: l.now(), reqs: 1, tokens: tokens})
	ep.reqInWindow++
	ep.tokInWindow += tokens
}

func (l *Limiter) evict(ep *endpointState) {
	cutoff := l.now().Add(-ep.cfg.Window)
	i := 0
	for ; i < len(ep.events); i++ {
		if ep.events[i].at.After(cutoff) {
			break
		}
		ep.reqInWindow -= ep.events[i].reqs
		ep.tokInWindow -= ep.events[i].tokens
	}
	if i > 0 {
		ep.events = append(ep.events[:0], ep.events[i:]...)
	}
	if ep.reqInWindow < 0 {
		ep.reqInWindow = 0
	}
	if ep.tokInWindow < 0 {
		ep.tokInWindow = 0
	}
}

// restore lifts depressed ceilings back toward configured values once a
// full window has passed without a throttle signal.
func (l *Limiter) restore(ep *endpointState) {
	if ep.lastThrottle.IsZero() {
		return
	}
	if l.now().Sub(ep.lastThrottle) < ep.cfg.Window {
		return
	}
	cfgReq := float64(ep.cfg.RequestsPerWindow)
	cfgTok := float64(ep.cfg.TokensPerWindow)
	ep.effReq += l.restoreStep * cfgReq
	ep.effTok += l.restoreStep * cfgTok
	if ep.effReq >= cfgReq {
		ep.effReq = cfgReq
	}
	if ep.effTok >= cfgTok {
		ep.effTok = cfgTok
	}
	if ep.effReq == cfgReq && ep.effTok == cfgTok {
		ep.lastThrottle = time.Time{}
	} else {
		// Partial recovery: keep the clock running so the next clean
		// window restores another step.
		ep.lastThrottle = l.now()
	}
}

// pump grants queued waiters for as long as the head of the queue fits.
// A blocked head blocks the tail: fairness is strict FIFO.
func (l *Limiter) pump(endpoint string, ep *endpointState) {
	for e := ep.queue.Front(); e != nil; {
		w := e.Value.(*waiter)
		if !l.fits(ep, w.tokens) {
			break
		}
		l.consume(ep, w.tokens)
		w.granted = true
		close(w.ready)
		next := e.Next()
		ep.queue.Remove(e)
		e = next
	}
	if ep.queue.Len() > 0 {
		l.arm(endpoint, ep)
	}
}

// arm schedules a wakeup at the next point capacity can reopen: when
// the oldest window entry ages out, or one window later if the queue is
// waiting on ceiling restoration alone.
func (l *Limiter) arm(endpoint string, ep *endpointState) {
	if ep.timerArmed {
		return
	}
	wait := ep.cfg.Window
	if len(ep.events) > 0 {
		until := ep.events[0].at.Add(ep.cfg.Window).Sub(l.now())
		if until < wait {
			wait = until
		}
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	ep.timerArmed = true
	time.AfterFunc(wait, func() {
		l.mu.Lock()
		ep.timerArmed = false
		l.evict(ep)
		l.restore(ep)
		l.pump(endpoint, ep)
		l.mu.Unlock()
	})
}
