package bearer

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/test"
)

// Condition configures radio behaviour simulation on a Pipe.
type Condition struct {
	// DropRate is the probability of losing a payload (0.0 - 1.0).
	DropRate float64

	// DuplicateRate is the probability of delivering a payload twice (0.0 - 1.0).
	DuplicateRate float64
}

// Pipe connects two endpoints in memory. It wraps pion's test.Bridge and
// delivers queued packets from a background goroutine.
type Pipe struct {
	bridge *test.Bridge

	mu        sync.RWMutex
	condition Condition
	rng       *rand.Rand
	closed    bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewPipe creates a pipe delivering packets every interval (1ms if zero).
func NewPipe(interval time.Duration) *Pipe {
	if interval <= 0 {
		interval = time.Millisecond
	}
	p := &Pipe{
		bridge: test.NewBridge(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh: make(chan struct{}),
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.bridge.Tick()
			}
		}
	}()
	return p
}

// SetCondition configures loss and duplication in both directions.
func (p *Pipe) SetCondition(cond Condition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.condition = cond
}

// Conn0 returns endpoint 0 as a PacketConn.
func (p *Pipe) Conn0() net.PacketConn {
	return &pipeConn{conn: p.bridge.GetConn0(), local: PipeAddr(0), peer: PipeAddr(1), pipe: p}
}

// Conn1 returns endpoint 1 as a PacketConn.
func (p *Pipe) Conn1() net.PacketConn {
	return &pipeConn{conn: p.bridge.GetConn1(), local: PipeAddr(1), peer: PipeAddr(0), pipe: p}
}

// Close stops delivery and closes both endpoints.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopCh)
	p.mu.Unlock()
	p.wg.Wait()

	err0 := p.bridge.GetConn0().Close()
	err1 := p.bridge.GetConn1().Close()
	if err0 != nil {
		return err0
	}
	return err1
}

// NewPipeBearers returns two UDP bearers joined by a pipe.
func NewPipeBearers(p *Pipe) (*UDP, *UDP, error) {
	a, err := NewUDP(UDPConfig{Conn: p.Conn0(), Peers: []net.Addr{PipeAddr(1)}})
	if err != nil {
		return nil, nil, err
	}
	b, err := NewUDP(UDPConfig{Conn: p.Conn1(), Peers: []net.Addr{PipeAddr(0)}})
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

// PipeAddr is the address of a pipe endpoint.
type PipeAddr int

// Network returns "pipe".
func (a PipeAddr) Network() string { return "pipe" }

func (a PipeAddr) String() string { return fmt.Sprintf("pipe:%d", int(a)) }

// pipeConn adapts a pipe endpoint to net.PacketConn.
type pipeConn struct {
	conn  net.Conn
	local PipeAddr
	peer  PipeAddr
	pipe  *Pipe
}

func (c *pipeConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, err := c.conn.Read(b)
	return n, c.peer, err
}

// WriteTo ignores addr: a pipe has a single peer.
func (c *pipeConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	c.pipe.mu.Lock()
	cond := c.pipe.condition
	drop := cond.DropRate > 0 && c.pipe.rng.Float64() < cond.DropRate
	dup := cond.DuplicateRate > 0 && c.pipe.rng.Float64() < cond.DuplicateRate
	c.pipe.mu.Unlock()

	if drop {
		return len(b), nil
	}
	if dup {
		if _, err := c.conn.Write(b); err != nil {
			return 0, err
		}
	}
	return c.conn.Write(b)
}

func (c *pipeConn) Close() error                       { return c.conn.Close() }
func (c *pipeConn) LocalAddr() net.Addr                { return c.local }
func (c *pipeConn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *pipeConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *pipeConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

var _ net.PacketConn = (*pipeConn)(nil)
