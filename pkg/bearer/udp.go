package bearer

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
)

// DefaultPort is the port the UDP bearer listens on when none is given.
const DefaultPort = 2902

// UDP is a Bearer that exchanges advertising payloads as UDP datagrams.
// Every datagram holds one payload of AD structures; Transmit sends a copy
// to each peer, standing in for the broadcast nature of advertising.
type UDP struct {
	conn    net.PacketConn
	peers   []net.Addr
	closeCh chan struct{}
	wg      sync.WaitGroup
	log     logging.LeveledLogger

	mu      sync.RWMutex
	handler Handler
	started bool
	closed  bool
}

// UDPConfig configures the UDP bearer.
type UDPConfig struct {
	// Conn is an optional pre-existing PacketConn to use.
	// If nil, a new connection is created on ListenAddr.
	Conn net.PacketConn

	// ListenAddr is the address to listen on (e.g. ":2902").
	// Ignored if Conn is provided.
	ListenAddr string

	// Peers receive every transmitted payload.
	Peers []net.Addr

	// LoggerFactory for logging. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// NewUDP creates a UDP bearer.
func NewUDP(config UDPConfig) (*UDP, error) {
	u := &UDP{
		conn:    config.Conn,
		peers:   config.Peers,
		closeCh: make(chan struct{}),
	}
	if config.LoggerFactory != nil {
		u.log = config.LoggerFactory.NewLogger("bearer-udp")
	}
	if u.conn == nil {
		addr := config.ListenAddr
		if addr == "" {
			addr = ":0"
		}
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return nil, err
		}
		u.conn = conn
	}
	return u, nil
}

// ResolvePeers resolves "host:port" strings into UDP addresses.
func ResolvePeers(peers []string) ([]net.Addr, error) {
	out := make([]net.Addr, 0, len(peers))
	for _, p := range peers {
		addr, err := net.ResolveUDPAddr("udp", p)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// Start begins the read loop.
func (u *UDP) Start(handler Handler) error {
	if handler == nil {
		return ErrNoHandler
	}
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	if u.started {
		u.mu.Unlock()
		return ErrAlreadyStarted
	}
	u.started = true
	u.handler = handler
	u.mu.Unlock()

	if u.log != nil {
		u.log.Infof("listening on %s, %d peers", u.conn.LocalAddr(), len(u.peers))
	}
	u.wg.Add(1)
	go u.readLoop()
	return nil
}

// Stop closes the bearer and waits for the read loop to exit.
func (u *UDP) Stop() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	u.closed = true
	u.mu.Unlock()

	close(u.closeCh)
	_ = u.conn.SetReadDeadline(time.Now())
	err := u.conn.Close()
	u.wg.Wait()
	return err
}

// Transmit sends ad to every peer.
func (u *UDP) Transmit(_ context.Context, ad AdvertisingData) error {
	u.mu.RLock()
	closed := u.closed
	u.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	payload, err := ad.Encode()
	if err != nil {
		return err
	}
	var errs []error
	for _, peer := range u.peers {
		if _, err := u.conn.WriteTo(payload, peer); err != nil {
			errs = append(errs, err)
		}
	}
	if u.log != nil {
		u.log.Tracef("tx type %#x, %d octets", ad.Type, len(ad.Data))
	}
	return errors.Join(errs...)
}

// LocalAddr returns the address the bearer listens on.
func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

func (u *UDP) readLoop() {
	defer u.wg.Done()

	buf := make([]byte, MaxAdvertisingPayload+1)
	for {
		n, _, err := u.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-u.closeCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if u.log != nil {
				u.log.Warnf("read error: %v", err)
			}
			continue
		}

		ads, err := ParseAdvertisingData(buf[:n])
		if err != nil {
			if u.log != nil {
				u.log.Debugf("dropping datagram: %v", err)
			}
			continue
		}

		u.mu.RLock()
		handler := u.handler
		u.mu.RUnlock()
		for _, ad := range ads {
			if ad.IsMesh() {
				handler(ad)
			}
		}
	}
}

var _ Bearer = (*UDP)(nil)
