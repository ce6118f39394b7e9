// Package network receives ranging reports over UDP, either live or
// replayed from a packet capture.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/banshee-data/uwb.locator/internal/monitoring"
)

// DefaultPort is the UDP port tags send reports to.
const DefaultPort = 16061

// maxDatagram is large enough for any JSON report a tag sends.
const maxDatagram = 4096

// Ingester consumes one report payload. origin identifies the sender.
type Ingester interface {
	Ingest(payload []byte, origin string) bool
}

// ListenerStats counts datagrams seen by a UDPListener.
type ListenerStats struct {
	Packets  uint64 `json:"packets"`
	Rejected uint64 `json:"rejected"`
}

// UDPListenerConfig configures a UDPListener.
type UDPListenerConfig struct {
	// Address is the host:port to bind, e.g. ":16061".
	Address string
	// RcvBuf is the socket receive buffer size; zero leaves the OS default.
	RcvBuf  int
	Factory UDPSocketFactory
	Ingest  Ingester
}

// UDPListener reads datagrams and hands each one to an Ingester, one at a
// time in arrival order.
type UDPListener struct {
	address string
	rcvBuf  int
	factory UDPSocketFactory
	ingest  Ingester

	packets  atomic.Uint64
	rejected atomic.Uint64
}

// NewUDPListener creates a listener. The real socket factory is used when
// none is supplied.
func NewUDPListener(cfg UDPListenerConfig) *UDPListener {
	factory := cfg.Factory
	if factory == nil {
		factory = RealUDPSocketFactory{}
	}
	addr := cfg.Address
	if addr == "" {
		addr = fmt.Sprintf(":%d", DefaultPort)
	}
	return &UDPListener{
		address: addr,
		rcvBuf:  cfg.RcvBuf,
		factory: factory,
		ingest:  cfg.Ingest,
	}
}

// Start binds the socket and processes datagrams until ctx is done.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := l.factory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	defer conn.Close()

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			monitoring.Logf("Warning: failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
		}
	}
	monitoring.Logf("[*] UDP listener started on %s", conn.LocalAddr())

	buffer := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("UDP listener stopping: %v", ctx.Err())
			return ctx.Err()
		default:
		}

		// The short deadline lets the loop notice cancellation.
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, from, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			monitoring.Logf("UDP read error: %v", err)
			continue
		}
		l.handle(buffer[:n], originOf(from))
	}
}

func (l *UDPListener) handle(payload []byte, origin string) {
	l.packets.Add(1)
	if l.ingest == nil {
		return
	}
	// buffer is reused by the next read.
	data := append([]byte(nil), payload...)
	if !l.ingest.Ingest(data, origin) {
		l.rejected.Add(1)
	}
}

// Stats returns the datagram counters.
func (l *UDPListener) Stats() ListenerStats {
	return ListenerStats{Packets: l.packets.Load(), Rejected: l.rejected.Load()}
}

func originOf(addr *net.UDPAddr) string {
	if addr == nil || addr.IP == nil {
		return "unknown"
	}
	return addr.IP.String()
}
