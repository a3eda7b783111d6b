package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/banshee-data/elevation.map/internal/elevation/points"
	"github.com/banshee-data/elevation.map/internal/monitoring"
)

// DefaultPort is the UDP port batches are sent to when none is configured.
const DefaultPort = 7777

// Sink accepts decoded batches. It returns false when the batch was dropped.
type Sink interface {
	Submit(points.Batch) bool
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(points.Batch) bool

// Submit calls f.
func (f SinkFunc) Submit(b points.Batch) bool { return f(b) }

// Stats counts listener traffic. All fields are updated atomically.
type Stats struct {
	Packets   atomic.Int64
	Bytes     atomic.Int64
	Points    atomic.Int64
	Malformed atomic.Int64
	Dropped   atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Packets   int64 `json:"packets"`
	Bytes     int64 `json:"bytes"`
	Points    int64 `json:"points"`
	Malformed int64 `json:"malformed"`
	Dropped   int64 `json:"dropped"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Packets:   s.Packets.Load(),
		Bytes:     s.Bytes.Load(),
		Points:    s.Points.Load(),
		Malformed: s.Malformed.Load(),
		Dropped:   s.Dropped.Load(),
	}
}

// handle decodes one payload and forwards it to sink, updating the counters.
// A non-zero stamp overrides the batch timestamp.
func (s *Stats) handle(payload []byte, sink Sink, stamp time.Time) error {
	s.Packets.Add(1)
	s.Bytes.Add(int64(len(payload)))
	b, err := DecodeBatch(payload)
	if err != nil {
		s.Malformed.Add(1)
		return err
	}
	if !stamp.IsZero() {
		b.Timestamp = stamp
	}
	s.Points.Add(int64(b.Len()))
	if !sink.Submit(b) {
		s.Dropped.Add(1)
	}
	return nil
}

// UDPListenerConfig configures a UDPListener.
type UDPListenerConfig struct {
	// Address is the host:port to bind, e.g. ":7777".
	Address string
	// RcvBuf is the OS receive buffer size in bytes; 0 leaves the default.
	RcvBuf int
	// LogInterval is how often traffic counters are logged. Defaults to a minute.
	LogInterval time.Duration
	Sink        Sink
	// SocketFactory defaults to RealUDPSocketFactory.
	SocketFactory UDPSocketFactory
}

// UDPListener receives one PointBatch per datagram and submits it to a Sink.
type UDPListener struct {
	cfg   UDPListenerConfig
	stats Stats
}

// NewUDPListener creates a listener. Start binds the socket.
func NewUDPListener(cfg UDPListenerConfig) *UDPListener {
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = time.Minute
	}
	if cfg.SocketFactory == nil {
		cfg.SocketFactory = RealUDPSocketFactory{}
	}
	if cfg.Address == "" {
		cfg.Address = fmt.Sprintf(":%d", DefaultPort)
	}
	return &UDPListener{cfg: cfg}
}

// Stats returns the listener's traffic counters.
func (l *UDPListener) Stats() StatsSnapshot { return l.stats.Snapshot() }

// Start listens until ctx is cancelled. It returns ctx.Err() on shutdown and
// an error if the socket cannot be opened.
func (l *UDPListener) Start(ctx context.Context) error {
	if l.cfg.Sink == nil {
		return errors.New("udp listener: no sink configured")
	}
	addr, err := net.ResolveUDPAddr("udp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := l.cfg.SocketFactory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	defer conn.Close()

	if l.cfg.RcvBuf > 0 {
		if err := conn.SetReadBuffer(l.cfg.RcvBuf); err != nil {
			monitoring.Logf("[UDP] Warning: failed to set receive buffer to %d: %v", l.cfg.RcvBuf, err)
		}
	}
	monitoring.Logf("[UDP] listening for point batches on %s", conn.LocalAddr())

	go l.logStats(ctx)

	buffer := make([]byte, MaxDatagramSize)
	for {
		if ctx.Err() != nil {
			monitoring.Logf("[UDP] listener stopping: %v", ctx.Err())
			return ctx.Err()
		}
		// Short deadline so cancellation is noticed promptly.
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

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
			monitoring.Logf("[UDP] read error: %v", err)
			continue
		}

		if err := l.stats.handle(buffer[:n], l.cfg.Sink, time.Time{}); err != nil {
			monitoring.Debugf("[UDP] bad datagram from %v: %v", from, err)
		}
	}
}

func (l *UDPListener) logStats(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.LogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := l.stats.Snapshot()
			monitoring.Logf("[UDP] packets=%d bytes=%d points=%d malformed=%d dropped=%d",
				s.Packets, s.Bytes, s.Points, s.Malformed, s.Dropped)
		}
	}
}
