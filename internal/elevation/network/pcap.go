package network

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/elevation.map/internal/monitoring"
)

// ReplayConfig configures a pcap replay.
type ReplayConfig struct {
	// Port keeps only UDP datagrams sent to this destination port. Zero keeps
	// every UDP datagram.
	Port int
	// SpeedMultiplier paces packets by their capture timestamps (1.0 = real
	// time, 2.0 = twice as fast). Zero replays as fast as the sink accepts.
	SpeedMultiplier float64
	// RewriteStamps replaces each batch timestamp with the packet capture time.
	RewriteStamps bool
}

// ReplayPCAPFile opens path and replays it with ReplayPCAP.
func ReplayPCAPFile(ctx context.Context, path string, cfg ReplayConfig, sink Sink) (StatsSnapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return StatsSnapshot{}, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer f.Close()
	return ReplayPCAP(ctx, f, cfg, sink)
}

// ReplayPCAP reads a classic pcap stream and submits every PointBatch found
// in matching UDP payloads to sink, in capture order. It returns when the
// capture is exhausted or ctx is cancelled.
func ReplayPCAP(ctx context.Context, r io.Reader, cfg ReplayConfig, sink Sink) (StatsSnapshot, error) {
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return StatsSnapshot{}, fmt.Errorf("failed to read PCAP header: %w", err)
	}
	source := gopacket.NewPacketSource(reader, reader.LinkType())
	source.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}

	var stats Stats
	start := time.Now()
	var first time.Time
	for {
		if err := ctx.Err(); err != nil {
			monitoring.Logf("[PCAP] replay stopping (processed %d packets): %v", stats.Packets.Load(), err)
			return stats.Snapshot(), err
		}

		packet, err := source.NextPacket()
		if err == io.EOF {
			s := stats.Snapshot()
			monitoring.Logf("[PCAP] replay complete: %d batches, %d points in %v",
				s.Packets, s.Points, time.Since(start))
			return s, nil
		}
		if err != nil {
			// Truncated trailing records are common in captures cut short.
			monitoring.Logf("[PCAP] stopping on read error: %v", err)
			return stats.Snapshot(), nil
		}

		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if cfg.Port != 0 && int(udp.DstPort) != cfg.Port {
			continue
		}

		captured := packet.Metadata().Timestamp
		if cfg.SpeedMultiplier > 0 {
			if first.IsZero() {
				first = captured
			}
			due := start.Add(time.Duration(float64(captured.Sub(first)) / cfg.SpeedMultiplier))
			if wait := time.Until(due); wait > 0 {
				select {
				case <-ctx.Done():
					return stats.Snapshot(), ctx.Err()
				case <-time.After(wait):
				}
			}
		}

		var stamp time.Time
		if cfg.RewriteStamps {
			stamp = captured
		}
		if err := stats.handle(udp.Payload, sink, stamp); err != nil {
			monitoring.Debugf("[PCAP] packet %d: %v", stats.Packets.Load(), err)
		}
	}
}
