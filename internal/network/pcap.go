package network

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/uwb.locator/internal/monitoring"
	"github.com/banshee-data/uwb.locator/internal/timeutil"
)

// pcapngMagic is the section header block type that opens a pcapng file.
var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// ReplayOptions controls ReplayPCAP.
type ReplayOptions struct {
	// Port selects UDP datagrams by destination port. Zero uses DefaultPort.
	Port int
	// Realtime paces delivery by the capture timestamps.
	Realtime bool
	// Clock is used for pacing. Defaults to the real clock.
	Clock timeutil.Clock
}

// ReplayResult summarises a replay.
type ReplayResult struct {
	Packets  int
	Reports  int
	Rejected int
	Duration time.Duration
}

type packetDataSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// ReplayPCAPFile opens path and replays it with ReplayPCAP.
func ReplayPCAPFile(ctx context.Context, path string, ing Ingester, opts ReplayOptions) (ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer f.Close()
	return ReplayPCAP(ctx, f, ing, opts)
}

// ReplayPCAP feeds the UDP payloads in a pcap or pcapng capture to ing, as if
// they had arrived on the live listener. The sender IP is used as origin.
func ReplayPCAP(ctx context.Context, r io.Reader, ing Ingester, opts ReplayOptions) (ReplayResult, error) {
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	src, err := openCapture(r)
	if err != nil {
		return ReplayResult{}, err
	}

	var (
		res      ReplayResult
		first    time.Time
		last     time.Time
		started  = clock.Now()
		linkType = src.LinkType()
	)
	for {
		if err := ctx.Err(); err != nil {
			monitoring.Logf("PCAP replay stopping (processed %d packets): %v", res.Packets, err)
			return res, err
		}

		data, ci, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("failed to read packet %d: %w", res.Packets+1, err)
		}
		res.Packets++

		packet := gopacket.NewPacket(data, linkType, gopacket.Default)
		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || int(udp.DstPort) != port || len(udp.Payload) == 0 {
			continue
		}

		if opts.Realtime && !last.IsZero() {
			if gap := ci.Timestamp.Sub(last); gap > 0 {
				select {
				case <-ctx.Done():
					return res, ctx.Err()
				case <-clock.After(gap):
				}
			}
		}
		if first.IsZero() {
			first = ci.Timestamp
		}
		last = ci.Timestamp

		origin := "unknown"
		if nl := packet.NetworkLayer(); nl != nil {
			origin = nl.NetworkFlow().Src().String()
		}
		res.Reports++
		if !ing.Ingest(append([]byte(nil), udp.Payload...), origin) {
			res.Rejected++
		}
	}

	res.Duration = last.Sub(first)
	monitoring.Logf("PCAP replay complete: %d packets, %d reports (%d rejected) spanning %v in %v",
		res.Packets, res.Reports, res.Rejected, res.Duration, clock.Since(started))
	return res, nil
}

func openCapture(r io.Reader) (packetDataSource, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("failed to read capture header: %w", err)
	}
	if bytes.Equal(magic, pcapngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("failed to open pcapng capture: %w", err)
		}
		return ng, nil
	}
	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap capture: %w", err)
	}
	return pr, nil
}
