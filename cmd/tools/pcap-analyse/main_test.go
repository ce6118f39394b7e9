package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/uwb.locator/internal/config"
	"github.com/banshee-data/uwb.locator/internal/fsutil"
	"github.com/banshee-data/uwb.locator/internal/geometry"
	"github.com/banshee-data/uwb.locator/internal/network"
	"github.com/banshee-data/uwb.locator/internal/tracking"
)

var testAnchors = geometry.AnchorSet{
	"A0": {X: 0, Y: 0, Z: 2.5},
	"A1": {X: 4, Y: 0, Z: 0.5},
	"A2": {X: 4, Y: 3, Z: 2.5},
	"A3": {X: 0, Y: 3, Z: 0.5},
}

func reportFor(tag string, p r3.Vec) string {
	var parts []string
	for _, id := range testAnchors.IDs() {
		d := r3.Norm(r3.Sub(p, testAnchors[id]))
		parts = append(parts, fmt.Sprintf(`{"id":%q,"distance":%.9f}`, id, d))
	}
	return fmt.Sprintf(`{"tag":%q,"anchors":[%s]}`, tag, strings.Join(parts, ","))
}

type datagram struct {
	src     net.IP
	payload string
	at      time.Time
}

func writeTestCapture(t *testing.T, path string, dgrams []datagram) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	for _, d := range dgrams {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
			DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: d.src, DstIP: net.IPv4(192, 168, 1, 1)}
		udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(network.DefaultPort)}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

		sb := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(sb, opts, eth, ip, udp, gopacket.Payload(d.payload)))
		data := sb.Bytes()
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{Timestamp: d.at, CaptureLength: len(data), Length: len(data)}, data))
	}
}

func setup(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	sitePath := filepath.Join(dir, "site.json")
	require.NoError(t, config.SaveSite(fsutil.OSFileSystem{}, sitePath, config.Site{Anchors: testAnchors}))

	t0 := time.Unix(1700000000, 0)
	pcapPath := filepath.Join(dir, "session.pcap")
	writeTestCapture(t, pcapPath, []datagram{
		{src: net.IPv4(10, 0, 0, 5), payload: reportFor("T1", r3.Vec{X: 1, Y: 1, Z: 1}), at: t0},
		{src: net.IPv4(10, 0, 0, 6), payload: reportFor("T2", r3.Vec{X: 3, Y: 2, Z: 1.5}), at: t0.Add(time.Second)},
		{src: net.IPv4(10, 0, 0, 5), payload: "garbage", at: t0.Add(2 * time.Second)},
		{src: net.IPv4(10, 0, 0, 7), payload: reportFor("T1", r3.Vec{X: 1.5, Y: 1, Z: 1}), at: t0.Add(4 * time.Second)},
	})

	return Config{
		PCAPFile:   pcapPath,
		SitePath:   sitePath,
		OutputDir:  dir,
		ExportCSV:  true,
		ExportJSON: true,
	}
}

func TestAnalyzePCAP(t *testing.T) {
	cfg := setup(t)

	result, err := analyzePCAP(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, 4, result.TotalPackets)
	assert.Equal(t, 4, result.Reports)
	assert.Equal(t, 1, result.Rejected)
	assert.InDelta(t, 4.0, result.DurationSecs, 1e-9)
	assert.Equal(t, 4, result.Anchors)
	assert.False(t, result.Calibrated)

	require.Contains(t, result.Tags, "T1")
	t1 := result.Tags["T1"]
	assert.Equal(t, 2, t1.Reports)
	assert.Equal(t, 2, t1.Solved)
	assert.Zero(t, t1.Projected)
	assert.Equal(t, []string{"10.0.0.5", "10.0.0.7"}, t1.Origins)
	assert.Equal(t, 2, t1.StatusCounts[string(tracking.StatusNeedsCalibration)])

	require.Len(t, result.Samples, 3)
	last := result.Samples[2]
	assert.Equal(t, "T1", last.Tag)
	assert.Equal(t, "10.0.0.7", last.Origin)
	require.NotNil(t, last.Position)
	assert.InDelta(t, 1.5, last.Position[0], 0.05)
	assert.InDelta(t, 1.0, last.Position[1], 0.05)
	assert.InDelta(t, 1.0, last.Position[2], 0.05)
	assert.Nil(t, last.Screen)
}

func TestAnalyzePCAP_MissingSiteUsesDefaults(t *testing.T) {
	cfg := setup(t)
	cfg.SitePath = filepath.Join(t.TempDir(), "absent.json")

	result, err := analyzePCAP(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, len(config.DefaultSite().Anchors), result.Anchors)
	_, statErr := os.Stat(cfg.SitePath)
	assert.True(t, os.IsNotExist(statErr), "analysis must not create the site file")
}

func TestAnalyzePCAP_MissingCapture(t *testing.T) {
	cfg := setup(t)
	cfg.PCAPFile = filepath.Join(t.TempDir(), "nope.pcap")
	_, err := analyzePCAP(context.Background(), cfg)
	assert.Error(t, err)
}

func TestExportResults(t *testing.T) {
	cfg := setup(t)
	result, err := analyzePCAP(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, exportResults(cfg, result))

	data, err := os.ReadFile(filepath.Join(cfg.OutputDir, "session_analysis.json"))
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, cfg.PCAPFile, decoded["pcap_file"])
	assert.EqualValues(t, 4, decoded["reports"])
	assert.NotContains(t, decoded, "Samples")

	f, err := os.Open(filepath.Join(cfg.OutputDir, "session_positions.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"seq", "tag", "origin", "status", "x_m", "y_m", "z_m", "u", "v"}, rows[0])
	assert.Equal(t, "T2", rows[2][1])
	assert.Equal(t, "10.0.0.6", rows[2][2])
	assert.Equal(t, "", rows[2][7])
}

func TestExportResults_Disabled(t *testing.T) {
	cfg := setup(t)
	cfg.ExportCSV, cfg.ExportJSON = false, false
	result, err := analyzePCAP(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, exportResults(cfg, result))

	_, err = os.Stat(filepath.Join(cfg.OutputDir, "session_analysis.json"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(cfg.OutputDir, "session_positions.csv"))
	assert.True(t, os.IsNotExist(err))
}
