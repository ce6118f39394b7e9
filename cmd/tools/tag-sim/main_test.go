package main

import (
	"context"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/uwb.locator/internal/config"
	"github.com/banshee-data/uwb.locator/internal/tracking"
)

func TestBuildReport_ParsesBack(t *testing.T) {
	anchors := config.DefaultSite().Anchors
	p := r3.Vec{X: 2, Y: 1, Z: 1.2}

	payload, err := buildReport("SIM0", p, anchors, rand.New(rand.NewSource(1)), 0, 0)
	require.NoError(t, err)

	rep, err := tracking.ParseReport(payload)
	require.NoError(t, err)
	assert.Equal(t, "SIM0", rep.Tag)
	require.Len(t, rep.Ranges, len(anchors))
	for _, rg := range rep.Ranges {
		require.NotNil(t, rg.Distance)
		assert.InDelta(t, r3.Norm(r3.Sub(p, anchors[rg.AnchorID])), *rg.Distance, 1e-9)
	}
}

func TestBuildReport_Dropout(t *testing.T) {
	anchors := config.DefaultSite().Anchors
	payload, err := buildReport("SIM0", r3.Vec{}, anchors, rand.New(rand.NewSource(1)), 0, 1)
	require.NoError(t, err)

	rep, err := tracking.ParseReport(payload)
	require.NoError(t, err)
	assert.Empty(t, rep.Ranges)
}

func TestWalkers(t *testing.T) {
	anchors := config.DefaultSite().Anchors
	ws := newWalkers(3, anchors)
	require.Len(t, ws, 3)
	assert.Equal(t, "SIM2", ws[2].id)

	for _, w := range ws {
		for _, d := range []time.Duration{0, time.Second, 5 * time.Second} {
			p := w.at(d)
			assert.InDelta(t, w.radius, r3.Norm(r3.Sub(p, w.center)), 1e-9)
			assert.Equal(t, 1.2, p.Z)
		}
		assert.InDelta(t, 0, r3.Norm(r3.Sub(w.at(0), w.at(w.period))), 1e-9)
	}
}

func TestRun_SendsReports(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	conn, err := net.Dial("udp", pc.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	anchors := config.DefaultSite().Anchors
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, conn, anchors, newWalkers(1, anchors), 5*time.Millisecond, rand.New(rand.NewSource(1)))
	}()

	buf := make([]byte, 4096)
	require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	cancel()
	require.NoError(t, <-done)

	rep, err := tracking.ParseReport(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, "SIM0", rep.Tag)
}
