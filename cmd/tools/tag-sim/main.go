// Command tag-sim sends synthetic ranging reports for tags walking circles
// through the room, for exercising uwb-locator without hardware.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"math"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/uwb.locator/internal/config"
	"github.com/banshee-data/uwb.locator/internal/fsutil"
	"github.com/banshee-data/uwb.locator/internal/geometry"
	"github.com/banshee-data/uwb.locator/internal/network"
)

var (
	target   = flag.String("addr", fmt.Sprintf("127.0.0.1:%d", network.DefaultPort), "UDP address of the locator")
	sitePath = flag.String("config", config.DefaultSitePath, "Site file with anchor positions")
	numTags  = flag.Int("tags", 2, "Number of simulated tags")
	rate     = flag.Float64("rate", 10, "Reports per second per tag")
	noise    = flag.Float64("noise", 0.02, "Standard deviation of range noise in meters")
	dropout  = flag.Float64("dropout", 0, "Probability that an anchor is left out of a report")
)

type wireRange struct {
	ID       string   `json:"id"`
	Distance *float64 `json:"distance"`
}

type wireReport struct {
	Tag     string      `json:"tag"`
	Anchors []wireRange `json:"anchors"`
}

// walker moves a tag on a horizontal circle around the anchor centroid.
type walker struct {
	id     string
	center r3.Vec
	radius float64
	period time.Duration
	phase  float64
}

func (w walker) at(elapsed time.Duration) r3.Vec {
	theta := w.phase + 2*math.Pi*elapsed.Seconds()/w.period.Seconds()
	return r3.Vec{
		X: w.center.X + w.radius*math.Cos(theta),
		Y: w.center.Y + w.radius*math.Sin(theta),
		Z: w.center.Z,
	}
}

func newWalkers(n int, anchors geometry.AnchorSet) []walker {
	var c r3.Vec
	for _, a := range anchors {
		c = r3.Add(c, a)
	}
	if len(anchors) > 0 {
		c = r3.Scale(1/float64(len(anchors)), c)
	}
	c.Z = 1.2

	ws := make([]walker, n)
	for i := range ws {
		ws[i] = walker{
			id:     fmt.Sprintf("SIM%d", i),
			center: c,
			radius: 0.5 + 0.3*float64(i),
			period: time.Duration(8+2*i) * time.Second,
			phase:  float64(i) * math.Pi / 3,
		}
	}
	return ws
}

// buildReport encodes the ranges from p to every anchor, with gaussian noise
// and random dropouts drawn from rng.
func buildReport(tag string, p r3.Vec, anchors geometry.AnchorSet, rng *rand.Rand, sigma, drop float64) ([]byte, error) {
	rep := wireReport{Tag: tag, Anchors: make([]wireRange, 0, len(anchors))}
	for _, id := range anchors.IDs() {
		if drop > 0 && rng.Float64() < drop {
			continue
		}
		d := r3.Norm(r3.Sub(p, anchors[id])) + rng.NormFloat64()*sigma
		if d < 0 {
			d = 0
		}
		rep.Anchors = append(rep.Anchors, wireRange{ID: id, Distance: &d})
	}
	return json.Marshal(rep)
}

func loadAnchors(path string) (geometry.AnchorSet, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return config.DefaultSite().Anchors, nil
	}
	site, err := config.LoadSite(fsutil.OSFileSystem{}, path)
	if err != nil {
		return nil, err
	}
	return site.Anchors, nil
}

func run(ctx context.Context, conn net.Conn, anchors geometry.AnchorSet, walkers []walker, interval time.Duration, rng *rand.Rand) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	sent := 0
	for {
		select {
		case <-ctx.Done():
			log.Printf("sent %d reports", sent)
			return nil
		case now := <-ticker.C:
			for _, w := range walkers {
				payload, err := buildReport(w.id, w.at(now.Sub(start)), anchors, rng, *noise, *dropout)
				if err != nil {
					return err
				}
				if _, err := conn.Write(payload); err != nil {
					log.Printf("send error: %v", err)
					continue
				}
				sent++
			}
		}
	}
}

func main() {
	flag.Parse()
	if *numTags < 1 || *rate <= 0 {
		log.Fatal("-tags must be at least 1 and -rate must be positive")
	}

	anchors, err := loadAnchors(*sitePath)
	if err != nil {
		log.Fatalf("failed to load anchors: %v", err)
	}
	conn, err := net.Dial("udp", *target)
	if err != nil {
		log.Fatalf("failed to dial %s: %v", *target, err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	walkers := newWalkers(*numTags, anchors)
	log.Printf("simulating %d tags against %d anchors, sending to %s", len(walkers), len(anchors), *target)
	interval := time.Duration(float64(time.Second) / *rate)
	if err := run(ctx, conn, anchors, walkers, interval, rand.New(rand.NewSource(time.Now().UnixNano()))); err != nil {
		log.Fatal(err)
	}
}
