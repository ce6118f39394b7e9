// Command pcap-analyse runs a capture of UWB ranging reports through the
// position pipeline offline and exports the solved positions per report.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/banshee-data/uwb.locator/internal/config"
	"github.com/banshee-data/uwb.locator/internal/fsutil"
	"github.com/banshee-data/uwb.locator/internal/network"
	"github.com/banshee-data/uwb.locator/internal/security"
	"github.com/banshee-data/uwb.locator/internal/tracking"
)

// Config holds configuration for the PCAP analysis.
type Config struct {
	PCAPFile   string
	SitePath   string
	OutputDir  string
	UDPPort    int
	ExportCSV  bool
	ExportJSON bool
}

// TagSummary counts what happened to one tag's reports.
type TagSummary struct {
	Reports      int            `json:"reports"`
	Solved       int            `json:"solved"`
	Projected    int            `json:"projected"`
	Origins      []string       `json:"origins"`
	StatusCounts map[string]int `json:"status_counts"`
}

// Sample is the tag state right after one report was applied.
type Sample struct {
	Seq      int
	Tag      string
	Origin   string
	Status   tracking.Status
	Position *[3]float64
	Screen   *[2]float64
}

// AnalysisResult holds the results of PCAP analysis.
type AnalysisResult struct {
	PCAPFile     string                `json:"pcap_file"`
	DurationSecs float64               `json:"duration_secs"`
	TotalPackets int                   `json:"total_packets"`
	Reports      int                   `json:"reports"`
	Rejected     int                   `json:"rejected"`
	Anchors      int                   `json:"anchors"`
	Calibrated   bool                  `json:"screen_calibrated"`
	Tags         map[string]TagSummary `json:"tags"`
	Samples      []Sample              `json:"-"`
}

// recorder applies every report to the store and keeps the resulting state.
type recorder struct {
	pipeline *tracking.Pipeline
	store    *tracking.Store
	result   *AnalysisResult
	origins  map[string]map[string]bool
}

func (r *recorder) Ingest(payload []byte, origin string) bool {
	rep, err := tracking.ParseReport(payload)
	if err != nil {
		return false
	}
	r.pipeline.Handle(rep, origin)
	state, ok := r.store.Tag(rep.Tag)
	if !ok {
		return true
	}

	s := Sample{Seq: len(r.result.Samples), Tag: rep.Tag, Origin: origin, Status: state.Status}
	sum := r.result.Tags[rep.Tag]
	if sum.StatusCounts == nil {
		sum.StatusCounts = map[string]int{}
	}
	sum.Reports++
	sum.StatusCounts[string(state.Status)]++
	if p := state.Position3D; p != nil {
		s.Position = &[3]float64{p.X, p.Y, p.Z}
		sum.Solved++
	}
	if uv := state.Position2D; uv != nil {
		s.Screen = &[2]float64{uv.U, uv.V}
		sum.Projected++
	}
	if r.origins[rep.Tag] == nil {
		r.origins[rep.Tag] = map[string]bool{}
	}
	if !r.origins[rep.Tag][origin] {
		r.origins[rep.Tag][origin] = true
		sum.Origins = append(sum.Origins, origin)
		sort.Strings(sum.Origins)
	}
	r.result.Tags[rep.Tag] = sum
	r.result.Samples = append(r.result.Samples, s)
	return true
}

// loadSite reads the site file without creating it.
func loadSite(path string) (config.Site, error) {
	if path == "" {
		return config.DefaultSite(), nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		log.Printf("site file %s not found, using default anchors", path)
		return config.DefaultSite(), nil
	}
	return config.LoadSite(fsutil.OSFileSystem{}, path)
}

func analyzePCAP(ctx context.Context, cfg Config) (*AnalysisResult, error) {
	site, err := loadSite(cfg.SitePath)
	if err != nil {
		return nil, fmt.Errorf("load site: %w", err)
	}
	store := tracking.NewStore(tracking.StoreConfig{Anchors: site.Anchors, Screen: site.Screen})
	result := &AnalysisResult{
		PCAPFile:   cfg.PCAPFile,
		Anchors:    len(site.Anchors),
		Calibrated: site.Screen != nil,
		Tags:       map[string]TagSummary{},
	}
	rec := &recorder{
		pipeline: tracking.NewPipeline(store, nil),
		store:    store,
		result:   result,
		origins:  map[string]map[string]bool{},
	}

	res, err := network.ReplayPCAPFile(ctx, cfg.PCAPFile, rec, network.ReplayOptions{Port: cfg.UDPPort})
	if err != nil {
		return nil, err
	}
	result.DurationSecs = res.Duration.Seconds()
	result.TotalPackets = res.Packets
	result.Reports = res.Reports
	result.Rejected = res.Rejected
	return result, nil
}

func printSummary(result *AnalysisResult) {
	fmt.Println("\n========== PCAP Analysis Summary ==========")
	fmt.Printf("File: %s\n", result.PCAPFile)
	fmt.Printf("Duration: %.1f seconds\n", result.DurationSecs)
	fmt.Printf("Packets: %d (%d reports, %d rejected)\n", result.TotalPackets, result.Reports, result.Rejected)
	fmt.Printf("Anchors: %d, screen calibrated: %t\n", result.Anchors, result.Calibrated)
	fmt.Println("\nTags:")

	ids := make([]string, 0, len(result.Tags))
	for id := range result.Tags {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		t := result.Tags[id]
		fmt.Printf("  %s: %d reports, %d solved, %d on screen, from %s\n",
			id, t.Reports, t.Solved, t.Projected, strings.Join(t.Origins, ","))
	}
	fmt.Println("=============================================")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func exportSamplesCSV(path string, samples []Sample) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"seq", "tag", "origin", "status", "x_m", "y_m", "z_m", "u", "v"}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, s := range samples {
		row := []string{strconv.Itoa(s.Seq), s.Tag, s.Origin, string(s.Status), "", "", "", "", ""}
		if p := s.Position; p != nil {
			row[4], row[5], row[6] = formatFloat(p[0]), formatFloat(p[1]), formatFloat(p[2])
		}
		if uv := s.Screen; uv != nil {
			row[7], row[8] = formatFloat(uv[0]), formatFloat(uv[1])
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func exportResults(cfg Config, result *AnalysisResult) error {
	baseName := security.ExportName(strings.TrimSuffix(filepath.Base(cfg.PCAPFile), filepath.Ext(cfg.PCAPFile)))

	if cfg.ExportJSON {
		jsonPath, err := security.JoinWithin(cfg.OutputDir, baseName+"_analysis.json")
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("JSON marshal: %w", err)
		}
		if err := os.WriteFile(jsonPath, data, 0644); err != nil {
			return fmt.Errorf("write JSON: %w", err)
		}
		fmt.Printf("JSON results: %s\n", jsonPath)
	}

	if cfg.ExportCSV && len(result.Samples) > 0 {
		csvPath, err := security.JoinWithin(cfg.OutputDir, baseName+"_positions.csv")
		if err != nil {
			return err
		}
		if err := exportSamplesCSV(csvPath, result.Samples); err != nil {
			return fmt.Errorf("write CSV: %w", err)
		}
		fmt.Printf("CSV positions: %s\n", csvPath)
	}
	return nil
}

func parseFlags() Config {
	cfg := Config{}
	flag.StringVar(&cfg.PCAPFile, "pcap", "", "Path to PCAP/PCAPNG file (required)")
	flag.StringVar(&cfg.SitePath, "config", config.DefaultSitePath, "Site file with anchors and screen plane")
	flag.StringVar(&cfg.OutputDir, "output", ".", "Output directory for results")
	flag.IntVar(&cfg.UDPPort, "port", network.DefaultPort, "UDP port carrying ranging reports")
	flag.BoolVar(&cfg.ExportCSV, "csv", true, "Export per-report positions to CSV")
	flag.BoolVar(&cfg.ExportJSON, "json", true, "Export the summary to JSON")
	flag.Parse()
	return cfg
}

func main() {
	cfg := parseFlags()

	if cfg.PCAPFile == "" {
		fmt.Fprintln(os.Stderr, "Error: PCAP file is required")
		flag.Usage()
		os.Exit(1)
	}
	if cfg.OutputDir != "" {
		if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
			log.Fatalf("Failed to create output directory: %v", err)
		}
	}

	result, err := analyzePCAP(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Analysis failed: %v", err)
	}
	printSummary(result)
	if err := exportResults(cfg, result); err != nil {
		log.Fatalf("Export failed: %v", err)
	}
}
