package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"ecgdigitize/pkg/config"
	"ecgdigitize/pkg/pipeline"
	"ecgdigitize/pkg/signal"
	"ecgdigitize/pkg/visualization"
)

// imageExtensions are the strip scan formats the driver accepts
var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".tif":  true,
	".tiff": true,
	".bmp":  true,
	".gif":  true,
}

// outcome carries one digitized strip back from the worker pool
type outcome struct {
	record string
	report *pipeline.Report
	err    error
}

func main() {
	// Parse command line arguments
	input := flag.String("input", "", "ECG strip image or directory of strip images")
	outputDir := flag.String("output", "digitized", "Directory for digitized CSV output")
	configPath := flag.String("config", "config.yaml", "Path to YAML configuration file")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to the config path and exit")
	numCores := flag.Int("cores", 0, "Number of CPU cores for batch processing (default: from config)")
	timeout := flag.Duration("timeout", 2*time.Minute, "Wall clock budget per strip")
	sampleRate := flag.Float64("rate", 0, "Output sample rate in Hz (default: from config)")
	paperSpeed := flag.Float64("speed", 0, "Paper speed in mm/s (default: from config)")
	gain := flag.Float64("gain", 0, "Amplitude scale in mm/mV (default: from config)")
	plotLeads := flag.Bool("plot-leads", false, "Render a stacked lead plot per record")
	saveIntermediary := flag.Bool("save-intermediary", false, "Save intermediary planes during processing")
	intermediaryDir := flag.String("intermediary-dir", "intermediary_results", "Directory to save intermediary planes")
	quiet := flag.Bool("quiet", false, "Suppress per-stage progress output")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write default config: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *configPath)
		return
	}

	// Validate inputs
	if *input == "" {
		flag.Usage()
		os.Exit(1)
	}

	// Load configuration and apply flag overrides
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *numCores > 0 {
		cfg.Processing.NumCores = *numCores
	}
	if *sampleRate > 0 {
		cfg.Assumptions.SampleRate = *sampleRate
	}
	if *paperSpeed > 0 {
		cfg.Assumptions.PaperSpeed = *paperSpeed
	}
	if *gain > 0 {
		cfg.Assumptions.AmplitudeScale = *gain
	}
	if *plotLeads {
		cfg.Output.PlotLeads = true
	}
	if *saveIntermediary {
		cfg.Output.SaveIntermediaryResults = true
		cfg.Output.IntermediaryDir = *intermediaryDir
	}
	if *quiet {
		cfg.Output.Verbose = false
	}

	paths, err := collectInputs(*input)
	if err != nil {
		log.Fatalf("Failed to collect input images: %v", err)
	}
	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	workers := cfg.Processing.NumCores
	if workers < 1 {
		workers = 1
	}
	if workers > len(paths) {
		workers = len(paths)
	}

	fmt.Println("================================")
	fmt.Println("ECG PAPER STRIP DIGITIZATION")
	fmt.Println("================================")
	fmt.Printf("Digitizing %d strip(s) with %d worker(s)...\n\n", len(paths), workers)

	pipe := pipeline.New(cfg)
	startTime := time.Now()

	// Bounded worker pool over the input strips
	jobs := make(chan string)
	results := make(chan outcome)
	for w := 0; w < workers; w++ {
		go func() {
			for path := range jobs {
				results <- digitizeOne(pipe, path, *timeout, *outputDir, cfg.Output.PlotLeads)
			}
		}()
	}
	go func() {
		for _, path := range paths {
			jobs <- path
		}
		close(jobs)
	}()

	failed := 0
	for i := range paths {
		o := <-results
		switch {
		case o.report != nil:
			fmt.Printf("[%d/%d] %s\n", i+1, len(paths), o.report.Summary())
		case o.err != nil:
			fmt.Printf("[%d/%d] %s: FAILED: %v\n", i+1, len(paths), o.record, o.err)
		}
		if o.err != nil {
			failed++
		}
	}
	processingTime := time.Since(startTime)

	fmt.Printf("\nBatch completed in %.2f seconds!\n", processingTime.Seconds())
	fmt.Printf("Processed: %d, succeeded: %d, failed: %d\n", len(paths), len(paths)-failed, failed)
	fmt.Printf("CSV output saved to: %s\n", *outputDir)

	if cfg.Output.SaveIntermediaryResults {
		fmt.Println("\nIntermediary planes saved to:")
		fmt.Printf("%s\n", cfg.Output.IntermediaryDir)
		fmt.Println("The following stages were saved per record:")
		fmt.Println("- 02_trace_<tier>: Trace ink plane after separation")
		fmt.Println("- 02_grid_<tier>: Grid ink plane after separation")
		fmt.Println("- 05_rectified_<tier>: Trace plane after geometric correction")
	}

	if failed == len(paths) {
		os.Exit(1)
	}
}

// digitizeOne runs the pipeline on a single strip and writes its outputs
func digitizeOne(pipe *pipeline.Pipeline, path string, timeout time.Duration, outputDir string, plotLeads bool) outcome {
	record := recordName(path)

	img, err := imaging.Open(path)
	if err != nil {
		return outcome{record: record, err: fmt.Errorf("failed to open %s: %w", path, err)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	res, err := pipe.Run(ctx, pipeline.Input{Record: record, Image: img})
	if err != nil {
		return outcome{record: record, report: res.Report, err: err}
	}

	if err := writeRecordCSV(outputDir, res); err != nil {
		return outcome{record: record, report: res.Report, err: fmt.Errorf("failed to write CSV: %w", err)}
	}

	if plotLeads {
		plotter := visualization.NewPlotter(res.Series, visualization.DefaultSpacingMV)
		plotPath := filepath.Join(outputDir, record+"_leads.png")
		if err := plotter.SaveStacked(plotPath); err != nil {
			log.Printf("Warning: Failed to save lead plot for %s: %v", record, err)
		}
	}

	return outcome{record: record, report: res.Report}
}

// collectInputs expands the input argument into a sorted list of image paths
func collectInputs(input string) ([]string, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{input}, nil
	}

	entries, err := os.ReadDir(input)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			paths = append(paths, filepath.Join(input, entry.Name()))
		}
	}
	sort.Strings(paths)

	if len(paths) == 0 {
		return nil, fmt.Errorf("no image files found in %s", input)
	}
	return paths, nil
}

// recordName derives the record identifier from the image filename
func recordName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// writeRecordCSV writes the flattened id/value projection for one record
func writeRecordCSV(dir string, res *pipeline.Result) error {
	file, err := os.Create(filepath.Join(dir, res.Record+".csv"))
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write([]string{"id", "value"}); err != nil {
		return err
	}
	for _, row := range res.Rows() {
		if err := w.Write([]string{row.ID, signal.FormatValue(row.Value)}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
