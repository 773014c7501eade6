package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/freeeve/worldstore/internal/region"
)

func main() {
	var (
		dir        = flag.String("dir", "./data/region", "region directory")
		outputPath = flag.String("output", "chunks.csv", "Output CSV file")
	)
	flag.Parse()

	if v := os.Getenv("WORLDSTORE_DIR"); v != "" {
		*dir = v
	}

	regions, err := region.ListRegions(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list regions: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Found %d region files in %s\n", len(regions), *dir)

	// Create output file
	outFile, err := os.Create(*outputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output file: %v\n", err)
		os.Exit(1)
	}
	defer outFile.Close()

	writer := csv.NewWriter(outFile)
	defer writer.Flush()

	// Write header
	if err := writer.Write([]string{"region", "x", "z", "sector", "sectors", "length", "format", "external", "timestamp"}); err != nil {
		fmt.Fprintf(os.Stderr, "write header: %v\n", err)
		os.Exit(1)
	}

	var chunks, external, failed uint64
	for _, rpos := range regions {
		n, ext, err := exportRegion(writer, *dir, rpos)
		if err != nil {
			fmt.Fprintf(os.Stderr, "region %s: %v\n", rpos, err)
			failed++
			continue
		}
		chunks += n
		external += ext
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		fmt.Fprintf(os.Stderr, "csv writer error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nDone! Exported %d chunks (%d external) from %d regions to %s (%d regions failed)\n",
		chunks, external, len(regions), *outputPath, failed)
}

func exportRegion(writer *csv.Writer, dir string, rpos region.RegionPos) (chunks, external uint64, err error) {
	rf, err := region.OpenFile(dir, rpos, region.FileOptions{})
	if err != nil {
		return 0, 0, err
	}
	defer rf.Close()

	slots, err := rf.Slots()
	if err != nil {
		return 0, 0, err
	}
	for _, s := range slots {
		row := []string{
			rpos.String(),
			strconv.Itoa(int(s.Pos.X)),
			strconv.Itoa(int(s.Pos.Z)),
			strconv.Itoa(s.Sector),
			strconv.Itoa(s.Sectors),
			strconv.Itoa(s.Length),
			s.Format.String(),
			strconv.FormatBool(s.External),
			s.Timestamp.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(row); err != nil {
			return chunks, external, fmt.Errorf("write row: %w", err)
		}
		chunks++
		if s.External {
			external++
		}
	}
	return chunks, external, nil
}
