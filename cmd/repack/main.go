package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/freeeve/worldstore/internal/logx"
	"github.com/freeeve/worldstore/internal/region"
)

// repack copies every chunk of a world into a fresh directory, re-encoding
// with the chosen compression. Rewriting from scratch also drops the free
// gaps left behind by overwrites.
func main() {
	var (
		srcDir      = flag.String("src", "./data/region", "source region directory")
		dstDir      = flag.String("dst", "./data/region.repacked", "destination region directory")
		compression = flag.String("compression", "deflate", "compression for the copy: gzip, deflate, none, lz4, zstd, snappy")
		workers     = flag.Int("workers", runtime.NumCPU(), "regions copied in parallel")
	)
	flag.Parse()

	logger := logx.NewLogger()

	format, name, err := region.ParseFormat(*compression)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse compression")
	}
	comp := region.Compression{Format: format, Name: name}

	regions, err := region.ListRegions(*srcDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("list regions")
	}
	if err := os.MkdirAll(*dstDir, 0755); err != nil {
		logger.Fatal().Err(err).Msg("create destination")
	}
	if existing, _ := region.ListRegions(*dstDir); len(existing) > 0 {
		logger.Fatal().Str("dst", *dstDir).Int("regions", len(existing)).Msg("destination already holds region files")
	}

	logger.Info().
		Str("src", *srcDir).
		Str("dst", *dstDir).
		Str("compression", comp.String()).
		Int("regions", len(regions)).
		Msg("repacking")

	var chunks, skipped atomic.Int64
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(*workers)
	for _, rpos := range regions {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, s, err := repackRegion(*srcDir, *dstDir, rpos, comp)
			chunks.Add(n)
			skipped.Add(s)
			if err != nil {
				return fmt.Errorf("region %s: %w", rpos, err)
			}
			logger.Debug().Stringer("region", rpos).Int64("chunks", n).Msg("region repacked")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("repack failed")
	}

	logger.Info().
		Int64("chunks", chunks.Load()).
		Int64("skipped", skipped.Load()).
		Int("regions", len(regions)).
		Msg("repack complete")
}

// repackRegion copies one region. Chunks that read as absent (corrupt) are
// counted as skipped.
func repackRegion(srcDir, dstDir string, rpos region.RegionPos, comp region.Compression) (copied, skipped int64, err error) {
	src, err := region.OpenFile(srcDir, rpos, region.FileOptions{})
	if err != nil {
		return 0, 0, err
	}
	defer src.Close()

	slots, err := src.Slots()
	if err != nil {
		return 0, 0, err
	}
	if len(slots) == 0 {
		return 0, 0, nil
	}

	// Keep the original write times.
	var stamp time.Time
	dst, err := region.OpenFile(dstDir, rpos, region.FileOptions{
		Compression: comp,
		Clock:       func() time.Time { return stamp },
	})
	if err != nil {
		return 0, 0, err
	}
	defer dst.Close()

	for _, s := range slots {
		data, err := src.Read(s.Pos)
		if err != nil {
			return copied, skipped, err
		}
		if data == nil {
			skipped++
			continue
		}
		stamp = s.Timestamp
		if err := dst.Write(s.Pos, data); err != nil {
			return copied, skipped, err
		}
		copied++
	}
	if err := dst.Flush(); err != nil {
		return copied, skipped, err
	}
	return copied, skipped, nil
}
