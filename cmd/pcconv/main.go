// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Command pcconv converts LAS/LAZ point-cloud files into the V2
// (.ucpc) or V3 (.pcroot) output format.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/pointcloud/errors"
	"github.com/grailbio/pointcloud/eventlog"
	"github.com/grailbio/pointcloud/eventlog/cloudwatch"
	"github.com/grailbio/pointcloud/file"
	"github.com/grailbio/pointcloud/file/s3file"
	"github.com/grailbio/pointcloud/log"
	"github.com/grailbio/pointcloud/must"
	"github.com/grailbio/pointcloud/pcconv"
	"github.com/grailbio/pointcloud/settings"
	"github.com/grailbio/pointcloud/shutdown"
	"github.com/spf13/cobra"
)

var (
	flagInput                             string
	flagOutput                            string
	flagImportFormat                      string
	flagExportFormat                      string
	flagAutoOffset                        bool
	flagOffsetX, flagOffsetY, flagOffsetZ float64
	flagRGB                               bool
	flagIntensity                         bool
	flagGridSize                          float64
	flagMinPoints                         int
	flagScale                             float64
	flagSwap                              bool
	flagInvertX                           bool
	flagInvertZ                           bool
	flagPack                              bool
	flagPackMagic                         float64
	flagLimit                             int
	flagSkip                              int
	flagKeep                              int
	flagMaxFiles                          int
	flagRandomize                         bool
	flagSeed                              int64
	flagJSON                              bool
	flagMetadata                          bool
	flagMetadataOnly                      bool
	flagAverageTimestamp                  bool
	flagCheckOverlap                      bool
	flagMaxThreads                        int
	flagCustomIntensityRange              uint16
	flagCompress                          string
	flagEventLog                          string
	flagCloudWatchGroup                   string
	flagCloudWatchStream                  string
)

func main() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(s3file.NewDefaultProvider(), s3file.Options{})
	})
	// Registration only installs a factory; confirm it actually resolves to
	// an Implementation before any --input/--output s3:// path can reach
	// file.FindImplementation and fail confusingly deep in the run.
	must.True(file.FindImplementation("s3") != nil, "pcconv: s3 scheme registration failed")

	exitCode := pcconv.ExitSuccess
	cmd := newRootCmd()
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		code, err := runConvert(cmd, args)
		exitCode = code
		return err
	}
	if err := cmd.Execute(); err != nil {
		log.Error.Printf("pcconv: %v", err)
		if exitCode == pcconv.ExitSuccess {
			exitCode = pcconv.ExitError
		}
	}
	os.Exit(exitCode)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pcconv",
		Short: "Convert LAS/LAZ point clouds to UCPC or PCROOT",
	}
	f := cmd.Flags()
	f.StringVar(&flagInput, "input", "", "path or directory of input LAS/LAZ files")
	f.StringVar(&flagOutput, "output", "", "output file (ucpc) or output root path (pcroot)")
	f.StringVar(&flagImportFormat, "importformat", "las", "one of LAS, LAZ")
	f.StringVar(&flagExportFormat, "exportformat", "ucpc", "one of UCPC, PCROOT")
	f.BoolVar(&flagAutoOffset, "offset", false, "enable global auto-offset")
	f.Float64Var(&flagOffsetX, "offsetx", 0, "manual offset X, used when --offset is false")
	f.Float64Var(&flagOffsetY, "offsety", 0, "manual offset Y, used when --offset is false")
	f.Float64Var(&flagOffsetZ, "offsetz", 0, "manual offset Z, used when --offset is false")
	f.BoolVar(&flagRGB, "rgb", false, "include RGB color channels")
	f.BoolVar(&flagIntensity, "intensity", false, "include intensity channel")
	f.Float64Var(&flagGridSize, "gridsize", 0, "V3 cell size in source units")
	f.IntVar(&flagMinPoints, "minpoints", 0, "drop V3 tiles below this point count")
	f.Float64Var(&flagScale, "scale", 0, "multiplicative geometric scale; zero disables scaling")
	f.BoolVar(&flagSwap, "swap", false, "swap Y and Z axes")
	f.BoolVar(&flagInvertX, "invertx", false, "invert the X axis")
	f.BoolVar(&flagInvertZ, "invertz", false, "invert the Z axis")
	f.BoolVar(&flagPack, "pack", false, "pack V3 coordinates into fixed-point")
	f.Float64Var(&flagPackMagic, "packmagic", 1024, "V3 fixed-point packing scale factor")
	f.IntVar(&flagLimit, "limit", 0, "cap points written per file; zero means unlimited")
	f.IntVar(&flagSkip, "skip", 0, "drop every Nth point before --keep is applied")
	f.IntVar(&flagKeep, "keep", 0, "keep every Nth point after --skip is applied")
	f.IntVar(&flagMaxFiles, "maxfiles", 0, "cap the number of files processed; zero means all")
	f.BoolVar(&flagRandomize, "randomize", false, "randomize file processing order")
	f.Int64Var(&flagSeed, "seed", 0, "seed for --randomize")
	f.BoolVar(&flagJSON, "json", false, "emit structured log events to stdout when neither --eventlog nor --cloudwatch-log-group is set")
	f.BoolVar(&flagMetadata, "metadata", false, "capture per-file header metadata")
	f.BoolVar(&flagMetadataOnly, "metadataonly", false, "only capture metadata, skip point conversion")
	f.BoolVar(&flagAverageTimestamp, "averagetimestamp", false, "include an averaged time channel")
	f.BoolVar(&flagCheckOverlap, "checkoverlap", false, "warn when tiles are touched by more than one source file")
	f.IntVar(&flagMaxThreads, "maxthreads", 1, "worker parallelism bound")
	f.Uint16Var(&flagCustomIntensityRange, "customintensityrange", 0, "alternate intensity normalization range; zero uses the default")
	f.StringVar(&flagCompress, "compress", "", "compress the metadata sidecar: \"\", \"gz\", or \"zst\"")
	f.StringVar(&flagEventLog, "eventlog", "", "path to write newline-delimited JSON events; when empty, events go to stdout with --json and are discarded otherwise")
	f.StringVar(&flagCloudWatchGroup, "cloudwatch-log-group", "", "CloudWatch Logs group for conversion events; when set, takes precedence over --eventlog")
	f.StringVar(&flagCloudWatchStream, "cloudwatch-log-stream", "", "CloudWatch Logs stream name; empty generates one from the executable name and start time")
	return cmd
}

func runConvert(cmd *cobra.Command, args []string) (int, error) {
	s := settings.ImportSettings{
		Input:                flagInput,
		Output:               flagOutput,
		ImportFormat:         parseImportFormat(flagImportFormat),
		ExportFormat:         parseExportFormat(flagExportFormat),
		UseAutoOffset:        flagAutoOffset,
		Manual:               settings.ManualOffset{X: flagOffsetX, Y: flagOffsetY, Z: flagOffsetZ},
		ImportRGB:            flagRGB,
		ImportIntensity:      flagIntensity,
		GridSize:             flagGridSize,
		MinPointsPerTile:     flagMinPoints,
		UseScale:             flagScale != 0,
		Scale:                flagScale,
		SwapYZ:               flagSwap,
		InvertX:              flagInvertX,
		InvertZ:              flagInvertZ,
		PackColors:           flagPack,
		PackMagic:            flagPackMagic,
		Limit:                flagLimit,
		SkipEveryN:           flagSkip,
		KeepEveryN:           flagKeep,
		MaxFiles:             flagMaxFiles,
		Randomize:            flagRandomize,
		Seed:                 flagSeed,
		JSON:                 flagJSON,
		ImportMetadata:       flagMetadata,
		MetadataOnly:         flagMetadataOnly,
		AverageTimestamp:     flagAverageTimestamp,
		CheckOverlap:         flagCheckOverlap,
		MaxThreads:           flagMaxThreads,
		CustomIntensityRange: flagCustomIntensityRange,
		Compress:             flagCompress,
	}
	if !s.ImportRGB && !s.ImportIntensity {
		return pcconv.ExitError, errors.E(errors.Invalid, "pcconv: at least one of --rgb or --intensity must be set")
	}

	ctx, cancel := context.WithCancel(context.Background())

	ev, closeEv, err := newEventer(ctx, flagCloudWatchGroup, flagCloudWatchStream, flagEventLog)
	if err != nil {
		cancel()
		return pcconv.ExitError, err
	}
	if closeEv != nil {
		defer closeEv()
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	shutdown.Register(func() {
		signal.Stop(sigc)
		close(sigc)
	})
	go func() {
		if _, ok := <-sigc; ok {
			log.Info.Printf("pcconv: signal received, cancelling run")
			cancel()
		}
	}()
	defer func() {
		cancel()
		shutdown.Run()
	}()

	summary, err := pcconv.Run(ctx, s, ev)
	if err != nil {
		return pcconv.ExitError, err
	}
	log.Info.Printf("pcconv: done: filesOK=%d filesFailed=%d errors=%d tiles=%d",
		summary.FilesOK, summary.FilesFailed, summary.ErrorCount, summary.TilesWritten)
	return summary.ExitCode, nil
}

func parseImportFormat(s string) settings.Format {
	switch s {
	case "LAZ", "laz":
		return settings.LAZ
	default:
		return settings.LAS
	}
}

func parseExportFormat(s string) settings.Format {
	switch s {
	case "PCROOT", "pcroot":
		return settings.PCROOT
	default:
		return settings.UCPC
	}
}

func newEventer(ctx context.Context, cwGroup, cwStream, path string) (eventlog.Eventer, func(), error) {
	if cwGroup != "" {
		sess, err := session.NewSession()
		if err != nil {
			return nil, nil, errors.E(errors.Unavailable, "pcconv: cloudwatch session", err)
		}
		cw := cloudwatch.NewCloudWatchEventerFromSession(sess, cwGroup, cwStream)
		if err := cw.Init(ctx); err != nil {
			return nil, nil, errors.E(errors.Unavailable, "pcconv: cloudwatch init", err)
		}
		return cw, func() { cw.Close() }, nil
	}
	if path == "" {
		if flagJSON {
			return eventlog.NewJSONLEventer(os.Stdout), nil, nil
		}
		return eventlog.Nop{}, nil, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return eventlog.NewJSONLEventer(f), func() { f.Close() }, nil
}
