package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/tailscale/hujson"

	"github.com/pblk-project/pblk-go"
	"github.com/pblk-project/pblk-go/ftl"
	"github.com/pblk-project/pblk-go/internal/logging"
)

// fileConfig is the JSONC shape accepted by --config; any field left zero
// keeps whatever the flag/default value already set, so a config file only
// needs to name the tunables it wants to override.
type fileConfig struct {
	Channels       int `json:"channels,omitempty"`
	LUNsPerChannel int `json:"luns_per_channel,omitempty"`
	PlanesPerLUN   int `json:"planes_per_lun,omitempty"`
	BlocksPerPlane int `json:"blocks_per_plane,omitempty"`
	PagesPerBlock  int `json:"pages_per_block,omitempty"`
	SectorsPerPage int `json:"sectors_per_page,omitempty"`
	SectorSize     int `json:"sector_size,omitempty"`

	WriteInflightCap     int `json:"write_inflight_cap,omitempty"`
	GCEmergencyThreshold int `json:"gc_emergency_threshold,omitempty"`
	BlockPoolQD          int `json:"block_pool_qd,omitempty"`
	MinWritePgs          int `json:"min_write_pgs,omitempty"`
	MaxWritePgs          int `json:"max_write_pgs,omitempty"`
}

// loadFileConfig reads a JSONC (hujson) config file and applies any fields
// it sets onto geom/cfg. An empty path is not an error: nothing is
// overridden and the CLI-flag/default values stand.
func loadFileConfig(path string, geom *ftl.Geometry, cfg *ftl.Config) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return fmt.Errorf("invalid JSONC in %s: %w", path, err)
	}
	var fc fileConfig
	if err := json.Unmarshal(standardized, &fc); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}

	if fc.Channels != 0 {
		geom.Channels = fc.Channels
	}
	if fc.LUNsPerChannel != 0 {
		geom.LUNsPerChannel = fc.LUNsPerChannel
	}
	if fc.PlanesPerLUN != 0 {
		geom.PlanesPerLUN = fc.PlanesPerLUN
	}
	if fc.BlocksPerPlane != 0 {
		geom.BlocksPerPlane = fc.BlocksPerPlane
	}
	if fc.PagesPerBlock != 0 {
		geom.PagesPerBlock = fc.PagesPerBlock
	}
	if fc.SectorsPerPage != 0 {
		geom.SectorsPerPage = fc.SectorsPerPage
	}
	if fc.SectorSize != 0 {
		geom.SectorSize = fc.SectorSize
	}

	if fc.WriteInflightCap != 0 {
		cfg.WriteInflightCap = fc.WriteInflightCap
	}
	if fc.GCEmergencyThreshold != 0 {
		cfg.GCEmergencyThreshold = fc.GCEmergencyThreshold
	}
	if fc.BlockPoolQD != 0 {
		cfg.BlockPoolQD = fc.BlockPoolQD
	}
	if fc.MinWritePgs != 0 {
		cfg.MinWritePgs = fc.MinWritePgs
	}
	if fc.MaxWritePgs != 0 {
		cfg.MaxWritePgs = fc.MaxWritePgs
	}
	return nil
}

func main() {
	geom := ftl.Geometry{
		Channels:       2,
		LUNsPerChannel: 2,
		PlanesPerLUN:   1,
		BlocksPerPlane: 32,
		PagesPerBlock:  256,
		SectorsPerPage: 4,
		SectorSize:     512,
	}
	cfg := ftl.DefaultConfig()

	var (
		configPath = pflag.StringP("config", "c", "", "JSONC config file overriding geometry/tunables")
		verbose    = pflag.BoolP("verbose", "v", false, "verbose output")
		minimal    = pflag.Bool("minimal", false, "use minimal queue parameters for debugging")
	)
	pflag.IntVar(&geom.Channels, "channels", geom.Channels, "number of channels")
	pflag.IntVar(&geom.LUNsPerChannel, "luns-per-channel", geom.LUNsPerChannel, "LUNs per channel")
	pflag.IntVar(&geom.PlanesPerLUN, "planes-per-lun", geom.PlanesPerLUN, "planes per LUN")
	pflag.IntVar(&geom.BlocksPerPlane, "blocks-per-plane", geom.BlocksPerPlane, "blocks per plane")
	pflag.IntVar(&geom.PagesPerBlock, "pages-per-block", geom.PagesPerBlock, "pages per block (one reserved for RLPG)")
	pflag.IntVar(&geom.SectorsPerPage, "sectors-per-page", geom.SectorsPerPage, "sectors per page")
	pflag.IntVar(&geom.SectorSize, "sector-size", geom.SectorSize, "sector size in bytes")
	pflag.IntVar(&cfg.WriteInflightCap, "write-inflight-cap", cfg.WriteInflightCap, "max admitted-but-not-retired sectors")
	pflag.IntVar(&cfg.GCEmergencyThreshold, "gc-emergency-threshold", cfg.GCEmergencyThreshold, "pre-erased blocks queued per LUN below which GC goes emergency")
	pflag.IntVar(&cfg.BlockPoolQD, "block-pool-qd", cfg.BlockPoolQD, "pre-erased blocks kept ready per LUN")
	pflag.IntVar(&cfg.MinWritePgs, "min-write-pgs", cfg.MinWritePgs, "minimum media-writer batch size in sectors")
	pflag.IntVar(&cfg.MaxWritePgs, "max-write-pgs", cfg.MaxWritePgs, "maximum media-writer batch size in sectors")
	pflag.Parse()

	if err := loadFileConfig(*configPath, &geom, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "pblk-device: %v\n", err)
		os.Exit(1)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	driver := ftl.NewMemDriver(geom)
	flt, err := ftl.New(driver, geom, cfg, logger)
	if err != nil {
		logger.Error("failed to construct FTL", "error", err)
		os.Exit(1)
	}
	flt.Start()
	defer flt.Close()

	params := pblk.DefaultParams(flt)
	if *minimal {
		params.QueueDepth = 1
		params.NumQueues = 1
		params.MaxIOSize = pblk.IOBufferSizePerTag
		logger.Info("using minimal queue depth for faster initialization", "depth", params.QueueDepth)
	} else {
		params.QueueDepth = 32
		params.NumQueues = 1
		params.MaxIOSize = pblk.IOBufferSizePerTag
	}
	params.LogicalBlockSize = geom.SectorSize

	// Critical for kernel 6.11+: use ioctl-encoded control commands.
	// This sets UBLK_F_CMD_IOCTL_ENCODE in the feature flags sent at ADD_DEV.
	params.EnableIoctlEncode = true

	options := &pblk.Options{}

	logger.Info("provisioning simulated OC-SSD",
		"channels", geom.Channels, "luns_per_channel", geom.LUNsPerChannel,
		"planes_per_lun", geom.PlanesPerLUN, "blocks_per_plane", geom.BlocksPerPlane,
		"pages_per_block", geom.PagesPerBlock, "sectors_per_page", geom.SectorsPerPage,
		"sector_size", geom.SectorSize, "capacity_bytes", geom.TotalDataBytes())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	device, err := pblk.CreateAndServe(ctx, params, options)
	if err != nil {
		logger.Error("failed to create device", "error", err)
		os.Exit(1)
	}
	defer func() {
		logger.Info("stopping device")
		if err := pblk.StopAndDelete(ctx, device); err != nil {
			logger.Error("error stopping device", "error", err)
		} else {
			logger.Info("device stopped successfully")
		}
	}()

	logger.Info("device created successfully",
		"block_device", device.Path,
		"char_device", device.CharPath,
		"capacity_bytes", geom.TotalDataBytes())

	fmt.Printf("Device created: %s\n", device.Path)
	fmt.Printf("Character device: %s\n", device.CharPath)
	fmt.Printf("Capacity: %d bytes\n", geom.TotalDataBytes())
	fmt.Printf("\nYou can now use the device:\n")
	fmt.Printf("  sudo mkfs.ext4 %s\n", device.Path)
	fmt.Printf("  sudo mkdir -p /mnt/pblk\n")
	fmt.Printf("  sudo mount %s /mnt/pblk\n", device.Path)
	fmt.Printf("\nPress Ctrl+C to stop...\n")
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks\n", os.Getpid())

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			logger.Info("=== GOROUTINE STACK TRACE DUMP ===")
			buf := make([]byte, 1024*1024)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n")
			fmt.Fprintf(os.Stderr, "%s\n", buf[:n])
			fmt.Fprintf(os.Stderr, "=== END STACK DUMP ===\n\n")

			filename := fmt.Sprintf("pblk-stacks-%d.txt", time.Now().Unix())
			if f, err := os.Create(filename); err == nil {
				fmt.Fprintf(f, "Goroutine stack dump at %s\n", time.Now().Format(time.RFC3339))
				fmt.Fprintf(f, "Process ID: %d\n\n", os.Getpid())
				f.Write(buf[:n])
				fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
				pprof.Lookup("goroutine").WriteTo(f, 2)
				f.Close()
				logger.Info("stack trace written to file", "file", filename)
			}
		}
	}()

	ftlMetricsCh := make(chan os.Signal, 1)
	signal.Notify(ftlMetricsCh, syscall.SIGUSR2)
	go func() {
		for range ftlMetricsCh {
			m := flt.Metrics()
			logger.Info("FTL metrics",
				"blocks_provisioned", m.BlocksProvisioned, "blocks_closed", m.BlocksClosed,
				"emergency_gc_events", m.EmergencyGCEvents, "write_failures", m.WriteFailures,
				"recovered_sectors", m.RecoveredSectors, "padded", m.Padded,
				"reads", m.Reads, "writes", m.Writes, "requeues", m.Requeues)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	cancel()

	cleanupDone := make(chan bool)
	go func() {
		if err := pblk.StopAndDelete(context.Background(), device); err != nil {
			logger.Error("error stopping device", "error", err)
		} else {
			logger.Info("device stopped successfully")
		}
		cleanupDone <- true
	}()

	select {
	case <-cleanupDone:
	case <-time.After(1 * time.Second):
		logger.Info("cleanup timeout, forcing exit")
	}

	if err := flt.Close(); err != nil {
		logger.Error("error closing FTL", "error", err)
	}

	os.Exit(0)
}
