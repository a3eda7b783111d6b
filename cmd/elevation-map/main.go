// Command elevation-map fuses range-sensor point clouds into a rolling
// terrain elevation grid and publishes it over gRPC and HTTP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/elevation.map/internal/config"
	"github.com/banshee-data/elevation.map/internal/elevation/export"
	"github.com/banshee-data/elevation.map/internal/elevation/frames"
	"github.com/banshee-data/elevation.map/internal/elevation/grid"
	"github.com/banshee-data/elevation.map/internal/elevation/monitor"
	"github.com/banshee-data/elevation.map/internal/elevation/network"
	"github.com/banshee-data/elevation.map/internal/elevation/pipeline"
	"github.com/banshee-data/elevation.map/internal/elevation/points"
	"github.com/banshee-data/elevation.map/internal/elevation/posefeed"
	"github.com/banshee-data/elevation.map/internal/elevation/rpc"
	"github.com/banshee-data/elevation.map/internal/elevation/storage/sqlite"
	"github.com/banshee-data/elevation.map/internal/monitoring"
	"github.com/banshee-data/elevation.map/internal/version"
)

// transformFlags collects repeated -tf values.
type transformFlags []string

func (t *transformFlags) String() string { return strings.Join(*t, "; ") }

func (t *transformFlags) Set(v string) error {
	*t = append(*t, v)
	return nil
}

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Path to the map configuration JSON")
	listen      = flag.String("listen", ":8080", "HTTP listen address (empty to disable)")
	grpcListen  = flag.String("grpc", ":50051", "gRPC listen address (empty to disable)")
	udpListen   = flag.String("udp", fmt.Sprintf(":%d", network.DefaultPort), "UDP address for point batches (empty to disable)")
	udpRcvBuf   = flag.Int("udp-rcvbuf", 4<<20, "UDP receive buffer in bytes")
	pcapFile    = flag.String("pcap", "", "Replay point batches from a pcap capture instead of listening")
	pcapSpeed   = flag.Float64("pcap-speed", 1, "Replay speed multiplier (0 replays as fast as possible)")
	pcapRestamp = flag.Bool("pcap-restamp", false, "Stamp replayed batches with their capture time")
	pcdFiles    = flag.String("pcd", "", "Comma-separated PCD files to fuse at startup")
	dbPath      = flag.String("db", "", "SQLite database for snapshot history (empty to disable)")
	serialPort  = flag.String("serial", "", "Serial device streaming pose lines")
	serialBaud  = flag.Int("serial-baud", 0, "Serial baud rate (default 115200)")
	posesFile   = flag.String("poses", "", "File of pose lines to load, '-' for stdin")
	pngDir      = flag.String("png-dir", "", "Write a PNG heatmap per published map into this directory")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	showVersion = flag.Bool("version", false, "Print version and exit")
	staticTFs   transformFlags
)

func init() {
	flag.Var(&staticTFs, "tf", "Static transform 'child parent x y z yaw' (repeatable)")
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("elevation-map", version.String())
		return
	}
	monitoring.SetDebug(*debug)
	log.Printf("elevation-map %s", version.String())

	cfg, err := config.LoadMapConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		log.Fatalf("failed to apply environment overrides: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("elevation-map: %v", err)
	}
}

func run(ctx context.Context, cfg *config.MapConfig) error {
	tfs := frames.NewBuffer(frames.BufferConfig{Tolerance: cfg.GetTransformTolerance()})
	for _, s := range staticTFs {
		tf, ok, err := posefeed.ParseLine("static "+s, time.Now())
		if err != nil || !ok {
			return fmt.Errorf("bad -tf %q: %v", s, err)
		}
		if err := tfs.Set(tf); err != nil {
			return fmt.Errorf("bad -tf %q: %w", s, err)
		}
	}

	m, err := grid.New(grid.ParamsFromConfig(cfg))
	if err != nil {
		return fmt.Errorf("create map: %w", err)
	}

	latest := &export.Latest{}
	grpcSrv := rpc.NewServer()
	exporters := export.Multi{latest, grpcSrv}
	if *pngDir != "" {
		exporters = append(exporters, export.PNGDir{Dir: *pngDir})
	}

	var (
		history monitor.History
		admin   monitor.AdminRoutes
	)
	if *dbPath != "" {
		db, err := sqlite.Open(*dbPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		cfgJSON, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		store, err := sqlite.NewSnapshotStore(db, m.Metadata(), cfgJSON)
		if err != nil {
			return fmt.Errorf("start snapshot session: %w", err)
		}
		log.Printf("recording snapshots to %s (session %s)", *dbPath, store.SessionID())
		exporters = append(exporters, store)
		history, admin = store, db
	}

	driver, err := pipeline.NewDriver(pipeline.ConfigFromMapConfig(cfg), pipeline.Options{
		Map:         m,
		Resolver:    tfs,
		Broadcaster: tfs,
		Exporter:    exporters,
	})
	if err != nil {
		return fmt.Errorf("create driver: %w", err)
	}

	var wg sync.WaitGroup
	start := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("%s stopped: %v", name, err)
			}
		}()
	}

	start("driver", func() error { return driver.Run(ctx) })

	status := map[string]monitor.StatusFunc{
		"driver": func() any { return driver.Stats() },
		"frames": func() any { return tfs.Frames() },
	}

	if *pcdFiles != "" {
		for _, path := range strings.Split(*pcdFiles, ",") {
			b, err := points.LoadPCD(strings.TrimSpace(path), "", time.Now())
			if err != nil {
				return fmt.Errorf("load pcd: %w", err)
			}
			if err := driver.SubmitWait(ctx, b); err != nil {
				return err
			}
			log.Printf("queued %d points from %s", len(b.Points), path)
		}
	}

	switch {
	case *pcapFile != "":
		start("pcap replay", func() error {
			replayCfg := network.ReplayConfig{
				Port:            udpPort(*udpListen),
				SpeedMultiplier: *pcapSpeed,
				RewriteStamps:   *pcapRestamp,
			}
			sink := network.SinkFunc(func(b points.Batch) bool { return driver.SubmitWait(ctx, b) == nil })
			stats, err := network.ReplayPCAPFile(ctx, *pcapFile, replayCfg, sink)
			log.Printf("pcap replay finished: %d packets, %d points, %d malformed", stats.Packets, stats.Points, stats.Malformed)
			return err
		})
	case *udpListen != "":
		udp := network.NewUDPListener(network.UDPListenerConfig{
			Address:     *udpListen,
			RcvBuf:      *udpRcvBuf,
			LogInterval: time.Minute,
			Sink:        driver,
		})
		status["udp"] = func() any { return udp.Stats() }
		start("udp listener", func() error { return udp.Start(ctx) })
	}

	if *serialPort != "" || *posesFile != "" {
		poses := posefeed.NewReader(tfs, nil)
		status["poses"] = func() any { return poses.Stats() }
		src, err := openPoseSource()
		if err != nil {
			return err
		}
		start("pose feed", func() error {
			defer src.Close()
			return poses.Run(ctx, src)
		})
	}

	if *grpcListen != "" {
		start("grpc server", func() error { return grpcSrv.ListenAndServe(ctx, *grpcListen) })
	}

	if *listen != "" {
		ws := monitor.NewWebServer(monitor.WebServerConfig{
			Address: *listen,
			Source:  latest,
			History: history,
			Admin:   admin,
			PNGDir:  *pngDir,
			Status:  status,
		})
		start("http server", func() error { return ws.Start(ctx) })
	}

	<-ctx.Done()
	wg.Wait()
	log.Printf("shutdown complete: %+v", driver.Stats())
	return nil
}

// udpPort extracts the port of a listen address for filtering replays.
func udpPort(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return network.DefaultPort
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 {
		return network.DefaultPort
	}
	return port
}

func openPoseSource() (io.ReadCloser, error) {
	if *serialPort != "" {
		return posefeed.OpenPort(*serialPort, posefeed.PortOptions{BaudRate: *serialBaud})
	}
	if *posesFile == "-" {
		return os.Stdin, nil
	}
	f, err := os.Open(*posesFile)
	if err != nil {
		return nil, fmt.Errorf("open pose file: %w", err)
	}
	return f, nil
}
