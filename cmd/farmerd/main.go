package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"farmplots/internal/config"
	"farmplots/internal/metrics"
	"farmplots/internal/persistence/journal"
	"farmplots/internal/persistence/plotdb"
	"farmplots/internal/persistence/snapshot"
	"farmplots/internal/sim/levels"
	"farmplots/internal/sim/plot"
	"farmplots/internal/sim/registry"
	"farmplots/internal/sim/world"
	"farmplots/internal/transport/landws"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/farmer.yaml", "config path (optional; FARMER_* env vars override it)")
		addr       = flag.String("addr", "", "http listen address (overrides config listen)")
		levelsPath = flag.String("levels", "", "levels.yaml path (overrides config levels_file)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[farmerd] ", log.LstdFlags|log.Lmicroseconds)

	path := strings.TrimSpace(*configPath)
	if _, err := os.Stat(path); err != nil {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if *addr != "" {
		cfg.Listen = *addr
	}
	if *levelsPath != "" {
		cfg.LevelsFile = *levelsPath
	}

	cat := levels.Defaults()
	if cfg.LevelsFile != "" {
		if cat, err = levels.Load(cfg.LevelsFile); err != nil {
			logger.Fatalf("load levels: %v", err)
		}
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer store.Close()

	failed := journal.Open(cfg.Journal.Dir, cfg.Journal.Prefix)
	defer failed.Close()

	queue := plotdb.NewQueue(plotdb.QueueConfig{
		Shards:       cfg.Storage.Shards,
		Capacity:     cfg.Storage.QueueCapacity,
		WriteTimeout: cfg.Storage.WriteTimeout,
		EnqueueWait:  cfg.Storage.EnqueueWait,
		Logger:       logger,
		Reporter:     failed,
		Metrics:      m,
	})
	adapter := plotdb.NewAdapter(store, queue)
	registerQueueGauges(promReg, queue)

	loadCtx, loadCancel := context.WithTimeout(ctx, time.Minute)
	records, err := adapter.LoadAll(loadCtx)
	loadCancel()
	if err != nil {
		logger.Fatalf("load plots: %v", err)
	}
	mods := cfg.ModuleSet()
	deps := plot.Deps{Levels: cat, Modules: mods, Persist: adapter}
	reg := registry.New(deps, logger, m)
	st := reg.Load(records)
	logger.Printf("plots loaded=%d skipped=%d clamped=%d corrupted=%d normalized=%d driver=%s levels=%d",
		st.Loaded, st.Skipped, st.Clamped, st.Corrupted, st.Normalized, cfg.Storage.Driver, cat.Len())

	mirror, err := buildBackupMirror(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("init backup: %v", err)
	}
	registerBackupGauges(promReg, mirror)

	w := world.New(world.Config{
		AutosaveInterval: cfg.World.AutosaveInterval,
		SnapshotEvery:    cfg.Snapshot.Every,
		InboxSize:        cfg.World.InboxSize,
	}, reg, logger)

	snapCh := make(chan snapshot.SnapshotV1, 2)
	w.SetSnapshotSink(snapCh)
	snapDone := make(chan struct{})
	go func() {
		defer close(snapDone)
		for {
			select {
			case <-w.Done():
				return
			case snap := <-snapCh:
				path := filepath.Join(cfg.Snapshot.Dir, fmt.Sprintf("plots-%s-%d.snap.zst", time.Now().UTC().Format("20060102T150405"), snap.Header.Seq))
				if err := snapshot.WriteSnapshot(path, snap); err != nil {
					logger.Printf("snapshot write: %v", err)
					continue
				}
				logger.Printf("snapshot written path=%s plots=%d", path, snap.Header.Plots)
				mirror.Enqueue(path, snap.Header)
				pruneSnapshots(cfg.Snapshot.Dir, cfg.Snapshot.Keep, logger)
			}
		}
	}()

	watchReload(ctx, path, mods, w, logger)

	worldDone := make(chan struct{})
	go func() {
		defer close(worldDone)
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("world stopped: %v", err)
		}
	}()

	land := landws.NewServer(w, landws.Config{
		Token:     cfg.Land.Token,
		DedupeTTL: cfg.Land.DedupeTTL,
		Logger:    logger,
		Metrics:   m,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc(cfg.Land.Path, land.Handler())
	registerAdminHandlers(mux, w, queue)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Printf("listening on %s land=%s", cfg.Listen, cfg.Land.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("http: %v", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	_ = srv.Shutdown(shutdownCtx)
	shutdownCancel()

	// World saves every plot on exit; the queue then drains before storage closes.
	<-worldDone
	<-snapDone
	queue.Close()
	mirror.Close()
	qs := queue.Stats()
	logger.Printf("storage queue drained ok=%d failed=%d dropped=%d", qs.WriteOKTotal, qs.WriteFailTotal, qs.DroppedTotal)
}

func registerAdminHandlers(mux *http.ServeMux, w *world.World, queue *plotdb.Queue) {
	if !envBool("FARMER_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		return
	}
	mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		var plots int
		if err := w.Call(ctx, func(reg *registry.Registry) error {
			plots = reg.Len()
			return nil
		}); err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(struct {
			Plots     int               `json:"plots"`
			Autosaves uint64            `json:"autosaves"`
			Queue     plotdb.QueueStats `json:"queue"`
		}{plots, w.Autosaves(), queue.Stats()})
	})
	mux.HandleFunc("/admin/v1/plots", plotsByMemberHandler(w))
	mux.HandleFunc("/admin/v1/snapshot", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		seq, err := w.RequestSnapshot(ctx)
		rw.Header().Set("Content-Type", "application/json")
		if err != nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
			return
		}
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "seq": seq})
	})
}

type memberPlot struct {
	RegionID string `json:"region_id"`
	ID       int64  `json:"id"`
	Level    int    `json:"level"`
	Role     string `json:"role"`
}

// plotsByMemberHandler serves GET /admin/v1/plots?member=<uuid>.
func plotsByMemberHandler(w *world.World) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		member, err := uuid.Parse(strings.TrimSpace(r.URL.Query().Get("member")))
		if err != nil {
			http.Error(rw, "bad member: "+err.Error(), http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		out := []memberPlot{}
		if err := w.Call(ctx, func(reg *registry.Registry) error {
			for _, p := range reg.FindByMember(member) {
				m, _ := p.Member(member)
				out = append(out, memberPlot{RegionID: p.RegionID(), ID: p.ID(), Level: p.Level(), Role: m.Role.String()})
			}
			return nil
		}); err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]any{"member": member, "plots": out})
	}
}

func registerQueueGauges(reg prometheus.Registerer, q *plotdb.Queue) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "farmer", Subsystem: "storage", Name: "queue_depth",
			Help: "Writes waiting in the storage queue.",
		}, func() float64 { return float64(q.Stats().QueueDepth) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "farmer", Subsystem: "storage", Name: "queue_capacity",
			Help: "Total storage queue capacity across shards.",
		}, func() float64 { return float64(q.Stats().QueueCapacity) }),
	)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

// pruneSnapshots keeps the newest keep snapshot files; 0 keeps everything.
func pruneSnapshots(dir string, keep int, logger *log.Logger) {
	if keep <= 0 {
		return
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range ents {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".snap.zst") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= keep {
		return
	}
	sort.Strings(names)
	for _, n := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(dir, n)); err != nil {
			logger.Printf("snapshot prune %s: %v", n, err)
		}
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
