package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"farmplots/internal/config"
	"farmplots/internal/persistence/backup"
	"farmplots/internal/persistence/plotdb"
)

func openStore(ctx context.Context, cfg config.StorageConfig, logger *log.Logger) (plotdb.Store, error) {
	if cfg.Driver == "memory" {
		logger.Printf("storage driver=memory; plots will not survive a restart")
		return plotdb.NewMemoryStore(), nil
	}
	return plotdb.OpenSQL(ctx, cfg.Driver, cfg.DSN, logger)
}

// buildBackupMirror returns nil when no bucket is configured. A nil mirror
// ignores Enqueue and Close.
func buildBackupMirror(ctx context.Context, cfg config.Config, logger *log.Logger) (*backup.Mirror, error) {
	if !cfg.Backup.Enabled() {
		return nil, nil
	}
	client, err := backup.NewClient(ctx, backup.ClientConfig{
		Bucket:          cfg.Backup.Bucket,
		Region:          cfg.Backup.Region,
		Endpoint:        cfg.Backup.Endpoint,
		AccessKeyID:     cfg.Backup.AccessKeyID,
		SecretAccessKey: cfg.Backup.SecretAccessKey,
		UsePathStyle:    cfg.Backup.UsePathStyle,
	})
	if err != nil {
		return nil, err
	}
	logger.Printf("backup enabled bucket=%s prefix=%s workers=%d", cfg.Backup.Bucket, cfg.Backup.Prefix, cfg.Backup.Workers)
	return backup.NewMirror(client, backup.MirrorConfig{
		Prefix:        cfg.Backup.Prefix,
		Workers:       cfg.Backup.Workers,
		QueueCapacity: cfg.Backup.QueueCapacity,
		EnqueueWait:   cfg.Backup.EnqueueWait,
		Logger:        logger,
	}), nil
}

func registerBackupGauges(reg prometheus.Registerer, m *backup.Mirror) {
	if m == nil {
		return
	}
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "farmer", Subsystem: "backup", Name: "uploads_ok",
			Help: "Snapshot files uploaded since start.",
		}, func() float64 { return float64(m.Stats().UploadedTotal) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "farmer", Subsystem: "backup", Name: "uploads_failed",
			Help: "Snapshot uploads that exhausted their attempts.",
		}, func() float64 { return float64(m.Stats().FailedTotal) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "farmer", Subsystem: "backup", Name: "dropped",
			Help: "Snapshot files dropped on a saturated upload queue.",
		}, func() float64 { return float64(m.Stats().DroppedTotal) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "farmer", Subsystem: "backup", Name: "skipped",
			Help: "Snapshots skipped as already mirrored or pruned before upload.",
		}, func() float64 { return float64(m.Stats().SkippedTotal) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "farmer", Subsystem: "backup", Name: "last_seq",
			Help: "Highest snapshot seq stored in the bucket.",
		}, func() float64 { return float64(m.Stats().LastSeq) }),
	)
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
