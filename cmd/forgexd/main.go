package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"

	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/catalog"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/common"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/ledger"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/report"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/server"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/service"
	"github.com/hoppspa-spec/ecu-forgex-cloud/internal/store"
)

var CLI struct {
	Config       string        `optional:"" help:"Configuration file." default:"config/forgexd.yaml" env:"FORGEX_CONFIG"`
	Addr         string        `optional:"" help:"Listen address (overrides the configured port)."`
	ReadTimeout  time.Duration `optional:"" help:"HTTP read timeout." default:"60s"`
	WriteTimeout time.Duration `optional:"" help:"HTTP write timeout." default:"60s"`
	EnableAdmin  bool          `optional:"" help:"Expose pack administration endpoints."`
}

func main() {
	kong.Parse(&CLI, kong.Name("forgexd"), kong.Description("ECU patching HTTP daemon."))

	cfg, err := loadConfig(CLI.Config)
	if err != nil {
		common.Fatalf("load config: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		common.Fatalf("data dir: %v", err)
	}
	logger, closer, err := common.NewLogger(common.LogOptions{
		Level:      cfg.Logs.Level,
		Format:     cfg.Logs.Format,
		File:       filepath.Join(cfg.Logs.Directory, "forgexd.log"),
		MaxSizeMB:  cfg.Logs.MaxSizeMB,
		MaxAgeDays: cfg.Logs.MaxAgeDays,
		MaxBackups: cfg.Logs.MaxBackups,
		Compress:   cfg.Logs.Compress,
	})
	if err != nil {
		common.Fatalf("setup logging: %v", err)
	}
	defer closer.Close()
	log := logrus.NewEntry(logger).WithField("app", "forgexd")

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("forgexd failed")
	}
}

func run(cfg config, log *logrus.Entry) error {
	blobs, closeStore, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore.Close()

	led, err := ledger.Open(cfg.Ledger)
	if err != nil {
		return err
	}
	defer led.Close()

	var repo *catalog.Repository
	if cfg.Catalog.Repository != "" {
		if repo, err = catalog.OpenRepository(cfg.Catalog.Repository); err != nil {
			return err
		}
	}
	roots := func() []string {
		out := append([]string(nil), cfg.Catalog.Roots...)
		if repo != nil {
			dirs, err := repo.ActiveDirs()
			if err != nil {
				log.WithError(err).Warn("active packs unavailable")
			}
			out = append(out, dirs...)
		}
		return out
	}
	watcher, err := catalog.NewWatcher(log, roots)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	snap := watcher.Current()
	log.WithFields(logrus.Fields{"families": len(snap.Families), "entries": snap.Count()}).Info("catalog loaded")
	for _, w := range snap.Warnings {
		log.Warn(w)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if cfg.Catalog.Watch {
		if err := watcher.Watch(ctx); err != nil {
			return err
		}
	}

	lang, err := report.ParseLanguage(cfg.Lang)
	if err != nil {
		return err
	}
	svc, err := service.New(service.Options{
		Store:        blobs,
		Catalog:      watcher,
		Ledger:       led,
		AuditLog:     common.NewPatchLog(cfg.AuditLog),
		Metrics:      common.NewMetrics(),
		Logger:       log,
		ApplyTimeout: cfg.ApplyTimeout,
		Language:     lang,
	})
	if err != nil {
		return err
	}
	srv, err := server.NewServer(server.Options{
		Service:        svc,
		Logger:         log,
		MaxUploadBytes: int64(cfg.MaxUploadMB) << 20,
		ManifestSigning: server.ManifestSigningOptions{
			PrivateKeyPath:  cfg.ManifestSigning.PrivateKey,
			CertificatePath: cfg.ManifestSigning.Certificate,
		},
		EnableAdmin:  CLI.EnableAdmin,
		Repository:   repo,
		PacksChanged: watcher.Reload,
	})
	if err != nil {
		return err
	}

	listenAddr := fmt.Sprintf(":%d", cfg.Port)
	if CLI.Addr != "" {
		listenAddr = CLI.Addr
	}
	httpServer := &http.Server{
		Addr:         listenAddr,
		Handler:      server.NewRouter(srv),
		ReadTimeout:  CLI.ReadTimeout,
		WriteTimeout: CLI.WriteTimeout,
	}
	errc := make(chan error, 1)
	go func() {
		log.WithField("addr", listenAddr).Info("forgexd listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown")
	}
	log.Info("forgexd stopped")
	return nil
}

func openStore(cfg config, log *logrus.Entry) (store.Store, io.Closer, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return store.NewMemory(), nopCloser{}, nil
	case "badger":
		b, err := store.OpenBadger(store.BadgerConfig{Path: cfg.Storage.Path, Logger: log.Logger})
		if err != nil {
			return nil, nil, err
		}
		return b, b, nil
	default:
		d, err := store.NewDir(cfg.Storage.Path)
		if err != nil {
			return nil, nil, err
		}
		return d, nopCloser{}, nil
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
