// Package kioku is the public API for embedding the Kioku memory attribution
// server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := kioku.New(
//	    kioku.WithVersion(version),
//	    kioku.WithLogger(logger),
//	    kioku.WithLogProbOracle(myOracle{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kioku (root) imports
// internal/*, but internal/* never imports kioku (root). Public interfaces
// (EmbeddingProvider, LogProbOracle) are standalone; the adapters that bridge
// them to internal types live here because this is the only file that sees
// both sides of the boundary.
package kioku

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashita-ai/kioku/internal/attribution"
	"github.com/ashita-ai/kioku/internal/config"
	"github.com/ashita-ai/kioku/internal/embedding"
	"github.com/ashita-ai/kioku/internal/search"
	"github.com/ashita-ai/kioku/internal/server"
	"github.com/ashita-ai/kioku/internal/service/compliance"
	"github.com/ashita-ai/kioku/internal/service/memories"
	"github.com/ashita-ai/kioku/internal/service/portfolio"
	"github.com/ashita-ai/kioku/internal/service/txn"
	"github.com/ashita-ai/kioku/internal/storage"
	"github.com/ashita-ai/kioku/internal/telemetry"
	"github.com/ashita-ai/kioku/migrations"
)

// App is a fully wired Kioku server.
type App struct {
	cfg        config.Config
	logger     *slog.Logger
	db         *storage.DB
	mirror     *search.Index
	server     *server.Server
	txn        *txn.Service
	compliance *compliance.Service
	portfolio  *portfolio.Service
	otelStop   telemetry.Shutdown
	version    string
}

// New loads configuration, connects storage, runs migrations, and wires every
// service and the HTTP façade.
func New(ctx context.Context, opts ...Option) (*App, error) {
	var o resolvedOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	otelStop, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, err
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		return nil, err
	}

	var mirror *search.Index
	if cfg.QdrantURL != "" {
		mirror, err = search.NewIndex(search.Config{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive
		}, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
		if err := mirror.EnsureCollection(ctx); err != nil {
			logger.Warn("kioku: qdrant collection setup failed, continuing without mirror", "error", err)
			_ = mirror.Close()
			mirror = nil
		}
	}

	embedder := resolveEmbedder(o, cfg, logger)

	var oracle attribution.LogProb
	if o.oracle != nil {
		oracle = oracleAdapter{o.oracle}
	}
	engine := attribution.NewEngine(oracle,
		attribution.ContextCiteConfig{
			NumSamples:    cfg.ContextCiteSamples,
			Lambda:        cfg.LassoLambda,
			MinConfidence: cfg.MinConfidence,
			Parallelism:   cfg.OracleParallelism,
		},
		attribution.ShapleyConfig{
			MaxExactK:   cfg.MaxExactK,
			MCSamples:   cfg.MCSamples,
			Parallelism: cfg.OracleParallelism,
		},
		logger,
	)
	var cc *attribution.ContextCite
	if oracle != nil {
		cc = attribution.NewContextCite(oracle, attribution.ContextCiteConfig{
			NumSamples:    cfg.ContextCiteSamples,
			Lambda:        cfg.LassoLambda,
			MinConfidence: cfg.MinConfidence,
			Parallelism:   cfg.OracleParallelism,
		}, logger)
	}

	txnSvc := txn.New(db, embedder, engine, cc, txn.Config{
		PendingTTL:      cfg.PendingTTL,
		Deadline:        cfg.AttributionDeadline,
		InputTokenCost:  cfg.InputTokenCost,
		OutputTokenCost: cfg.OutputTokenCost,
	}, logger)

	var complianceMirror compliance.Mirror
	var memoriesMirror memories.Mirror
	if mirror != nil {
		complianceMirror = mirror
		memoriesMirror = mirror
	}
	compSvc := compliance.New(db, complianceMirror, cfg.DeletionGracePeriod, logger)
	memSvc := memories.New(db, embedder, memoriesMirror, cfg.ShardCount, logger)
	pfSvc := portfolio.New(db,
		portfolio.Pricing{
			InputTokenCost:  cfg.InputTokenCost,
			OutputTokenCost: cfg.OutputTokenCost,
			QueriesPerDay:   cfg.QueriesPerDay,
		},
		portfolio.Thresholds{
			WasteScore:          0.01,
			SimilarityThreshold: cfg.SimilarityThreshold,
			CoRetrievalRate:     cfg.CoRetrievalRate,
			StalenessWindow:     cfg.StalenessWindow,
			AccessWindow:        30 * 24 * time.Hour,
		},
		logger,
	)

	srv := server.New(server.Config{
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxBodyBytes: cfg.MaxRequestBodyBytes,
		AdminAPIKey:  cfg.AdminAPIKey,
		Version:      version,
	}, memSvc, txnSvc, compSvc, pfSvc, db, db, logger)

	return &App{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		mirror:     mirror,
		server:     srv,
		txn:        txnSvc,
		compliance: compSvc,
		portfolio:  pfSvc,
		otelStop:   otelStop,
		version:    version,
	}, nil
}

// resolveEmbedder picks the configured provider: explicit option, OpenAI when
// a key exists, noop otherwise. Every provider that returns vectors is
// wrapped to emit unit-norm vectors; the noop provider returns none and is
// not wrapped.
func resolveEmbedder(o resolvedOptions, cfg config.Config, logger *slog.Logger) embedding.Provider {
	if o.embedder != nil {
		return embedding.UnitNorm(embedderAdapter{o.embedder})
	}
	switch cfg.EmbeddingProvider {
	case "noop":
		return embedding.NewNoopProvider(cfg.EmbeddingDimensions)
	case "openai":
		p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
		if err != nil {
			logger.Warn("kioku: openai provider unavailable, falling back to noop", "error", err)
			return embedding.NewNoopProvider(cfg.EmbeddingDimensions)
		}
		return embedding.UnitNorm(p)
	default: // auto
		if cfg.OpenAIAPIKey != "" {
			p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
			if err == nil {
				return embedding.UnitNorm(p)
			}
			logger.Warn("kioku: openai provider unavailable, falling back to noop", "error", err)
		}
		return embedding.NewNoopProvider(cfg.EmbeddingDimensions)
	}
}

// Run starts the background workers and serves HTTP until the context ends.
func (a *App) Run(ctx context.Context) error {
	go a.txn.GCLoop(ctx, a.cfg.GCInterval)
	go a.compliance.SweepLoop(ctx, a.cfg.GCInterval)
	go a.portfolio.SnapshotLoop(ctx, a.cfg.HealthSnapshotInterval)

	err := a.server.Run(ctx)
	a.shutdown()
	return err
}

// shutdown releases storage, mirror, and telemetry resources.
func (a *App) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			a.logger.Warn("kioku: close mirror", "error", err)
		}
	}
	a.db.Close()
	if a.otelStop != nil {
		if err := a.otelStop(shutdownCtx); err != nil {
			a.logger.Warn("kioku: telemetry shutdown", "error", err)
		}
	}
}

// embedderAdapter bridges the public EmbeddingProvider to the internal
// interface. The signatures match; the adapter exists so the internal package
// never names the public type.
type embedderAdapter struct {
	inner EmbeddingProvider
}

func (a embedderAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	return a.inner.Embed(ctx, text)
}

func (a embedderAdapter) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return a.inner.EmbedBatch(ctx, texts)
}

func (a embedderAdapter) Dimensions() int { return a.inner.Dimensions() }

// oracleAdapter bridges the public LogProbOracle to the internal interface.
type oracleAdapter struct {
	inner LogProbOracle
}

func (a oracleAdapter) LogProb(ctx context.Context, query string, memories []string, response string) (float64, error) {
	return a.inner.LogProb(ctx, query, memories, response)
}
