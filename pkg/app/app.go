// Package app wires configuration into the running analysis stack. It is
// shared by the HTTP server and the batch CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-forensics/pkg/archive"
	"github.com/ekaya-inc/ekaya-forensics/pkg/catalog"
	"github.com/ekaya-inc/ekaya-forensics/pkg/config"
	"github.com/ekaya-inc/ekaya-forensics/pkg/database"
	"github.com/ekaya-inc/ekaya-forensics/pkg/events"
	"github.com/ekaya-inc/ekaya-forensics/pkg/knowledge"
	"github.com/ekaya-inc/ekaya-forensics/pkg/llm"
	"github.com/ekaya-inc/ekaya-forensics/pkg/logging"
	"github.com/ekaya-inc/ekaya-forensics/pkg/repositories"
	"github.com/ekaya-inc/ekaya-forensics/pkg/retry"
	"github.com/ekaya-inc/ekaya-forensics/pkg/services"
	"github.com/ekaya-inc/ekaya-forensics/pkg/sparql"
	"github.com/ekaya-inc/ekaya-forensics/pkg/triplestore"
	"github.com/ekaya-inc/ekaya-forensics/pkg/workerpool"
)

// Check names reported by health endpoints.
const (
	CheckDocumentStore = "document_store"
	CheckTripleStore   = "triple_store"
	CheckProgressBus   = "progress_bus"
)

// tripleStoreProbe is a cheap query every SPARQL 1.1 service answers.
const tripleStoreProbe = "SELECT ?s WHERE { ?s ?p ?o } LIMIT 1"

// App holds the wired services and the connections they own.
type App struct {
	Config      *config.Config
	DB          *database.DB
	Pipeline    services.PipelineService
	Batch       services.BatchService
	Persistence services.PersistenceService
	// History is nil when Redis is not configured.
	History *events.RedisPublisher
	// Checks probe each backing service; keys are the Check* names.
	Checks map[string]func(ctx context.Context) error

	redis    *redis.Client
	recorder *llm.AsyncConversationRecorder
	logger   *zap.Logger
}

// New connects to every configured backend, runs migrations and builds the
// pipeline. The caller must Close the returned App.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	a := &App{
		Config: cfg,
		Checks: make(map[string]func(ctx context.Context) error),
		logger: logger,
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	ref, err := catalog.Load(catalog.Paths{
		Requirements:      cfg.Reference.RequirementsPath,
		Mappings:          cfg.Reference.MappingsPath,
		EvidenceTemplates: cfg.Reference.EvidenceTemplatesPath,
		Vocabularies:      cfg.Reference.VocabulariesPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load reference tables: %w", err)
	}

	if err := a.connectDocumentStore(ctx); err != nil {
		return nil, err
	}

	graphs, err := a.newGraphWriter()
	if err != nil {
		return nil, err
	}

	ks, err := a.newKnowledgeService()
	if err != nil {
		return nil, err
	}

	llmClient, err := a.newLLMClient(ctx)
	if err != nil {
		return nil, err
	}

	var publisher services.ProgressPublisher
	if a.redis, err = database.NewRedisClient(ctx, &cfg.Redis); err != nil {
		return nil, err
	}
	if a.redis != nil {
		a.History = events.NewRedisPublisher(a.redis, events.Config{}, logger)
		publisher = a.History
		a.Checks[CheckProgressBus] = func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}
		logger.Info("Progress events fan out through Redis",
			zap.String("host", cfg.Redis.Host), zap.Int("port", cfg.Redis.Port))
	}

	a.Persistence = services.NewPersistenceService(
		repositories.NewAnalysisRecordRepository(a.DB.Pool),
		graphs,
		persistenceConfig(cfg),
		logger,
	)

	classificationConfig := services.DefaultClassificationConfig()
	classificationConfig.QueryTimeout = cfg.Knowledge.QueryTimeout
	classificationConfig.Retry.MaxRetries = cfg.Knowledge.MaxRetries

	extractionConfig := services.DefaultExtractionConfig()
	extractionConfig.AttemptTimeout = cfg.LLM.Timeout
	extractionConfig.Retry.MaxRetries = cfg.LLM.MaxRetries

	a.Pipeline = services.NewPipelineService(services.PipelineStages{
		Extraction:      services.NewExtractionService(llmClient, extractionConfig, logger),
		Classification:  services.NewClassificationService(ks, ref.Vocabularies(), classificationConfig, logger),
		Mapping:         services.NewMappingService(ref, logger),
		GapAnalysis:     services.NewGapAnalysisService(ref, logger),
		SeriousIncident: services.NewSeriousIncidentService(ref.Vocabularies(), logger),
		EvidencePlan:    services.NewEvidencePlanService(ref, logger),
		Persistence:     a.Persistence,
	}, publisher, services.PipelineConfig{
		ConfidenceThreshold: cfg.Pipeline.ConfidenceThreshold,
		TerminalEventWait:   cfg.Pipeline.TerminalEventWait,
	}, logger)

	pool := workerpool.New(workerpool.Config{MaxConcurrent: cfg.Pipeline.BatchConcurrency}, logger)
	a.Batch = services.NewBatchService(a.Pipeline, pool, logger)

	return a, nil
}

func (a *App) connectDocumentStore(ctx context.Context) error {
	db, err := database.NewConnection(ctx, &database.Config{
		URL:            a.Config.Database.URL(),
		MaxConnections: a.Config.Database.MaxConnections,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to document store: %w", err)
	}
	a.DB = db

	sqlDB := db.SQLDB()
	defer sqlDB.Close()
	if err := database.RunMigrations(sqlDB, a.logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	a.Checks[CheckDocumentStore] = func(ctx context.Context) error {
		return db.Ping(ctx)
	}
	return nil
}

// newGraphWriter returns nil when no triple store is configured; persistence
// then leaves every record for reconciliation.
func (a *App) newGraphWriter() (triplestore.GraphWriter, error) {
	tsCfg := a.Config.TripleStore
	if !tsCfg.IsConfigured() {
		a.logger.Warn("No triple store configured; graphs will be written on reconciliation")
		return nil, nil
	}

	client, err := sparql.NewClient(sparql.Config{
		QueryEndpoint:  config.ResolveEndpointForDocker(tsCfg.QueryEndpoint),
		UpdateEndpoint: config.ResolveEndpointForDocker(tsCfg.UpdateEndpoint),
		Username:       tsCfg.Username,
		Password:       tsCfg.Password,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create triple store client: %w", err)
	}

	if tsCfg.QueryEndpoint != "" {
		a.Checks[CheckTripleStore] = func(ctx context.Context) error {
			_, err := client.Select(ctx, tripleStoreProbe)
			return err
		}
	}

	a.logger.Info("Writing analysis graphs",
		zap.String("update_endpoint", logging.SanitizeEndpoint(tsCfg.UpdateEndpoint)),
		zap.String("graph_base", tsCfg.GraphBase))

	return triplestore.NewGraphWriter(client, triplestore.Vocabulary{
		Ontology:  knowledge.DefaultNamespace,
		GraphBase: tsCfg.GraphBase,
	}, a.logger), nil
}

func (a *App) newKnowledgeService() (knowledge.Service, error) {
	kCfg := a.Config.Knowledge
	if kCfg.Endpoint == "" {
		ks, err := knowledge.NewStaticService(kCfg.StaticPath, a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load static knowledge base: %w", err)
		}
		a.logger.Info("Using static knowledge base", zap.String("path", kCfg.StaticPath))
		return ks, nil
	}

	client, err := sparql.NewClient(sparql.Config{
		QueryEndpoint: config.ResolveEndpointForDocker(kCfg.Endpoint),
		Username:      kCfg.Username,
		Password:      kCfg.Password,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create knowledge client: %w", err)
	}
	a.logger.Info("Using SPARQL knowledge service",
		zap.String("endpoint", logging.SanitizeEndpoint(kCfg.Endpoint)))
	return knowledge.NewSPARQLService(client, kCfg.Namespace, a.logger), nil
}

func (a *App) newLLMClient(ctx context.Context) (llm.LLMClient, error) {
	lCfg := a.Config.LLM
	factory := llm.NewClientFactory(a.logger)

	if lCfg.CircuitBreakerThreshold > 0 {
		breakerConfig := llm.DefaultCircuitBreakerConfig()
		breakerConfig.Threshold = lCfg.CircuitBreakerThreshold
		factory.SetCircuitBreaker(llm.NewCircuitBreaker(breakerConfig))
	}

	if aCfg := a.Config.Archive; aCfg.IsConfigured() {
		store, err := archive.NewMinioConversationStore(ctx, archive.Config{
			Endpoint:  resolveHostPort(aCfg.Endpoint),
			AccessKey: aCfg.AccessKey,
			SecretKey: aCfg.SecretKey,
			Bucket:    aCfg.Bucket,
			UseSSL:    aCfg.UseSSL,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open LLM exchange archive: %w", err)
		}
		a.recorder = llm.NewAsyncConversationRecorder(store, a.logger, aCfg.QueueSize)
		factory.SetRecorder(a.recorder)
	}

	client, err := factory.Create(llm.FactoryConfig{
		ModelSpec: lCfg.Model,
		Endpoint:  lCfg.Endpoint,
		APIKey:    lCfg.APIKey,
		MaxTokens: lCfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	return client, nil
}

func persistenceConfig(cfg *config.Config) services.PersistenceConfig {
	pc := services.DefaultPersistenceConfig()
	pc.Document.Timeout = cfg.Pipeline.DocumentTimeout
	pc.Document.Retry = withMaxRetries(pc.Document.Retry, cfg.Pipeline.DocumentMaxRetries)
	pc.Triple.Timeout = cfg.TripleStore.WriteTimeout
	pc.Triple.Retry = withMaxRetries(pc.Triple.Retry, cfg.TripleStore.MaxRetries)
	return pc
}

func withMaxRetries(c *retry.Config, maxRetries int) *retry.Config {
	out := *c
	out.MaxRetries = maxRetries
	return &out
}

// resolveHostPort applies config.ResolveHostForDocker to a host:port address.
func resolveHostPort(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return config.ResolveHostForDocker(addr)
	}
	return net.JoinHostPort(config.ResolveHostForDocker(host), port)
}

// Close flushes the LLM archive and releases every connection.
func (a *App) Close() {
	if a.recorder != nil {
		a.recorder.Close()
	}
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.DB != nil {
		a.DB.Close()
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("Error closing connections", zap.Error(err))
	}
}
