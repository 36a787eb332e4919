package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"document-rag-server/internal/archive"
	"document-rag-server/internal/catalog"
	"document-rag-server/internal/chromemdb"
	"document-rag-server/internal/config"
	"document-rag-server/internal/db"
	"document-rag-server/internal/embedding"
	"document-rag-server/internal/helper"
	"document-rag-server/internal/llmservice"
	"document-rag-server/internal/models"
	"document-rag-server/internal/rag"
	"document-rag-server/internal/server"
)

const defaultConfigPath = "./configs/config.yaml"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Caller().Logger()

	configPath := flag.String("config", envOr(config.EnvConfigPath, defaultConfigPath), "Path to the config file")
	filePath := flag.String("file", "", "Path to a document to ingest")
	query := flag.String("query", "", "Question to answer")
	owner := flag.String("owner", "", "Owner of the document or query")
	strategy := flag.String("strategy", "", "Embedding strategy (default from config)")
	k := flag.Int("k", 0, "Number of documents to retrieve (default from config)")
	exportPath := flag.String("export", "", "Export the chromem collections to an encrypted file")
	importPath := flag.String("import", "", "Import chromem collections from an encrypted file")
	reindex := flag.Bool("reindex", false, "Rebuild the collection of -strategy from archived uploads")
	flag.Parse()

	if *filePath != "" && *query != "" {
		log.Fatal().Msg("Please provide either a document file using the -file flag or a query using the -query flag, but not both")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx := context.Background()
	app, err := newApp(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing")
	}

	switch {
	case *reindex:
		var n int
		if n, err = app.rag.Reindex(ctx, *strategy); err == nil {
			log.Info().Int("documents", n).Msg("Reindexed collection")
		}
	case *exportPath != "" || *importPath != "":
		err = app.backup(*exportPath, *importPath, cfg.RAG.EncryptionKey)
	case *filePath != "":
		err = app.ingestFile(ctx, *filePath, *owner, *strategy)
	case *query != "":
		err = app.ask(ctx, models.Query{Question: *query, Owner: *owner, Strategy: *strategy, K: *k})
	default:
		err = server.New(app.rag, cfg.Server).ListenAndServe(ctx)
	}
	// log.Fatal exits without running deferred calls
	app.Close()
	if err != nil {
		log.Fatal().Err(err).Msg("Exiting")
	}
}

type app struct {
	rag     *rag.RAG
	chromem *chromemdb.VectorDBManager
	pg      *db.Store
	catalog *catalog.Catalog
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}

	embedders, err := embedding.NewRegistry(&cfg.EmbedLLM, cfg.LLM.Key)
	if err != nil {
		return nil, err
	}
	generator, err := llmservice.NewClient(&cfg.LLM)
	if err != nil {
		return nil, err
	}

	if err := helper.CreateFolder(filepath.Dir(cfg.Catalog.Path)); err != nil {
		return nil, err
	}
	a.catalog, err = catalog.Open(ctx, cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}

	var stores rag.Stores
	switch cfg.VectorDB.Type {
	case "postgres":
		a.pg, err = db.Open(ctx, &cfg.Database)
		if err != nil {
			a.Close()
			return nil, err
		}
		stores = postgresStores{a.pg}
	default:
		if err := helper.CreateFolder(cfg.VectorDB.Path); err != nil {
			a.Close()
			return nil, err
		}
		a.chromem, err = chromemdb.NewVectorDBManager(cfg.VectorDB.Path, false, cfg.VectorDB.Compress)
		if err != nil {
			a.Close()
			return nil, err
		}
		stores = chromemStores{a.chromem}
	}

	var arch rag.Archiver
	if cfg.Archive.Enabled {
		arch = archive.New(cfg.Archive.BaseURL)
	}

	a.rag = rag.NewRAG(embedders, stores, a.catalog, arch, generator, rag.Options{
		TopK:            cfg.RAG.TopK,
		MaxContextChars: cfg.RAG.MaxContextChars,
		MinSimilarity:   cfg.RAG.MinSimilarity,
		EmbedTimeout:    cfg.EmbedLLM.Timeout,
		GenerateTimeout: cfg.LLM.Timeout,
	})
	log.Debug().Strs("strategies", embedders.Names()).Str("vector_db", cfg.VectorDB.Type).Msg("Pipeline ready")
	return a, nil
}

func (a *app) Close() {
	if a.catalog != nil {
		a.catalog.Close()
	}
	if a.pg != nil {
		a.pg.Close()
	}
	if a.chromem != nil {
		a.chromem.Close()
	}
}

type chromemStores struct {
	mgr *chromemdb.VectorDBManager
}

func (s chromemStores) Open(ctx context.Context, name string, tag models.EmbedderTag) (rag.VectorStore, error) {
	c, err := s.mgr.Collection(ctx, name, tag)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s chromemStores) Drop(_ context.Context, name string) error {
	return s.mgr.DeleteCollection(name)
}

type postgresStores struct {
	store *db.Store
}

func (s postgresStores) Open(ctx context.Context, name string, tag models.EmbedderTag) (rag.VectorStore, error) {
	c, err := s.store.Collection(ctx, name, tag)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s postgresStores) Drop(ctx context.Context, name string) error {
	return s.store.DeleteCollection(ctx, name)
}

func (a *app) ingestFile(ctx context.Context, filePath, owner, strategy string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filePath, err)
	}
	doc, err := a.rag.Ingest(ctx, rag.IngestRequest{
		Owner:    owner,
		FileName: filepath.Base(filePath),
		Data:     data,
		Strategy: strategy,
	})
	if err != nil {
		return err
	}
	helper.PrettyPrint(doc)
	return nil
}

func (a *app) ask(ctx context.Context, q models.Query) error {
	ans, err := a.rag.Query(ctx, q)
	if err != nil {
		return err
	}

	log.Info().Msg("Query: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", q.Question)

	log.Info().Msg("Source: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	helper.PrettyPrint(ans.Sources)

	log.Info().Msg("Assistant: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", ans.Content)
	return nil
}

func (a *app) backup(exportPath, importPath, key string) error {
	if a.chromem == nil {
		return fmt.Errorf("backups are only supported for the chromem vector store")
	}
	if exportPath != "" {
		if err := a.chromem.Export(exportPath, key); err != nil {
			return err
		}
		log.Info().Str("file", exportPath).Msg("Exported collections")
	}
	if importPath != "" {
		if err := a.chromem.Import(importPath, key); err != nil {
			return err
		}
		log.Info().Str("file", importPath).Msg("Imported collections")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
