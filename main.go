package main

import (
	"log"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"docchat_back/audit"
	"docchat_back/authorization"
	"docchat_back/cache"
	"docchat_back/chat"
	"docchat_back/database"
	"docchat_back/documents"
	"docchat_back/knowledge"
	"docchat_back/logging"
	"docchat_back/policy"
	"docchat_back/storage"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

func envInt(key string, fallback int) int {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil {
			return value
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if value, err := time.ParseDuration(raw); err == nil {
			return value
		}
	}
	return fallback
}

func allowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

func main() {
	mustLoadEnv()

	logger, closeLog := logging.FromEnv()
	defer closeLog()
	slog.SetDefault(logger)

	db, err := database.OpenFromEnv()
	if err != nil {
		log.Fatalf("open database: %v", err)
	}

	var redisClient *redis.Client
	if client, err := cache.GetRedisClient(); err != nil {
		logger.Warn("redis unavailable, using in-process chat history and no embedding cache", "error", err)
	} else {
		redisClient = client
		defer cache.Close()
	}

	backend, err := policy.NewBackendFromEnv(db)
	if err != nil {
		log.Fatalf("init policy backend: %v", err)
	}
	gate := policy.NewGate(backend, envDuration("POLICY_TIMEOUT", 3*time.Second), logger)

	index, err := knowledge.SharedIndex(db)
	if err != nil {
		log.Fatalf("init vector index: %v", err)
	}
	embedder, err := knowledge.NewEmbedderFromEnv(redisClient, logger)
	if err != nil {
		log.Fatalf("init embedder: %v", err)
	}

	fileStore, err := storage.NewDocumentStorageFromEnv()
	if err != nil {
		log.Fatalf("init document storage: %v", err)
	}
	var files documents.FileStore
	var remover knowledge.ObjectRemover
	if fileStore != nil {
		files = fileStore
		remover = fileStore
	} else {
		logger.Warn("MINIO_* not configured, uploads are disabled")
	}

	ingestor, err := knowledge.NewIngestor(knowledge.IngestorConfig{
		DB:          db,
		Fetcher:     fileStore,
		Chunker:     knowledge.NewChunkerFromEnv(),
		Embedder:    embedder,
		Index:       index,
		Gate:        gate,
		Concurrency: envInt("INGEST_CONCURRENCY", 4),
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("init ingestor: %v", err)
	}
	service, err := knowledge.NewService(db, gate, index, ingestor, remover, logger)
	if err != nil {
		log.Fatalf("init knowledge service: %v", err)
	}
	if err := service.AutoMigrate(); err != nil {
		log.Fatalf("migrate knowledge models: %v", err)
	}

	retriever, err := knowledge.NewRetriever(embedder, index, gate,
		knowledge.WithOversample(envInt("RETRIEVAL_OVERSAMPLE", 4)),
		knowledge.WithTitleLookup(service.DocumentTitles),
		knowledge.WithRetrieverLogger(logger),
	)
	if err != nil {
		log.Fatalf("init retriever: %v", err)
	}

	recorder, err := audit.NewRecorder(db, service.DocumentTitles, logger)
	if err != nil {
		log.Fatalf("init audit recorder: %v", err)
	}
	if err := recorder.AutoMigrate(); err != nil {
		log.Fatalf("migrate audit log: %v", err)
	}

	model, err := chat.NewModelFromEnv()
	if err != nil {
		log.Fatalf("init chat model: %v", err)
	}
	engine, err := chat.NewEngine(chat.EngineConfig{
		Retriever:         retriever,
		Model:             model,
		Recorder:          recorder,
		HistoryLimit:      envInt("CHAT_HISTORY_LIMIT", 20),
		TopK:              envInt("CHAT_TOP_K", 4),
		RetrievalTimeout:  envDuration("CHAT_RETRIEVAL_TIMEOUT", 10*time.Second),
		GenerationTimeout: envDuration("CHAT_GENERATION_TIMEOUT", 60*time.Second),
		Logger:            logger,
	})
	if err != nil {
		log.Fatalf("init chat engine: %v", err)
	}

	var history chat.HistoryStore = chat.NewMemoryHistory()
	if redisClient != nil {
		history = chat.NewRedisHistory(redisClient, envDuration("CHAT_HISTORY_TTL", 24*time.Hour))
	}

	notifier, err := documents.NewShareMailerFromEnv()
	if err != nil {
		logger.Warn("share notifications disabled", "error", err)
	}

	r := gin.Default()
	origins := allowedOrigins()
	corsConfig := cors.DefaultConfig()
	if len(origins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AddAllowHeaders("Authorization")
	r.Use(cors.New(corsConfig))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authModule, err := authorization.RegisterRoutes(r, db, logger)
	if err != nil {
		log.Fatalf("register auth routes: %v", err)
	}
	guard := authModule.Guard()

	if _, err := documents.RegisterRoutes(r, guard, documents.Config{
		Service:  service,
		Files:    files,
		Notifier: notifier,
		Logger:   logger,
	}); err != nil {
		log.Fatalf("register document routes: %v", err)
	}
	if _, err := chat.RegisterRoutes(r, guard, chat.HandlerConfig{
		Engine:         engine,
		History:        history,
		AllowedOrigins: origins,
		Logger:         logger,
	}); err != nil {
		log.Fatalf("register chat routes: %v", err)
	}
	if err := audit.RegisterRoutes(r, guard, recorder); err != nil {
		log.Fatalf("register audit routes: %v", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logger.Info("server starting", "port", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("start server: %v", err)
	}
}
