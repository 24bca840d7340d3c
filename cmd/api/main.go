// Package main implements the wiki API server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/isuwiki/isuwiki/engine/catalog"
	"github.com/isuwiki/isuwiki/engine/domain"
	"github.com/isuwiki/isuwiki/engine/eval"
	"github.com/isuwiki/isuwiki/engine/ingest"
	"github.com/isuwiki/isuwiki/engine/rag"
	"github.com/isuwiki/isuwiki/engine/semantic"
	"github.com/isuwiki/isuwiki/pkg/metrics"
	"github.com/isuwiki/isuwiki/pkg/mid"
	"github.com/isuwiki/isuwiki/pkg/ollama"
	"github.com/isuwiki/isuwiki/pkg/openai"
	"github.com/isuwiki/isuwiki/pkg/repo"
	"github.com/isuwiki/isuwiki/pkg/sapnlp"
)

var met = metrics.New()

var (
	mIngestTotal   = func(outcome string) *metrics.Counter { return met.Counter(metrics.WithLabels("isuwiki_api_ingest_total", "outcome", outcome), "Ingestion requests") }
	mChatTotal     = met.Counter("isuwiki_api_chat_total", "Chat requests answered")
	mChatLowConf   = met.Counter("isuwiki_api_chat_low_confidence_total", "Chat answers below the clarification threshold")
	mChatDur       = met.Histogram("isuwiki_api_chat_duration_seconds", "Chat latency", nil)
	mSearchDur     = met.Histogram("isuwiki_api_search_duration_seconds", "Vector search latency", nil)
	mEvalRunsTotal = met.Counter("isuwiki_api_eval_runs_total", "Evaluation runs triggered")
)

// Config holds all environment-based configuration.
type Config struct {
	Port        string
	Neo4jURL    string
	Neo4jUser   string
	Neo4jPass   string
	QdrantURL   string
	Collection  string
	EmbedDims   int
	CORSOrigin  string
	OpenAIKey   string
	OpenAIBase  string
	EmbedModel  string
	ChatModel   string
	OllamaURL   string
	RateReqs    int
	RateWindow  int
	ServiceName string
}

func loadConfig() Config {
	dims, _ := strconv.Atoi(envOr("EMBED_DIMS", "1536"))
	reqs, _ := strconv.Atoi(envOr("RATE_LIMIT_REQUESTS", "100"))
	window, _ := strconv.Atoi(envOr("RATE_LIMIT_WINDOW_SECONDS", "60"))
	return Config{
		Port:        envOr("PORT", "8080"),
		Neo4jURL:    envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser:   envOr("NEO4J_USER", "neo4j"),
		Neo4jPass:   envOr("NEO4J_PASS", "password"),
		QdrantURL:   envOr("QDRANT_URL", "localhost:6334"),
		Collection:  envOr("QDRANT_COLLECTION", "isuwiki"),
		EmbedDims:   dims,
		CORSOrigin:  envOr("CORS_ORIGIN", "*"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIBase:  os.Getenv("OPENAI_BASE_URL"),
		EmbedModel:  os.Getenv("EMBED_MODEL"),
		ChatModel:   os.Getenv("CHAT_MODEL"),
		OllamaURL:   envOr("OLLAMA_URL", "http://localhost:11434"),
		RateReqs:    reqs,
		RateWindow:  window,
		ServiceName: envOr("OTEL_SERVICE_NAME", "isuwiki-api"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// backends groups the embedding and generation capabilities behind one pair
// of interfaces so the OpenAI and Ollama clients are interchangeable.
type backends struct {
	embed ingest.Embedder
	gen   ingest.Generator
}

func selectBackends(cfg Config, logger *slog.Logger) backends {
	if cfg.OpenAIKey != "" {
		oCfg := openai.DefaultConfig(cfg.OpenAIKey)
		oCfg.BaseURL = cfg.OpenAIBase
		if cfg.EmbedModel != "" {
			oCfg.EmbedModel = cfg.EmbedModel
		}
		if cfg.ChatModel != "" {
			oCfg.ChatModel = cfg.ChatModel
		}
		client := openai.New(oCfg)
		logger.Info("using OpenAI backend", "embed_model", oCfg.EmbedModel, "chat_model", oCfg.ChatModel)
		return backends{embed: client, gen: client}
	}
	embedModel := cfg.EmbedModel
	if embedModel == "" {
		embedModel = "nomic-embed-text"
	}
	chatModel := cfg.ChatModel
	if chatModel == "" {
		chatModel = "llama3.1"
	}
	client := ollama.New(cfg.OllamaURL, embedModel, chatModel)
	logger.Info("using Ollama backend", "url", cfg.OllamaURL, "embed_model", embedModel, "chat_model", chatModel)
	return backends{embed: client, gen: client}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Connect to Neo4j ---
	neo4jDriver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer neo4jDriver.Close(ctx)

	docStore := catalog.New(neo4jDriver)
	if err := docStore.EnsureConstraints(ctx); err != nil {
		return fmt.Errorf("neo4j constraints: %w", err)
	}

	// --- Connect to Qdrant ---
	vectorStore, err := semantic.New(cfg.QdrantURL, cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer vectorStore.Close()
	if err := vectorStore.EnsureCollection(ctx, cfg.EmbedDims); err != nil {
		return fmt.Errorf("qdrant collection: %w", err)
	}

	// --- Model backends ---
	be := selectBackends(cfg, logger)

	// --- Ingestion pipeline ---
	processor := ingest.New(ingest.Deps{
		Extractor:  sapnlp.New(sapnlp.DefaultVocabulary()),
		Structurer: ingest.NewStructurer(be.gen),
		Embedder:   be.embed,
		Docs:       docStore,
		Vectors:    vectorStore,
		Logger:     logger,
	}, ingest.DefaultChunkConfig())

	// --- Retrieval service ---
	ragSvc := rag.New(be.embed, be.gen, vectorStore, rag.DefaultOptions(), logger)

	// --- Evaluation runner ---
	evalRunner := eval.New(ragSvc, docStore, logger)

	// --- Build HTTP server ---
	api := http.NewServeMux()
	api.HandleFunc("POST /api/ingest/text", handleIngest(processor, logger))
	api.HandleFunc("POST /api/search/vector", handleVectorSearch(ragSvc, logger))
	api.HandleFunc("POST /api/search/chat", handleChat(ragSvc, logger))
	api.HandleFunc("POST /api/search/save-response", handleSaveResponse(processor, logger))
	api.HandleFunc("POST /api/admin/tenants", adminOnly(handleCreateTenant(docStore, logger)))
	api.HandleFunc("GET /api/admin/tenants", adminOnly(handleListTenants(docStore)))
	api.HandleFunc("GET /api/admin/documents", adminOnly(handleListDocuments(docStore)))
	api.HandleFunc("DELETE /api/admin/documents/{id}", adminOnly(handleDeleteDocument(processor, logger)))
	api.HandleFunc("POST /api/admin/reindex/{id}", adminOnly(handleReindex(processor, logger)))
	api.HandleFunc("POST /api/admin/eval/queries", adminOnly(handleSaveEvalQuery(docStore)))
	api.HandleFunc("POST /api/admin/eval/run", adminOnly(handleEvalRun(evalRunner, logger)))
	api.HandleFunc("GET /api/admin/eval/latest", adminOnly(handleEvalLatest(docStore)))
	api.HandleFunc("GET /api/admin/collection", adminOnly(handleCollectionInfo(vectorStore)))

	// Health and metrics stay outside the identity and rate-limit chain.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.Handle("GET /metrics", met.Handler())
	mux.Handle("/api/", mid.Chain(api,
		mid.Identity(),
		mid.RateLimit(mid.RateLimitOpts{RequestsPerWindow: cfg.RateReqs, WindowSeconds: cfg.RateWindow}),
	))

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel(cfg.ServiceName),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// --- Handlers ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleIngest(p *ingest.Processor, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ingest.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if !tenantAllowed(r, req.TenantSlug) {
			writeError(w, http.StatusForbidden, "tenant access denied")
			return
		}
		resp, err := p.Process(r.Context(), req)
		if err != nil {
			mIngestTotal("error").Inc()
			respondError(w, logger, err)
			return
		}
		if resp.Duplicate {
			mIngestTotal("updated").Inc()
		} else {
			mIngestTotal("created").Inc()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleVectorSearch(svc *rag.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rag.RetrieveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if !tenantAllowed(r, req.TenantSlug) {
			writeError(w, http.StatusForbidden, "tenant access denied")
			return
		}
		start := time.Now()
		results, err := svc.Retrieve(r.Context(), req)
		if err != nil {
			respondError(w, logger, err)
			return
		}
		mSearchDur.Since(start)
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	}
}

func handleChat(svc *rag.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rag.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if !tenantAllowed(r, req.TenantSlug) {
			writeError(w, http.StatusForbidden, "tenant access denied")
			return
		}
		start := time.Now()
		resp, err := svc.Chat(r.Context(), req)
		if err != nil {
			respondError(w, logger, err)
			return
		}
		mChatTotal.Inc()
		mChatDur.Since(start)
		if resp.NeedsClarification {
			mChatLowConf.Inc()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// SaveResponseRequest is the JSON body for POST /api/search/save-response.
// A validated chat answer is fed back into the knowledge base as a shared
// note so future retrievals can cite it.
type SaveResponseRequest struct {
	TenantSlug string `json:"tenant"`
	Query      string `json:"query"`
	Answer     string `json:"answer"`
	Title      string `json:"title,omitempty"`
	SavedBy    string `json:"saved_by,omitempty"`
}

func handleSaveResponse(p *ingest.Processor, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SaveResponseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if !tenantAllowed(r, req.TenantSlug) {
			writeError(w, http.StatusForbidden, "tenant access denied")
			return
		}
		if req.Answer == "" {
			writeError(w, http.StatusBadRequest, "answer is required")
			return
		}
		text := req.Answer
		if req.Query != "" {
			text = req.Query + "\n\n" + req.Answer
		}
		saveReq := ingest.Request{
			TenantSlug: domain.StandardTenant,
			Text:       text,
			Type:       domain.TypeNote,
			Scope:      domain.ScopeStandard,
			Source:     "chat-response:" + req.TenantSlug,
			CreatedBy:  req.SavedBy,
		}
		if req.Title != "" {
			saveReq.Structured = &domain.Structured{Title: req.Title}
		}
		resp, err := p.Process(r.Context(), saveReq)
		if err != nil {
			respondError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleCreateTenant(store *catalog.Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var t domain.Tenant
		if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := domain.ValidateTenantSlug(t.Slug); err != nil {
			respondError(w, logger, err)
			return
		}
		created, err := store.CreateTenant(r.Context(), t)
		if err != nil {
			respondError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func handleListTenants(store *catalog.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenants, err := store.ListTenants(r.Context(), listOpts(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
	}
}

func handleListDocuments(store *catalog.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := r.URL.Query().Get("tenant")
		if tenant == "" {
			writeError(w, http.StatusBadRequest, "tenant query parameter is required")
			return
		}
		docs, err := store.ListDocuments(r.Context(), tenant, listOpts(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
	}
}

func handleDeleteDocument(p *ingest.Processor, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := p.Delete(r.Context(), id); err != nil {
			respondError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
	}
}

func handleReindex(p *ingest.Processor, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		n, err := p.Reindex(r.Context(), id)
		if err != nil {
			respondError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"doc_id": id, "chunks_reindexed": n})
	}
}

func handleSaveEvalQuery(store *catalog.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var q domain.EvalQuery
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if q.TenantSlug == "" || q.Question == "" {
			writeError(w, http.StatusBadRequest, "tenant and question are required")
			return
		}
		if q.ID == "" {
			q.ID = uuid.NewString()
		}
		if q.CreatedAt.IsZero() {
			q.CreatedAt = time.Now().UTC()
		}
		if err := store.SaveEvalQuery(r.Context(), q); err != nil {
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, http.StatusCreated, q)
	}
}

func handleEvalRun(runner *eval.Runner, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := r.URL.Query().Get("tenant")
		if tenant == "" {
			writeError(w, http.StatusBadRequest, "tenant query parameter is required")
			return
		}
		run, err := runner.Run(r.Context(), tenant)
		if err != nil {
			respondError(w, logger, err)
			return
		}
		mEvalRunsTotal.Inc()
		writeJSON(w, http.StatusOK, run)
	}
}

func handleEvalLatest(store *catalog.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := r.URL.Query().Get("tenant")
		if tenant == "" {
			writeError(w, http.StatusBadRequest, "tenant query parameter is required")
			return
		}
		run, err := store.LatestEvalRun(r.Context(), tenant)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				writeError(w, http.StatusNotFound, "no evaluation runs recorded")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func handleCollectionInfo(store *semantic.VectorStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := store.Info(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

// --- Helpers ---

// tenantAllowed checks the caller's tenant grants. Admins pass everything.
func tenantAllowed(r *http.Request, tenantSlug string) bool {
	caller, ok := mid.CallerFrom(r.Context())
	if !ok {
		return false
	}
	return caller.CanAccess(tenantSlug)
}

func adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := mid.CallerFrom(r.Context())
		if !ok || !caller.IsAdmin() {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next(w, r)
	}
}

func listOpts(r *http.Request) repo.ListOpts {
	opts := repo.ListOpts{Limit: 100}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		opts.Limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		opts.Offset = v
	}
	return opts
}

func respondError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, domain.ErrInvalidFilter):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrDuplicate):
		writeError(w, http.StatusConflict, "already exists")
	default:
		logger.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
