// Command ingestd consumes document submissions from NATS and runs them
// through the ingestion pipeline into Neo4j and Qdrant.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/isuwiki/isuwiki/engine/catalog"
	"github.com/isuwiki/isuwiki/engine/ingest"
	"github.com/isuwiki/isuwiki/engine/semantic"
	"github.com/isuwiki/isuwiki/pkg/metrics"
	"github.com/isuwiki/isuwiki/pkg/ollama"
	"github.com/isuwiki/isuwiki/pkg/openai"
	"github.com/isuwiki/isuwiki/pkg/sapnlp"
)

var met = metrics.New()

var (
	mConsumerUp = met.Gauge("isuwiki_ingestd_up", "1 while the consumer is subscribed")
)

func main() {
	var (
		natsURL     = flag.String("nats", nats.DefaultURL, "NATS server URL")
		neo4jURL    = flag.String("neo4j", "neo4j://localhost:7687", "Neo4j bolt URL")
		neo4jUser   = flag.String("neo4j-user", "neo4j", "Neo4j username")
		neo4jPass   = flag.String("neo4j-pass", "password", "Neo4j password")
		qdrantAddr  = flag.String("qdrant", "localhost:6334", "Qdrant gRPC address")
		collection  = flag.String("collection", "isuwiki", "Qdrant collection name")
		embedDims   = flag.Int("dims", 1536, "embedding vector dimensions")
		ollamaURL   = flag.String("ollama", "http://localhost:11434", "Ollama base URL")
		embedModel  = flag.String("embed-model", "", "embedding model override")
		chatModel   = flag.String("chat-model", "", "chat model override")
		metricsPort = flag.Int("metrics-port", 9091, "Prometheus metrics port")
	)
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	met.ServeAsync(*metricsPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Neo4j
	driver, err := neo4j.NewDriverWithContext(*neo4jURL, neo4j.BasicAuth(*neo4jUser, *neo4jPass, ""))
	if err != nil {
		log.Error("neo4j connect failed", "err", err)
		os.Exit(1)
	}
	defer driver.Close(ctx)
	if err := driver.VerifyConnectivity(ctx); err != nil {
		log.Error("neo4j verify failed", "err", err)
		os.Exit(1)
	}
	docStore := catalog.New(driver)
	if err := docStore.EnsureConstraints(ctx); err != nil {
		log.Error("neo4j constraints failed", "err", err)
		os.Exit(1)
	}
	log.Info("connected to Neo4j")

	// Connect Qdrant
	vs, err := semantic.New(*qdrantAddr, *collection)
	if err != nil {
		log.Error("qdrant connect failed", "err", err)
		os.Exit(1)
	}
	defer vs.Close()
	if err := vs.EnsureCollection(ctx, *embedDims); err != nil {
		log.Error("qdrant ensure collection failed", "err", err)
		os.Exit(1)
	}
	log.Info("connected to Qdrant", "collection", *collection, "dims", *embedDims)

	// Model backends
	embed, gen := buildBackends(*ollamaURL, *embedModel, *chatModel, log)

	processor := ingest.New(ingest.Deps{
		Extractor:  sapnlp.New(sapnlp.DefaultVocabulary()),
		Structurer: ingest.NewStructurer(gen),
		Embedder:   embed,
		Docs:       docStore,
		Vectors:    vs,
		Logger:     log,
	}, ingest.DefaultChunkConfig())

	// NATS subscription
	nc, err := nats.Connect(*natsURL, nats.Name("isuwiki-ingestd"))
	if err != nil {
		log.Error("nats connect failed", "err", err)
		os.Exit(1)
	}
	defer nc.Drain()

	sub, err := ingest.StartConsumer(nc, processor, log)
	if err != nil {
		log.Error("subscribe failed", "err", err)
		os.Exit(1)
	}
	defer sub.Unsubscribe()
	mConsumerUp.Set(1)
	log.Info("consuming", "subject", ingest.Subject, "metrics_port", strconv.Itoa(*metricsPort))

	<-ctx.Done()
	mConsumerUp.Set(0)
	log.Info("shutdown signal received")
}

func buildBackends(ollamaURL, embedModel, chatModel string, log *slog.Logger) (ingest.Embedder, ingest.Generator) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg := openai.DefaultConfig(key)
		cfg.BaseURL = os.Getenv("OPENAI_BASE_URL")
		if embedModel != "" {
			cfg.EmbedModel = embedModel
		}
		if chatModel != "" {
			cfg.ChatModel = chatModel
		}
		client := openai.New(cfg)
		log.Info("using OpenAI backend", "embed_model", cfg.EmbedModel)
		return client, client
	}
	if embedModel == "" {
		embedModel = "nomic-embed-text"
	}
	if chatModel == "" {
		chatModel = "llama3.1"
	}
	client := ollama.New(ollamaURL, embedModel, chatModel)
	log.Info("using Ollama backend", "url", ollamaURL, "embed_model", embedModel)
	return client, client
}
