// Command ingest watches a directory for audio files and runs them through
// the ingestion pipeline into Qdrant and Neo4j. Files that fail are retried
// on the next scan; files that index successfully are recorded in a state
// file and skipped thereafter.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/EchoQueryAI/echoquery-mvp/engine/answer"
	"github.com/EchoQueryAI/echoquery-mvp/engine/catalog"
	"github.com/EchoQueryAI/echoquery-mvp/engine/domain"
	"github.com/EchoQueryAI/echoquery-mvp/engine/embed"
	"github.com/EchoQueryAI/echoquery-mvp/engine/retrieve"
	"github.com/EchoQueryAI/echoquery-mvp/engine/semantic"
	"github.com/EchoQueryAI/echoquery-mvp/engine/session"
	"github.com/EchoQueryAI/echoquery-mvp/engine/transcribe"
	"github.com/EchoQueryAI/echoquery-mvp/pkg/config"
	"github.com/EchoQueryAI/echoquery-mvp/pkg/metrics"
	"github.com/EchoQueryAI/echoquery-mvp/pkg/ollama"
)

var met = metrics.New()

var (
	mFilesProcessed = met.Counter("echoquery_ingest_files_processed_total", "Files run through the pipeline")
	mFilesIndexed   = met.Counter("echoquery_ingest_files_indexed_total", "Files that reached indexed")
	mFilesFailed    = met.Counter("echoquery_ingest_files_failed_total", "Files that ended failed")
	mFilesSkipped   = met.Counter("echoquery_ingest_files_skipped_total", "Files skipped by the state file")
	mBytesRead      = met.Counter("echoquery_ingest_bytes_total", "Audio bytes read from disk")
	mQueueDepth     = met.Gauge("echoquery_ingest_queue_depth", "Files waiting in the current scan")
	mLastScan       = met.Gauge("echoquery_ingest_last_scan_timestamp", "Epoch of last directory scan")
	mPipelineDur    = met.Histogram("echoquery_ingest_pipeline_duration_seconds", "Per-file pipeline time", nil)
)

func main() {
	godotenv.Load()

	var (
		interval = flag.Duration("interval", 30*time.Second, "scan interval")
		cfgPath  = flag.String("config", os.Getenv("ECHOQUERY_CONFIG"), "config file path")
		reset    = flag.Bool("reset", false, "drop the vector collection and processed-state file, then re-ingest everything")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	cfg, warnings, err := config.Load(*cfgPath)
	if err != nil {
		log.Error("config load failed", "error", err)
		os.Exit(1)
	}
	for _, w := range warnings {
		log.Warn(w)
	}

	met.CollectRuntime("echoquery_ingest", 15*time.Second)
	met.ServeAsync(cfg.MetricsPort + 1)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, *interval, *reset, log); err != nil {
		log.Error("ingest exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, interval time.Duration, reset bool, log *slog.Logger) error {
	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURI, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer driver.Close(ctx)
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("neo4j verify: %w", err)
	}
	log.Info("connected to Neo4j")

	store, err := semantic.New(cfg.QdrantAddr, cfg.QdrantColl, cfg.EmbedDims)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer store.Close()
	if reset {
		log.Warn("resetting: dropping vector collection and processed state", "collection", cfg.QdrantColl)
		if err := store.DropCollection(ctx); err != nil {
			return fmt.Errorf("qdrant drop collection: %w", err)
		}
		os.Remove(cfg.WatchStateFile)
	}
	if err := store.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("qdrant ensure collection: %w", err)
	}
	log.Info("connected to Qdrant", "collection", cfg.QdrantColl, "dims", cfg.EmbedDims)

	oaiClient := openai.NewClient(cfg.OpenAIAPIKey)

	var provider embed.Provider
	if cfg.EmbedProvider == "ollama" {
		provider = ollama.NewEmbedClient(cfg.OllamaURL, cfg.EmbedModel, cfg.EmbedDims)
		log.Info("using Ollama embeddings", "model", cfg.EmbedModel)
	} else {
		provider = embed.NewOpenAIProvider(embed.OpenAIConfig{
			APIKey:     cfg.OpenAIAPIKey,
			Model:      cfg.EmbedModel,
			Dimensions: cfg.EmbedDims,
		})
	}
	embedder := embed.NewClient(provider, embed.DefaultOptions(), log)

	retriever, err := retrieve.New(store, retrieve.Config{K: cfg.RetrieveK, ScoreFloor: cfg.ScoreFloor})
	if err != nil {
		return err
	}
	answerer := answer.NewClient(answer.NewOpenAIGenerator(oaiClient, cfg.ChatModel), answer.Options{})

	var (
		sink session.EventSink
		comp *completions
	)
	if nc, err := nats.Connect(cfg.NATSURL); err != nil {
		log.Warn("nats unavailable, state events disabled", "error", err)
	} else {
		defer nc.Close()
		sink = session.NATSSink(nc, log)
		comp = newCompletions()
		if _, err := session.SubscribeStateEvents(nc, func(_ context.Context, ev session.StateEvent) {
			if st := domain.SourceState(ev.State); st.Terminal() {
				comp.notify(ev.SourceID, st)
			}
		}); err != nil {
			log.Warn("state event subscribe failed, falling back to polling", "error", err)
			comp = nil
		}
	}

	opts := session.DefaultOptions()
	opts.ContextBudgetTokens = cfg.ContextBudget
	opts.StageTimeout = cfg.ParsedStageTimeout()
	opts.QueryTimeout = cfg.ParsedQueryTimeout()

	orch, err := session.New(transcribe.NewWhisper(oaiClient, cfg.WhisperModel), embedder, store,
		retriever, answerer, catalog.New(driver), sink, opts, log, met)
	if err != nil {
		return err
	}

	processed := loadState(cfg.WatchStateFile)
	os.MkdirAll(cfg.WatchDir, 0o755)

	// Provider quotas bound how fast files may enter the pipeline.
	limiter := rate.NewLimiter(rate.Limit(float64(cfg.ScanPerMinute)/60.0), 1)

	log.Info("watching for audio", "dir", cfg.WatchDir, "interval", interval)

	scan := func() {
		mLastScan.Set(time.Now().Unix())
		entries, err := os.ReadDir(cfg.WatchDir)
		if err != nil {
			log.Error("readdir failed", "error", err)
			return
		}

		for _, e := range entries {
			if e.IsDir() || e.Name()[0] == '.' || !supportedAudio(e.Name()) {
				continue
			}
			info, _ := e.Info()
			key := fmt.Sprintf("%s:%d", e.Name(), info.Size())
			if processed[key] {
				mFilesSkipped.Inc()
				continue
			}

			if err := limiter.Wait(ctx); err != nil {
				return
			}

			mQueueDepth.Inc()
			start := time.Now()
			state := processFile(ctx, orch, comp, filepath.Join(cfg.WatchDir, e.Name()), log)
			mPipelineDur.Since(start)
			mQueueDepth.Dec()
			mFilesProcessed.Inc()

			switch state {
			case domain.StateIndexed:
				mFilesIndexed.Inc()
				processed[key] = true
				saveState(cfg.WatchStateFile, processed)
			case domain.StateFailed:
				mFilesFailed.Inc()
				log.Warn("file failed, will retry on next scan", "file", e.Name())
			}
		}
	}

	scan()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			orch.Wait()
			return nil
		case <-ticker.C:
			scan()
		}
	}
}

// processFile runs one audio file through ingestion and waits for the
// source to reach a terminal state. With NATS available the wait is
// event-driven; publish failures are dropped on the sink side, so a slow
// poll backstops the subscription either way.
func processFile(ctx context.Context, orch *session.Orchestrator, comp *completions, path string, log *slog.Logger) domain.SourceState {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Error("read failed", "file", path, "error", err)
		return domain.StateFailed
	}
	mBytesRead.Add(int64(len(data)))

	id, err := orch.Ingest(ctx, filepath.Base(path), data)
	if err != nil {
		log.Error("ingest rejected", "file", path, "error", err)
		return domain.StateFailed
	}
	log.Info("ingesting", "file", filepath.Base(path), "source_id", id)

	var wake <-chan domain.SourceState
	pollEvery := 2 * time.Second
	if comp != nil {
		wake = comp.watch(id)
		defer comp.forget(id)
		pollEvery = 15 * time.Second
	}
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return domain.StateFailed
		case <-wake:
		case <-ticker.C:
		}
		src, err := orch.Status(ctx, id)
		if err != nil {
			log.Error("status failed", "source_id", id, "error", err)
			return domain.StateFailed
		}
		if src.State.Terminal() {
			if src.State == domain.StateFailed {
				log.Error("ingest failed", "source_id", id, "detail", src.ErrDetail)
			} else {
				log.Info("indexed", "source_id", id, "chunks", src.ChunkCount, "duration_ms", src.DurationMS)
			}
			return src.State
		}
	}
}

// completions fans terminal state events out to per-source waiters.
type completions struct {
	mu      sync.Mutex
	waiters map[string]chan domain.SourceState
}

func newCompletions() *completions {
	return &completions{waiters: make(map[string]chan domain.SourceState)}
}

// watch returns a channel that receives the source's terminal state.
func (c *completions) watch(id string) <-chan domain.SourceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan domain.SourceState, 1)
	c.waiters[id] = ch
	return ch
}

func (c *completions) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waiters, id)
}

func (c *completions) notify(id string, state domain.SourceState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.waiters[id]; ok {
		select {
		case ch <- state:
		default:
		}
	}
}

func supportedAudio(name string) bool {
	return domain.SupportedAudioFormats[strings.ToLower(filepath.Ext(name))]
}

func loadState(path string) map[string]bool {
	state := make(map[string]bool)
	data, err := os.ReadFile(path)
	if err != nil {
		return state
	}
	json.Unmarshal(data, &state)
	return state
}

func saveState(path string, state map[string]bool) {
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	os.WriteFile(path, data, 0o644)
}
