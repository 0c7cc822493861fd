// Package main implements the EchoQuery API server: audio upload, source
// lifecycle, and question answering over indexed recordings.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	openai "github.com/sashabaranov/go-openai"

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
	"github.com/EchoQueryAI/echoquery-mvp/pkg/mid"
	"github.com/EchoQueryAI/echoquery-mvp/pkg/ollama"
	"github.com/EchoQueryAI/echoquery-mvp/pkg/repo"
)

// maxUploadBytes caps a single audio upload (25 MB, the Whisper API limit).
const maxUploadBytes = 25 << 20

func main() {
	godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, warnings, err := config.Load(os.Getenv("ECHOQUERY_CONFIG"))
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}
	for _, w := range warnings {
		logger.Warn(w)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met := metrics.New()
	met.CollectRuntime("echoquery_api", 15*time.Second)
	met.ServeAsync(cfg.MetricsPort)

	// --- Neo4j (source catalog) ---
	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURI, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer driver.Close(ctx)
	cat := catalog.New(driver)

	// --- Qdrant (vector index) ---
	store, err := semantic.New(cfg.QdrantAddr, cfg.QdrantColl, cfg.EmbedDims)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer store.Close()
	if err := store.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("qdrant ensure collection: %w", err)
	}

	// --- Providers ---
	oaiClient := openai.NewClient(cfg.OpenAIAPIKey)

	var provider embed.Provider
	if cfg.EmbedProvider == "ollama" {
		provider = ollama.NewEmbedClient(cfg.OllamaURL, cfg.EmbedModel, cfg.EmbedDims)
	} else {
		provider = embed.NewOpenAIProvider(embed.OpenAIConfig{
			APIKey:     cfg.OpenAIAPIKey,
			Model:      cfg.EmbedModel,
			Dimensions: cfg.EmbedDims,
		})
	}
	embedder := embed.NewClient(provider, embed.DefaultOptions(), logger)

	transcriber := transcribe.NewWhisper(oaiClient, cfg.WhisperModel)
	answerer := answer.NewClient(answer.NewOpenAIGenerator(oaiClient, cfg.ChatModel), answer.Options{})

	retriever, err := retrieve.New(store, retrieve.Config{K: cfg.RetrieveK, ScoreFloor: cfg.ScoreFloor})
	if err != nil {
		return err
	}

	// --- NATS (state events, optional) ---
	var sink session.EventSink
	if nc, err := nats.Connect(cfg.NATSURL); err != nil {
		logger.Warn("nats unavailable, state events disabled", "error", err)
	} else {
		defer nc.Close()
		sink = session.NATSSink(nc, logger)
	}

	opts := session.DefaultOptions()
	opts.ContextBudgetTokens = cfg.ContextBudget
	opts.StageTimeout = cfg.ParsedStageTimeout()
	opts.QueryTimeout = cfg.ParsedQueryTimeout()

	orch, err := session.New(transcriber, embedder, store, retriever, answerer, cat, sink, opts, logger, met)
	if err != nil {
		return err
	}

	// --- HTTP server ---
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.Handle("GET /metrics", met.Handler())
	mux.HandleFunc("POST /api/sources", handleUpload(orch, logger))
	mux.HandleFunc("GET /api/sources", handleList(orch))
	mux.HandleFunc("GET /api/sources/{id}", handleStatus(orch))
	mux.HandleFunc("POST /api/sources/{id}/retry", handleRetry(orch))
	mux.HandleFunc("DELETE /api/sources/{id}", handleDelete(orch))
	mux.HandleFunc("POST /api/ask", handleAsk(orch, logger))

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS("*"),
		mid.OTel("echoquery-api"),
	)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "addr", cfg.ListenAddr)
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

	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return err
	}
	orch.Wait()
	return nil
}

// --- Handlers ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// UploadResponse is the JSON response for POST /api/sources.
type UploadResponse struct {
	SourceID string `json:"source_id"`
	State    string `json:"state"`
}

func handleUpload(orch *session.Orchestrator, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		file, header, err := r.FormFile("audio")
		if err != nil {
			writeError(w, http.StatusBadRequest, "multipart field 'audio' is required")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			writeError(w, http.StatusBadRequest, "upload truncated")
			return
		}

		id, err := orch.Ingest(r.Context(), header.Filename, data)
		if err != nil {
			respondDomainError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusAccepted, UploadResponse{SourceID: id, State: string(domain.StateUploaded)})
	}
}

func handleList(orch *session.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sources, err := orch.List(r.Context(), repo.ListOpts{})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list failed")
			return
		}
		if sources == nil {
			sources = []domain.AudioSource{}
		}
		writeJSON(w, http.StatusOK, sources)
	}
}

func handleStatus(orch *session.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		src, err := orch.Status(r.Context(), r.PathValue("id"))
		if err != nil {
			respondDomainError(w, slog.Default(), err)
			return
		}
		writeJSON(w, http.StatusOK, src)
	}
}

func handleRetry(orch *session.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := orch.Retry(r.Context(), r.PathValue("id")); err != nil {
			respondDomainError(w, slog.Default(), err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"state": string(domain.StateTranscribing)})
	}
}

func handleDelete(orch *session.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := orch.Delete(r.Context(), r.PathValue("id")); err != nil {
			respondDomainError(w, slog.Default(), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// AskRequest is the JSON body for POST /api/ask.
type AskRequest struct {
	SourceID string `json:"source_id"`
	Question string `json:"question"`
}

func handleAsk(orch *session.Orchestrator, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		resp, err := orch.Ask(r.Context(), req.SourceID, req.Question)
		if err != nil {
			respondDomainError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// respondDomainError maps the error taxonomy onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, domain.ErrUnknownSource):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrNotReady):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrUnsupportedFormat):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrBudgetTooSmall):
		logger.Error("assembler budget misconfigured", "error", err)
		writeError(w, http.StatusInternalServerError, "context budget misconfigured")
	default:
		logger.Error("request failed", "error", err)
		writeError(w, http.StatusBadGateway, "upstream provider failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
