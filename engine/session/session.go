// Package session orchestrates the two pipelines of the engine: ingestion
// (audio to indexed chunks) and query (question to grounded answer). It owns
// the per-source state machine and is the only writer of source state.
package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/EchoQueryAI/echoquery-mvp/engine/assemble"
	"github.com/EchoQueryAI/echoquery-mvp/engine/domain"
	"github.com/EchoQueryAI/echoquery-mvp/engine/segment"
	"github.com/EchoQueryAI/echoquery-mvp/pkg/fn"
	"github.com/EchoQueryAI/echoquery-mvp/pkg/metrics"
	"github.com/EchoQueryAI/echoquery-mvp/pkg/repo"
)

// Collaborator interfaces. The concrete engine packages satisfy these; tests
// swap in fakes.

type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio io.Reader) (domain.Transcript, error)
}

type Embedder interface {
	EmbedChunks(ctx context.Context, chunks []domain.Chunk) ([]domain.Chunk, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type VectorIndex interface {
	Upsert(ctx context.Context, chunks []domain.Chunk) error
	DeleteBySource(ctx context.Context, sourceID string) error
}

type Retriever interface {
	Retrieve(ctx context.Context, vector []float32, sourceID string) ([]domain.QueryResult, error)
}

type Answerer interface {
	Answer(ctx context.Context, question string, asm assemble.Assembly) (domain.Answer, error)
}

type SourceCatalog interface {
	Save(ctx context.Context, src domain.AudioSource) (domain.AudioSource, error)
	Get(ctx context.Context, id string) (domain.AudioSource, error)
	List(ctx context.Context, opts repo.ListOpts) ([]domain.AudioSource, error)
	SetState(ctx context.Context, id string, state domain.SourceState, errDetail string) (domain.AudioSource, error)
	Delete(ctx context.Context, id string) error
}

// StateEvent is published on every source state transition.
type StateEvent struct {
	SourceID  string    `json:"source_id"`
	State     string    `json:"state"`
	ErrDetail string    `json:"err_detail,omitempty"`
	At        time.Time `json:"at"`
}

// EventSink receives state events. Publishing must not block ingestion;
// sinks that talk to a broker should be fire-and-forget.
type EventSink func(ctx context.Context, ev StateEvent)

// Options tunes the orchestrator.
type Options struct {
	// Segment configures the transcript splitter.
	Segment segment.Config
	// ContextBudgetTokens caps the assembled context per question.
	ContextBudgetTokens int
	// StageTimeout bounds each collaborator call during ingestion.
	StageTimeout time.Duration
	// QueryTimeout bounds each collaborator call during ask.
	QueryTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		Segment:             segment.DefaultConfig(),
		ContextBudgetTokens: 1200,
		StageTimeout:        3 * time.Minute,
		QueryTimeout:        30 * time.Second,
	}
}

func (o Options) validate() error {
	if err := o.Segment.Validate(); err != nil {
		return err
	}
	if o.ContextBudgetTokens <= 0 {
		return domain.NewValidationError("context_budget_tokens", fmt.Sprint(o.ContextBudgetTokens),
			fmt.Errorf("%w: context budget must be > 0", domain.ErrInvalidInput))
	}
	if o.StageTimeout <= 0 || o.QueryTimeout <= 0 {
		return domain.NewValidationError("timeouts", "",
			fmt.Errorf("%w: stage and query timeouts must be > 0", domain.ErrInvalidInput))
	}
	return nil
}

// entry tracks an in-process source. Audio bytes are retained until the
// source reaches Indexed so Retry can re-run the pipeline without a
// re-upload; Failed entries keep them.
type entry struct {
	filename string
	audio    []byte
	state    domain.SourceState
}

// Orchestrator drives ingestion and query for all sources in the process.
type Orchestrator struct {
	transcriber Transcriber
	embedder    Embedder
	index       VectorIndex
	retriever   Retriever
	answerer    Answerer
	catalog     SourceCatalog
	sink        EventSink
	opts        Options
	log         *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup

	ingestsStarted *metrics.Counter
	ingestsFailed  *metrics.Counter
	ingestsOK      *metrics.Counter
	asksServed     *metrics.Counter
	asksNoContext  *metrics.Counter
}

func New(
	transcriber Transcriber,
	embedder Embedder,
	index VectorIndex,
	retriever Retriever,
	answerer Answerer,
	cat SourceCatalog,
	sink EventSink,
	opts Options,
	logger *slog.Logger,
	met *metrics.Registry,
) (*Orchestrator, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = func(context.Context, StateEvent) {}
	}
	if met == nil {
		met = metrics.New()
	}
	return &Orchestrator{
		transcriber:    transcriber,
		embedder:       embedder,
		index:          index,
		retriever:      retriever,
		answerer:       answerer,
		catalog:        cat,
		sink:           sink,
		opts:           opts,
		log:            logger,
		entries:        make(map[string]*entry),
		ingestsStarted: met.Counter("session_ingests_started_total", "Ingestion pipelines started"),
		ingestsFailed:  met.Counter("session_ingests_failed_total", "Ingestion pipelines that ended Failed"),
		ingestsOK:      met.Counter("session_ingests_indexed_total", "Ingestion pipelines that reached Indexed"),
		asksServed:     met.Counter("session_asks_total", "Questions answered"),
		asksNoContext:  met.Counter("session_asks_no_context_total", "Questions with no relevant content"),
	}, nil
}

// Ingest registers the audio under a fresh source ID and starts the
// pipeline in the background. Callers poll Status or subscribe to the
// event sink for progress.
func (o *Orchestrator) Ingest(ctx context.Context, filename string, audio []byte) (string, error) {
	if err := domain.ValidateAudioFilename(filename); err != nil {
		return "", err
	}
	if len(audio) == 0 {
		return "", domain.NewValidationError("audio", filename,
			fmt.Errorf("%w: empty audio payload", domain.ErrInvalidInput))
	}

	id := uuid.NewString()
	src := domain.AudioSource{
		ID:        id,
		Filename:  filename,
		State:     domain.StateUploaded,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := o.catalog.Save(ctx, src); err != nil {
		return "", err
	}

	o.mu.Lock()
	o.entries[id] = &entry{filename: filename, audio: audio, state: domain.StateUploaded}
	o.mu.Unlock()

	o.emit(ctx, id, domain.StateUploaded, "")
	o.startIngest(id)
	return id, nil
}

// Retry re-runs the pipeline for a Failed source. The retained audio is
// reused; sources whose audio is gone (process restart) need a fresh Ingest.
// The gate is checked and flipped under the lock, so of two concurrent
// retries exactly one restarts the pipeline.
func (o *Orchestrator) Retry(ctx context.Context, id string) error {
	if _, err := o.catalog.Get(ctx, id); err != nil {
		return err
	}

	o.mu.Lock()
	e, ok := o.entries[id]
	if ok && e.state != domain.StateFailed {
		st := e.state
		o.mu.Unlock()
		return fmt.Errorf("%w: source %s is %s, retry applies to failed sources", domain.ErrNotReady, id, st)
	}
	if !ok || len(e.audio) == 0 {
		o.mu.Unlock()
		return fmt.Errorf("%w: audio for %s is no longer held, re-upload it", domain.ErrUnknownSource, id)
	}
	// Mark the pipeline as restarted before releasing the lock; Uploaded is
	// non-terminal, so a concurrent Retry or Delete is refused from here on.
	e.state = domain.StateUploaded
	o.mu.Unlock()

	o.startIngest(id)
	return nil
}

// Status reports the stored record for the source, including failure detail.
func (o *Orchestrator) Status(ctx context.Context, id string) (domain.AudioSource, error) {
	return o.catalog.Get(ctx, id)
}

// List returns all known sources.
func (o *Orchestrator) List(ctx context.Context, opts repo.ListOpts) ([]domain.AudioSource, error) {
	return o.catalog.List(ctx, opts)
}

// Delete removes the source's chunks and record. A source whose ingestion
// is in flight cannot be deleted; wait for a terminal state first. This is
// what keeps a delete from interleaving with that source's own upserts.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	src, err := o.catalog.Get(ctx, id)
	if err != nil {
		return err
	}

	// Gate on the in-memory entry where one exists: it is flipped under the
	// lock the moment a retry restarts the pipeline, before any catalog
	// write lands. The entry is dropped inside the same critical section so
	// a concurrent Retry can no longer resurrect the source mid-delete.
	o.mu.Lock()
	if e, ok := o.entries[id]; ok {
		if !e.state.Terminal() {
			o.mu.Unlock()
			return fmt.Errorf("%w: source %s is mid-ingestion (%s)", domain.ErrNotReady, id, e.state)
		}
		delete(o.entries, id)
	} else if !src.State.Terminal() {
		o.mu.Unlock()
		return fmt.Errorf("%w: source %s is mid-ingestion (%s)", domain.ErrNotReady, id, src.State)
	}
	o.mu.Unlock()

	if err := o.index.DeleteBySource(ctx, id); err != nil {
		return err
	}
	return o.catalog.Delete(ctx, id)
}

// Response is an answer plus the retrieved chunks it was grounded on.
type Response struct {
	Answer  domain.Answer        `json:"answer"`
	Sources []domain.QueryResult `json:"sources,omitempty"`
}

// Ask answers a question against one indexed source. Empty retrieval is a
// designed outcome: the answer comes back flagged NoContext with no
// generation call made. Provider failures surface to the caller and never
// mutate index state.
func (o *Orchestrator) Ask(ctx context.Context, sourceID, question string) (Response, error) {
	if err := domain.ValidateQuestion(question); err != nil {
		return Response{}, err
	}
	src, err := o.catalog.Get(ctx, sourceID)
	if err != nil {
		return Response{}, err
	}
	if src.State != domain.StateIndexed {
		return Response{}, fmt.Errorf("%w: source %s is %s", domain.ErrNotReady, sourceID, src.State)
	}

	vector, err := timed(ctx, o.opts.QueryTimeout, func(ctx context.Context) ([]float32, error) {
		return o.embedder.EmbedQuery(ctx, question)
	})
	if err != nil {
		return Response{}, err
	}

	results, err := timed(ctx, o.opts.QueryTimeout, func(ctx context.Context) ([]domain.QueryResult, error) {
		return o.retriever.Retrieve(ctx, vector, sourceID)
	})
	if err != nil {
		return Response{}, err
	}

	asm, err := assemble.Build(results, o.opts.ContextBudgetTokens)
	if err != nil {
		return Response{}, err
	}

	ans, err := timed(ctx, o.opts.QueryTimeout, func(ctx context.Context) (domain.Answer, error) {
		return o.answerer.Answer(ctx, question, asm)
	})
	if err != nil {
		return Response{}, err
	}

	o.asksServed.Inc()
	if ans.NoContext {
		o.asksNoContext.Inc()
	}
	return Response{Answer: ans, Sources: results}, nil
}

// Wait blocks until all in-flight ingestions finish. For shutdown and tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// ingestCarrier threads pipeline output between stages.
type ingestCarrier struct {
	id         string
	filename   string
	audio      []byte
	transcript domain.Transcript
	chunks     []domain.Chunk
}

func (o *Orchestrator) startIngest(id string) {
	o.mu.Lock()
	e := o.entries[id]
	c := ingestCarrier{id: id, filename: e.filename, audio: e.audio}
	o.mu.Unlock()

	o.ingestsStarted.Inc()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runIngest(context.Background(), c)
	}()
}

// runIngest drives one source through Transcribing, Segmenting, Embedding
// and finally Indexed. Stages run strictly in sequence; the first failure
// parks the source in Failed with the causing error recorded.
func (o *Orchestrator) runIngest(ctx context.Context, c ingestCarrier) {
	pipeline := fn.Then(
		fn.Then(o.transcribeStage(), o.segmentStage()),
		fn.Then(o.embedStage(), o.indexStage()),
	)

	res := pipeline(ctx, c)
	if _, err := res.Unwrap(); err != nil {
		o.ingestsFailed.Inc()
		o.log.Error("ingest failed", "source_id", c.id, "error", err)
		o.setState(ctx, c.id, domain.StateFailed, err.Error())
		return
	}
	o.ingestsOK.Inc()
	o.log.Info("ingest complete", "source_id", c.id)
}

func (o *Orchestrator) transcribeStage() fn.Stage[ingestCarrier, ingestCarrier] {
	return fn.TracedStage("transcribe", func(ctx context.Context, c ingestCarrier) fn.Result[ingestCarrier] {
		if err := o.setState(ctx, c.id, domain.StateTranscribing, ""); err != nil {
			return fn.Err[ingestCarrier](err)
		}
		t, err := timed(ctx, o.opts.StageTimeout, func(ctx context.Context) (domain.Transcript, error) {
			return o.transcriber.Transcribe(ctx, c.filename, bytes.NewReader(c.audio))
		})
		if err != nil {
			return fn.Err[ingestCarrier](err)
		}
		if err := domain.ValidateTranscript(t); err != nil {
			return fn.Err[ingestCarrier](err)
		}
		c.transcript = t
		return fn.Ok(c)
	})
}

func (o *Orchestrator) segmentStage() fn.Stage[ingestCarrier, ingestCarrier] {
	return fn.TracedStage("segment", func(ctx context.Context, c ingestCarrier) fn.Result[ingestCarrier] {
		if err := o.setState(ctx, c.id, domain.StateSegmenting, ""); err != nil {
			return fn.Err[ingestCarrier](err)
		}
		chunks, err := segment.Split(c.id, c.transcript, o.opts.Segment)
		if err != nil {
			return fn.Err[ingestCarrier](err)
		}
		c.chunks = chunks
		return fn.Ok(c)
	})
}

func (o *Orchestrator) embedStage() fn.Stage[ingestCarrier, ingestCarrier] {
	return fn.TracedStage("embed", func(ctx context.Context, c ingestCarrier) fn.Result[ingestCarrier] {
		if err := o.setState(ctx, c.id, domain.StateEmbedding, ""); err != nil {
			return fn.Err[ingestCarrier](err)
		}
		chunks, err := timed(ctx, o.opts.StageTimeout, func(ctx context.Context) ([]domain.Chunk, error) {
			return o.embedder.EmbedChunks(ctx, c.chunks)
		})
		if err != nil {
			return fn.Err[ingestCarrier](err)
		}
		c.chunks = chunks
		return fn.Ok(c)
	})
}

func (o *Orchestrator) indexStage() fn.Stage[ingestCarrier, ingestCarrier] {
	return fn.TracedStage("index", func(ctx context.Context, c ingestCarrier) fn.Result[ingestCarrier] {
		// Re-ingesting a source replaces its chunks wholesale: clear any
		// previous generation before writing the new one.
		err := timedErr(ctx, o.opts.StageTimeout, func(ctx context.Context) error {
			if err := o.index.DeleteBySource(ctx, c.id); err != nil {
				return err
			}
			return o.index.Upsert(ctx, c.chunks)
		})
		if err != nil {
			return fn.Err[ingestCarrier](err)
		}

		src, err := o.catalog.Get(ctx, c.id)
		if err != nil {
			return fn.Err[ingestCarrier](err)
		}
		src.State = domain.StateIndexed
		src.ErrDetail = ""
		src.DurationMS = c.transcript.DurationMS()
		src.ChunkCount = len(c.chunks)
		if _, err := o.catalog.Save(ctx, src); err != nil {
			return fn.Err[ingestCarrier](err)
		}
		o.trackState(c.id, domain.StateIndexed)
		o.emit(ctx, c.id, domain.StateIndexed, "")
		return fn.Ok(c)
	})
}

func (o *Orchestrator) setState(ctx context.Context, id string, state domain.SourceState, errDetail string) error {
	if _, err := o.catalog.SetState(ctx, id, state, errDetail); err != nil {
		return err
	}
	o.trackState(id, state)
	o.emit(ctx, id, state, errDetail)
	return nil
}

func (o *Orchestrator) trackState(id string, state domain.SourceState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[id]
	if !ok {
		return
	}
	e.state = state
	// Indexed sources no longer need their bytes around.
	if state == domain.StateIndexed {
		e.audio = nil
	}
}

func (o *Orchestrator) emit(ctx context.Context, id string, state domain.SourceState, errDetail string) {
	o.sink(ctx, StateEvent{
		SourceID:  id,
		State:     string(state),
		ErrDetail: errDetail,
		At:        time.Now().UTC(),
	})
}

func timed[T any](ctx context.Context, d time.Duration, f func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return f(ctx)
}

func timedErr(ctx context.Context, d time.Duration, f func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return f(ctx)
}
