package injector

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/csloader/internal/log"
	"github.com/keithlinneman/csloader/internal/manifest"
	"github.com/keithlinneman/csloader/internal/xerrors"
)

const tracerName = "github.com/keithlinneman/csloader/internal/injector"

// Metrics is implemented by the metrics package.
type Metrics interface {
	SetRunInProgress(running bool)
	ObserveRun(result string, seconds float64)
	IncRunsRejected()
	IncInsertion(kind, result string)
	IncDocument(outcome string)
}

type Options struct {
	Logger log.Logger

	Source DeclarationSource
	Host   Host

	// IsPrivileged is required; the host decides which URLs are off limits.
	IsPrivileged PrivilegedFunc

	Metrics Metrics

	// Tracer defaults to the global otel provider.
	Tracer trace.Tracer
}

// RunInfo summarises a finished run.
type RunInfo struct {
	ID           string        `json:"run_id"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration_ns"`
	Declarations int           `json:"declarations"`
	Documents    int           `json:"documents"`
	Insertions   int           `json:"insertions"`
	Err          string        `json:"error,omitempty"`
}

// Injector runs the declarations from Source against Host. Runs never
// overlap: Insert waits for the current run, TryInsert refuses.
type Injector struct {
	logger       log.Logger
	source       DeclarationSource
	host         Host
	isPrivileged PrivilegedFunc
	metrics      Metrics
	tracer       trace.Tracer

	mu sync.Mutex

	lastMu sync.RWMutex
	last   *RunInfo
}

func New(opts Options) (*Injector, error) {
	if opts.Source == nil {
		return nil, xerrors.New("injector: Source is required")
	}
	if opts.Host == nil {
		return nil, xerrors.New("injector: Host is required")
	}
	if opts.IsPrivileged == nil {
		return nil, xerrors.New("injector: IsPrivileged is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	return &Injector{
		logger:       opts.Logger,
		source:       opts.Source,
		host:         opts.Host,
		isPrivileged: opts.IsPrivileged,
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
	}, nil
}

// Insert injects every declaration into every matching open document and
// returns the first failure. If a run is already active, Insert waits for it
// and then starts a fresh one.
func (i *Injector) Insert(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, err := i.execute(ctx)
	return err
}

// TryInsert is Insert that returns ErrRunInProgress instead of waiting.
func (i *Injector) TryInsert(ctx context.Context) (RunInfo, error) {
	if !i.mu.TryLock() {
		if i.metrics != nil {
			i.metrics.IncRunsRejected()
		}
		return RunInfo{}, ErrRunInProgress
	}
	defer i.mu.Unlock()
	return i.execute(ctx)
}

// Last returns the most recent finished run.
func (i *Injector) Last() (RunInfo, bool) {
	i.lastMu.RLock()
	defer i.lastMu.RUnlock()
	if i.last == nil {
		return RunInfo{}, false
	}
	return *i.last, true
}

// execute performs one run. The caller holds i.mu.
func (i *Injector) execute(ctx context.Context) (RunInfo, error) {
	r := &run{
		inj: i,
		info: RunInfo{
			ID:        uuid.NewString(),
			StartedAt: time.Now().UTC(),
		},
	}
	r.logger = i.logger.With("run_id", r.info.ID)

	ctx, span := i.tracer.Start(ctx, "injector.run", trace.WithAttributes(
		attribute.String("injector.run_id", r.info.ID),
	))
	defer span.End()

	if i.metrics != nil {
		i.metrics.SetRunInProgress(true)
		defer i.metrics.SetRunInProgress(false)
	}

	decls := i.source.Declarations()
	r.info.Declarations = len(decls)
	span.SetAttributes(attribute.Int("injector.declarations", len(decls)))
	r.logger.Info(ctx, "injection run starting", "declarations", len(decls))

	err := r.runAll(ctx, decls)

	r.info.Duration = time.Since(r.info.StartedAt)
	result := "success"
	if err != nil {
		result = "failure"
		r.info.Err = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "injection run failed")
		r.logger.Error(ctx, err, "injection run failed",
			"duration", r.info.Duration.String(),
			"documents", r.info.Documents,
			"insertions", r.info.Insertions,
		)
	} else {
		r.logger.Info(ctx, "injection run complete",
			"duration", r.info.Duration.String(),
			"documents", r.info.Documents,
			"insertions", r.info.Insertions,
		)
	}
	if i.metrics != nil {
		i.metrics.ObserveRun(result, r.info.Duration.Seconds())
	}

	info := r.info
	i.lastMu.Lock()
	i.last = &info
	i.lastMu.Unlock()
	return info, err
}

// run is the state of one Insert call.
type run struct {
	inj    *Injector
	logger log.Logger
	info   RunInfo
}

// runAll handles declarations strictly left to right. The next declaration
// starts only after the previous one finished in every matched document.
func (r *run) runAll(ctx context.Context, decls []manifest.Declaration) error {
	for idx := range decls {
		if err := r.resolve(ctx, idx, decls[idx]); err != nil {
			return err
		}
	}
	return nil
}

// resolve builds the resource order for one declaration, asks the host for
// the matching documents and hands both to the sequencer.
func (r *run) resolve(ctx context.Context, idx int, decl manifest.Declaration) error {
	ctx, span := r.inj.tracer.Start(ctx, "injector.declaration", trace.WithAttributes(
		attribute.Int("injector.declaration", idx),
		attribute.StringSlice("injector.matches", decl.Matches),
		attribute.String("injector.run_at", decl.RunAt.String()),
	))
	defer span.End()

	resources := Resources(decl)

	docs, err := r.inj.host.QueryDocuments(ctx, slices.Clone(decl.Matches))
	if err != nil {
		serr := &StepError{
			Stage:       StageQuery,
			Declaration: idx,
			Patterns:    slices.Clone(decl.Matches),
			Err:         xerrors.EnsureTrace(err),
		}
		span.RecordError(serr)
		span.SetStatus(codes.Error, "query documents failed")
		return serr
	}
	span.SetAttributes(
		attribute.Int("injector.documents", len(docs)),
		attribute.Int("injector.resources", len(resources)),
	)
	r.logger.Debug(ctx, "declaration resolved",
		"declaration", idx,
		"documents", len(docs),
		"resources", len(resources),
		"run_at", decl.RunAt.String(),
	)
	if len(docs) == 0 {
		return nil
	}

	if err := r.injectIntoAll(ctx, idx, docs, resources, decl.RunAt); err != nil {
		span.SetStatus(codes.Error, "injection failed")
		return err
	}
	return nil
}

// injectIntoAll visits documents in host order. Each document gets its own
// copy of the resource sequence, taken from a private snapshot so nothing the
// host does to the caller's slice can leak between documents.
func (r *run) injectIntoAll(ctx context.Context, idx int, docs []Document, resources []Resource, runAt manifest.RunAt) error {
	tmpl := slices.Clone(resources)
	for _, doc := range docs {
		if err := r.injectIntoOne(ctx, idx, doc, slices.Clone(tmpl), runAt); err != nil {
			return err
		}
	}
	return nil
}

// injectIntoOne inserts resources into doc one at a time, or skips doc
// entirely when its URL is privileged.
func (r *run) injectIntoOne(ctx context.Context, idx int, doc Document, resources []Resource, runAt manifest.RunAt) error {
	if r.inj.isPrivileged(doc.URL) {
		r.logger.Debug(ctx, "skipping privileged document",
			"declaration", idx,
			"document_id", doc.ID,
			"url", doc.URL,
		)
		r.countDocument("skipped")
		return nil
	}

	ctx, span := r.inj.tracer.Start(ctx, "injector.document", trace.WithAttributes(
		attribute.Int("injector.declaration", idx),
		attribute.String("injector.document_id", doc.ID),
		attribute.Int("injector.resources", len(resources)),
	))
	defer span.End()

	for _, res := range resources {
		if err := r.insert(ctx, doc, res, runAt); err != nil {
			serr := &StepError{
				Stage:       StageInsert,
				Declaration: idx,
				Document:    doc,
				Resource:    res,
				Err:         xerrors.EnsureTrace(err),
			}
			span.RecordError(serr)
			span.SetStatus(codes.Error, "insert failed")
			r.countDocument("failed")
			return serr
		}
	}
	r.countDocument("injected")
	r.info.Documents++
	return nil
}

func (r *run) insert(ctx context.Context, doc Document, res Resource, runAt manifest.RunAt) error {
	ctx, span := r.inj.tracer.Start(ctx, "injector.insert", trace.WithAttributes(
		attribute.String("injector.kind", res.Kind.String()),
		attribute.String("injector.path", res.Path),
		attribute.String("injector.run_at", runAt.String()),
	))
	defer span.End()

	var err error
	switch res.Kind {
	case KindStyle:
		err = r.inj.host.InsertStyle(ctx, doc.ID, res.Path, runAt)
	case KindScript:
		err = r.inj.host.InsertScript(ctx, doc.ID, res.Path, runAt)
	default:
		err = xerrors.Newf("unknown resource kind %q", res.Kind)
	}

	result := "success"
	if err != nil {
		result = "failure"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		r.info.Insertions++
	}
	if r.inj.metrics != nil {
		r.inj.metrics.IncInsertion(res.Kind.String(), result)
	}
	return err
}

func (r *run) countDocument(outcome string) {
	if r.inj.metrics != nil {
		r.inj.metrics.IncDocument(outcome)
	}
}
