// Package transcription runs one upload through validation, model
// acquisition, scratch staging and recognition. Every blocking step runs
// on the worker pool; the caller only awaits futures. A staged scratch
// artifact is deleted on every exit path, including after the caller has
// gone away.
package transcription

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"voxscribe-service/internal/apperrors"
	"voxscribe-service/internal/models"
	"voxscribe-service/internal/observability/logging"
	"voxscribe-service/internal/observability/metrics"
	"voxscribe-service/internal/schema"
	"voxscribe-service/internal/service/engine"
	"voxscribe-service/internal/service/registry"
	"voxscribe-service/internal/service/scratch"
	"voxscribe-service/internal/workerpool"
)

// Pool task kinds.
const (
	KindLoadModel     = "load_model"
	KindWriteScratch  = "write_scratch"
	KindTranscribe    = "transcribe"
	KindDeleteScratch = "delete_scratch"
)

const publishTimeout = 5 * time.Second

// EventPublisher receives session outcomes.
type EventPublisher interface {
	PublishCompleted(ctx context.Context, event models.TranscriptionCompleted) error
	PublishFailed(ctx context.Context, event models.TranscriptionFailed) error
}

// Config holds request limits and defaults.
type Config struct {
	AllowedExtensions []string
	MaxFileSize       int64
	DefaultModel      string
}

// Request is one transcription request.
type Request struct {
	// Filename is the client-supplied name; only its extension is used.
	Filename string `json:"-"`
	// Size is the declared upload size in bytes, or -1 when unknown.
	Size  int64     `json:"-"`
	Audio io.Reader `json:"-"`

	Model          string `json:"model"`
	Language       string `json:"language" validate:"omitempty,max=32,langhint"`
	Task           string `json:"task" validate:"required,oneof=transcribe translate"`
	ReturnSegments bool   `json:"return_segments"`
}

// Service runs transcription sessions.
type Service struct {
	cfg       Config
	pool      *workerpool.Pool
	registry  *registry.Registry
	store     *scratch.Store
	validator *schema.Validator
	publisher EventPublisher
	metrics   *metrics.Metrics
}

// NewService creates a session service. A nil m uses metrics.DefaultMetrics.
func NewService(
	cfg Config,
	pool *workerpool.Pool,
	reg *registry.Registry,
	store *scratch.Store,
	publisher EventPublisher,
	m *metrics.Metrics,
) *Service {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	exts := make([]string, len(cfg.AllowedExtensions))
	for i, e := range cfg.AllowedExtensions {
		exts[i] = strings.ToLower(e)
	}
	cfg.AllowedExtensions = exts
	return &Service{
		cfg:       cfg,
		pool:      pool,
		registry:  reg,
		store:     store,
		validator: schema.New(),
		publisher: publisher,
		metrics:   m,
	}
}

// session is the per-request bookkeeping.
type session struct {
	id        string
	req       *Request
	ext       string
	lifecycle *Lifecycle
	logger    zerolog.Logger
	start     time.Time
}

// Transcribe runs a full session. Client input problems are returned
// before any pool task is submitted.
func (s *Service) Transcribe(ctx context.Context, req Request) (*models.TranscriptionResponse, error) {
	ext, err := s.validate(&req)
	if err != nil {
		s.metrics.RecordRejected(string(apperrors.From(err).Code))
		return nil, err
	}

	id := uuid.NewString()
	sess := &session{
		id:        id,
		req:       &req,
		ext:       ext,
		lifecycle: NewLifecycle(id),
		logger:    logging.WithSession(id, req.Model),
		start:     time.Now(),
	}
	sess.logger.Info().
		Str("task", req.Task).
		Str("language", req.Language).
		Int64("size", req.Size).
		Str("ext", ext).
		Msg("Transcription session started")

	s.metrics.RecordSessionStart(max(req.Size, 0))
	resp, res, err := s.run(ctx, sess)
	s.metrics.RecordSessionEnd(err == nil, time.Since(sess.start))
	s.publish(ctx, sess, res, err)

	if err != nil {
		appErr := apperrors.From(err)
		sess.logger.Error().
			Err(err).
			Str("code", string(appErr.Code)).
			Str("state", sess.lifecycle.State().String()).
			Dur("took", time.Since(sess.start)).
			Msg("Transcription session failed")
		return nil, appErr
	}

	sess.logger.Info().
		Str("language", resp.Language).
		Int("chars", len(resp.Text)).
		Dur("took", time.Since(sess.start)).
		Msg("Transcription session completed")
	return resp, nil
}

// validate checks the request in order: file, extension, size, task and
// language, model. It fills in defaults and returns the lowercased extension.
func (s *Service) validate(req *Request) (string, error) {
	if req.Audio == nil || req.Filename == "" {
		return "", apperrors.MissingFile()
	}

	ext := strings.ToLower(filepath.Ext(req.Filename))
	if !slices.Contains(s.cfg.AllowedExtensions, ext) {
		return "", apperrors.UnsupportedExtension(ext, s.cfg.AllowedExtensions)
	}

	if s.cfg.MaxFileSize > 0 && req.Size > s.cfg.MaxFileSize {
		return "", apperrors.PayloadTooLarge(req.Size, s.cfg.MaxFileSize)
	}

	if req.Model == "" {
		req.Model = s.cfg.DefaultModel
	}
	if req.Task == "" {
		req.Task = string(engine.TaskTranscribe)
	}
	if err := s.validator.Validate(req); err != nil {
		return "", err
	}

	if err := s.registry.Validate(req.Model); err != nil {
		return "", err
	}
	return ext, nil
}

// run executes the dispatched steps. The returned engine result is only
// used for the outcome event.
func (s *Service) run(ctx context.Context, sess *session) (*models.TranscriptionResponse, *engine.Result, error) {
	req := sess.req
	lc := sess.lifecycle
	// Pool tasks outlive the caller.
	taskCtx := context.WithoutCancel(ctx)

	fail := func(err error) (*models.TranscriptionResponse, *engine.Result, error) {
		lc.Fail()
		return nil, nil, err
	}

	c := &cleanup{sess: sess}
	defer s.finish(c)

	// 1. Acquire the model.
	if err := lc.Advance(StateLoadingModel); err != nil {
		return fail(apperrors.Internal(err))
	}
	loadF, err := workerpool.Submit(s.pool, KindLoadModel, func() (*registry.Lease, error) {
		return s.registry.GetOrLoad(taskCtx, req.Model)
	})
	if err != nil {
		return fail(poolError(err))
	}
	lease, err := loadF.Await(ctx)
	if err != nil {
		if ctx.Err() != nil {
			go func() {
				if l, err := loadF.Result(); err == nil {
					l.Release()
				}
			}()
			return fail(apperrors.ClientClosed(ctx.Err()))
		}
		return fail(err)
	}

	c.lease = lease

	// 2. Stage the upload.
	if err := lc.Advance(StateStaging); err != nil {
		return fail(apperrors.Internal(err))
	}
	limit := s.cfg.MaxFileSize
	writeF, err := workerpool.Submit(s.pool, KindWriteScratch, func() (*scratch.Artifact, error) {
		if limit <= 0 {
			return s.store.Write(req.Audio, sess.ext)
		}
		return s.store.Write(io.LimitReader(req.Audio, limit+1), sess.ext)
	})
	if err != nil {
		return fail(poolError(err))
	}
	artifact, err := writeF.Await(ctx)
	if err != nil {
		if ctx.Err() != nil {
			go func() {
				if a, err := writeF.Result(); err == nil {
					s.deleteArtifact(sess, a)
				}
			}()
			return fail(apperrors.ClientClosed(ctx.Err()))
		}
		return fail(apperrors.ScratchFailed("write", err))
	}
	c.artifact = artifact
	sess.logger.Debug().Str("path", artifact.Path()).Int64("bytes", artifact.Size()).Msg("Upload staged")

	if limit > 0 && artifact.Size() > limit {
		return fail(apperrors.PayloadTooLarge(artifact.Size(), limit))
	}

	// 3. Recognize.
	if err := lc.Advance(StateTranscribing); err != nil {
		return fail(apperrors.Internal(err))
	}
	opts := engine.Options{Task: engine.Task(req.Task), Language: req.Language}
	provider := s.registry.EngineName()
	trF, err := workerpool.Submit(s.pool, KindTranscribe, func() (*engine.Result, error) {
		start := time.Now()
		res, err := lease.Model.Transcribe(taskCtx, artifact.Path(), opts)
		s.metrics.RecordEngineCall(provider, req.Task, err, time.Since(start))
		return res, err
	})
	if err != nil {
		return fail(poolError(err))
	}
	res, err := trF.Await(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// The engine may still be reading the artifact.
			c.after = trF.Done()
			return fail(apperrors.ClientClosed(ctx.Err()))
		}
		return fail(apperrors.TranscriptionFailed(err))
	}
	if res == nil {
		res = &engine.Result{}
	}

	if err := lc.Advance(StateSucceeded); err != nil {
		return fail(apperrors.Internal(err))
	}
	return buildResponse(res, req), res, nil
}

func buildResponse(res *engine.Result, req *Request) *models.TranscriptionResponse {
	lang := res.Language
	if lang == "" {
		lang = req.Language
	}
	resp := &models.TranscriptionResponse{
		Text:     res.Text,
		Language: lang,
	}
	if req.ReturnSegments {
		resp.Segments = make([]models.Segment, 0, len(res.Segments))
		for _, seg := range res.Segments {
			resp.Segments = append(resp.Segments, models.Segment{
				ID:    seg.ID,
				Start: seg.Start,
				End:   seg.End,
				Text:  seg.Text,
			})
		}
	}
	return resp
}

// cleanup holds what a session must give back.
type cleanup struct {
	sess     *session
	lease    *registry.Lease
	artifact *scratch.Artifact
	// after, when set, delays release until the channel closes.
	after <-chan struct{}
}

func (s *Service) finish(c *cleanup) {
	if c.after != nil {
		go func() {
			<-c.after
			s.release(c)
		}()
		return
	}
	s.release(c)
}

func (s *Service) release(c *cleanup) {
	if c.artifact != nil {
		s.deleteArtifact(c.sess, c.artifact)
	}
	if c.lease != nil {
		c.lease.Release()
	}
	if err := c.sess.lifecycle.Clean(); err != nil {
		c.sess.logger.Warn().Err(err).Msg("Session cleaned from unexpected state")
	}
}

// deleteArtifact removes a through the pool, or inline when the pool
// refuses work. Failures are logged by the store and never returned.
func (s *Service) deleteArtifact(sess *session, a *scratch.Artifact) {
	f, err := workerpool.Submit(s.pool, KindDeleteScratch, func() (struct{}, error) {
		return struct{}{}, a.Release()
	})
	if err != nil {
		sess.logger.Debug().Err(err).Msg("Pool refused scratch deletion, deleting inline")
		a.Release()
		return
	}
	f.Result()
}

func (s *Service) publish(ctx context.Context, sess *session, res *engine.Result, err error) {
	if s.publisher == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	req := sess.req
	took := time.Since(sess.start).Milliseconds()
	if err != nil {
		appErr := apperrors.From(err)
		perr := s.publisher.PublishFailed(pctx, models.TranscriptionFailed{
			EventType:  models.EventTranscriptionFailed,
			SessionID:  sess.id,
			Timestamp:  time.Now().UnixMilli(),
			Model:      req.Model,
			Task:       req.Task,
			ErrorCode:  string(appErr.Code),
			Error:      appErr.Message,
			AudioBytes: max(req.Size, 0),
			DurationMs: took,
			Engine:     s.registry.EngineName(),
		})
		if perr != nil {
			sess.logger.Warn().Err(perr).Msg("Failed to publish failure event")
		}
		return
	}

	event := models.TranscriptionCompleted{
		EventType:  models.EventTranscriptionCompleted,
		SessionID:  sess.id,
		Timestamp:  time.Now().UnixMilli(),
		Model:      req.Model,
		Task:       req.Task,
		Language:   res.Language,
		Text:       res.Text,
		Segments:   len(res.Segments),
		AudioBytes: max(req.Size, 0),
		DurationMs: took,
		Engine:     s.registry.EngineName(),
		Device:     s.registry.Device(),
	}
	if n := len(res.Segments); n > 0 {
		event.AudioEnd = res.Segments[n-1].End
	}
	if perr := s.publisher.PublishCompleted(pctx, event); perr != nil {
		sess.logger.Warn().Err(perr).Msg("Failed to publish completion event")
	}
}

func poolError(err error) error {
	switch {
	case errors.Is(err, workerpool.ErrQueueFull):
		return apperrors.ServiceBusy().WithCause(err)
	case errors.Is(err, workerpool.ErrPoolClosed):
		return apperrors.ShuttingDown().WithCause(err)
	default:
		return apperrors.Internal(err)
	}
}
