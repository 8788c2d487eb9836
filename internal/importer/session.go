package importer

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Stage is a step of the import workflow.
type Stage string

const (
	StageUpload   Stage = "upload"
	StagePreview  Stage = "preview"
	StageValidate Stage = "validate"
	StageOptions  Stage = "options"
	StageComplete Stage = "complete"
)

// Session is the state machine behind one user-initiated import:
//
//	upload -> preview -> validate -> options -> complete
//
// preview may be re-entered with a new file, validate/options accept
// re-validation and new options, and Reset returns to upload from anywhere.
// Stage operations run without holding the session lock; a second operation
// while one is running fails with ErrSessionBusy.
type Session struct {
	ID string

	pipeline *Pipeline

	mu         sync.Mutex
	stage      Stage
	source     Source
	preview    *PreviewResult
	validation *ValidationResult
	options    ImportOptions
	result     *ImportResult
	abandoned  *ImportResult
	progress   *Progress
	busy       string
	cancel     context.CancelFunc
	generation int
	fileGen    int
	createdAt  time.Time
	updatedAt  time.Time
}

// SessionSnapshot is a read-only copy of a session's state.
type SessionSnapshot struct {
	ID         string            `json:"id"`
	Stage      Stage             `json:"stage"`
	Filename   string            `json:"filename,omitempty"`
	Preview    *PreviewResult    `json:"preview,omitempty"`
	Validation *ValidationResult `json:"validation,omitempty"`
	Options    ImportOptions     `json:"options"`
	Result     *ImportResult     `json:"result,omitempty"`
	Abandoned  *ImportResult     `json:"abandonedResult,omitempty"`
	Progress   *Progress         `json:"progress,omitempty"`
	Busy       string            `json:"busy,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// NewSession starts a session in the upload stage.
func NewSession(id string, p *Pipeline) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        id,
		pipeline:  p,
		stage:     StageUpload,
		options:   ImportOptions{BatchSize: DefaultBatchSize},
		createdAt: now,
		updatedAt: now,
	}
}

// Stage returns the current stage.
func (s *Session) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// begin claims the session for op if the current stage allows it. The
// returned context is cancelled by Reset.
func (s *Session) begin(ctx context.Context, op string, allowed ...Stage) (context.Context, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy != "" {
		return nil, 0, ErrSessionBusy
	}
	ok := false
	for _, st := range allowed {
		if s.stage == st {
			ok = true
			break
		}
	}
	if !ok {
		return nil, 0, transitionError(op, s.stage)
	}
	opCtx, cancel := context.WithCancel(ctx)
	s.busy = op
	s.cancel = cancel
	return opCtx, s.generation, nil
}

// endLocked releases the session. It reports false when Reset happened
// meanwhile, in which case the caller must not apply its result.
func (s *Session) endLocked(gen int) bool {
	if gen != s.generation {
		return false
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.busy = ""
	s.updatedAt = time.Now().UTC()
	return true
}

func (s *Session) clearLocked() {
	s.source = nil
	s.preview = nil
	s.validation = nil
	s.result = nil
	s.progress = nil
	s.options = ImportOptions{BatchSize: DefaultBatchSize}
}

// SelectFile replaces the current file and previews it. Everything known
// about a previous file is discarded first. A file that cannot be read
// leaves the session in upload.
func (s *Session) SelectFile(ctx context.Context, src Source) (*PreviewResult, error) {
	if src == nil {
		return nil, ErrNoSource
	}
	opCtx, gen, err := s.begin(ctx, "select a file", StageUpload, StagePreview)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.clearLocked()
	s.abandoned = nil
	s.fileGen++
	s.stage = StageUpload
	s.mu.Unlock()

	preview, err := s.pipeline.Preview(opCtx, src)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.endLocked(gen) {
		return nil, ErrSessionReset
	}
	if err != nil {
		return nil, err
	}
	s.source = src
	s.preview = preview
	s.stage = StagePreview
	return preview, nil
}

// Validate runs full-file validation of the selected file.
func (s *Session) Validate(ctx context.Context) (*ValidationResult, error) {
	opCtx, gen, err := s.begin(ctx, "validate", StagePreview, StageValidate, StageOptions)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	src := s.source
	s.mu.Unlock()

	res, err := s.pipeline.Validate(opCtx, src)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.endLocked(gen) {
		return nil, ErrSessionReset
	}
	if err != nil {
		if IsParseError(err) {
			s.clearLocked()
			s.stage = StageUpload
		}
		return nil, err
	}
	s.validation = res
	if s.stage == StagePreview {
		s.stage = StageValidate
	}
	return res, nil
}

// SetOptions records the options used by Commit.
func (s *Session) SetOptions(opts ImportOptions) (ImportOptions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy != "" {
		return s.options, ErrSessionBusy
	}
	if s.stage != StageValidate && s.stage != StageOptions {
		return s.options, transitionError("set options", s.stage)
	}
	normalized, err := opts.Normalize()
	if err != nil {
		return s.options, err
	}
	s.options = normalized
	s.stage = StageOptions
	s.updatedAt = time.Now().UTC()
	return normalized, nil
}

// Commit writes the file with the current options and completes the
// session. If Reset interrupts it, the partial result is still returned
// together with ErrSessionReset and kept as the session's abandoned result,
// unless another file has been selected by then. onProgress stops firing
// once the session is reset.
func (s *Session) Commit(ctx context.Context, onProgress ProgressFunc) (*ImportResult, error) {
	opCtx, gen, err := s.begin(ctx, "commit", StageValidate, StageOptions)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	src, opts, fileGen := s.source, s.options, s.fileGen
	s.mu.Unlock()

	// After a reset the commit's progress belongs to nobody.
	track := func(p Progress) {
		s.mu.Lock()
		live := gen == s.generation
		if live {
			s.progress = &p
		}
		s.mu.Unlock()
		if live && onProgress != nil {
			onProgress(p)
		}
	}
	res, err := s.pipeline.Commit(opCtx, src, opts, track)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.endLocked(gen) {
		if res != nil && fileGen == s.fileGen {
			s.abandoned = res
		}
		return res, ErrSessionReset
	}
	if err != nil {
		if IsParseError(err) {
			s.clearLocked()
			s.stage = StageUpload
		}
		return nil, err
	}
	s.result = res
	s.stage = StageComplete
	return res, nil
}

// Reset abandons the session from any stage. A running operation is
// cancelled; a commit already writing finishes its in-flight batches and its
// result is kept as the abandoned result.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.generation++
	s.busy = ""
	s.clearLocked()
	s.stage = StageUpload
	s.updatedAt = time.Now().UTC()
}

// Result returns the final result once the session is complete.
func (s *Session) Result() (*ImportResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result != nil {
		return s.result, true
	}
	if s.abandoned != nil {
		return s.abandoned, true
	}
	return nil, false
}

// Snapshot copies the session state.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := SessionSnapshot{
		ID:         s.ID,
		Stage:      s.stage,
		Preview:    s.preview,
		Validation: s.validation,
		Options:    s.options,
		Result:     s.result,
		Abandoned:  s.abandoned,
		Busy:       s.busy,
		CreatedAt:  s.createdAt,
		UpdatedAt:  s.updatedAt,
	}
	if s.source != nil {
		snap.Filename = s.source.Name()
	}
	if s.progress != nil {
		p := *s.progress
		snap.Progress = &p
	}
	return snap
}

// UpdatedAt reports the time of the last state change.
func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// IsReset reports whether err means the session was reset under the caller.
func IsReset(err error) bool { return errors.Is(err, ErrSessionReset) }
