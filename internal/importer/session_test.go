package importer

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_HappyPath(t *testing.T) {
	repo := newDirectoryRepo()
	s := NewSession("s-1", newTestPipeline(repo))
	ctx := context.Background()
	assert.Equal(t, StageUpload, s.Stage())

	preview, err := s.SelectFile(ctx, directoryFile())
	require.NoError(t, err)
	assert.Equal(t, 11, preview.TotalRowCount)
	assert.Equal(t, StagePreview, s.Stage())

	validation, err := s.Validate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, validation.SuccessCount)
	assert.Equal(t, StageValidate, s.Stage())

	opts := ImportOptions{BatchSize: 5, SkipDuplicates: true}
	normalized, err := s.SetOptions(opts)
	require.NoError(t, err)
	assert.Equal(t, MinBatchSize, normalized.BatchSize)
	assert.Equal(t, StageOptions, s.Stage())

	res, err := s.Commit(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 9, res.Created)
	assert.Equal(t, 1, res.DuplicatesSkipped)
	assert.Equal(t, StageComplete, s.Stage())

	snap := s.Snapshot()
	assert.Equal(t, "listings.csv", snap.Filename)
	require.NotNil(t, snap.Progress)
	assert.True(t, snap.Progress.Done)
	assert.Same(t, res, snap.Result)
}

func TestSession_InvalidTransitions(t *testing.T) {
	ctx := context.Background()
	s := NewSession("s-2", newTestPipeline(newFakeRepo()))

	_, err := s.Commit(ctx, nil)
	assert.ErrorIs(t, err, ErrStageTransition, "upload cannot jump to complete")
	_, err = s.Validate(ctx)
	assert.ErrorIs(t, err, ErrStageTransition)
	_, err = s.SetOptions(ImportOptions{})
	assert.ErrorIs(t, err, ErrStageTransition)

	_, err = s.SelectFile(ctx, directoryFile())
	require.NoError(t, err)
	_, err = s.Commit(ctx, nil)
	assert.ErrorIs(t, err, ErrStageTransition, "preview must be validated first")

	_, err = s.Validate(ctx)
	require.NoError(t, err)
	_, err = s.SelectFile(ctx, directoryFile())
	assert.ErrorIs(t, err, ErrStageTransition)

	_, err = s.Commit(ctx, nil)
	require.NoError(t, err)
	_, err = s.Validate(ctx)
	assert.ErrorIs(t, err, ErrStageTransition, "complete only leaves through reset")

	s.Reset()
	assert.Equal(t, StageUpload, s.Stage())
}

func TestSession_NewFileDiscardsPreviousState(t *testing.T) {
	ctx := context.Background()
	s := NewSession("s-3", newTestPipeline(newFakeRepo()))

	_, err := s.SelectFile(ctx, directoryFile())
	require.NoError(t, err)

	second := BytesSource{Filename: "other.csv", Data: []byte("title\nOnly One\n")}
	preview, err := s.SelectFile(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, 1, preview.TotalRowCount)

	snap := s.Snapshot()
	assert.Equal(t, "other.csv", snap.Filename)
	assert.Equal(t, 1, snap.Preview.TotalRowCount)
	assert.Nil(t, snap.Validation)
}

func TestSession_UnreadableFileStaysInUpload(t *testing.T) {
	ctx := context.Background()
	s := NewSession("s-4", newTestPipeline(newFakeRepo()))

	_, err := s.SelectFile(ctx, directoryFile())
	require.NoError(t, err)

	_, err = s.SelectFile(ctx, BytesSource{Filename: "empty.csv"})
	require.Error(t, err)
	assert.True(t, IsParseError(err))
	assert.Equal(t, StageUpload, s.Stage())
	assert.Empty(t, s.Snapshot().Filename)
}

func TestSession_RejectsInvalidOptions(t *testing.T) {
	ctx := context.Background()
	s := NewSession("s-5", newTestPipeline(newFakeRepo()))
	_, err := s.SelectFile(ctx, directoryFile())
	require.NoError(t, err)
	_, err = s.Validate(ctx)
	require.NoError(t, err)

	_, err = s.SetOptions(ImportOptions{SkipDuplicates: true, UpdateDuplicates: true})
	assert.ErrorIs(t, err, ErrInvalidOptions)
	assert.Equal(t, StageValidate, s.Stage())
}

func TestSession_ResetDuringCommitKeepsResult(t *testing.T) {
	rows := []string{"title,place_id"}
	for i := 1; i <= 30; i++ {
		rows = append(rows, fmt.Sprintf("Listing %02d,PL-%03d", i, i))
	}
	repo := &gateRepo{fakeRepo: newFakeRepo(), started: make(chan struct{}), release: make(chan struct{})}
	cfg := DefaultConfig()
	cfg.MaxWorkers = 1
	s := NewSession("s-6", New(repo, DefaultSchema(), cfg))
	ctx := context.Background()

	_, err := s.SelectFile(ctx, csvSource(rows...))
	require.NoError(t, err)
	_, err = s.Validate(ctx)
	require.NoError(t, err)
	_, err = s.SetOptions(ImportOptions{BatchSize: 10})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var res *ImportResult
	var commitErr error
	go func() {
		defer wg.Done()
		res, commitErr = s.Commit(ctx, nil)
	}()

	<-repo.started
	_, err = s.Validate(ctx)
	assert.ErrorIs(t, err, ErrSessionBusy)

	s.Reset()
	close(repo.release)
	wg.Wait()

	assert.ErrorIs(t, commitErr, ErrSessionReset)
	require.NotNil(t, res)
	assert.Equal(t, 10, res.Created)
	assert.Equal(t, 20, res.Failed)

	snap := s.Snapshot()
	assert.Equal(t, StageUpload, snap.Stage)
	assert.Nil(t, snap.Result)
	require.NotNil(t, snap.Abandoned)
	assert.Equal(t, 10, snap.Abandoned.Created)
}

func gatedSession(t *testing.T, id string) (*Session, *gateRepo) {
	t.Helper()
	rows := []string{"title,place_id"}
	for i := 1; i <= 30; i++ {
		rows = append(rows, fmt.Sprintf("Listing %02d,PL-%03d", i, i))
	}
	repo := &gateRepo{fakeRepo: newFakeRepo(), started: make(chan struct{}), release: make(chan struct{})}
	cfg := DefaultConfig()
	cfg.MaxWorkers = 1
	s := NewSession(id, New(repo, DefaultSchema(), cfg))
	ctx := context.Background()

	_, err := s.SelectFile(ctx, csvSource(rows...))
	require.NoError(t, err)
	_, err = s.Validate(ctx)
	require.NoError(t, err)
	_, err = s.SetOptions(ImportOptions{BatchSize: 10})
	require.NoError(t, err)
	return s, repo
}

func TestSession_NewFileAfterResetDropsOldCommit(t *testing.T) {
	s, repo := gatedSession(t, "s-7")
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := s.Commit(ctx, nil)
		done <- err
	}()
	<-repo.started

	s.Reset()
	second := BytesSource{Filename: "second.csv", Data: []byte("title\nCorner Cafe\n")}
	_, err := s.SelectFile(ctx, second)
	require.NoError(t, err)

	close(repo.release)
	assert.ErrorIs(t, <-done, ErrSessionReset)

	snap := s.Snapshot()
	assert.Equal(t, StagePreview, snap.Stage)
	assert.Equal(t, "second.csv", snap.Filename)
	assert.Nil(t, snap.Abandoned)
	assert.Nil(t, snap.Progress)
	_, ok := s.Result()
	assert.False(t, ok)
}

func TestSession_NoProgressAfterReset(t *testing.T) {
	s, repo := gatedSession(t, "s-8")

	var (
		mu         sync.Mutex
		afterReset bool
		late       int
	)
	onProgress := func(Progress) {
		mu.Lock()
		defer mu.Unlock()
		if afterReset {
			late++
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Commit(context.Background(), onProgress)
		done <- err
	}()
	<-repo.started

	s.Reset()
	mu.Lock()
	afterReset = true
	mu.Unlock()

	close(repo.release)
	assert.ErrorIs(t, <-done, ErrSessionReset)
	assert.Zero(t, late, "progress must not be published for a reset session")
	assert.Nil(t, s.Snapshot().Progress)
}
