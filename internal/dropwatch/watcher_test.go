package dropwatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/annotation"
)

type recordingTarget struct {
	mu      sync.Mutex
	saved   []annotation.Record
	deleted []string
	saveErr error
}

func (r *recordingTarget) SaveAnnotation(rec annotation.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.saved = append(r.saved, rec)
	return nil
}

func (r *recordingTarget) DeleteAnnotation(rec annotation.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, rec.ID)
	return nil
}

func (r *recordingTarget) savedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := []string{}
	for _, rec := range r.saved {
		ids = append(ids, rec.ID)
	}
	return ids
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestParseShapes(t *testing.T) {
	ops, err := Parse([]byte(`{"id":"h1","type":"highlight","pageNum":1}`))
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.False(t, ops[0].Delete)

	ops, err = Parse([]byte(` [{"id":"a","type":"ink","pageNum":2},{"id":"b","type":"note","pageNumber":3}] `))
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, annotation.TypeMarker, ops[0].Record.Type)
	assert.Equal(t, 3, ops[1].Record.PageNum)

	ops, err = Parse([]byte(`{"op":"delete","record":{"id":"gone"}}`))
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.True(t, ops[0].Delete)
	assert.Equal(t, "gone", ops[0].Record.ID)

	for _, bad := range []string{
		``,
		`"text"`,
		`[]`,
		`{"op":"move","record":{"id":"x","type":"note","pageNum":1}}`,
		`{"op":"delete","record":{}}`,
		`[{"id":"ok","type":"note","pageNum":1},{"id":"bad","type":"note","pageNum":0}]`,
	} {
		_, err := Parse([]byte(bad))
		require.ErrorIs(t, err, ErrInvalidFile, bad)
	}
}

func TestProcessExistingRenamesFiles(t *testing.T) {
	dir := t.TempDir()
	target := &recordingTarget{}
	good := writeFile(t, dir, "01.json", `{"id":"h1","type":"highlight","pageNum":1}`)
	bad := writeFile(t, dir, "02.json", `{"id":"h2","type":"laser","pageNum":1}`)
	skipped := writeFile(t, dir, "notes.txt", `ignore me`)

	w, err := New(target, Options{Dir: dir})
	require.NoError(t, err)
	defer w.Close()

	res, err := w.ProcessExisting()
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Failed: 1}, res)
	assert.Equal(t, []string{"h1"}, target.savedIDs())
	assert.FileExists(t, good+DoneSuffix)
	assert.FileExists(t, bad+FailedSuffix)
	assert.FileExists(t, skipped)
	assert.NoFileExists(t, good)
}

func TestTargetErrorMarksFileFailed(t *testing.T) {
	dir := t.TempDir()
	target := &recordingTarget{saveErr: errors.New("limit reached")}
	path := writeFile(t, dir, "a.json", `{"id":"n1","type":"note","pageNum":4}`)

	w, err := New(target, Options{Dir: dir})
	require.NoError(t, err)
	defer w.Close()

	err = w.ProcessFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save n1")
	assert.FileExists(t, path+FailedSuffix)
}

func TestRunPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	target := &recordingTarget{}
	w, err := New(target, Options{Dir: dir, Debounce: 20 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	path := writeFile(t, dir, "drop.json", `[{"id":"s1","type":"shape","pageNum":2},{"id":"s2","type":"shape","pageNum":2}]`)
	writeFile(t, dir, "del.json", `{"op":"delete","record":{"id":"old"}}`)

	require.Eventually(t, func() bool {
		return w.Stats().Processed == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"s1", "s2"}, target.savedIDs())
	assert.FileExists(t, path+DoneSuffix)
	target.mu.Lock()
	assert.Equal(t, []string{"old"}, target.deleted)
	target.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestNewRejectsMissingDirectory(t *testing.T) {
	_, err := New(&recordingTarget{}, Options{Dir: filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)
	_, err = New(nil, Options{Dir: t.TempDir()})
	require.Error(t, err)
}
