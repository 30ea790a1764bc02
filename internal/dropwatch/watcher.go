// Package dropwatch submits annotation files dropped into a directory.
//
// Each *.json file holds one record, an array of records, or an operation
// envelope {"op":"save"|"delete","record":{...}}. Once handled the file is
// renamed with a .done or .failed suffix so it is never submitted twice.
package dropwatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/annotation"
)

const (
	DoneSuffix   = ".done"
	FailedSuffix = ".failed"
)

var ErrInvalidFile = errors.New("invalid annotation file")

// Target receives the decoded operations; the tools façade satisfies it.
type Target interface {
	SaveAnnotation(rec annotation.Record) error
	DeleteAnnotation(rec annotation.Record) error
}

type Options struct {
	Dir      string
	Debounce time.Duration
	Logger   zerolog.Logger
}

type Result struct {
	Processed int
	Failed    int
}

type Watcher struct {
	target   Target
	dir      string
	debounce time.Duration
	log      zerolog.Logger
	fs       *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	wg      sync.WaitGroup
	result  Result
}

// New starts watching opts.Dir immediately; events that arrive before Run
// are buffered by the watcher.
func New(target Target, opts Options) (*Watcher, error) {
	if target == nil {
		return nil, fmt.Errorf("dropwatch: target is required")
	}
	info, err := os.Stat(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("cannot access directory %s: %w", opts.Dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", opts.Dir)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(opts.Dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch directory: %w", err)
	}
	return &Watcher{
		target:   target,
		dir:      opts.Dir,
		debounce: opts.Debounce,
		log:      opts.Logger,
		fs:       fsw,
		pending:  map[string]*time.Timer{},
	}, nil
}

// ProcessExisting submits every *.json file already in the directory, in
// name order.
func (w *Watcher) ProcessExisting() (Result, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return Result{}, fmt.Errorf("read directory: %w", err)
	}
	names := []string{}
	for _, entry := range entries {
		if !entry.IsDir() && isDropFile(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	var res Result
	for _, name := range names {
		if err := w.ProcessFile(filepath.Join(w.dir, name)); err != nil {
			res.Failed++
			continue
		}
		res.Processed++
	}
	return res, nil
}

// Run handles file events until ctx is done, then waits for debounced files
// already being processed.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		w.mu.Lock()
		for name, timer := range w.pending {
			if timer.Stop() {
				w.wg.Done()
			}
			delete(w.pending, name)
		}
		w.mu.Unlock()
		w.wg.Wait()
	}()
	defer w.fs.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if !isDropFile(event.Name) || event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.schedule(event.Name)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("drop directory watcher error")
		}
	}
}

// Close releases the watcher when Run is never called.
func (w *Watcher) Close() error {
	return w.fs.Close()
}

func (w *Watcher) Stats() Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.result
}

// schedule restarts the file's debounce timer so a file still being written
// is read once, after the writes stop.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, exists := w.pending[path]; exists {
		if !timer.Stop() {
			// Already fired; its callback owns the file now.
			return
		}
		w.wg.Done()
	}
	w.wg.Add(1)
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()

		if _, err := os.Stat(path); err != nil {
			return
		}
		err := w.ProcessFile(path)
		w.mu.Lock()
		if err != nil {
			w.result.Failed++
		} else {
			w.result.Processed++
		}
		w.mu.Unlock()
	})
}

// ProcessFile submits one file and renames it. A file that vanished before it
// could be read is not an error.
func (w *Watcher) ProcessFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	ops, err := Parse(raw)
	if err == nil {
		err = w.apply(ops)
	}
	suffix := DoneSuffix
	if err != nil {
		suffix = FailedSuffix
		w.log.Warn().Err(err).Str("file", path).Msg("annotation file rejected")
	} else {
		w.log.Info().Str("file", path).Int("operations", len(ops)).Msg("annotation file submitted")
	}
	if renameErr := os.Rename(path, path+suffix); renameErr != nil {
		return errors.Join(err, fmt.Errorf("rename %s: %w", path, renameErr))
	}
	return err
}

func (w *Watcher) apply(ops []Operation) error {
	var errs []error
	for _, op := range ops {
		var err error
		if op.Delete {
			err = w.target.DeleteAnnotation(op.Record)
		} else {
			err = w.target.SaveAnnotation(op.Record)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", op.verb(), op.Record.ID, err))
		}
	}
	return errors.Join(errs...)
}

type Operation struct {
	Delete bool
	Record annotation.Record
}

func (o Operation) verb() string {
	if o.Delete {
		return "delete"
	}
	return "save"
}

type envelope struct {
	Op     string          `json:"op"`
	Record json.RawMessage `json:"record"`
}

// Parse decodes a drop file and validates every operation before any is
// applied, so a malformed entry rejects the whole file.
func Parse(raw []byte) ([]Operation, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidFile)
	}
	var ops []Operation
	switch raw[0] {
	case '[':
		var recs []annotation.Record
		if err := json.Unmarshal(raw, &recs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
		}
		for _, rec := range recs {
			ops = append(ops, Operation{Record: rec})
		}
	case '{':
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
		}
		if env.Op == "" && len(env.Record) == 0 {
			var rec annotation.Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
			}
			ops = append(ops, Operation{Record: rec})
			break
		}
		var rec annotation.Record
		if err := json.Unmarshal(env.Record, &rec); err != nil {
			return nil, fmt.Errorf("%w: record: %v", ErrInvalidFile, err)
		}
		switch strings.ToLower(strings.TrimSpace(env.Op)) {
		case "", "save":
			ops = append(ops, Operation{Record: rec})
		case "delete":
			ops = append(ops, Operation{Delete: true, Record: rec})
		default:
			return nil, fmt.Errorf("%w: unknown op %q", ErrInvalidFile, env.Op)
		}
	default:
		return nil, fmt.Errorf("%w: expected an object or array", ErrInvalidFile)
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("%w: no records", ErrInvalidFile)
	}
	for _, op := range ops {
		if op.Delete {
			if strings.TrimSpace(op.Record.ID) == "" {
				return nil, fmt.Errorf("%w: delete without id", ErrInvalidFile)
			}
			continue
		}
		if err := op.Record.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
		}
	}
	return ops, nil
}

func isDropFile(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".json")
}
