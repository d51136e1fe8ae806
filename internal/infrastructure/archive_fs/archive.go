// Package archive_fs persists runs on the local filesystem. Each run
// gets its own directory:
//
//	<root>/<run-id>/
//	    result.jsonl    append-only event log, written as the run goes
//	    manifest.json   final state, written once at the end
//	    logs/<instance>/<NN>-<step>.log.zst
//
// Step logs are zstd-compressed and digested with BLAKE3 as they are
// written.
package archive_fs

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/davarch/gridci/internal/domain"
)

type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

// Begin opens the run directory and its result log. The returned
// archive is safe for concurrent use by parallel instances.
func (s *Store) Begin(ctx context.Context, run domain.Run) (domain.RunArchive, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := filepath.Join(s.root, run.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	result, err := newResultLog(filepath.Join(dir, "result.jsonl"))
	if err != nil {
		return nil, err
	}
	if err := result.start(run); err != nil {
		result.close()
		return nil, err
	}

	return &runArchive{dir: dir, result: result}, nil
}

type runArchive struct {
	dir    string
	result *resultLog
}

func (a *runArchive) StepLog(in domain.Instance, index int, step domain.Step) (domain.LogSink, error) {
	dir := filepath.Join(a.dir, "logs", in.Slug())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	name := fmt.Sprintf("%02d-%s.log.zst", index+1, domain.Slugify(step.Name))
	file, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to create step log: %w", err)
	}

	zw, err := zstd.NewWriter(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to open compressor: %w", err)
	}

	return &logSink{file: file, zw: zw, hash: blake3.New()}, nil
}

func (a *runArchive) StepFinished(in domain.Instance, index int, res domain.StepResult) error {
	return a.result.step(in, index, res)
}

func (a *runArchive) InstanceFinished(res domain.InstanceResult) error {
	return a.result.instance(res)
}

// Finalize seals the result log and writes the manifest. The manifest
// lands atomically so readers never see a half-written one.
func (a *runArchive) Finalize(run domain.Run) error {
	if err := a.result.complete(run); err != nil {
		return err
	}
	if err := a.result.close(); err != nil {
		return err
	}
	return writeManifest(a.dir, run)
}

// logSink compresses and digests one step's output. The digest covers
// the uncompressed bytes as written, after masking.
type logSink struct {
	mu     sync.Mutex
	file   *os.File
	zw     *zstd.Encoder
	hash   *blake3.Hasher
	digest string
	closed bool
}

func (s *logSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, os.ErrClosed
	}
	s.hash.Write(p)
	return s.zw.Write(p)
}

func (s *logSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.digest = "blake3:" + hex.EncodeToString(s.hash.Sum(nil))

	if err := s.zw.Close(); err != nil {
		s.file.Close()
		return err
	}
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

func (s *logSink) Digest() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.digest
}
