// Package storefile implements the trust boundary around the live SQLite
// store file: the staged import pipeline that replaces the whole store only
// after multi-stage integrity validation, and the export surfaces.
package storefile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// MaxUploadBytes is the hard ceiling on an uploaded store file.
	MaxUploadBytes = 100 << 20
	// DeepValidationTimeout bounds the structural integrity check.
	DeepValidationTimeout = 10 * time.Second
	// BackupSuffix names the fixed backup path next to the live store.
	BackupSuffix = ".backup"

	stagePattern = "easel-import-*.staged"
)

// magicHeader is the fixed 16-byte sequence every SQLite 3 store file starts
// with.
var magicHeader = []byte("SQLite format 3\x00")

var allowedExtensions = map[string]struct{}{
	".db":      {},
	".sqlite":  {},
	".sqlite3": {},
}

var (
	// ErrDisallowedExtension rejects uploads whose name does not carry an
	// allowed storage-file extension.
	ErrDisallowedExtension = errors.New("storefile: file extension not allowed")
	// ErrTooLarge rejects uploads over the size ceiling.
	ErrTooLarge = errors.New("storefile: upload exceeds size limit")
)

// IntegrityError reports a failed validation stage. The live store is never
// touched when one is returned.
type IntegrityError struct {
	Stage string
	Err   error
}

func (e *IntegrityError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("storefile: %s validation failed", e.Stage)
	}
	return fmt.Sprintf("storefile: %s validation failed: %v", e.Stage, e.Err)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// LiveStore is the handle to the persistence layer whose backing file the
// importer replaces.
type LiveStore interface {
	Path() string
	Reopen() error
}

// Invalidator clears cached listing responses after the store is swapped.
type Invalidator interface {
	InvalidateAll()
}

// ImporterConfig describes the importer dependencies.
type ImporterConfig struct {
	Store             LiveStore
	Cache             Invalidator
	Logger            *zap.Logger
	ValidationTimeout time.Duration
	// Workers bounds how many deep validations may run concurrently.
	Workers int
	// MaxBytes caps the upload size; MaxUploadBytes when unset.
	MaxBytes int64
}

// Importer drives an uploaded store file through the staged pipeline:
// Uploaded, HeaderValidated, DeepValidated, BackedUp, Swapped, Committed.
// A failure at any stage discards the staged file and leaves the live store
// and backup untouched.
type Importer struct {
	store             LiveStore
	cache             Invalidator
	logger            *zap.Logger
	validationTimeout time.Duration
	workers           chan struct{}
	maxBytes          int64
}

// NewImporter constructs an Importer.
func NewImporter(cfg ImporterConfig) *Importer {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.ValidationTimeout
	if timeout <= 0 {
		timeout = DeepValidationTimeout
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = MaxUploadBytes
	}
	return &Importer{
		store:             cfg.Store,
		cache:             cfg.Cache,
		logger:            logger,
		validationTimeout: timeout,
		workers:           make(chan struct{}, workers),
		maxBytes:          maxBytes,
	}
}

// BackupPath returns the fixed path the prior live store is copied to before
// a swap.
func (im *Importer) BackupPath() string {
	return im.store.Path() + BackupSuffix
}

// Verify runs the upload through staging, header validation and deep
// validation without committing anything. The staged file is always removed.
func (im *Importer) Verify(ctx context.Context, filename string, upload io.Reader) error {
	stagedPath, err := im.stage(filename, upload)
	if err != nil {
		return err
	}
	defer os.Remove(stagedPath)

	if err := im.checkHeader(stagedPath); err != nil {
		return err
	}
	return im.deepValidate(ctx, stagedPath)
}

// Import validates the upload and atomically replaces the live store file,
// backing up the prior store first. On success the persistence layer is
// reopened and the response cache invalidated.
func (im *Importer) Import(ctx context.Context, filename string, upload io.Reader) error {
	stagedPath, err := im.stage(filename, upload)
	if err != nil {
		return err
	}

	discard := func() {
		if removeErr := os.Remove(stagedPath); removeErr != nil && !os.IsNotExist(removeErr) {
			im.logger.Warn("failed to remove staged import file",
				zap.String("path", stagedPath), zap.Error(removeErr))
		}
	}

	if err := im.checkHeader(stagedPath); err != nil {
		discard()
		return err
	}
	if err := im.deepValidate(ctx, stagedPath); err != nil {
		discard()
		return err
	}

	livePath := im.store.Path()
	if _, statErr := os.Stat(livePath); statErr == nil {
		if err := copyFile(livePath, im.BackupPath()); err != nil {
			discard()
			return fmt.Errorf("storefile: backup failed: %w", err)
		}
	} else if !os.IsNotExist(statErr) {
		discard()
		return fmt.Errorf("storefile: stat live store: %w", statErr)
	}

	if err := swapFile(stagedPath, livePath); err != nil {
		discard()
		return fmt.Errorf("storefile: swap failed: %w", err)
	}

	if err := im.store.Reopen(); err != nil {
		return fmt.Errorf("storefile: reopen after swap: %w", err)
	}
	if im.cache != nil {
		im.cache.InvalidateAll()
	}

	im.logger.Info("store import committed", zap.String("path", livePath))
	return nil
}

// stage copies the upload into a temp file beside the live store, enforcing
// the extension allowlist and the size ceiling while receiving.
func (im *Importer) stage(filename string, upload io.Reader) (string, error) {
	extension := strings.ToLower(filepath.Ext(filename))
	if _, ok := allowedExtensions[extension]; !ok {
		return "", ErrDisallowedExtension
	}

	stagedFile, err := os.CreateTemp(filepath.Dir(im.store.Path()), stagePattern)
	if err != nil {
		return "", fmt.Errorf("storefile: create staged file: %w", err)
	}
	stagedPath := stagedFile.Name()

	written, err := io.Copy(stagedFile, io.LimitReader(upload, im.maxBytes+1))
	closeErr := stagedFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(stagedPath)
		return "", fmt.Errorf("storefile: receive upload: %w", err)
	}
	if written > im.maxBytes {
		os.Remove(stagedPath)
		return "", ErrTooLarge
	}
	return stagedPath, nil
}

// checkHeader compares the file's first 16 bytes against the SQLite magic
// sequence. A mismatch fails cheaply without reaching deep validation.
func (im *Importer) checkHeader(stagedPath string) error {
	staged, err := os.Open(stagedPath)
	if err != nil {
		return fmt.Errorf("storefile: open staged file: %w", err)
	}
	defer staged.Close()

	header := make([]byte, len(magicHeader))
	if _, err := io.ReadFull(staged, header); err != nil {
		return &IntegrityError{Stage: "header", Err: err}
	}
	if !bytes.Equal(header, magicHeader) {
		return &IntegrityError{Stage: "header", Err: errors.New("magic header mismatch")}
	}
	return nil
}

// deepValidate runs the structural integrity check on a bounded worker so a
// large or slow file cannot stall request handling, and abandons it once the
// deadline expires.
func (im *Importer) deepValidate(ctx context.Context, stagedPath string) error {
	deadlineCtx, cancel := context.WithTimeout(ctx, im.validationTimeout)
	defer cancel()

	select {
	case im.workers <- struct{}{}:
	case <-deadlineCtx.Done():
		return &IntegrityError{Stage: "deep", Err: deadlineCtx.Err()}
	}

	resultCh := make(chan error, 1)
	go func() {
		defer func() { <-im.workers }()
		resultCh <- checkStructure(stagedPath)
	}()

	select {
	case err := <-resultCh:
		if err != nil {
			return &IntegrityError{Stage: "deep", Err: err}
		}
		return nil
	case <-deadlineCtx.Done():
		return &IntegrityError{Stage: "deep", Err: deadlineCtx.Err()}
	}
}

// checkStructure opens the staged file read-only and asks SQLite for a full
// integrity verdict.
func checkStructure(stagedPath string) error {
	db, err := gorm.Open(sqlite.Open("file:"+stagedPath+"?mode=ro"), &gorm.Config{})
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	var verdict string
	if err := db.Raw("PRAGMA integrity_check").Row().Scan(&verdict); err != nil {
		return err
	}
	if verdict != "ok" {
		return fmt.Errorf("integrity check reported %q", verdict)
	}

	var objectCount int64
	if err := db.Raw("SELECT count(*) FROM sqlite_master").Row().Scan(&objectCount); err != nil {
		return err
	}
	return nil
}

// swapFile replaces dst with src, preferring an in-place rename and falling
// back to copy-then-delete when the staged file sits on another volume.
func swapFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	source, err := os.Open(src)
	if err != nil {
		return err
	}
	defer source.Close()

	destination, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(destination, source); err != nil {
		destination.Close()
		return err
	}
	return destination.Close()
}
