package kvstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	mendererrors "github.com/mendersoftware/mender-sub010/internal/errors"
)

// fileBackend is a single-file JSON KV store guarded by flock, adapted from
// the teacher's leaderelection/file_backend.go exclusive-lock idiom: same
// constructor shape and flock-based acquisition, here a blocking
// syscall.Flock(LOCK_EX) that waits for the lock, repurposed here to serialize read/write transactions against one JSON
// document instead of arbitrating process leadership.
//
// This stands in for the "LMDB-style single-file database" of spec.md §6;
// LMDB itself is outside the retrieval pack, so the on-disk format here is
// JSON rather than LMDB's B+-tree pages — the transactional contract
// (atomic write, read, delete, non-nesting) is what spec.md actually
// requires of this collaborator.
type fileBackend struct {
	path string

	// mu serializes Go-level access; the flock additionally guards against
	// a second OS process touching the same file concurrently.
	mu sync.Mutex
}

// NewFileStore opens (creating if absent) a JSON-backed KV store at path.
func NewFileStore(path string) (Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, mendererrors.Wrap(mendererrors.KindDatabaseValue, err, "creating kvstore directory "+dir)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDocument(path, document{}); err != nil {
			return nil, err
		}
	}
	return &fileBackend{path: path}, nil
}

type document map[string]string // key -> base64(value)

func readDocument(path string) (document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return document{}, nil
		}
		return nil, mendererrors.Wrap(mendererrors.KindDatabaseValue, err, "reading kvstore file")
	}
	if len(data) == 0 {
		return document{}, nil
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, mendererrors.Wrap(mendererrors.KindDatabaseValue, err, "parsing kvstore file")
	}
	return doc, nil
}

// writeDocument writes doc to a temp file in the same directory, fsyncs it,
// then renames over path — the same atomic-replace discipline the teacher
// applies to its lock file (Truncate+Seek+Write+Sync), generalized to a
// crash-safe whole-file replace instead of an in-place overwrite.
func writeDocument(path string, doc document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return mendererrors.Wrap(mendererrors.KindDatabaseValue, err, "marshaling kvstore document")
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return mendererrors.Wrap(mendererrors.KindDatabaseValue, err, "opening kvstore temp file")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return mendererrors.Wrap(mendererrors.KindDatabaseValue, err, "writing kvstore temp file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return mendererrors.Wrap(mendererrors.KindDatabaseValue, err, "fsyncing kvstore temp file")
	}
	if err := f.Close(); err != nil {
		return mendererrors.Wrap(mendererrors.KindDatabaseValue, err, "closing kvstore temp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return mendererrors.Wrap(mendererrors.KindDatabaseValue, err, "replacing kvstore file")
	}
	return nil
}

// lockFile acquires an exclusive flock on path for the duration of a
// transaction, mirroring the teacher's fileBackend.TryAcquire.
func lockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, mendererrors.Wrap(mendererrors.KindDatabaseValue, err, "opening kvstore file for lock")
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, mendererrors.Wrap(mendererrors.KindDatabaseValue, err, "flock kvstore file")
	}
	return f, nil
}

type fileTx struct {
	doc      document
	readOnly bool
}

func (tx *fileTx) Get(key string) ([]byte, error) {
	enc, ok := tx.doc[key]
	if !ok {
		return nil, ErrNotFound
	}
	val, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, mendererrors.Wrap(mendererrors.KindBase64, err, "decoding stored value for "+key)
	}
	return val, nil
}

func (tx *fileTx) Set(key string, value []byte) error {
	if tx.readOnly {
		return mendererrors.New(mendererrors.KindProgrammingError, "Set called inside a read transaction")
	}
	tx.doc[key] = base64.StdEncoding.EncodeToString(value)
	return nil
}

func (tx *fileTx) Delete(key string) error {
	if tx.readOnly {
		return mendererrors.New(mendererrors.KindProgrammingError, "Delete called inside a read transaction")
	}
	delete(tx.doc, key)
	return nil
}

func (fb *fileBackend) Read(_ context.Context, fn func(Tx) error) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	lock, err := lockFile(fb.path)
	if err != nil {
		return err
	}
	defer func() {
		syscall.Flock(int(lock.Fd()), syscall.LOCK_UN)
		lock.Close()
	}()

	doc, err := readDocument(fb.path)
	if err != nil {
		return err
	}
	return fn(&fileTx{doc: doc, readOnly: true})
}

func (fb *fileBackend) Write(_ context.Context, fn func(Tx) error) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	lock, err := lockFile(fb.path)
	if err != nil {
		return err
	}
	defer func() {
		syscall.Flock(int(lock.Fd()), syscall.LOCK_UN)
		lock.Close()
	}()

	doc, err := readDocument(fb.path)
	if err != nil {
		return err
	}

	tx := &fileTx{doc: doc}
	if err := fn(tx); err != nil {
		return err
	}
	return writeDocument(fb.path, tx.doc)
}

func (fb *fileBackend) GetValue(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := fb.Read(ctx, func(tx Tx) error {
		v, err := tx.Get(key)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (fb *fileBackend) Close() error {
	return nil
}
