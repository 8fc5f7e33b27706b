// Package preload caches the key/value states of the frozen encoder on disk so
// training runs can skip the encoder entirely.
//
// Each sample is one protobuf-wire record at <root>/<split>/<index>.kv. A
// fastcache instance sits in front of the files and is persisted under
// <root>/cache.bin between runs.
package preload

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/VictoriaMetrics/fastcache"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-fgp/checkpoints"
	"github.com/tsawler/go-fgp/tensor"
)

const (
	// CacheDir is the fastcache snapshot directory inside the store root
	CacheDir = "cache.bin"
	// RecordExt is the extension of a per-sample record file
	RecordExt = ".kv"

	// DefaultCacheBytes is the in-memory cache budget
	DefaultCacheBytes = 64 << 20

	recordKind = "fgp.kv.v1"

	fieldKey   protowire.Number = 1
	fieldValue protowire.Number = 2
	fieldKind  protowire.Number = 15
)

// ErrNotPreloaded is returned for a sample that has no record. It matches fs.ErrNotExist.
var ErrNotPreloaded = fmt.Errorf("sample not preloaded: %w", fs.ErrNotExist)

// Stats reports cache effectiveness
type Stats struct {
	Hits    int64
	Misses  int64
	Entries uint64
}

func (s Stats) String() string {
	total := s.Hits + s.Misses
	rate := 0.0
	if total > 0 {
		rate = float64(s.Hits) / float64(total) * 100
	}
	return fmt.Sprintf("Cache: %d entries, Hits: %d, Misses: %d, Hit Rate: %.1f%%", s.Entries, s.Hits, s.Misses, rate)
}

// Store maps (split, index) to the key and value states of one sample
type Store struct {
	root       string
	cacheBytes int
	batchSize  int
	interp     bool
	logger     *slog.Logger

	cache  *fastcache.Cache
	hits   atomic.Int64
	misses atomic.Int64
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithCacheBytes sets the in-memory cache budget
func WithCacheBytes(n int) Option {
	return func(s *Store) {
		s.cacheBytes = n
	}
}

// WithBuildBatchSize sets how many samples Build encodes per encoder call
func WithBuildBatchSize(n int) Option {
	return func(s *Store) {
		s.batchSize = n
	}
}

// WithInterpolatePosEncoding makes Build ask the encoder to resample inputs of another size
func WithInterpolatePosEncoding(on bool) Option {
	return func(s *Store) {
		s.interp = on
	}
}

// Open creates root if needed and loads the persisted cache, or starts an empty one
func Open(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("preload root is empty")
	}
	s := &Store{
		root:       root,
		cacheBytes: DefaultCacheBytes,
		batchSize:  32,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.batchSize <= 0 {
		return nil, fmt.Errorf("build batch size must be positive, got %d", s.batchSize)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create preload directory: %w", err)
	}
	s.cache = fastcache.LoadFromFileOrNew(filepath.Join(root, CacheDir), s.cacheBytes)
	return s, nil
}

// Root returns the store directory
func (s *Store) Root() string {
	return s.root
}

func (s *Store) path(split string, index int) string {
	return filepath.Join(s.root, split, strconv.Itoa(index)+RecordExt)
}

func cacheKey(split string, index int) []byte {
	return []byte(split + "/" + strconv.Itoa(index))
}

func validSplit(split string) error {
	if split == "" || split == "." || split == ".." || strings.ContainsAny(split, `/\`) {
		return fmt.Errorf("invalid split name %q", split)
	}
	return nil
}

// Put stores the states of one sample, each of shape [layers, seq, dim]
func (s *Store) Put(split string, index int, key, value *tensor.Tensor) error {
	if err := validSplit(split); err != nil {
		return err
	}
	if index < 0 {
		return fmt.Errorf("invalid sample index %d", index)
	}
	rec, err := marshalRecord(key, value)
	if err != nil {
		return fmt.Errorf("sample %s/%d: %w", split, index, err)
	}

	path := s.path(split, index)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create split directory: %w", err)
	}
	if err := writeFileAtomic(path, rec); err != nil {
		return err
	}
	s.cache.SetBig(cacheKey(split, index), rec)
	return nil
}

// Get returns the states of one sample. A sample without a record is an ErrNotPreloaded.
func (s *Store) Get(split string, index int) (key, value *tensor.Tensor, err error) {
	if err := validSplit(split); err != nil {
		return nil, nil, err
	}
	ck := cacheKey(split, index)
	rec := s.cache.GetBig(nil, ck)
	if len(rec) > 0 {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
		rec, err = os.ReadFile(s.path(split, index))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, nil, fmt.Errorf("%w: %s/%d", ErrNotPreloaded, split, index)
			}
			return nil, nil, fmt.Errorf("failed to read preloaded sample: %w", err)
		}
		s.cache.SetBig(ck, rec)
	}

	key, value, err = unmarshalRecord(rec)
	if err != nil {
		return nil, nil, fmt.Errorf("corrupt preloaded sample %s/%d: %w", split, index, err)
	}
	return key, value, nil
}

// Has reports whether a record exists for the sample
func (s *Store) Has(split string, index int) bool {
	if validSplit(split) != nil {
		return false
	}
	_, err := os.Stat(s.path(split, index))
	return err == nil
}

// Count returns the number of records stored for split
func (s *Store) Count(split string) (int, error) {
	if err := validSplit(split); err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(filepath.Join(s.root, split))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list split %s: %w", split, err)
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), RecordExt) {
			n++
		}
	}
	return n, nil
}

// Stats returns hit and miss counters since Open
func (s *Store) Stats() Stats {
	var cs fastcache.Stats
	s.cache.UpdateStats(&cs)
	return Stats{Hits: s.hits.Load(), Misses: s.misses.Load(), Entries: cs.EntriesCount}
}

// Flush persists the in-memory cache so the next Open starts warm
func (s *Store) Flush() error {
	path := filepath.Join(s.root, CacheDir)
	if err := s.cache.SaveToFileConcurrent(path, runtime.GOMAXPROCS(0)); err != nil {
		return fmt.Errorf("failed to save preload cache: %w", err)
	}
	s.logger.Debug("saved preload cache", "path", path)
	return nil
}

// Close flushes the cache and releases its memory
func (s *Store) Close() error {
	err := s.Flush()
	s.cache.Reset()
	return err
}

func marshalRecord(key, value *tensor.Tensor) ([]byte, error) {
	if key == nil || value == nil {
		return nil, fmt.Errorf("key and value states are required")
	}
	if len(key.Shape) != 3 || len(value.Shape) != 3 {
		return nil, fmt.Errorf("states must be [layers, seq, dim], got %v and %v", key.Shape, value.Shape)
	}
	kd, vd := key.Float32Data(), value.Float32Data()
	if kd == nil || vd == nil {
		return nil, fmt.Errorf("states must be Float32, got %s and %s", key.DType, value.DType)
	}

	var b []byte
	b = checkpoints.AppendWeightTensor(b, fieldKey, checkpoints.WeightTensor{Name: "key", Shape: key.Shape, Data: kd})
	b = checkpoints.AppendWeightTensor(b, fieldValue, checkpoints.WeightTensor{Name: "value", Shape: value.Shape, Data: vd})
	b = protowire.AppendTag(b, fieldKind, protowire.BytesType)
	b = protowire.AppendString(b, recordKind)
	return b, nil
}

func unmarshalRecord(data []byte) (key, value *tensor.Tensor, err error) {
	var kind string
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, nil, fmt.Errorf("invalid tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		if typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return nil, nil, fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
			}
			data = data[m:]
			continue
		}
		v, m := protowire.ConsumeBytes(data)
		if m < 0 {
			return nil, nil, fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		data = data[m:]

		switch num {
		case fieldKey, fieldValue:
			w, err := checkpoints.UnmarshalWeightTensor(v)
			if err != nil {
				return nil, nil, err
			}
			t, err := tensor.FromFloat32(w.Shape, w.Data)
			if err != nil {
				return nil, nil, err
			}
			if num == fieldKey {
				key = t
			} else {
				value = t
			}
		case fieldKind:
			kind = string(v)
		}
	}
	if kind != recordKind {
		return nil, nil, fmt.Errorf("unexpected record kind %q", kind)
	}
	if key == nil || value == nil {
		return nil, nil, fmt.Errorf("record is missing key or value states")
	}
	return key, value, nil
}

// writeFileAtomic writes to a temp file next to path, then renames it into place
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to move record into place at %s: %w", path, err)
	}
	return nil
}
