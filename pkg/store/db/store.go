// Package db is the Pebble-backed record store. It owns the single writer
// lock, stamps every committed transaction with a commit sequence, and hands
// the sealed descriptor to registered commit hooks while still holding that
// lock, so hooks observe commits in order.
package db

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"viewstore/pkg/logger"
	"viewstore/pkg/metrics"
	"viewstore/pkg/models"
	"viewstore/pkg/store/codec"
	"viewstore/pkg/store/keys"
	"viewstore/pkg/telemetry"
	"viewstore/pkg/txn"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

const storageVersion = "1"

var (
	ErrClosed           = errors.New("record store closed")
	ErrMessageIDReused  = errors.New("message id at or below peer high-water mark")
	ErrStorageVersion   = errors.New("unsupported storage version")
	errNilCachedPeerRec = errors.New("nil cached peer data")
)

type Options struct {
	// DisableWAL turns off the Pebble write-ahead log.
	DisableWAL bool
	// Sync requests fsync on every commit (ignored when the WAL is disabled).
	Sync bool
	// CacheSize is the Pebble block cache size in bytes; zero keeps Pebble's default.
	CacheSize int64
	// FS overrides the filesystem, vfs.NewMem() for tests.
	FS vfs.FS
}

// CommitHook receives every sealed descriptor in commit order. It runs with
// the store writer lock held and must not call back into Transaction or
// ExternalWrite. Reads and ReadSnapshot are fine.
type CommitHook func(*txn.Descriptor)

type Store struct {
	db   *pebble.DB
	path string
	opts Options

	writeMu sync.Mutex
	// closeMu lets readers that skip writeMu finish before the db closes
	closeMu sync.RWMutex
	hooks   []CommitHook
	lastSeq atomic.Uint64
	closed  atomic.Bool

	pendingWrites atomic.Uint64
}

// Open opens or creates the store at path.
func Open(path string, opts Options) (*Store, error) {
	po := &pebble.Options{
		DisableWAL: opts.DisableWAL,
		FS:         opts.FS,
	}
	if opts.CacheSize > 0 {
		c := pebble.NewCache(opts.CacheSize)
		defer c.Unref()
		po.Cache = c
	}
	if opts.DisableWAL {
		logger.Warn("durability_disabled", "path", path, "durability", "no WAL enabled")
	}
	pdb, err := pebble.Open(path, po)
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	s := &Store{db: pdb, path: path, opts: opts}
	if err := s.init(); err != nil {
		pdb.Close()
		return nil, err
	}
	logger.Info("store_opened", "path", path, "last_seq", s.lastSeq.Load())
	return s, nil
}

// OpenInMemory opens a store on an in-memory filesystem.
func OpenInMemory() (*Store, error) {
	return Open("", Options{FS: vfs.NewMem()})
}

func (s *Store) init() error {
	v, err := getRaw(s.db, keys.SystemVersionKey)
	if err != nil {
		return err
	}
	switch {
	case v == nil:
		if err := s.db.Set([]byte(keys.SystemVersionKey), []byte(storageVersion), s.writeOpt(true)); err != nil {
			return err
		}
	case string(v) != storageVersion:
		return fmt.Errorf("%w: %q", ErrStorageVersion, v)
	}
	raw, err := getRaw(s.db, keys.SystemCommitSeqKey)
	if err != nil {
		return err
	}
	seq, err := decodeCommitSeq(raw)
	if err != nil {
		return err
	}
	s.lastSeq.Store(seq)
	return nil
}

// decodeCommitSeq reads the commit sequence record; absent means nothing
// has been committed yet.
func decodeCommitSeq(raw []byte) (uint64, error) {
	if raw == nil {
		return 0, nil
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("corrupt commit sequence record (%d bytes)", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if err := s.db.Flush(); err != nil {
		logger.Warn("store_flush_failed", "error", err)
	}
	return s.db.Close()
}

func (s *Store) Ready() bool {
	return !s.closed.Load()
}

// LastSeq is the commit sequence of the most recent committed transaction.
func (s *Store) LastSeq() uint64 {
	return s.lastSeq.Load()
}

// PendingWrites counts committed batches since the last reset.
func (s *Store) PendingWrites() uint64 {
	return s.pendingWrites.Load()
}

func (s *Store) ResetPendingWrites() {
	s.pendingWrites.Store(0)
}

// OnCommit registers hook for all subsequent commits.
func (s *Store) OnCommit(hook CommitHook) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

func (s *Store) writeOpt(requestSync bool) *pebble.WriteOptions {
	if requestSync && !s.opts.DisableWAL {
		return pebble.Sync
	}
	return pebble.NoSync
}

func (s *Store) CachedPeerData(peer models.PeerID) (*models.CachedPeerData, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return readCachedPeerData(s.db, peer)
}

func (s *Store) Message(id models.MessageID) (*models.Message, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return readMessage(s.db, id)
}

// IsNotFound reports whether err is Pebble's not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, pebble.ErrNotFound)
}

// getRaw returns a copy of the value at key, or nil when absent.
func getRaw(r pebble.Reader, key string) ([]byte, error) {
	v, closer, err := r.Get([]byte(key))
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		metrics.StoreReadErrors.Inc()
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func readCachedPeerData(r pebble.Reader, peer models.PeerID) (*models.CachedPeerData, error) {
	tr := telemetry.Track("store.get_cached_peer_data")
	defer tr.Finish()

	if err := keys.ValidatePeerID(peer); err != nil {
		return nil, err
	}
	raw, err := getRaw(r, keys.GenCachedPeerDataKey(peer))
	if err != nil || raw == nil {
		return nil, err
	}
	tr.Mark("decode")
	return codec.DecodeCachedPeerData(raw)
}

func readMessage(r pebble.Reader, id models.MessageID) (*models.Message, error) {
	tr := telemetry.Track("store.get_message")
	defer tr.Finish()

	if err := keys.ValidateMessageID(id); err != nil {
		return nil, err
	}
	raw, err := getRaw(r, keys.GenMessageKey(id))
	if err != nil || raw == nil {
		return nil, err
	}
	tr.Mark("decode")
	return codec.DecodeMessage(raw)
}

func readHighWater(r pebble.Reader, peer models.PeerID) (uint64, error) {
	raw, err := getRaw(r, keys.GenPeerSeqKey(peer))
	if err != nil || raw == nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("corrupt sequence record for peer %q", peer)
	}
	return binary.BigEndian.Uint64(raw), nil
}

func encodeUint64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

var _ io.Closer = (*Store)(nil)
