package cache

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/poolrouter/poolrouter/internal/parsetree"
)

// oidMap is the on-disk table-OID → cache-entry dependency index: one
// subdirectory per database OID, one file per table OID, each file a
// concatenation of fixed-size records naming the entries that depend on the
// table (spec.md §4.9 "OID map", §6 "Persisted state").
//
// Records are 16-byte fingerprints in memcached mode and 8-byte
// (blockid, itemid) pairs in shared-memory mode.
type oidMap struct {
	dir      string
	lockFile *os.File
}

const (
	oidRecordKey  = 16
	oidRecordLoc  = 8
	oidLockName   = "oidmap.lock"
	oidDirPerm    = 0o755
	oidFilePerm   = 0o644
)

func newOidMap(dir string) (*oidMap, error) {
	if err := os.MkdirAll(dir, oidDirPerm); err != nil {
		return nil, fmt.Errorf("creating oid-map dir: %w", err)
	}
	lf, err := os.OpenFile(filepath.Join(dir, oidLockName), os.O_CREATE|os.O_RDWR, oidFilePerm)
	if err != nil {
		return nil, fmt.Errorf("opening oid-map lock file: %w", err)
	}
	return &oidMap{dir: dir, lockFile: lf}, nil
}

// lock takes the file lock: shared for readers, exclusive for writers. The
// file-lock indirection lets the lock survive across process restarts.
func (m *oidMap) lock(exclusive bool) error {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	return unix.Flock(int(m.lockFile.Fd()), how)
}

func (m *oidMap) unlock() error {
	return unix.Flock(int(m.lockFile.Fd()), unix.LOCK_UN)
}

func (m *oidMap) path(db, table parsetree.Oid) string {
	return filepath.Join(m.dir, strconv.FormatUint(uint64(db), 10), strconv.FormatUint(uint64(table), 10))
}

// appendKey records a fingerprint dependency of table on db.
func (m *oidMap) appendKey(db, table parsetree.Oid, k Key) error {
	return m.appendRecord(db, table, k[:])
}

// appendLocation records a (blockid, itemid) dependency of table on db.
func (m *oidMap) appendLocation(db, table parsetree.Oid, blockid uint32, itemid uint16) error {
	var rec [oidRecordLoc]byte
	binary.BigEndian.PutUint32(rec[:4], blockid)
	binary.BigEndian.PutUint16(rec[4:6], itemid)
	return m.appendRecord(db, table, rec[:])
}

func (m *oidMap) appendRecord(db, table parsetree.Oid, rec []byte) error {
	if err := m.lock(true); err != nil {
		return err
	}
	defer m.unlock()

	dir := filepath.Join(m.dir, strconv.FormatUint(uint64(db), 10))
	if err := os.MkdirAll(dir, oidDirPerm); err != nil {
		return err
	}
	f, err := os.OpenFile(m.path(db, table), os.O_CREATE|os.O_WRONLY|os.O_APPEND, oidFilePerm)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(rec)
	return err
}

// readRecords returns the raw records of one table's file, split at
// recordSize boundaries, and whether the file existed.
func (m *oidMap) readRecords(db, table parsetree.Oid, recordSize int) ([][]byte, bool, error) {
	if err := m.lock(false); err != nil {
		return nil, false, err
	}
	defer m.unlock()

	data, err := os.ReadFile(m.path(db, table))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var recs [][]byte
	for off := 0; off+recordSize <= len(data); off += recordSize {
		recs = append(recs, data[off:off+recordSize])
	}
	return recs, true, nil
}

// remove unlinks one table's file after its entries have been invalidated.
func (m *oidMap) remove(db, table parsetree.Oid) error {
	if err := m.lock(true); err != nil {
		return err
	}
	defer m.unlock()
	err := os.Remove(m.path(db, table))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// removeDatabase removes the whole <dir>/<database_oid> subtree, for
// DROP DATABASE.
func (m *oidMap) removeDatabase(db parsetree.Oid) ([][]byte, error) {
	if err := m.lock(true); err != nil {
		return nil, err
	}
	defer m.unlock()

	dir := filepath.Join(m.dir, strconv.FormatUint(uint64(db), 10))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var recs [][]byte
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		recs = append(recs, data)
	}
	return recs, os.RemoveAll(dir)
}

func (m *oidMap) close() error {
	return m.lockFile.Close()
}
