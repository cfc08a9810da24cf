// Package dbadapter implements the Database Storage Adapter (spec §4.9): a
// sqlite3vfs.VFS backing a read-only SQLite database that lives inside an
// archive entry, so the embedded SQL engine can query it without first
// extracting it to a host filesystem.
//
// Grounded on github.com/psanford/sqlite3vfs's own published VFS/File
// contract — the pack's domain-stack table names sqlite3vfs and
// github.com/mattn/go-sqlite3 together as "the embedded SQL engine and the
// VFS registration surface the adapter plugs into" (SPEC_FULL.md §2), but
// no retrieved repo registers a SQLite VFS itself, so this package follows
// sqlite3vfs's interface shape directly rather than an example file.
package dbadapter

import (
	"database/sql"
	"errors"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/psanford/sqlite3vfs"

	"github.com/blackfall-labs/engram"
)

// SmallDatabaseThreshold is the uncompressed_size at or below which Open eagerly
// bulk-decompresses the whole entry into memory instead of reading it
// frame-wise through the Block Cache (spec §4.9 "hot-path policy").
const SmallDatabaseThreshold = 8 << 20 // 8 MiB

// ErrReadOnly is returned by every hook that would mutate the archive.
var ErrReadOnly = errors.New("dbadapter: archive-backed database is read-only")

// Router resolves a VFS file name to the archive entry backing it. Most
// adapters only ever serve one fixed (Reader, path) pair — see [Fixed] —
// but Router is a function so one registered VFS can route multiple
// logical database names if the embedded engine ever attaches more than
// one (spec §4.9 "a caller-supplied routing rule").
type Router func(name string) (reader *engram.Reader, path string, ok bool)

// Fixed returns a Router that always resolves to the same entry,
// regardless of the name the SQL engine requests.
func Fixed(reader *engram.Reader, path string) Router {
	return func(string) (*engram.Reader, string, bool) { return reader, path, true }
}

// VFS implements sqlite3vfs.VFS over archive entries resolved by route.
type VFS struct {
	route Router

	mu    sync.Mutex
	temps map[string][]byte
}

// New returns a VFS that routes every Open through route.
func New(route Router) *VFS {
	return &VFS{route: route, temps: make(map[string][]byte)}
}

// Register registers v with go-sqlite3 under name; a DSN's "vfs=<name>"
// query parameter then selects it (see [OpenDB]).
func Register(name string, v *VFS) error {
	return sqlite3vfs.RegisterVFS(name, v)
}

// OpenDB opens a read-only connection to the database named name through
// the VFS registered as vfsName.
func OpenDB(vfsName, name string) (*sql.DB, error) {
	return sql.Open("sqlite3", name+"?vfs="+vfsName+"&mode=ro&_query_only=true")
}

func (v *VFS) Open(name string, flags sqlite3vfs.OpenFlag) (sqlite3vfs.File, sqlite3vfs.OpenFlag, error) {
	if flags&sqlite3vfs.OpenReadWrite != 0 && flags&sqlite3vfs.OpenCreate == 0 {
		return nil, 0, ErrReadOnly
	}

	reader, path, ok := v.route(name)
	if !ok {
		return v.openTemp(name, flags)
	}

	ra, err := reader.OpenRandomAccess(path)
	if err != nil {
		return nil, 0, err
	}

	f := &entryFile{ra: ra}
	if ra.Size() <= SmallDatabaseThreshold {
		buf := make([]byte, ra.Size())
		if _, err := ra.ReadAt(buf, 0); err != nil {
			return nil, 0, err
		}
		f.bulk = buf
	}
	// Clear the read-write bit so the engine never believes it can write
	// through this handle even if it asked for OpenCreate alongside it.
	return f, flags &^ sqlite3vfs.OpenReadWrite, nil
}

func (v *VFS) openTemp(name string, flags sqlite3vfs.OpenFlag) (sqlite3vfs.File, sqlite3vfs.OpenFlag, error) {
	v.mu.Lock()
	buf, exists := v.temps[name]
	if !exists && flags&sqlite3vfs.OpenCreate == 0 {
		v.mu.Unlock()
		return nil, 0, errors.New("dbadapter: no route and no existing temp file for " + name)
	}
	v.mu.Unlock()
	return &tempFile{vfs: v, name: name, buf: buf}, flags, nil
}

func (v *VFS) Delete(name string, dirSync bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.temps, name)
	return nil
}

func (v *VFS) Access(name string, flags sqlite3vfs.AccessFlag) (bool, error) {
	if reader, path, ok := v.route(name); ok {
		return reader.Contains(path), nil
	}
	v.mu.Lock()
	_, exists := v.temps[name]
	v.mu.Unlock()
	return exists, nil
}

func (v *VFS) FullPathname(name string) string { return name }

// entryFile is the read-only File handle backing an archive entry.
type entryFile struct {
	ra   *engram.RandomAccess
	bulk []byte // non-nil once bulk-decompressed under SmallDatabaseThreshold
}

func (f *entryFile) Close() error { return nil }

func (f *entryFile) ReadAt(p []byte, off int64) (int, error) {
	if f.bulk != nil {
		if off >= int64(len(f.bulk)) {
			return 0, nil
		}
		return copy(p, f.bulk[off:]), nil
	}
	return f.ra.ReadAt(p, off)
}

func (f *entryFile) WriteAt(p []byte, off int64) (int, error) { return 0, ErrReadOnly }
func (f *entryFile) Truncate(size int64) error                { return ErrReadOnly }
func (f *entryFile) Sync(flags sqlite3vfs.SyncType) error      { return nil }

func (f *entryFile) FileSize() (int64, error) {
	if f.bulk != nil {
		return int64(len(f.bulk)), nil
	}
	return f.ra.Size(), nil
}

func (f *entryFile) Lock(elock sqlite3vfs.LockType) error   { return nil }
func (f *entryFile) Unlock(elock sqlite3vfs.LockType) error { return nil }
func (f *entryFile) CheckReservedLock() (bool, error)       { return false, nil }
func (f *entryFile) SectorSize() int64                      { return 4096 }
func (f *entryFile) DeviceCharacteristics() sqlite3vfs.DeviceCharacteristic {
	return sqlite3vfs.IocapImmutable
}

// tempFile backs any scratch file the SQL engine opens for itself
// (rollback journals, temp b-trees): an in-memory sink, never written back
// to the archive (spec §4.9).
type tempFile struct {
	vfs  *VFS
	name string
	mu   sync.Mutex
	buf  []byte
}

func (f *tempFile) Close() error {
	f.vfs.mu.Lock()
	delete(f.vfs.temps, f.name)
	f.vfs.mu.Unlock()
	return nil
}

func (f *tempFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off >= int64(len(f.buf)) {
		return 0, nil
	}
	return copy(p, f.buf[off:]), nil
}

func (f *tempFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(f.buf)) {
		grown := make([]byte, end)
		copy(grown, f.buf)
		f.buf = grown
	}
	copy(f.buf[off:end], p)
	f.vfs.mu.Lock()
	f.vfs.temps[f.name] = f.buf
	f.vfs.mu.Unlock()
	return len(p), nil
}

func (f *tempFile) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if size < int64(len(f.buf)) {
		f.buf = f.buf[:size]
	}
	return nil
}

func (f *tempFile) Sync(flags sqlite3vfs.SyncType) error { return nil }

func (f *tempFile) FileSize() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.buf)), nil
}

func (f *tempFile) Lock(elock sqlite3vfs.LockType) error   { return nil }
func (f *tempFile) Unlock(elock sqlite3vfs.LockType) error { return nil }
func (f *tempFile) CheckReservedLock() (bool, error)       { return false, nil }
func (f *tempFile) SectorSize() int64                      { return 4096 }
func (f *tempFile) DeviceCharacteristics() sqlite3vfs.DeviceCharacteristic {
	return 0
}
