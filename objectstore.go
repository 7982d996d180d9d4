package vmengine

import (
	"database/sql"
	"fmt"
	"hash/fnv"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	// Pure-Go SQLite driver for database/sql, registered under "sqlite".
	_ "github.com/glebarez/sqlite"
)

const numLockStripes = 64

// ObjectStore is a per-context, TTL-based keyed object store. Blobs live
// as files under {dataDir}/{ctx}/blobs, indexed by a SQLite table for prefix and
// timestamp queries. A background sweeper removes expired objects.
type ObjectStore struct {
	ctx     string
	dir     string
	db      *sql.DB
	stripes [numLockStripes]sync.Mutex

	sweepInterval time.Duration
	stopSweep     chan struct{}
	sweepDone     chan struct{}
}

// OpenObjectStore opens (creating if necessary) the object store for a
// single context, rooted at {dataDir}/{ctx}.
func OpenObjectStore(dataDir, ctxID string, cfg Config) (*ObjectStore, error) {
	dir := filepath.Join(dataDir, ctxID)
	blobsDir := filepath.Join(dir, "blobs")
	if err := os.MkdirAll(blobsDir, 0755); err != nil {
		return nil, ErrIO("creating object store directory", err)
	}
	dbPath := filepath.Join(dir, "index.sqlite3")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, ErrIO("opening object store index", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, ErrIO("enabling WAL mode", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS objects (
	app_path     TEXT PRIMARY KEY,
	shard        TEXT NOT NULL,
	created_secs REAL    NOT NULL,
	expires_secs REAL    NOT NULL,
	byte_length  INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, ErrIO("creating object store schema", err)
	}

	s := &ObjectStore{
		ctx:           ctxID,
		dir:           dir,
		db:            db,
		sweepInterval: cfg.SweepInterval,
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}
	go s.sweepLoop()
	return s, nil
}

// Close stops the background sweeper and closes the index database.
func (s *ObjectStore) Close() error {
	close(s.stopSweep)
	<-s.sweepDone
	return s.db.Close()
}

func (s *ObjectStore) stripe(appPath string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(appPath))
	return &s.stripes[h.Sum32()%numLockStripes]
}

// Put writes data under appPath, replacing any existing live object at
// that path (last write wins) and returns the resulting ObjMeta.
func (s *ObjectStore) Put(appPath string, data []byte, ttl time.Duration, now time.Time) (ObjMeta, error) {
	if appPath == "" {
		return ObjMeta{}, ErrInvalidInput("appPath must not be empty")
	}
	lock := s.stripe(appPath)
	lock.Lock()
	defer lock.Unlock()

	shard := uuid.New().String()
	created := unixSeconds(now)
	var expires float64
	if ttl > 0 {
		expires = unixSeconds(now.Add(ttl))
	}
	meta := ObjMeta{
		SysPrefix:   SysPrefixCtx,
		Ctx:         s.ctx,
		AppPath:     appPath,
		CreatedSecs: created,
		ExpiresSecs: expires,
		ByteLength:  int64(len(data)),
	}

	blobPath := filepath.Join(s.dir, "blobs", shard)
	if err := os.WriteFile(blobPath, data, 0644); err != nil {
		return ObjMeta{}, ErrIO("writing object blob", err)
	}

	var oldShard string
	err := s.db.QueryRow(`SELECT shard FROM objects WHERE app_path = ?`, appPath).Scan(&oldShard)
	if err != nil && err != sql.ErrNoRows {
		_ = os.Remove(blobPath)
		return ObjMeta{}, ErrIO("reading existing object row", err)
	}

	_, err = s.db.Exec(`
INSERT INTO objects (app_path, shard, created_secs, expires_secs, byte_length)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(app_path) DO UPDATE SET
	shard = excluded.shard,
	created_secs = excluded.created_secs,
	expires_secs = excluded.expires_secs,
	byte_length = excluded.byte_length
`, appPath, shard, created, expires, meta.ByteLength)
	if err != nil {
		_ = os.Remove(blobPath)
		return ObjMeta{}, ErrIO("upserting object row", err)
	}

	if oldShard != "" {
		_ = os.Remove(filepath.Join(s.dir, "blobs", oldShard))
	}
	return meta, nil
}

// Get returns the live object at appPath, or ErrNotFound if it does not
// exist or has expired.
func (s *ObjectStore) Get(appPath string, now time.Time) (Obj, error) {
	lock := s.stripe(appPath)
	lock.Lock()
	defer lock.Unlock()

	var shard string
	var created, expires float64
	var byteLength int64
	err := s.db.QueryRow(
		`SELECT shard, created_secs, expires_secs, byte_length FROM objects WHERE app_path = ?`,
		appPath,
	).Scan(&shard, &created, &expires, &byteLength)
	if err == sql.ErrNoRows {
		return Obj{}, ErrNotFound("no object at " + appPath)
	}
	if err != nil {
		return Obj{}, ErrIO("reading object row", err)
	}
	if expires != 0 && expires <= unixSeconds(now) {
		return Obj{}, ErrNotFound("object at " + appPath + " has expired")
	}
	data, err := os.ReadFile(filepath.Join(s.dir, "blobs", shard))
	if err != nil {
		return Obj{}, ErrIO("reading object blob", err)
	}
	return Obj{
		Meta: ObjMeta{
			SysPrefix:   SysPrefixCtx,
			Ctx:         s.ctx,
			AppPath:     appPath,
			CreatedSecs: created,
			ExpiresSecs: expires,
			ByteLength:  byteLength,
		},
		Data: data,
	}, nil
}

// List returns metadata for live objects whose appPath has the given
// prefix and createdSecs greater than opts.CreatedGt, ordered by
// createdSecs ascending (ties broken by appPath). List is a point-in-time
// snapshot, so repeated calls are monotonic with respect to any single
// appPath's most recent Put.
func (s *ObjectStore) List(opts ListOpts, now time.Time) ([]ObjMeta, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}
	rows, err := s.db.Query(`
SELECT app_path, created_secs, expires_secs, byte_length
FROM objects
WHERE app_path LIKE ? || '%'
  AND created_secs > ?
  AND (expires_secs = 0 OR expires_secs > ?)
ORDER BY created_secs ASC, app_path ASC
LIMIT ?`, opts.Prefix, opts.CreatedGt, unixSeconds(now), limit)
	if err != nil {
		return nil, ErrIO("listing objects", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ObjMeta
	for rows.Next() {
		var m ObjMeta
		m.SysPrefix = SysPrefixCtx
		m.Ctx = s.ctx
		if err := rows.Scan(&m.AppPath, &m.CreatedSecs, &m.ExpiresSecs, &m.ByteLength); err != nil {
			return nil, ErrIO("scanning object row", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, ErrIO("iterating object rows", err)
	}
	return out, nil
}

// Remove deletes the live object at appPath. Removing an absent path is
// not an error.
func (s *ObjectStore) Remove(appPath string) error {
	lock := s.stripe(appPath)
	lock.Lock()
	defer lock.Unlock()

	var shard string
	err := s.db.QueryRow(`SELECT shard FROM objects WHERE app_path = ?`, appPath).Scan(&shard)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return ErrIO("reading object row for removal", err)
	}
	if _, err := s.db.Exec(`DELETE FROM objects WHERE app_path = ?`, appPath); err != nil {
		return ErrIO("deleting object row", err)
	}
	_ = os.Remove(filepath.Join(s.dir, "blobs", shard))
	return nil
}

// sweepLoop periodically deletes expired objects. It starts after a
// small random offset so many contexts opened at once do not all sweep
// on the same tick.
func (s *ObjectStore) sweepLoop() {
	defer close(s.sweepDone)
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	select {
	case <-time.After(jitter):
	case <-s.stopSweep:
		return
	}
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			if err := s.sweepOnceAt(time.Now()); err != nil {
				log.Printf("vmengine/sweep: context %s: %v", s.ctx, err)
			}
		}
	}
}

// sweepOnceAt deletes objects expired as of now; split out from the
// sweep loop so tests can drive it with a fixed clock.
func (s *ObjectStore) sweepOnceAt(now time.Time) error {
	rows, err := s.db.Query(`SELECT app_path, shard FROM objects WHERE expires_secs != 0 AND expires_secs <= ?`, unixSeconds(now))
	if err != nil {
		return fmt.Errorf("querying expired objects: %w", err)
	}
	type expired struct{ appPath, shard string }
	var victims []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.appPath, &e.shard); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scanning expired object: %w", err)
		}
		victims = append(victims, e)
	}
	_ = rows.Close()

	for _, v := range victims {
		lock := s.stripe(v.appPath)
		lock.Lock()
		_, err := s.db.Exec(`DELETE FROM objects WHERE app_path = ? AND shard = ?`, v.appPath, v.shard)
		if err == nil {
			_ = os.Remove(filepath.Join(s.dir, "blobs", v.shard))
		}
		lock.Unlock()
	}
	return nil
}
