// Package cache stores linked images in SQLite, keyed by what they were
// built from.
package cache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/lkjscript/lkj/vm"
)

// ErrMiss indicates there is no cached image for a key.
var ErrMiss = errors.New("cache miss")

// Cache handles SQLite storage for compiled images.
type Cache struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
	log  commonlog.Logger
}

// Key identifies a build: the source text, the frame size and the image
// format version.
func Key(src []byte, frameSize int) string {
	h := sha256.New()
	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[0:4], vm.ImageVersion)
	binary.LittleEndian.PutUint64(hdr[4:12], uint64(frameSize))
	h.Write(hdr[:])
	h.Write(src)
	return hex.EncodeToString(h.Sum(nil))
}

// Open opens (creating if needed) the cache database at path.
func Open(path string) (*Cache, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS images (
		key        TEXT PRIMARY KEY,
		build_id   TEXT NOT NULL,
		frame_size INTEGER NOT NULL,
		image      BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		hits       INTEGER NOT NULL DEFAULT 0
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Cache{db: db, path: path, log: commonlog.GetLogger("lkj.cache")}, nil
}

// Close closes the database connection.
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Path returns the database path.
func (c *Cache) Path() string {
	return c.path
}

// Get returns the image stored under key, or ErrMiss.
func (c *Cache) Get(key string) (*vm.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var data []byte
	err := c.db.QueryRow("SELECT image FROM images WHERE key = ?", key).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.log.Debugf("miss %s", short(key))
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("querying image: %w", err)
	}

	img, err := vm.UnmarshalImage(data)
	if err != nil {
		// A stale or corrupt entry is dropped and treated as a miss.
		c.log.Warningf("dropping unreadable entry %s: %s", short(key), err)
		if _, err := c.db.Exec("DELETE FROM images WHERE key = ?", key); err != nil {
			return nil, fmt.Errorf("deleting image: %w", err)
		}
		return nil, ErrMiss
	}

	if _, err := c.db.Exec("UPDATE images SET hits = hits + 1 WHERE key = ?", key); err != nil {
		return nil, fmt.Errorf("updating hits: %w", err)
	}
	c.log.Debugf("hit %s (build %s)", short(key), img.BuildID)
	return img, nil
}

// Put stores img under key, replacing any previous entry.
func (c *Cache) Put(key string, img *vm.Image) error {
	data, err := vm.MarshalImage(img)
	if err != nil {
		return fmt.Errorf("encoding image: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, err = c.db.Exec(
		"INSERT OR REPLACE INTO images (key, build_id, frame_size, image, created_at) VALUES (?, ?, ?, ?, ?)",
		key, img.BuildID, img.FrameSize, data, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("saving image: %w", err)
	}
	return nil
}

// Fetch returns the image cached under key, or builds it with compile and
// stores the result. hit reports whether the image came from the cache.
func (c *Cache) Fetch(key string, compile func() (*vm.Image, error)) (img *vm.Image, hit bool, err error) {
	img, err = c.Get(key)
	if err == nil {
		return img, true, nil
	}
	if !errors.Is(err, ErrMiss) {
		return nil, false, err
	}

	img, err = compile()
	if err != nil {
		return nil, false, err
	}
	if err := c.Put(key, img); err != nil {
		c.log.Warningf("%s", err)
	}
	return img, false, nil
}

// Stats describes the cache contents.
type Stats struct {
	Entries int
	Hits    int64
}

// Stats returns the number of entries and total hits.
func (c *Cache) Stats() (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var s Stats
	err := c.db.QueryRow("SELECT COUNT(*), COALESCE(SUM(hits), 0) FROM images").Scan(&s.Entries, &s.Hits)
	if err != nil {
		return Stats{}, fmt.Errorf("querying stats: %w", err)
	}
	return s, nil
}

// Prune deletes entries created before cutoff and returns how many were removed.
func (c *Cache) Prune(cutoff time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.Exec("DELETE FROM images WHERE created_at < ?", cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("pruning: %w", err)
	}
	return res.RowsAffected()
}

func short(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
