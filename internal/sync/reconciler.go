package sync

import (
	"database/sql"
	"sync"
	"time"

	"github.com/mentorloop/coachchat/internal/cache"
	"go.uber.org/zap"
)

const cursorKey = "stream_cursor"

// Reconciler tracks the stream resume cursor: kept hot in memory for the
// dial path, checkpointed to the cache so a restart resumes where the last
// run left off.
type Reconciler struct {
	db     *cache.DB
	logger *zap.Logger

	mu     sync.RWMutex
	cursor string
}

// NewReconciler creates a reconciler, loading the persisted cursor if any.
func NewReconciler(db *cache.DB, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reconciler{db: db, logger: logger}
	if db != nil {
		cur, err := r.loadCursor()
		if err != nil {
			logger.Warn("failed to load stream cursor", zap.Error(err))
		} else {
			r.cursor = cur
		}
	}
	return r
}

// LastCursor returns the most recent checkpoint. Satisfies
// stream.CursorSource.
func (r *Reconciler) LastCursor() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cursor
}

// UpdateCursor records a new checkpoint.
func (r *Reconciler) UpdateCursor(cursor string) error {
	r.mu.Lock()
	r.cursor = cursor
	r.mu.Unlock()
	if r.db == nil {
		return nil
	}
	now := time.Now().UnixMilli()
	_, err := r.db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		cursorKey, cursor, now)
	return err
}

func (r *Reconciler) loadCursor() (string, error) {
	var value string
	err := r.db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, cursorKey).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
