package outbox

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-offline/pkg/db/models"
)

// Sequencer hands out strictly increasing enqueue sequence numbers. Values track wall-clock
// nanoseconds but never go backwards, even when the clock does.
type Sequencer struct {
	mu     sync.Mutex
	last   int64
	seeded bool
	now    func() time.Time
}

func NewSequencer() *Sequencer {
	return &Sequencer{now: time.Now}
}

// Next returns the next sequence value. The first call seeds from the highest persisted seq
// using db, which should be the caller's transaction when there is one.
func (s *Sequencer) Next(ctx context.Context, db *gorm.DB) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.seeded {
		var maxSeq int64
		if err := db.WithContext(ctx).
			Model(&models.OutboxEntry{}).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&maxSeq).Error; err != nil {
			return 0, err
		}
		if maxSeq > s.last {
			s.last = maxSeq
		}
		s.seeded = true
	}

	next := s.now().UnixNano()
	if next <= s.last {
		next = s.last + 1
	}
	s.last = next
	return next, nil
}

// Reset forces the next call to re-read the persisted maximum. Used after another writer
// claimed a sequence value this process also produced.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	s.seeded = false
	s.mu.Unlock()
}
