package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/spilledink/mailcore/internal/mailerrors"
)

// QueuedTask mirrors one store_task_queue row: a due-dated unit of work
// keyed by the (account, document) owning it, carrying an opaque payload
// (the serialized envelope/attempt state for outbound delivery, spec
// §4.4's queued message).
type QueuedTask struct {
	ID         uint64
	Due        time.Time
	AccountID  uint32
	DocumentID uint32
	Action     string
	DedupKey   string
	Payload    []byte
}

// EnqueueTask inserts a new due task, or — when dedupKey matches a
// still-pending row — merges into it rather than creating a duplicate
// (spec §4.4's "coalesce retries of the same envelope/recipient set").
// An empty dedupKey disables coalescing.
func (s *Store) EnqueueTask(ctx context.Context, account, doc uint32, action string, due time.Time, dedupKey string, payload []byte) (uint64, error) {
	var id uint64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if dedupKey != "" {
			var existing taskQueueRow
			err := tx.Where("dedup_key = ? AND locked = ?", dedupKey, false).Take(&existing).Error
			if err == nil {
				existing.Due, existing.Payload = due, payload
				if err := tx.Save(&existing).Error; err != nil {
					return err
				}
				id = existing.ID
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		row := taskQueueRow{
			Due: due, AccountID: account, DocumentID: doc,
			Action: action, DedupKey: dedupKey, Payload: payload,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		id = row.ID
		return nil
	})
	if err != nil {
		return 0, mailerrors.Wrap(mailerrors.KindTransientIO, "store enqueue_task", err)
	}
	return id, nil
}

// LockDueTasks claims up to limit tasks whose Due has passed and which no
// worker currently holds, marking them Locked so a concurrent dequeue loop
// on another process does not also pick them up (the teacher's
// lock-then-load discipline generalized from a single queue event to the
// task_queue table).
func (s *Store) LockDueTasks(ctx context.Context, action string, limit int) ([]QueuedTask, error) {
	var claimed []QueuedTask
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []taskQueueRow
		if err := tx.Where("action = ? AND locked = ? AND due <= ?", action, false, time.Now()).
			Order("due asc").Limit(limit).Find(&rows).Error; err != nil {
			return err
		}
		for i := range rows {
			rows[i].Locked = true
			if err := tx.Save(&rows[i]).Error; err != nil {
				return err
			}
			claimed = append(claimed, QueuedTask{
				ID: rows[i].ID, Due: rows[i].Due, AccountID: rows[i].AccountID,
				DocumentID: rows[i].DocumentID, Action: rows[i].Action,
				DedupKey: rows[i].DedupKey, Payload: rows[i].Payload,
			})
		}
		return nil
	})
	if err != nil {
		return nil, mailerrors.Wrap(mailerrors.KindTransientIO, "store lock_due_tasks", err)
	}
	return claimed, nil
}

// DeferTask reschedules a locked task to a later due time with an updated
// payload (the next retry attempt's state) and releases its lock.
func (s *Store) DeferTask(ctx context.Context, id uint64, due time.Time, payload []byte) error {
	err := s.db.WithContext(ctx).Model(&taskQueueRow{}).Where("id = ?", id).
		Updates(map[string]interface{}{"due": due, "payload": payload, "locked": false}).Error
	if err != nil {
		return mailerrors.Wrap(mailerrors.KindTransientIO, "store defer_task", err)
	}
	return nil
}

// CompleteTask removes a task once its terminal outcome (success or final
// failure/DSN) has been recorded.
func (s *Store) CompleteTask(ctx context.Context, id uint64) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&taskQueueRow{}).Error; err != nil {
		return mailerrors.Wrap(mailerrors.KindTransientIO, "store complete_task", err)
	}
	return nil
}

// CancelTask deletes a task only while it is unlocked, i.e. not currently
// claimed by a LockDueTasks dequeue. Deleting a locked row would pull it out
// from under a delivery attempt already in flight, so a locked row is left
// untouched and mailerrors.ErrCannotUnsend is returned. A task that no
// longer exists (already completed or already cancelled) is a no-op.
func (s *Store) CancelTask(ctx context.Context, id uint64) error {
	res := s.db.WithContext(ctx).Where("id = ? AND locked = ?", id, false).Delete(&taskQueueRow{})
	if res.Error != nil {
		return mailerrors.Wrap(mailerrors.KindTransientIO, "store cancel_task", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var row taskQueueRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return mailerrors.Wrap(mailerrors.KindTransientIO, "store cancel_task", err)
	}
	return mailerrors.ErrCannotUnsend
}
