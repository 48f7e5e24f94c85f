package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"edupay/internal/domain"
	"edupay/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrGuardFailed means the transaction was not in the expected status, i.e. someone else
// already moved it. Callers treat it as "already handled".
var ErrGuardFailed = errors.New("transaction status guard failed")

// ErrTerminalStatus is returned by Apply for a transition out of a final status. The only
// exception is the administrative completed -> refunded.
var ErrTerminalStatus = errors.New("transition out of a terminal status")

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Transition describes a guarded status change and the history row recorded with it.
type Transition struct {
	From        string
	To          string
	Details     map[string]interface{} // merged into the existing Details
	Notes       string
	PaymentDate *time.Time
	Message     string
	IPAddress   string
	UserAgent   string
}

func generateTransactionCode(now time.Time) (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "TXN" + now.UTC().Format("20060102150405") + hex.EncodeToString(b), nil
}

// Create assigns a fresh unique code and inserts t together with its first history row.
func (r *TransactionRepository) Create(ctx context.Context, t *models.Transaction, h models.PaymentHistory) error {
	for i := 0; i < 10; i++ {
		code, err := generateTransactionCode(time.Now())
		if err != nil {
			return err
		}
		t.ID = 0
		t.Code = code
		err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(t).Error; err != nil {
				return err
			}
			h.ID = 0
			h.TransactionID = t.ID
			return tx.Create(&h).Error
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return err
		}
		// Collision: retry with new code
	}
	return fmt.Errorf("failed to generate a unique transaction code after retries")
}

func (r *TransactionRepository) FindByCode(ctx context.Context, code string) (*models.Transaction, error) {
	var t models.Transaction
	err := r.db.WithContext(ctx).Where("code = ?", code).First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TransactionRepository) FindByID(ctx context.Context, id uint) (*models.Transaction, error) {
	var t models.Transaction
	err := r.db.WithContext(ctx).First(&t, id).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// FindByIDForUser loads a transaction owned by userID with its history, oldest first.
func (r *TransactionRepository) FindByIDForUser(ctx context.Context, id, userID uint) (*models.Transaction, error) {
	var t models.Transaction
	err := r.db.WithContext(ctx).
		Preload("History", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC, id ASC") }).
		Where("id = ? AND user_id = ?", id, userID).
		First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListPending returns pending transactions created before cutoff.
func (r *TransactionRepository) ListPending(ctx context.Context, cutoff time.Time) ([]models.Transaction, error) {
	var list []models.Transaction
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", domain.TxStatusPending, cutoff).
		Order("created_at ASC").
		Find(&list).Error
	return list, err
}

func (r *TransactionRepository) ListPendingForUser(ctx context.Context, userID uint, cutoff time.Time) ([]models.Transaction, error) {
	var list []models.Transaction
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND created_at < ?", userID, domain.TxStatusPending, cutoff).
		Find(&list).Error
	return list, err
}

func (r *TransactionRepository) ListByUser(ctx context.Context, userID uint, limit, offset int) ([]models.Transaction, int64, error) {
	var (
		list  []models.Transaction
		total int64
	)
	q := r.db.WithContext(ctx).Model(&models.Transaction{}).Where("user_id = ?", userID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := q.Order("created_at DESC, id DESC").Limit(limit).Offset(offset).Find(&list).Error
	return list, total, err
}

// Apply performs a compare-and-swap on Status and appends a history row in the same
// database transaction. It returns ErrGuardFailed when the current status is not tr.From.
func (r *TransactionRepository) Apply(ctx context.Context, id uint, tr Transition) (*models.Transaction, error) {
	if !allowedTransition(tr.From, tr.To) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrTerminalStatus, tr.From, tr.To)
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{"status": tr.To}
		if len(tr.Details) > 0 {
			var cur models.Transaction
			if err := tx.Select("id", "details").First(&cur, id).Error; err != nil {
				return err
			}
			updates["details"] = mergeDetails(cur.Details, tr.Details)
		}
		if tr.Notes != "" {
			updates["notes"] = tr.Notes
		}
		if tr.PaymentDate != nil {
			updates["payment_date"] = *tr.PaymentDate
		}
		res := tx.Model(&models.Transaction{}).Where("id = ? AND status = ?", id, tr.From).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrGuardFailed
		}
		return tx.Create(&models.PaymentHistory{
			TransactionID: id,
			Status:        tr.To,
			Message:       tr.Message,
			IPAddress:     tr.IPAddress,
			UserAgent:     tr.UserAgent,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return r.FindByID(ctx, id)
}

func allowedTransition(from, to string) bool {
	if from == domain.TxStatusCompleted && to == domain.TxStatusRefunded {
		return true
	}
	return !domain.IsTerminal(from) && from != to
}

// UpdateDetails merges gateway correlation data into a transaction that is still pending.
func (r *TransactionRepository) UpdateDetails(ctx context.Context, id uint, details map[string]interface{}) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur models.Transaction
		if err := tx.Select("id", "details").First(&cur, id).Error; err != nil {
			return err
		}
		res := tx.Model(&models.Transaction{}).
			Where("id = ? AND status = ?", id, domain.TxStatusPending).
			Update("details", mergeDetails(cur.Details, details))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrGuardFailed
		}
		return nil
	})
}

func (r *TransactionRepository) AppendHistory(ctx context.Context, h *models.PaymentHistory) error {
	return r.db.WithContext(ctx).Create(h).Error
}

// CountHistory counts history rows of one status, mainly for audits.
func (r *TransactionRepository) CountHistory(ctx context.Context, id uint, status string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.PaymentHistory{}).
		Where("transaction_id = ? AND status = ?", id, status).
		Count(&n).Error
	return n, err
}

// DeleteCancelled removes a cancelled transaction owned by userID and its history.
func (r *TransactionRepository) DeleteCancelled(ctx context.Context, id, userID uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t models.Transaction
		if err := tx.Where("id = ? AND user_id = ? AND status = ?", id, userID, domain.TxStatusCancelled).First(&t).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrGuardFailed
			}
			return err
		}
		if err := tx.Where("transaction_id = ?", t.ID).Delete(&models.PaymentHistory{}).Error; err != nil {
			return err
		}
		return tx.Delete(&t).Error
	})
}

func mergeDetails(cur datatypes.JSONMap, add map[string]interface{}) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range cur {
		out[k] = v
	}
	for k, v := range add {
		out[k] = v
	}
	return out
}
