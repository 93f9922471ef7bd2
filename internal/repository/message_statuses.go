package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/sms-broadcast/internal/model"
	"github.com/jmoiron/sqlx"
)

// MessageStatusesRepository persists per-recipient send outcomes.
type MessageStatusesRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, m model.MessageStatus) (int64, error)
	FindByProviderID(ctx context.Context, providerID string) (*model.MessageStatus, error)
	// LatestOpen returns the newest non-finalized row for phone under owner.
	LatestOpen(ctx context.Context, owner model.Owner, phone string) (*model.MessageStatus, error)
	// UpdateDelivery writes reconciled state unless the row is already finalized.
	UpdateDelivery(ctx context.Context, id int64, u model.DeliveryUpdate) (bool, error)
	LatestConversation(ctx context.Context, phone string) (string, error)
	ListByOwner(ctx context.Context, owner model.Owner) ([]model.MessageStatus, error)
	// EscalationCandidates pages candidates by phone number, starting after the given one.
	EscalationCandidates(ctx context.Context, after string, limit int) ([]model.EscalationCandidate, error)
	MarkClosed(ctx context.Context, tx *sqlx.Tx, ids []int64) error
	PendingSecondJobs(ctx context.Context, phone string) ([]model.MessageStatus, error)
	ClearSecondJob(ctx context.Context, tx *sqlx.Tx, jobIDs []string) error
}

type MessageStatusesRepositoryImpl struct {
	db *sqlx.DB
}

var _ MessageStatusesRepository = (*MessageStatusesRepositoryImpl)(nil)

func NewMessageStatusesRepository(db *sqlx.DB) *MessageStatusesRepositoryImpl {
	return &MessageStatusesRepositoryImpl{db: db}
}

const statusColumns = `id, phone_number, message, is_second, broadcast_id, campaign_id, segment_id,
	provider_id, conversation_id, status, delivered_at, closed, second_job_id, created_at, updated_at`

// escalationDepth is how many consecutive non-delivered outcomes trigger escalation.
const escalationDepth = 3

func ownerClause(o model.Owner) (string, int64) {
	if o.IsCampaign() {
		return "campaign_id = ?", o.CampaignID
	}
	return "broadcast_id = ?", o.BroadcastID
}

func finalizedStatuses() []string {
	return []string{
		model.StatusDelivered.String(),
		model.StatusUndelivered.String(),
		model.StatusFailed.String(),
	}
}

func nullableID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

func (r *MessageStatusesRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, m model.MessageStatus) (int64, error) {
	const q = `
		INSERT INTO message_statuses
		    (phone_number, message, is_second, broadcast_id, campaign_id, segment_id,
		     provider_id, conversation_id, status, delivered_at, closed, second_job_id, created_at, updated_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`
	if m.Status == "" {
		m.Status = model.StatusSent
	}
	now := dbTime(time.Now())
	var id int64
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q,
			m.Phone, m.Message, m.IsSecond, m.BroadcastID, m.CampaignID, m.SegmentID,
			m.ProviderID, m.ConversationID, m.Status.String(), dbTimePtr(m.DeliveredAt), m.SecondJobID, now, now,
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

func (r *MessageStatusesRepositoryImpl) getOne(ctx context.Context, q string, args ...any) (*model.MessageStatus, error) {
	var m model.MessageStatus
	if err := r.db.GetContext(ctx, &m, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

func (r *MessageStatusesRepositoryImpl) FindByProviderID(ctx context.Context, providerID string) (*model.MessageStatus, error) {
	if providerID == "" {
		return nil, nil
	}
	q := `SELECT ` + statusColumns + ` FROM message_statuses WHERE provider_id = ? ORDER BY id DESC LIMIT 1`
	return r.getOne(ctx, q, providerID)
}

func (r *MessageStatusesRepositoryImpl) LatestOpen(ctx context.Context, owner model.Owner, phone string) (*model.MessageStatus, error) {
	clause, ownerID := ownerClause(owner)
	q, args, err := sqlx.In(`SELECT `+statusColumns+` FROM message_statuses
		WHERE `+clause+` AND phone_number = ? AND status NOT IN (?)
		ORDER BY id DESC LIMIT 1`, ownerID, phone, finalizedStatuses())
	if err != nil {
		return nil, err
	}
	return r.getOne(ctx, r.db.Rebind(q), args...)
}

func (r *MessageStatusesRepositoryImpl) UpdateDelivery(ctx context.Context, id int64, u model.DeliveryUpdate) (bool, error) {
	q, args, err := sqlx.In(`
		UPDATE message_statuses
		SET status = ?, delivered_at = ?,
		    provider_id = CASE WHEN ? <> '' THEN ? ELSE provider_id END,
		    conversation_id = CASE WHEN ? <> '' THEN ? ELSE conversation_id END,
		    updated_at = ?
		WHERE id = ? AND status NOT IN (?)
	`, u.Status.String(), dbTimePtr(u.DeliveredAt),
		u.ProviderID, u.ProviderID,
		u.ConversationID, u.ConversationID,
		dbTime(time.Now()), id, finalizedStatuses())
	if err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(q), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *MessageStatusesRepositoryImpl) LatestConversation(ctx context.Context, phone string) (string, error) {
	const q = `
		SELECT conversation_id FROM message_statuses
		WHERE phone_number = ? AND conversation_id <> ''
		ORDER BY id DESC LIMIT 1
	`
	var conv string
	if err := r.db.GetContext(ctx, &conv, q, phone); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return conv, nil
}

func (r *MessageStatusesRepositoryImpl) ListByOwner(ctx context.Context, owner model.Owner) ([]model.MessageStatus, error) {
	clause, ownerID := ownerClause(owner)
	q := `SELECT ` + statusColumns + ` FROM message_statuses WHERE ` + clause + ` ORDER BY id`
	var rows []model.MessageStatus
	if err := r.db.SelectContext(ctx, &rows, q, ownerID); err != nil {
		return nil, err
	}
	return rows, nil
}

// EscalationCandidates finds recipients whose latest three rows are all non-delivered and
// not yet closed, skipping excluded authors.
func (r *MessageStatusesRepositoryImpl) EscalationCandidates(ctx context.Context, after string, limit int) ([]model.EscalationCandidate, error) {
	if limit <= 0 {
		limit = 330
	}
	nonDelivered := make([]string, 0, len(model.NonDeliveredStatuses))
	for _, s := range model.NonDeliveredStatuses {
		nonDelivered = append(nonDelivered, s.String())
	}

	q, args, err := sqlx.In(`
		SELECT r.phone_number
		FROM (
		    SELECT ms.phone_number, ms.status, ms.closed,
		           ROW_NUMBER() OVER (PARTITION BY ms.phone_number ORDER BY ms.id DESC) AS rn
		    FROM message_statuses ms
		    LEFT JOIN authors a ON a.phone_number = ms.phone_number
		    WHERE (a.excluded IS NULL OR a.excluded = 0)
		      AND ms.phone_number > ?
		) r
		WHERE r.rn <= ?
		GROUP BY r.phone_number
		HAVING COUNT(*) = ?
		   AND SUM(CASE WHEN r.status IN (?) THEN 1 ELSE 0 END) = ?
		   AND SUM(r.closed) = 0
		ORDER BY r.phone_number
		LIMIT ?
	`, after, escalationDepth, escalationDepth, nonDelivered, escalationDepth, limit)
	if err != nil {
		return nil, err
	}
	var phones []string
	if err := r.db.SelectContext(ctx, &phones, r.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	if len(phones) == 0 {
		return nil, nil
	}

	q, args, err = sqlx.In(`
		SELECT r.id, r.phone_number, r.conversation_id
		FROM (
		    SELECT ms.id, ms.phone_number, ms.conversation_id,
		           ROW_NUMBER() OVER (PARTITION BY ms.phone_number ORDER BY ms.id DESC) AS rn
		    FROM message_statuses ms
		    WHERE ms.phone_number IN (?)
		) r
		WHERE r.rn <= ?
		ORDER BY r.phone_number, r.rn
	`, phones, escalationDepth)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		ID             int64  `db:"id"`
		Phone          string `db:"phone_number"`
		ConversationID string `db:"conversation_id"`
	}
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(q), args...); err != nil {
		return nil, err
	}

	out := make([]model.EscalationCandidate, 0, len(phones))
	idx := make(map[string]int, len(phones))
	for _, row := range rows {
		i, ok := idx[row.Phone]
		if !ok {
			i = len(out)
			idx[row.Phone] = i
			out = append(out, model.EscalationCandidate{Phone: row.Phone})
		}
		c := &out[i]
		c.StatusIDs = append(c.StatusIDs, row.ID)
		if c.ConversationID == "" {
			c.ConversationID = row.ConversationID
		}
	}
	return out, nil
}

func (r *MessageStatusesRepositoryImpl) MarkClosed(ctx context.Context, tx *sqlx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	q, args, err := sqlx.In(`UPDATE message_statuses SET closed = 1, updated_at = ? WHERE id IN (?)`, dbTime(time.Now()), ids)
	if err != nil {
		return err
	}
	q = r.db.Rebind(q)

	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, args...)
		return err
	})
}

func (r *MessageStatusesRepositoryImpl) PendingSecondJobs(ctx context.Context, phone string) ([]model.MessageStatus, error) {
	q := `SELECT ` + statusColumns + ` FROM message_statuses
		WHERE phone_number = ? AND is_second = 0 AND second_job_id <> ''
		ORDER BY id`
	var rows []model.MessageStatus
	if err := r.db.SelectContext(ctx, &rows, q, phone); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *MessageStatusesRepositoryImpl) ClearSecondJob(ctx context.Context, tx *sqlx.Tx, jobIDs []string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	q, args, err := sqlx.In(`UPDATE message_statuses SET second_job_id = '', updated_at = ? WHERE second_job_id IN (?)`, dbTime(time.Now()), jobIDs)
	if err != nil {
		return err
	}
	q = r.db.Rebind(q)

	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, args...)
		return err
	})
}
