package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rbaliyan/mailcore/blob"
	"github.com/rbaliyan/mailcore/store"
)

type messageRow struct {
	MailboxID    string         `db:"mailbox_id"`
	UID          int64          `db:"uid"`
	ModSeq       int64          `db:"modseq"`
	Flags        pq.StringArray `db:"flags"`
	Size         int64          `db:"size"`
	InternalDate time.Time      `db:"internal_date"`
	MessageID    string         `db:"message_id"`
	BlobID       string         `db:"blob_id"`
	ThreadID     string         `db:"thread_id"`
}

func (r messageRow) toMeta() store.MessageMetaData {
	return store.MessageMetaData{
		UID:          store.UID(r.UID),
		ModSeq:       store.ModSeq(r.ModSeq),
		Flags:        store.FlagsFromStrings(r.Flags),
		Size:         r.Size,
		InternalDate: r.InternalDate.UTC(),
		MessageID:    r.MessageID,
		BlobID:       blob.ID(r.BlobID),
		MailboxID:    store.MailboxID(r.MailboxID),
		ThreadID:     r.ThreadID,
	}
}

const messageColumns = `mailbox_id, uid, modseq, flags, size, internal_date, message_id, blob_id, thread_id`

type messageMapper struct{ s *Store }

// allocate bumps the counters of a mailbox and returns the new values. It
// locks the mailbox row until tx ends.
func (m messageMapper) allocate(ctx context.Context, tx *sqlx.Tx, mailboxID store.MailboxID, uids int64) (store.UID, store.ModSeq, error) {
	var last, modseq int64
	query := fmt.Sprintf(`
		UPDATE %s SET last_uid = last_uid + $2, highest_modseq = highest_modseq + 1
		WHERE id = $1
		RETURNING last_uid, highest_modseq
	`, m.s.mailboxes)
	if err := tx.QueryRowxContext(ctx, query, string(mailboxID), uids).Scan(&last, &modseq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, fmt.Errorf("%w: %s", store.ErrMailboxNotFound, mailboxID)
		}
		return 0, 0, fmt.Errorf("allocate: %w", err)
	}
	return store.UID(last), store.ModSeq(modseq), nil
}

// lockMailbox takes the mailbox row lock without allocating.
func (m messageMapper) lockMailbox(ctx context.Context, tx *sqlx.Tx, mailboxID store.MailboxID) error {
	var id string
	query := fmt.Sprintf(`SELECT id FROM %s WHERE id = $1 FOR UPDATE`, m.s.mailboxes)
	if err := tx.GetContext(ctx, &id, query, string(mailboxID)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", store.ErrMailboxNotFound, mailboxID)
		}
		return fmt.Errorf("lock mailbox: %w", err)
	}
	return nil
}

func (m messageMapper) Append(ctx context.Context, mailboxID store.MailboxID, meta store.MessageMetaData) (store.MessageMetaData, error) {
	if err := m.s.checkConnected(); err != nil {
		return store.MessageMetaData{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.s.opts.timeout)
	defer cancel()

	meta.MailboxID = mailboxID
	meta.Flags = store.NewFlags(meta.Flags...)
	if meta.MessageID == "" {
		meta.MessageID = uuid.NewString()
	}
	if meta.InternalDate.IsZero() {
		meta.InternalDate = time.Now().UTC()
	}
	meta.InternalDate = meta.InternalDate.Truncate(time.Microsecond)

	err := m.s.withTx(ctx, func(tx *sqlx.Tx) error {
		uid, modseq, err := m.allocate(ctx, tx, mailboxID, 1)
		if err != nil {
			return err
		}
		meta.UID, meta.ModSeq = uid, modseq

		query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, m.s.messages, messageColumns)
		_, err = tx.ExecContext(ctx, query,
			string(mailboxID), int64(meta.UID), int64(meta.ModSeq), pq.Array(meta.Flags.Strings()),
			meta.Size, meta.InternalDate, meta.MessageID, string(meta.BlobID), meta.ThreadID,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return store.MessageMetaData{}, err
	}
	return meta, nil
}

func (m messageMapper) Get(ctx context.Context, mailboxID store.MailboxID, uid store.UID) (store.MessageMetaData, error) {
	if err := m.s.checkConnected(); err != nil {
		return store.MessageMetaData{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.s.opts.timeout)
	defer cancel()

	var row messageRow
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE mailbox_id = $1 AND uid = $2`, messageColumns, m.s.messages)
	if err := m.s.db.GetContext(ctx, &row, query, string(mailboxID), int64(uid)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.MessageMetaData{}, fmt.Errorf("%w: %s/%d", store.ErrMessageNotFound, mailboxID, uid)
		}
		return store.MessageMetaData{}, fmt.Errorf("get message: %w", err)
	}
	return row.toMeta(), nil
}

func (m messageMapper) List(ctx context.Context, mailboxID store.MailboxID, r store.MessageRange, limit int) ([]store.MessageMetaData, error) {
	if err := m.s.checkConnected(); err != nil {
		return nil, err
	}
	if _, err := m.s.Mailboxes().FindByID(ctx, mailboxID); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.s.opts.timeout)
	defer cancel()

	from, to := r.SQLBounds()
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE mailbox_id = $1 AND uid BETWEEN $2 AND $3
		ORDER BY uid
	`, messageColumns, m.s.messages)
	args := []any{string(mailboxID), from, to}
	if limit > 0 {
		query += ` LIMIT $4`
		args = append(args, limit)
	}

	var rows []messageRow
	if err := m.s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([]store.MessageMetaData, len(rows))
	for i, row := range rows {
		out[i] = row.toMeta()
	}
	return out, nil
}

func (m messageMapper) UpdateFlags(ctx context.Context, mailboxID store.MailboxID, r store.MessageRange, flags store.Flags, mode store.FlagsUpdateMode) ([]store.UpdatedFlags, error) {
	if err := m.s.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.s.opts.timeout)
	defer cancel()

	var updated []store.UpdatedFlags
	err := m.s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := m.lockMailbox(ctx, tx, mailboxID); err != nil {
			return err
		}
		from, to := r.SQLBounds()
		var rows []messageRow
		query := fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE mailbox_id = $1 AND uid BETWEEN $2 AND $3
			ORDER BY uid
		`, messageColumns, m.s.messages)
		if err := tx.SelectContext(ctx, &rows, query, string(mailboxID), from, to); err != nil {
			return fmt.Errorf("select messages: %w", err)
		}

		update := fmt.Sprintf(`UPDATE %s SET flags = $3, modseq = $4 WHERE mailbox_id = $1 AND uid = $2`, m.s.messages)
		for _, row := range rows {
			old := store.FlagsFromStrings(row.Flags)
			next := mode.Apply(old, flags)
			if next.Equal(old) {
				continue
			}
			_, modseq, err := m.allocate(ctx, tx, mailboxID, 0)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, update, string(mailboxID), row.UID, pq.Array(next.Strings()), int64(modseq)); err != nil {
				return fmt.Errorf("update flags: %w", err)
			}
			updated = append(updated, store.UpdatedFlags{
				UID:       store.UID(row.UID),
				MessageID: row.MessageID,
				ModSeq:    modseq,
				OldFlags:  old,
				NewFlags:  next,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (m messageMapper) Expunge(ctx context.Context, mailboxID store.MailboxID, r store.MessageRange) ([]store.MessageMetaData, error) {
	if err := m.s.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.s.opts.timeout)
	defer cancel()

	var expunged []store.MessageMetaData
	err := m.s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := m.lockMailbox(ctx, tx, mailboxID); err != nil {
			return err
		}
		from, to := r.SQLBounds()
		var rows []messageRow
		query := fmt.Sprintf(`
			DELETE FROM %s
			WHERE mailbox_id = $1 AND uid BETWEEN $2 AND $3 AND $4 = ANY(flags)
			RETURNING %s
		`, m.s.messages, messageColumns)
		if err := tx.SelectContext(ctx, &rows, query, string(mailboxID), from, to, string(store.FlagDeleted)); err != nil {
			return fmt.Errorf("expunge: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if _, _, err := m.allocate(ctx, tx, mailboxID, 0); err != nil {
			return err
		}
		for _, row := range rows {
			expunged = append(expunged, row.toMeta())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByUID(expunged)
	return expunged, nil
}

func (m messageMapper) Delete(ctx context.Context, mailboxID store.MailboxID, uids ...store.UID) error {
	if err := m.s.checkConnected(); err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.s.opts.timeout)
	defer cancel()

	values := make([]int64, len(uids))
	for i, uid := range uids {
		values[i] = int64(uid)
	}
	return m.s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := m.lockMailbox(ctx, tx, mailboxID); err != nil {
			return err
		}
		query := fmt.Sprintf(`DELETE FROM %s WHERE mailbox_id = $1 AND uid = ANY($2)`, m.s.messages)
		res, err := tx.ExecContext(ctx, query, string(mailboxID), pq.Array(values))
		if err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			_, _, err = m.allocate(ctx, tx, mailboxID, 0)
		}
		return err
	})
}

func (m messageMapper) count(ctx context.Context, mailboxID store.MailboxID, where string, args ...any) (int64, error) {
	if err := m.s.checkConnected(); err != nil {
		return 0, err
	}
	if _, err := m.s.Mailboxes().FindByID(ctx, mailboxID); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.s.opts.timeout)
	defer cancel()

	var n int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE mailbox_id = $1 %s`, m.s.messages, where)
	if err := m.s.db.GetContext(ctx, &n, query, append([]any{string(mailboxID)}, args...)...); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (m messageMapper) Count(ctx context.Context, mailboxID store.MailboxID) (int64, error) {
	return m.count(ctx, mailboxID, "")
}

func (m messageMapper) Unseen(ctx context.Context, mailboxID store.MailboxID) (int64, error) {
	return m.count(ctx, mailboxID, `AND NOT ($2 = ANY(flags))`, string(store.FlagSeen))
}

type countersRow struct {
	LastUID       int64 `db:"last_uid"`
	HighestModSeq int64 `db:"highest_modseq"`
}

func (m messageMapper) counters(ctx context.Context, mailboxID store.MailboxID) (countersRow, error) {
	if err := m.s.checkConnected(); err != nil {
		return countersRow{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.s.opts.timeout)
	defer cancel()

	var row countersRow
	query := fmt.Sprintf(`SELECT last_uid, highest_modseq FROM %s WHERE id = $1`, m.s.mailboxes)
	if err := m.s.db.GetContext(ctx, &row, query, string(mailboxID)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return countersRow{}, fmt.Errorf("%w: %s", store.ErrMailboxNotFound, mailboxID)
		}
		return countersRow{}, fmt.Errorf("read counters: %w", err)
	}
	return row, nil
}

func (m messageMapper) LastUID(ctx context.Context, mailboxID store.MailboxID) (store.UID, error) {
	row, err := m.counters(ctx, mailboxID)
	return store.UID(row.LastUID), err
}

func (m messageMapper) HighestModSeq(ctx context.Context, mailboxID store.MailboxID) (store.ModSeq, error) {
	row, err := m.counters(ctx, mailboxID)
	return store.ModSeq(row.HighestModSeq), err
}

func (m messageMapper) ForEachBlobReference(ctx context.Context, fn func(blob.ID) error) error {
	if err := m.s.checkConnected(); err != nil {
		return err
	}
	rows, err := m.s.db.QueryxContext(ctx, fmt.Sprintf(`SELECT DISTINCT blob_id FROM %s`, m.s.messages))
	if err != nil {
		return fmt.Errorf("list blob references: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan blob reference: %w", err)
		}
		if err := fn(blob.ID(id)); err != nil {
			return err
		}
	}
	return rows.Err()
}
