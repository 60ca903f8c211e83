package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rbaliyan/mailcore/store"
)

type mailboxRow struct {
	ID          string         `db:"id"`
	Namespace   string         `db:"namespace"`
	Username    string         `db:"username"`
	Name        string         `db:"name"`
	UIDValidity int64          `db:"uid_validity"`
	ACL         sql.NullString `db:"acl"`
}

func (r mailboxRow) toMailbox() (store.Mailbox, error) {
	mb := store.Mailbox{
		ID:          store.MailboxID(r.ID),
		Path:        store.MailboxPath{Namespace: r.Namespace, User: r.Username, Name: r.Name},
		UIDValidity: store.UIDValidity(r.UIDValidity),
	}
	if r.ACL.Valid && r.ACL.String != "" && r.ACL.String != "null" {
		if err := json.Unmarshal([]byte(r.ACL.String), &mb.ACL); err != nil {
			return store.Mailbox{}, fmt.Errorf("decode acl of %s: %w", r.ID, err)
		}
	}
	return mb, nil
}

const mailboxColumns = `id, namespace, username, name, uid_validity, acl`

type mailboxMapper struct{ s *Store }

func (m mailboxMapper) Create(ctx context.Context, path store.MailboxPath) (store.Mailbox, error) {
	if err := m.s.checkConnected(); err != nil {
		return store.Mailbox{}, err
	}
	if err := path.Validate(); err != nil {
		return store.Mailbox{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.s.opts.timeout)
	defer cancel()

	mb := store.Mailbox{ID: store.NewMailboxID(), Path: path, UIDValidity: store.NewUIDValidity()}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, namespace, username, name, uid_validity)
		VALUES ($1, $2, $3, $4, $5)
	`, m.s.mailboxes)
	if _, err := m.s.db.ExecContext(ctx, query, string(mb.ID), path.Namespace, path.User, path.Name, int64(mb.UIDValidity)); err != nil {
		if isUniqueViolation(err) {
			return store.Mailbox{}, fmt.Errorf("%w: %s", store.ErrMailboxExists, path)
		}
		return store.Mailbox{}, fmt.Errorf("insert mailbox: %w", err)
	}
	return mb, nil
}

func (m mailboxMapper) findOne(ctx context.Context, where string, args ...any) (store.Mailbox, error) {
	ctx, cancel := context.WithTimeout(ctx, m.s.opts.timeout)
	defer cancel()

	var row mailboxRow
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s`, mailboxColumns, m.s.mailboxes, where)
	if err := m.s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Mailbox{}, store.ErrMailboxNotFound
		}
		return store.Mailbox{}, fmt.Errorf("find mailbox: %w", err)
	}
	return row.toMailbox()
}

func (m mailboxMapper) FindByPath(ctx context.Context, path store.MailboxPath) (store.Mailbox, error) {
	if err := m.s.checkConnected(); err != nil {
		return store.Mailbox{}, err
	}
	mb, err := m.findOne(ctx, `namespace = $1 AND username = $2 AND name = $3`, path.Namespace, path.User, path.Name)
	if errors.Is(err, store.ErrMailboxNotFound) {
		return store.Mailbox{}, fmt.Errorf("%w: %s", store.ErrMailboxNotFound, path)
	}
	return mb, err
}

func (m mailboxMapper) FindByID(ctx context.Context, id store.MailboxID) (store.Mailbox, error) {
	if err := m.s.checkConnected(); err != nil {
		return store.Mailbox{}, err
	}
	mb, err := m.findOne(ctx, `id = $1`, string(id))
	if errors.Is(err, store.ErrMailboxNotFound) {
		return store.Mailbox{}, fmt.Errorf("%w: %s", store.ErrMailboxNotFound, id)
	}
	return mb, err
}

func (m mailboxMapper) Rename(ctx context.Context, id store.MailboxID, newPath store.MailboxPath) (store.Mailbox, error) {
	if err := m.s.checkConnected(); err != nil {
		return store.Mailbox{}, err
	}
	if err := newPath.Validate(); err != nil {
		return store.Mailbox{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.s.opts.timeout)
	defer cancel()

	var row mailboxRow
	query := fmt.Sprintf(`
		UPDATE %s SET namespace = $2, username = $3, name = $4
		WHERE id = $1
		RETURNING %s
	`, m.s.mailboxes, mailboxColumns)
	err := m.s.db.GetContext(ctx, &row, query, string(id), newPath.Namespace, newPath.User, newPath.Name)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return store.Mailbox{}, fmt.Errorf("%w: %s", store.ErrMailboxNotFound, id)
	case isUniqueViolation(err):
		return store.Mailbox{}, fmt.Errorf("%w: %s", store.ErrMailboxExists, newPath)
	case err != nil:
		return store.Mailbox{}, fmt.Errorf("rename mailbox: %w", err)
	}
	return row.toMailbox()
}

func (m mailboxMapper) Delete(ctx context.Context, id store.MailboxID) error {
	if err := m.s.checkConnected(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.s.opts.timeout)
	defer cancel()

	// Messages go with the mailbox through ON DELETE CASCADE.
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, m.s.mailboxes)
	if _, err := m.s.db.ExecContext(ctx, query, string(id)); err != nil {
		return fmt.Errorf("delete mailbox: %w", err)
	}
	return nil
}

func (m mailboxMapper) List(ctx context.Context, user string) ([]store.Mailbox, error) {
	if err := m.s.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.s.opts.timeout)
	defer cancel()

	var rows []mailboxRow
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE namespace = $1 AND username = $2
		ORDER BY name COLLATE "C"
	`, mailboxColumns, m.s.mailboxes)
	if err := m.s.db.SelectContext(ctx, &rows, query, store.PrivateNamespace, user); err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}
	out := make([]store.Mailbox, 0, len(rows))
	for _, r := range rows {
		mb, err := r.toMailbox()
		if err != nil {
			return nil, err
		}
		out = append(out, mb)
	}
	return out, nil
}

// likeEscaper escapes LIKE metacharacters.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (m mailboxMapper) HasChildren(ctx context.Context, path store.MailboxPath) (bool, error) {
	if err := m.s.checkConnected(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.s.opts.timeout)
	defer cancel()

	var exists bool
	query := fmt.Sprintf(`
		SELECT EXISTS (
			SELECT 1 FROM %s
			WHERE namespace = $1 AND username = $2 AND name LIKE $3 ESCAPE '\'
		)
	`, m.s.mailboxes)
	pattern := likeEscaper.Replace(path.Name+store.Delimiter) + "%"
	if err := m.s.db.GetContext(ctx, &exists, query, path.Namespace, path.User, pattern); err != nil {
		return false, fmt.Errorf("has children: %w", err)
	}
	return exists, nil
}
