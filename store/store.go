// Package store persists mailboxes and message metadata.
// Implementations are in store/memory, store/postgres and store/mongo.
//
// # UID and MODSEQ allocation
//
// Every mailbox carries two counters: the last UID handed out and the
// highest MODSEQ. Both only grow. An append takes the next value of both,
// a flag update takes a new MODSEQ per modified message and an expunge
// takes one new MODSEQ. UIDs are never reused, even after expunge.
//
// Allocation relies on the backend's atomic primitives rather than
// external locks:
//
//   - memory: one mutex per mailbox
//   - postgres: UPDATE ... RETURNING on the mailbox row inside the write
//     transaction
//   - mongo: FindOneAndUpdate with $inc, returning the updated document
//
// Message content is not stored here. MessageMetaData.BlobID references
// it in a blob store.
package store

import (
	"context"

	"github.com/rbaliyan/mailcore/blob"
)

// Store is the storage interface for mailboxes and their messages.
//
// All operations must be safe for concurrent use.
type Store interface {
	// Lifecycle
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	Mailboxes() MailboxMapper
	Messages() MessageMapper
}

// MailboxMapper persists mailboxes.
type MailboxMapper interface {
	// Create creates a mailbox with a random UIDValidity.
	// Returns ErrMailboxExists if the path is taken.
	Create(ctx context.Context, path MailboxPath) (Mailbox, error)

	// FindByPath returns ErrMailboxNotFound if no mailbox has path.
	FindByPath(ctx context.Context, path MailboxPath) (Mailbox, error)

	// FindByID returns ErrMailboxNotFound if no mailbox has id.
	FindByID(ctx context.Context, id MailboxID) (Mailbox, error)

	// Rename moves a mailbox to newPath. Children are not renamed.
	// Returns ErrMailboxExists if newPath is taken.
	Rename(ctx context.Context, id MailboxID, newPath MailboxPath) (Mailbox, error)

	// Delete removes a mailbox and every message in it.
	Delete(ctx context.Context, id MailboxID) error

	// List returns the private mailboxes of user ordered by name.
	List(ctx context.Context, user string) ([]Mailbox, error)

	// HasChildren reports whether a mailbox exists below path.
	HasChildren(ctx context.Context, path MailboxPath) (bool, error)
}

// MessageMapper persists message metadata.
type MessageMapper interface {
	// Append stores meta in the mailbox, allocating its UID and MODSEQ.
	// MessageID and InternalDate are filled in when empty.
	Append(ctx context.Context, mailboxID MailboxID, meta MessageMetaData) (MessageMetaData, error)

	// Get returns ErrMessageNotFound if uid is not in the mailbox.
	Get(ctx context.Context, mailboxID MailboxID, uid UID) (MessageMetaData, error)

	// List returns the messages in r in UID order. limit <= 0 means no limit.
	List(ctx context.Context, mailboxID MailboxID, r MessageRange, limit int) ([]MessageMetaData, error)

	// UpdateFlags applies flags with mode to the messages in r. Messages
	// whose flags do not change are skipped and keep their MODSEQ.
	UpdateFlags(ctx context.Context, mailboxID MailboxID, r MessageRange, flags Flags, mode FlagsUpdateMode) ([]UpdatedFlags, error)

	// Expunge removes the messages in r flagged \Deleted.
	Expunge(ctx context.Context, mailboxID MailboxID, r MessageRange) ([]MessageMetaData, error)

	// Delete removes messages regardless of their flags.
	Delete(ctx context.Context, mailboxID MailboxID, uids ...UID) error

	Count(ctx context.Context, mailboxID MailboxID) (int64, error)
	Unseen(ctx context.Context, mailboxID MailboxID) (int64, error)
	LastUID(ctx context.Context, mailboxID MailboxID) (UID, error)
	HighestModSeq(ctx context.Context, mailboxID MailboxID) (ModSeq, error)

	// ForEachBlobReference calls fn with the blob id of every stored
	// message. An id may be reported more than once.
	ForEachBlobReference(ctx context.Context, fn func(blob.ID) error) error
}
