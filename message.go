package mailcore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/rbaliyan/mailcore/blob"
	"github.com/rbaliyan/mailcore/quota"
	"github.com/rbaliyan/mailcore/store"
	"go.opentelemetry.io/otel/attribute"
)

// AppendCommand describes a message to append.
type AppendCommand struct {
	// Content is the RFC 5322 message. It is read once.
	Content io.Reader
	Flags   store.Flags
	// InternalDate defaults to the time of the append.
	InternalDate time.Time
	ThreadID     string
}

// ComposedMessageID locates an appended message.
type ComposedMessageID struct {
	MailboxID store.MailboxID
	MessageID string
	UID       store.UID
	ModSeq    store.ModSeq
}

// Message is a stored message with its content.
type Message struct {
	store.MessageMetaData
	Content []byte
}

// Append stores cmd in mailbox. Content is written to the blob store
// before the UID is allocated, so a failed append may leave an orphan blob
// for the garbage collector.
func (s *Session) Append(ctx context.Context, mailbox string, cmd AppendCommand) (id ComposedMessageID, err error) {
	if err := s.checkAccess(); err != nil {
		return ComposedMessageID{}, err
	}
	if cmd.Content == nil {
		return ComposedMessageID{}, ErrEmptyContent
	}
	svc := s.service
	ctx, done := svc.otel.instrument(ctx, opAppend, attribute.String("mailbox", mailbox))
	defer func() { done(err) }()

	if err := svc.appendSem.Acquire(ctx, 1); err != nil {
		return ComposedMessageID{}, err
	}
	defer svc.appendSem.Release(1)
	if !svc.IsConnected() {
		return ComposedMessageID{}, ErrNotConnected
	}

	mb, err := s.mailbox(ctx, mailbox)
	if err != nil {
		return ComposedMessageID{}, err
	}
	if err := svc.plugins.beforeAppend(ctx, s.user, mb.Path, &cmd); err != nil {
		return ComposedMessageID{}, err
	}

	content, err := readContent(cmd.Content, svc.opts.maxMessageSize)
	if err != nil {
		return ComposedMessageID{}, err
	}
	size := int64(len(content))

	if err := svc.quota.CheckAddition(ctx, quota.ForUser(s.user), 1, quota.SizeUsage(size)); err != nil {
		return ComposedMessageID{}, err
	}

	blobID, err := svc.blobs.Save(ctx, svc.blobs.DefaultBucket(), content, blob.SizeBased)
	if err != nil {
		return ComposedMessageID{}, fmt.Errorf("save content: %w", err)
	}

	meta, err := svc.store.Messages().Append(ctx, mb.ID, store.MessageMetaData{
		Flags:        cmd.Flags,
		Size:         size,
		InternalDate: cmd.InternalDate,
		BlobID:       blobID,
		ThreadID:     cmd.ThreadID,
	})
	if err != nil {
		return ComposedMessageID{}, translate(err)
	}
	svc.logger.Debug("message appended",
		"user", s.user, "mailbox", mb.Path.String(), "uid", meta.UID, "size", size, "blob_id", blobID)

	if err := svc.dispatch(ctx, Added{
		MailboxEvent: s.event(mb),
		Messages:     []store.MessageMetaData{meta},
		IsAppended:   true,
	}, mb.ID); err != nil {
		return ComposedMessageID{}, err
	}

	id = ComposedMessageID{MailboxID: mb.ID, MessageID: meta.MessageID, UID: meta.UID, ModSeq: meta.ModSeq}
	svc.plugins.afterAppend(ctx, s.user, mb.Path, id)
	svc.otel.recordAppended(ctx, size)
	return id, nil
}

// readContent buffers r, failing when it holds more than limit bytes.
func readContent(r io.Reader, limit int64) ([]byte, error) {
	var buf bytes.Buffer
	// One byte past limit tells a full message from an overlong one.
	read := limit
	if read < math.MaxInt64 {
		read++
	}
	n, err := buf.ReadFrom(io.LimitReader(r, read))
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	if n > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrMessageTooLarge, limit)
	}
	if n == 0 {
		return nil, ErrEmptyContent
	}
	return buf.Bytes(), nil
}

// Get returns the message uid of mailbox with its content.
func (s *Session) Get(ctx context.Context, mailbox string, uid store.UID) (msg Message, err error) {
	if err := s.checkAccess(); err != nil {
		return Message{}, err
	}
	svc := s.service
	ctx, done := svc.otel.instrument(ctx, opGet)
	defer func() { done(err) }()

	mb, err := s.mailbox(ctx, mailbox)
	if err != nil {
		return Message{}, err
	}
	meta, err := svc.store.Messages().Get(ctx, mb.ID, uid)
	if err != nil {
		return Message{}, translate(err)
	}
	content, err := svc.blobs.ReadBytes(ctx, svc.blobs.DefaultBucket(), meta.BlobID, blob.SizeBased)
	if err != nil {
		return Message{}, fmt.Errorf("read content of uid %d: %w", uid, err)
	}
	return Message{MessageMetaData: meta, Content: content}, nil
}

// List returns the metadata of the messages in r, at most the configured
// list limit.
func (s *Session) List(ctx context.Context, mailbox string, r store.MessageRange) (msgs []store.MessageMetaData, err error) {
	if err := s.checkAccess(); err != nil {
		return nil, err
	}
	ctx, done := s.service.otel.instrument(ctx, opList)
	defer func() { done(err) }()

	mb, err := s.mailbox(ctx, mailbox)
	if err != nil {
		return nil, err
	}
	msgs, err = s.service.store.Messages().List(ctx, mb.ID, r, s.service.opts.listLimit)
	return msgs, translate(err)
}

// SetFlags applies flags with mode to the messages in r and returns the
// changed ones.
func (s *Session) SetFlags(ctx context.Context, mailbox string, r store.MessageRange, flags store.Flags, mode store.FlagsUpdateMode) (updated []store.UpdatedFlags, err error) {
	if err := s.checkAccess(); err != nil {
		return nil, err
	}
	ctx, done := s.service.otel.instrument(ctx, opSetFlags)
	defer func() { done(err) }()

	mb, err := s.mailbox(ctx, mailbox)
	if err != nil {
		return nil, err
	}
	updated, err = s.service.store.Messages().UpdateFlags(ctx, mb.ID, r, flags, mode)
	if err != nil {
		return nil, translate(err)
	}
	if err := s.service.dispatch(ctx, FlagsUpdated{MailboxEvent: s.event(mb), Updated: updated}, mb.ID); err != nil {
		return updated, err
	}
	return updated, nil
}

// Expunge removes the messages in r flagged \Deleted. Their content stays
// in the blob store until garbage collected.
func (s *Session) Expunge(ctx context.Context, mailbox string, r store.MessageRange) (expunged []store.UID, err error) {
	if err := s.checkAccess(); err != nil {
		return nil, err
	}
	ctx, done := s.service.otel.instrument(ctx, opExpunge)
	defer func() { done(err) }()

	mb, err := s.mailbox(ctx, mailbox)
	if err != nil {
		return nil, err
	}
	removed, err := s.service.store.Messages().Expunge(ctx, mb.ID, r)
	if err != nil {
		return nil, translate(err)
	}
	if len(removed) > 0 {
		s.service.logger.Debug("messages expunged", "user", s.user, "mailbox", mb.Path.String(), "count", len(removed))
	}
	if err := s.service.dispatch(ctx, Expunged{MailboxEvent: s.event(mb), Messages: removed}, mb.ID); err != nil {
		return uids(removed), err
	}
	return uids(removed), nil
}

// Copy copies the messages in r from one mailbox to another. Copies share
// the blobs of their originals. It returns the new UIDs in source order.
func (s *Session) Copy(ctx context.Context, from, to string, r store.MessageRange) (copied []store.UID, err error) {
	if err := s.checkAccess(); err != nil {
		return nil, err
	}
	ctx, done := s.service.otel.instrument(ctx, opCopy)
	defer func() { done(err) }()

	_, dst, _, added, err := s.transfer(ctx, from, to, r, false)
	if dispatchErr := s.dispatchAdded(ctx, dst, added, false); err == nil {
		err = dispatchErr
	}
	return uids(added), err
}

// Move moves the messages in r from one mailbox to another. It returns the
// new UIDs in source order.
func (s *Session) Move(ctx context.Context, from, to string, r store.MessageRange) (moved []store.UID, err error) {
	if err := s.checkAccess(); err != nil {
		return nil, err
	}
	ctx, done := s.service.otel.instrument(ctx, opMove)
	defer func() { done(err) }()

	src, dst, sources, added, err := s.transfer(ctx, from, to, r, true)
	if dispatchErr := s.dispatchAdded(ctx, dst, added, true); err == nil {
		err = dispatchErr
	}
	if len(added) == 0 {
		return nil, err
	}
	// Only the messages that reached the target leave the source.
	sources = sources[:len(added)]
	if delErr := s.service.store.Messages().Delete(ctx, src.ID, uids(sources)...); delErr != nil {
		return uids(added), translate(delErr)
	}
	if dispatchErr := s.service.dispatch(ctx, Expunged{MailboxEvent: s.event(src), Messages: sources, IsMoved: true}, src.ID); err == nil {
		err = dispatchErr
	}
	return uids(added), err
}

// transfer appends copies of the messages in r of from to to. On failure,
// added holds the copies that were stored. A move leaves usage unchanged
// and skips the quota check.
func (s *Session) transfer(ctx context.Context, from, to string, r store.MessageRange, move bool) (src, dst store.Mailbox, sources, added []store.MessageMetaData, err error) {
	svc := s.service
	src, err = s.mailbox(ctx, from)
	if err != nil {
		return src, dst, nil, nil, err
	}
	dst, err = s.mailbox(ctx, to)
	if err != nil {
		return src, dst, nil, nil, err
	}
	if src.ID == dst.ID {
		return src, dst, nil, nil, fmt.Errorf("%w: source and target are the same mailbox", ErrInvalidPath)
	}

	messages := svc.store.Messages()
	sources, err = messages.List(ctx, src.ID, r, 0)
	if err != nil {
		return src, dst, nil, nil, translate(err)
	}
	if len(sources) == 0 {
		return src, dst, nil, nil, nil
	}
	if !move {
		err := svc.quota.CheckAddition(ctx, quota.ForUser(s.user), quota.CountUsage(len(sources)), quota.SizeUsage(totalSize(sources)))
		if err != nil {
			return src, dst, sources, nil, err
		}
	}

	added = make([]store.MessageMetaData, 0, len(sources))
	for _, m := range sources {
		meta, err := messages.Append(ctx, dst.ID, store.MessageMetaData{
			Flags:        m.Flags,
			Size:         m.Size,
			InternalDate: m.InternalDate,
			MessageID:    m.MessageID,
			BlobID:       m.BlobID,
			ThreadID:     m.ThreadID,
		})
		if err != nil {
			return src, dst, sources, added, translate(err)
		}
		added = append(added, meta)
	}
	svc.logger.Debug("messages transferred",
		"user", s.user, "from", src.Path.String(), "to", dst.Path.String(), "count", len(added), "move", move)
	return src, dst, sources, added, nil
}

// dispatchAdded announces the copies of a transfer. Without copies it does
// nothing.
func (s *Session) dispatchAdded(ctx context.Context, mb store.Mailbox, added []store.MessageMetaData, move bool) error {
	if len(added) == 0 {
		return nil
	}
	return s.service.dispatch(ctx, Added{MailboxEvent: s.event(mb), Messages: added, IsMoved: move}, mb.ID)
}
