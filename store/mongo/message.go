package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/mailcore/blob"
	"github.com/rbaliyan/mailcore/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

type messageDoc struct {
	MailboxID    string    `bson:"mailbox_id"`
	UID          int64     `bson:"uid"`
	ModSeq       int64     `bson:"modseq"`
	Flags        []string  `bson:"flags"`
	Size         int64     `bson:"size"`
	InternalDate time.Time `bson:"internal_date"`
	MessageID    string    `bson:"message_id"`
	BlobID       string    `bson:"blob_id"`
	ThreadID     string    `bson:"thread_id,omitempty"`
}

func (d messageDoc) toMeta() store.MessageMetaData {
	return store.MessageMetaData{
		UID:          store.UID(d.UID),
		ModSeq:       store.ModSeq(d.ModSeq),
		Flags:        store.FlagsFromStrings(d.Flags),
		Size:         d.Size,
		InternalDate: d.InternalDate.UTC(),
		MessageID:    d.MessageID,
		BlobID:       blob.ID(d.BlobID),
		MailboxID:    store.MailboxID(d.MailboxID),
		ThreadID:     d.ThreadID,
	}
}

func rangeFilter(mailboxID store.MailboxID, r store.MessageRange) bson.M {
	from, to := r.SQLBounds()
	return bson.M{"mailbox_id": string(mailboxID), "uid": bson.M{"$gte": from, "$lte": to}}
}

type messageMapper struct{ s *Store }

// allocate adds uids to the mailbox's last UID and takes a new MODSEQ.
func (m messageMapper) allocate(ctx context.Context, mailboxID store.MailboxID, uids int64) (store.UID, store.ModSeq, error) {
	update := bson.M{"$inc": bson.M{"last_uid": uids, "highest_modseq": int64(1)}}
	opts := mongoopts.FindOneAndUpdate().SetReturnDocument(mongoopts.After)
	var doc mailboxDoc
	if err := m.s.mailboxes.FindOneAndUpdate(ctx, bson.M{"_id": string(mailboxID)}, update, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, 0, fmt.Errorf("%w: %s", store.ErrMailboxNotFound, mailboxID)
		}
		return 0, 0, fmt.Errorf("allocate: %w", err)
	}
	return store.UID(doc.LastUID), store.ModSeq(doc.HighestModSeq), nil
}

func (m messageMapper) mailbox(ctx context.Context, mailboxID store.MailboxID) (mailboxDoc, error) {
	return mailboxMapper(m).findOne(ctx, bson.M{"_id": string(mailboxID)}, string(mailboxID))
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
	// Mongo keeps milliseconds.
	meta.InternalDate = meta.InternalDate.Truncate(time.Millisecond)

	uid, modseq, err := m.allocate(ctx, mailboxID, 1)
	if err != nil {
		return store.MessageMetaData{}, err
	}
	meta.UID, meta.ModSeq = uid, modseq

	doc := messageDoc{
		MailboxID:    string(mailboxID),
		UID:          int64(uid),
		ModSeq:       int64(modseq),
		Flags:        meta.Flags.Strings(),
		Size:         meta.Size,
		InternalDate: meta.InternalDate,
		MessageID:    meta.MessageID,
		BlobID:       string(meta.BlobID),
		ThreadID:     meta.ThreadID,
	}
	if _, err := m.s.messages.InsertOne(ctx, doc); err != nil {
		m.s.logger.Warn("uid allocated but message not stored", "mailbox", mailboxID, "uid", uid, "error", err)
		return store.MessageMetaData{}, fmt.Errorf("insert message: %w", err)
	}
	return meta, nil
}

func (m messageMapper) Get(ctx context.Context, mailboxID store.MailboxID, uid store.UID) (store.MessageMetaData, error) {
	if err := m.s.checkConnected(); err != nil {
		return store.MessageMetaData{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.s.opts.timeout)
	defer cancel()

	var doc messageDoc
	err := m.s.messages.FindOne(ctx, bson.M{"mailbox_id": string(mailboxID), "uid": int64(uid)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return store.MessageMetaData{}, fmt.Errorf("%w: %s/%d", store.ErrMessageNotFound, mailboxID, uid)
		}
		return store.MessageMetaData{}, fmt.Errorf("get message: %w", err)
	}
	return doc.toMeta(), nil
}

func (m messageMapper) find(ctx context.Context, filter bson.M, limit int) ([]messageDoc, error) {
	opts := mongoopts.Find().SetSort(bson.D{{Key: "uid", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := m.s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return docs, nil
}

func (m messageMapper) List(ctx context.Context, mailboxID store.MailboxID, r store.MessageRange, limit int) ([]store.MessageMetaData, error) {
	if _, err := m.mailbox(ctx, mailboxID); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.s.opts.timeout)
	defer cancel()

	docs, err := m.find(ctx, rangeFilter(mailboxID, r), limit)
	if err != nil {
		return nil, err
	}
	out := make([]store.MessageMetaData, len(docs))
	for i, d := range docs {
		out[i] = d.toMeta()
	}
	return out, nil
}

// UpdateFlags writes each message conditionally on the MODSEQ it was read
// with and reloads it when another writer got there first.
func (m messageMapper) UpdateFlags(ctx context.Context, mailboxID store.MailboxID, r store.MessageRange, flags store.Flags, mode store.FlagsUpdateMode) ([]store.UpdatedFlags, error) {
	if _, err := m.mailbox(ctx, mailboxID); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.s.opts.timeout)
	defer cancel()

	docs, err := m.find(ctx, rangeFilter(mailboxID, r), 0)
	if err != nil {
		return nil, err
	}
	var updated []store.UpdatedFlags
	for _, doc := range docs {
		u, changed, err := m.updateOne(ctx, mailboxID, doc, flags, mode)
		if err != nil {
			return updated, err
		}
		if changed {
			updated = append(updated, u)
		}
	}
	return updated, nil
}

func (m messageMapper) updateOne(ctx context.Context, mailboxID store.MailboxID, doc messageDoc, flags store.Flags, mode store.FlagsUpdateMode) (store.UpdatedFlags, bool, error) {
	for range defaultFlagUpdateAttempts {
		old := store.FlagsFromStrings(doc.Flags)
		next := mode.Apply(old, flags)
		if next.Equal(old) {
			return store.UpdatedFlags{}, false, nil
		}
		_, modseq, err := m.allocate(ctx, mailboxID, 0)
		if err != nil {
			return store.UpdatedFlags{}, false, err
		}
		filter := bson.M{"mailbox_id": string(mailboxID), "uid": doc.UID, "modseq": doc.ModSeq}
		update := bson.M{"$set": bson.M{"flags": next.Strings(), "modseq": int64(modseq)}}
		res, err := m.s.messages.UpdateOne(ctx, filter, update)
		if err != nil {
			return store.UpdatedFlags{}, false, fmt.Errorf("update flags: %w", err)
		}
		if res.MatchedCount == 1 {
			return store.UpdatedFlags{
				UID:       store.UID(doc.UID),
				MessageID: doc.MessageID,
				ModSeq:    modseq,
				OldFlags:  old,
				NewFlags:  next,
			}, true, nil
		}

		err = m.s.messages.FindOne(ctx, bson.M{"mailbox_id": string(mailboxID), "uid": doc.UID}).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return store.UpdatedFlags{}, false, nil
		}
		if err != nil {
			return store.UpdatedFlags{}, false, fmt.Errorf("reload message: %w", err)
		}
	}
	return store.UpdatedFlags{}, false, fmt.Errorf("update flags of %s/%d: too many concurrent writers", mailboxID, doc.UID)
}

func (m messageMapper) Expunge(ctx context.Context, mailboxID store.MailboxID, r store.MessageRange) ([]store.MessageMetaData, error) {
	if _, err := m.mailbox(ctx, mailboxID); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.s.opts.timeout)
	defer cancel()

	filter := rangeFilter(mailboxID, r)
	filter["flags"] = string(store.FlagDeleted)
	candidates, err := m.find(ctx, filter, 0)
	if err != nil {
		return nil, err
	}

	var expunged []store.MessageMetaData
	for _, c := range candidates {
		var doc messageDoc
		err := m.s.messages.FindOneAndDelete(ctx, bson.M{
			"mailbox_id": string(mailboxID),
			"uid":        c.UID,
			"flags":      string(store.FlagDeleted),
		}).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			continue
		}
		if err != nil {
			return expunged, fmt.Errorf("expunge: %w", err)
		}
		expunged = append(expunged, doc.toMeta())
	}
	if len(expunged) > 0 {
		if _, _, err := m.allocate(ctx, mailboxID, 0); err != nil {
			return expunged, err
		}
	}
	return expunged, nil
}

func (m messageMapper) Delete(ctx context.Context, mailboxID store.MailboxID, uids ...store.UID) error {
	if _, err := m.mailbox(ctx, mailboxID); err != nil {
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
	res, err := m.s.messages.DeleteMany(ctx, bson.M{"mailbox_id": string(mailboxID), "uid": bson.M{"$in": values}})
	if err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if res.DeletedCount > 0 {
		_, _, err = m.allocate(ctx, mailboxID, 0)
	}
	return err
}

func (m messageMapper) count(ctx context.Context, mailboxID store.MailboxID, filter bson.M) (int64, error) {
	if _, err := m.mailbox(ctx, mailboxID); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.s.opts.timeout)
	defer cancel()

	filter["mailbox_id"] = string(mailboxID)
	n, err := m.s.messages.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (m messageMapper) Count(ctx context.Context, mailboxID store.MailboxID) (int64, error) {
	return m.count(ctx, mailboxID, bson.M{})
}

func (m messageMapper) Unseen(ctx context.Context, mailboxID store.MailboxID) (int64, error) {
	return m.count(ctx, mailboxID, bson.M{"flags": bson.M{"$ne": string(store.FlagSeen)}})
}

func (m messageMapper) LastUID(ctx context.Context, mailboxID store.MailboxID) (store.UID, error) {
	doc, err := m.mailbox(ctx, mailboxID)
	return store.UID(doc.LastUID), err
}

func (m messageMapper) HighestModSeq(ctx context.Context, mailboxID store.MailboxID) (store.ModSeq, error) {
	doc, err := m.mailbox(ctx, mailboxID)
	return store.ModSeq(doc.HighestModSeq), err
}

func (m messageMapper) ForEachBlobReference(ctx context.Context, fn func(blob.ID) error) error {
	if err := m.s.checkConnected(); err != nil {
		return err
	}
	opts := mongoopts.Find().SetProjection(bson.M{"blob_id": 1, "_id": 0})
	cursor, err := m.s.messages.Find(ctx, bson.M{}, opts)
	if err != nil {
		return fmt.Errorf("list blob references: %w", err)
	}
	defer cursor.Close(ctx)
	for cursor.Next(ctx) {
		var doc struct {
			BlobID string `bson:"blob_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return fmt.Errorf("decode blob reference: %w", err)
		}
		if err := fn(blob.ID(doc.BlobID)); err != nil {
			return err
		}
	}
	return cursor.Err()
}
