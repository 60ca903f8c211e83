package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/rbaliyan/mailcore/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

type mailboxDoc struct {
	ID            string            `bson:"_id"`
	Namespace     string            `bson:"namespace"`
	User          string            `bson:"user"`
	Name          string            `bson:"name"`
	UIDValidity   int64             `bson:"uid_validity"`
	LastUID       int64             `bson:"last_uid"`
	HighestModSeq int64             `bson:"highest_modseq"`
	ACL           map[string]string `bson:"acl,omitempty"`
}

func (d mailboxDoc) toMailbox() store.Mailbox {
	return store.Mailbox{
		ID:          store.MailboxID(d.ID),
		Path:        store.MailboxPath{Namespace: d.Namespace, User: d.User, Name: d.Name},
		UIDValidity: store.UIDValidity(d.UIDValidity),
		ACL:         d.ACL,
	}
}

func pathFilter(path store.MailboxPath) bson.M {
	return bson.M{"namespace": path.Namespace, "user": path.User, "name": path.Name}
}

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

	doc := mailboxDoc{
		ID:          string(store.NewMailboxID()),
		Namespace:   path.Namespace,
		User:        path.User,
		Name:        path.Name,
		UIDValidity: int64(store.NewUIDValidity()),
	}
	if _, err := m.s.mailboxes.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.Mailbox{}, fmt.Errorf("%w: %s", store.ErrMailboxExists, path)
		}
		return store.Mailbox{}, fmt.Errorf("insert mailbox: %w", err)
	}
	return doc.toMailbox(), nil
}

func (m mailboxMapper) findOne(ctx context.Context, filter bson.M, what string) (mailboxDoc, error) {
	if err := m.s.checkConnected(); err != nil {
		return mailboxDoc{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.s.opts.timeout)
	defer cancel()

	var doc mailboxDoc
	if err := m.s.mailboxes.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return mailboxDoc{}, fmt.Errorf("%w: %s", store.ErrMailboxNotFound, what)
		}
		return mailboxDoc{}, fmt.Errorf("find mailbox: %w", err)
	}
	return doc, nil
}

func (m mailboxMapper) FindByPath(ctx context.Context, path store.MailboxPath) (store.Mailbox, error) {
	doc, err := m.findOne(ctx, pathFilter(path), path.String())
	if err != nil {
		return store.Mailbox{}, err
	}
	return doc.toMailbox(), nil
}

func (m mailboxMapper) FindByID(ctx context.Context, id store.MailboxID) (store.Mailbox, error) {
	doc, err := m.findOne(ctx, bson.M{"_id": string(id)}, string(id))
	if err != nil {
		return store.Mailbox{}, err
	}
	return doc.toMailbox(), nil
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

	update := bson.M{"$set": bson.M{"namespace": newPath.Namespace, "user": newPath.User, "name": newPath.Name}}
	opts := mongoopts.FindOneAndUpdate().SetReturnDocument(mongoopts.After)
	var doc mailboxDoc
	err := m.s.mailboxes.FindOneAndUpdate(ctx, bson.M{"_id": string(id)}, update, opts).Decode(&doc)
	switch {
	case err == nil:
		return doc.toMailbox(), nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return store.Mailbox{}, fmt.Errorf("%w: %s", store.ErrMailboxNotFound, id)
	case mongo.IsDuplicateKeyError(err):
		return store.Mailbox{}, fmt.Errorf("%w: %s", store.ErrMailboxExists, newPath)
	default:
		return store.Mailbox{}, fmt.Errorf("rename mailbox: %w", err)
	}
}

// Delete removes the mailbox first so concurrent appends fail, then its
// messages.
func (m mailboxMapper) Delete(ctx context.Context, id store.MailboxID) error {
	if err := m.s.checkConnected(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.s.opts.timeout)
	defer cancel()

	if _, err := m.s.mailboxes.DeleteOne(ctx, bson.M{"_id": string(id)}); err != nil {
		return fmt.Errorf("delete mailbox: %w", err)
	}
	if _, err := m.s.messages.DeleteMany(ctx, bson.M{"mailbox_id": string(id)}); err != nil {
		return fmt.Errorf("delete mailbox messages: %w", err)
	}
	return nil
}

func (m mailboxMapper) List(ctx context.Context, user string) ([]store.Mailbox, error) {
	if err := m.s.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.s.opts.timeout)
	defer cancel()

	filter := bson.M{"namespace": store.PrivateNamespace, "user": user}
	cursor, err := m.s.mailboxes.Find(ctx, filter, mongoopts.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}
	var docs []mailboxDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode mailboxes: %w", err)
	}
	out := make([]store.Mailbox, len(docs))
	for i, d := range docs {
		out[i] = d.toMailbox()
	}
	return out, nil
}

func (m mailboxMapper) HasChildren(ctx context.Context, path store.MailboxPath) (bool, error) {
	if err := m.s.checkConnected(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.s.opts.timeout)
	defer cancel()

	filter := bson.M{
		"namespace": path.Namespace,
		"user":      path.User,
		"name":      bson.Regex{Pattern: "^" + regexp.QuoteMeta(path.Name+store.Delimiter)},
	}
	n, err := m.s.mailboxes.CountDocuments(ctx, filter, mongoopts.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("count children: %w", err)
	}
	return n > 0, nil
}
