// Package mongo provides a MongoDB implementation of store.Store.
//
// Mailbox documents carry the last_uid and highest_modseq counters and are
// bumped with FindOneAndUpdate and $inc before the message documents are
// written. Standalone servers are supported: no multi-document
// transactions are used.
package mongo

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/rbaliyan/mailcore/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using MongoDB.
type Store struct {
	client    *mongo.Client
	db        *mongo.Database
	mailboxes *mongo.Collection
	messages  *mongo.Collection
	opts      *options
	connected int32
	logger    *slog.Logger
}

// New creates a new MongoDB store with the provided client.
// Call Connect() to initialize the collections and indexes.
func New(client *mongo.Client, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		client: client,
		opts:   o,
		logger: o.logger,
	}
}

// Connect initializes the database, collections, and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	if s.client == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("mongo: client is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.client.Ping(ctx, nil); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("mongo ping: %w", err)
	}

	s.db = s.client.Database(s.opts.database)
	s.mailboxes = s.db.Collection(s.opts.mailboxCollection)
	s.messages = s.db.Collection(s.opts.messageCollection)

	if err := s.ensureIndexes(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure indexes: %w", err)
	}

	s.logger.Info("connected to MongoDB", "database", s.opts.database,
		"mailboxes", s.opts.mailboxCollection, "messages", s.opts.messageCollection)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the MongoDB client.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

// ensureIndexes creates required indexes. Uniqueness of paths and of UIDs
// within a mailbox is enforced here, so failures abort Connect.
func (s *Store) ensureIndexes(ctx context.Context) error {
	mailboxIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "namespace", Value: 1},
				{Key: "user", Value: 1},
				{Key: "name", Value: 1},
			},
			Options: mongoopts.Index().SetUnique(true),
		},
	}
	if _, err := s.mailboxes.Indexes().CreateMany(ctx, mailboxIndexes); err != nil {
		return fmt.Errorf("mailbox indexes: %w", err)
	}

	messageIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "mailbox_id", Value: 1},
				{Key: "uid", Value: 1},
			},
			Options: mongoopts.Index().SetUnique(true),
		},
	}
	if _, err := s.messages.Indexes().CreateMany(ctx, messageIndexes); err != nil {
		return fmt.Errorf("message indexes: %w", err)
	}

	// Only speeds up blob reference scans.
	blobIndex := mongo.IndexModel{Keys: bson.D{{Key: "blob_id", Value: 1}}}
	if _, err := s.messages.Indexes().CreateOne(ctx, blobIndex); err != nil {
		s.logger.Warn("failed to create index", "error", err, "index", "blob_id")
	}
	return nil
}

// checkConnected returns error if not connected.
func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

func (s *Store) Mailboxes() store.MailboxMapper { return mailboxMapper{s} }
func (s *Store) Messages() store.MessageMapper  { return messageMapper{s} }
