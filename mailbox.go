package mailcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rbaliyan/mailcore/blob"
	"github.com/rbaliyan/mailcore/blob/gc"
	"github.com/rbaliyan/mailcore/events"
	"github.com/rbaliyan/mailcore/quota"
	"github.com/rbaliyan/mailcore/store"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
)

// Connection states for the service.
const (
	stateDisconnected int32 = 0
	stateConnecting   int32 = 1
	stateConnected    int32 = 2
)

// Service manages the mailboxes of every user.
// It owns no connection: store, blob store and bus are shared and closed by
// the caller, except for the store which Connect and Close drive.
type Service struct {
	store   store.Store
	blobs   blob.Store
	bus     events.EventBus
	quota   *quota.Manager
	logger  *slog.Logger
	opts    *options
	state   int32 // stateDisconnected, stateConnecting, or stateConnected
	plugins *pluginRegistry
	otel    *otelInstrumentation

	appendSem *semaphore.Weighted

	updater    *QuotaUpdater
	updaterReg events.Registration
}

// NewService creates a new mailbox service.
// Call Connect() before opening sessions.
func NewService(opts ...Option) (*Service, error) {
	o := newOptions(opts...)

	if o.store == nil {
		return nil, ErrStoreRequired
	}
	if o.blobs == nil {
		return nil, ErrBlobStoreRequired
	}
	if o.bus == nil {
		return nil, ErrEventBusRequired
	}
	if o.quota == nil {
		o.quota = quota.NewManager(nil, nil)
	}

	plugins := newPluginRegistry(o.logger)
	for _, p := range o.plugins {
		plugins.register(p)
	}

	otelInstr, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	var tracker *quota.ThresholdTracker
	if o.thresholds != nil {
		tracker = quota.NewThresholdTracker(o.thresholds)
	}

	return &Service{
		store:     o.store,
		blobs:     o.blobs,
		bus:       o.bus,
		quota:     o.quota,
		logger:    o.logger,
		opts:      o,
		plugins:   plugins,
		otel:      otelInstr,
		appendSem: semaphore.NewWeighted(int64(o.maxConcurrentAppends)),
		updater:   NewQuotaUpdater(o.quota, o.bus, tracker, o.logger),
	}, nil
}

// IsConnected returns true if the service is connected and ready.
func (s *Service) IsConnected() bool {
	return atomic.LoadInt32(&s.state) == stateConnected
}

// Connect connects the store, registers the quota updater and initializes
// plugins.
func (s *Service) Connect(ctx context.Context) error {
	// stateDisconnected -> stateConnecting -> stateConnected, so sessions
	// never see a partial initialization.
	if !atomic.CompareAndSwapInt32(&s.state, stateDisconnected, stateConnecting) {
		return ErrAlreadyConnected
	}

	success := false
	defer func() {
		if success {
			atomic.StoreInt32(&s.state, stateConnected)
		} else {
			atomic.StoreInt32(&s.state, stateDisconnected)
		}
	}()

	if err := s.store.Connect(ctx); err != nil {
		return fmt.Errorf("connect store: %w", err)
	}

	reg, err := s.bus.Register(s.updater, QuotaUpdaterGroup)
	if err != nil {
		s.store.Close(ctx)
		return fmt.Errorf("register quota updater: %w", err)
	}
	s.updaterReg = reg

	if err := s.plugins.initAll(ctx); err != nil {
		s.updaterReg.Unregister()
		s.store.Close(ctx)
		return fmt.Errorf("init plugins: %w", err)
	}

	success = true
	s.logger.Info("mailcore service connected")
	return nil
}

// Close waits for in-flight appends, then closes plugins and the store.
func (s *Service) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateConnected, stateDisconnected) {
		return nil
	}

	var errs []error

	// No append starts once the state is disconnected. Holding every slot
	// means the running ones are done.
	s.logger.Info("waiting for in-flight appends to complete", "timeout", s.opts.shutdownTimeout)
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, s.opts.shutdownTimeout)
	defer shutdownCancel()
	if err := s.appendSem.Acquire(shutdownCtx, int64(s.opts.maxConcurrentAppends)); err != nil {
		s.logger.Warn("timeout waiting for in-flight appends, proceeding with shutdown", "error", err)
		errs = append(errs, fmt.Errorf("graceful shutdown timeout: %w", err))
	} else {
		s.appendSem.Release(int64(s.opts.maxConcurrentAppends))
	}

	if err := s.plugins.closeAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close plugins: %w", err))
	}

	if s.updaterReg != nil {
		s.updaterReg.Unregister()
	}

	if err := s.store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	s.logger.Info("mailcore service closed")
	return errors.Join(errs...)
}

// Quota returns the quota manager the service checks appends against.
func (s *Service) Quota() *quota.Manager {
	return s.quota
}

// Session opens a session acting on behalf of user.
func (s *Service) Session(user string) *Session {
	return &Session{
		id:        SessionID(uuid.NewString()),
		user:      user,
		service:   s,
		validUser: isValidUser(user),
	}
}

// BlobReferenceSource reports the blobs referenced by stored messages to
// the blob garbage collector.
func (s *Service) BlobReferenceSource() gc.ReferenceSource {
	return messageReferences{store: s.store}
}

type messageReferences struct {
	store store.Store
}

func (r messageReferences) ForEachReference(ctx context.Context, fn func(blob.ID) error) error {
	return r.store.Messages().ForEachBlobReference(ctx, fn)
}

func (messageReferences) Name() string { return "mailcore.messages" }

// dispatch sends ev. Failures are logged unless event errors are fatal.
func (s *Service) dispatch(ctx context.Context, ev events.Event, keys ...events.RegistrationKey) error {
	err := s.bus.Dispatch(ctx, ev, keys...)
	if err == nil {
		return nil
	}
	name := fmt.Sprintf("%T", ev)
	if s.opts.eventErrorsFatal {
		return &EventDispatchError{Event: name, Err: err}
	}
	s.logger.Error("failed to dispatch event", "event", name, "event_id", ev.EventID(), "user", ev.Username(), "error", err)
	return nil
}

// Session acts on the mailboxes of one user.
type Session struct {
	id        SessionID
	user      string
	service   *Service
	validUser bool
}

// ID returns the session id carried by the events it dispatches.
func (s *Session) ID() SessionID { return s.id }

// User returns the user the session acts for.
func (s *Session) User() string { return s.user }

// checkAccess verifies the session is ready for operations.
func (s *Session) checkAccess() error {
	if !s.service.IsConnected() {
		return ErrNotConnected
	}
	if !s.validUser {
		return ErrInvalidUser
	}
	return nil
}

func (s *Session) event(mb store.Mailbox) MailboxEvent {
	return MailboxEvent{
		ID:        events.NewEventID(),
		SessionID: s.id,
		User:      s.user,
		Path:      mb.Path,
		MailboxID: mb.ID,
	}
}

// mailbox resolves name to a stored mailbox of the session user.
func (s *Session) mailbox(ctx context.Context, name string) (store.Mailbox, error) {
	path, err := resolvePath(s.user, name)
	if err != nil {
		return store.Mailbox{}, err
	}
	mb, err := s.service.store.Mailboxes().FindByPath(ctx, path)
	if err != nil {
		return store.Mailbox{}, translate(err)
	}
	return mb, nil
}

// createPath creates path unless it exists and dispatches MailboxAdded.
// created is false when the mailbox was already there.
func (s *Session) createPath(ctx context.Context, path store.MailboxPath) (mb store.Mailbox, created bool, err error) {
	mailboxes := s.service.store.Mailboxes()
	mb, err = mailboxes.Create(ctx, path)
	if errors.Is(err, store.ErrMailboxExists) {
		mb, err = mailboxes.FindByPath(ctx, path)
		return mb, false, translate(err)
	}
	if err != nil {
		return store.Mailbox{}, false, translate(err)
	}
	s.service.logger.Debug("mailbox created", "user", s.user, "mailbox", path.String(), "id", mb.ID)
	return mb, true, s.service.dispatch(ctx, MailboxAdded{s.event(mb)}, mb.ID)
}

// createParents creates the missing ancestors of path.
func (s *Session) createParents(ctx context.Context, path store.MailboxPath) error {
	for _, parent := range path.Parents() {
		if _, _, err := s.createPath(ctx, parent); err != nil {
			return err
		}
	}
	return nil
}

// CreateMailbox creates name and its missing parents. INBOX is matched
// whatever its case.
func (s *Session) CreateMailbox(ctx context.Context, name string) (id store.MailboxID, err error) {
	if err := s.checkAccess(); err != nil {
		return "", err
	}
	ctx, done := s.service.otel.instrument(ctx, opCreateMailbox)
	defer func() { done(err) }()

	path, err := resolvePath(s.user, name)
	if err != nil {
		return "", err
	}
	if _, err := s.service.store.Mailboxes().FindByPath(ctx, path); err == nil {
		return "", fmt.Errorf("%w: %s", ErrMailboxExists, path)
	} else if !errors.Is(err, store.ErrMailboxNotFound) {
		return "", translate(err)
	}

	if err := s.createParents(ctx, path); err != nil {
		return "", err
	}
	mb, created, err := s.createPath(ctx, path)
	if err != nil {
		return "", err
	}
	if !created {
		return "", fmt.Errorf("%w: %s", ErrMailboxExists, path)
	}
	return mb.ID, nil
}

// DeleteMailbox deletes name with its messages. Mailboxes with children
// cannot be deleted.
func (s *Session) DeleteMailbox(ctx context.Context, name string) (err error) {
	if err := s.checkAccess(); err != nil {
		return err
	}
	ctx, done := s.service.otel.instrument(ctx, opDeleteMailbox)
	defer func() { done(err) }()

	mb, err := s.mailbox(ctx, name)
	if err != nil {
		return err
	}
	st := s.service.store
	hasChildren, err := st.Mailboxes().HasChildren(ctx, mb.Path)
	if err != nil {
		return translate(err)
	}
	if hasChildren {
		return fmt.Errorf("%w: %s", ErrMailboxHasChildren, mb.Path)
	}

	messages, err := st.Messages().List(ctx, mb.ID, store.All(), 0)
	if err != nil {
		return translate(err)
	}
	if err := st.Mailboxes().Delete(ctx, mb.ID); err != nil {
		return translate(err)
	}

	s.service.logger.Info("mailbox deleted", "user", s.user, "mailbox", mb.Path.String(), "messages", len(messages))
	return s.service.dispatch(ctx, MailboxDeletion{
		MailboxEvent:        s.event(mb),
		QuotaRoot:           quota.ForUser(s.user),
		DeletedMessageCount: int64(len(messages)),
		TotalDeletedSize:    totalSize(messages),
	}, mb.ID)
}

// RenameMailbox renames from to to, with its children. Missing parents of
// to are created. INBOX cannot be renamed.
func (s *Session) RenameMailbox(ctx context.Context, from, to string) (err error) {
	if err := s.checkAccess(); err != nil {
		return err
	}
	ctx, done := s.service.otel.instrument(ctx, opRenameMailbox)
	defer func() { done(err) }()

	mb, err := s.mailbox(ctx, from)
	if err != nil {
		return err
	}
	toPath, err := resolvePath(s.user, to)
	if err != nil {
		return err
	}
	if err := checkMove(mb.Path, toPath); err != nil {
		return err
	}
	mailboxes := s.service.store.Mailboxes()
	if _, err := mailboxes.FindByPath(ctx, toPath); err == nil {
		return fmt.Errorf("%w: %s", ErrMailboxExists, toPath)
	} else if !errors.Is(err, store.ErrMailboxNotFound) {
		return translate(err)
	}

	all, err := mailboxes.List(ctx, s.user)
	if err != nil {
		return translate(err)
	}
	var children []store.Mailbox
	for _, other := range all {
		if other.Path.IsChildOf(mb.Path) {
			children = append(children, other)
		}
	}

	if err := s.createParents(ctx, toPath); err != nil {
		return err
	}
	if err := s.rename(ctx, mb, toPath); err != nil {
		return err
	}
	for _, child := range children {
		if err := s.rename(ctx, child, child.Path.Reparent(mb.Path, toPath)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) rename(ctx context.Context, mb store.Mailbox, to store.MailboxPath) error {
	renamed, err := s.service.store.Mailboxes().Rename(ctx, mb.ID, to)
	if err != nil {
		return translate(err)
	}
	s.service.logger.Debug("mailbox renamed", "user", s.user, "from", mb.Path.String(), "to", renamed.Path.String())
	return s.service.dispatch(ctx, MailboxRenamed{MailboxEvent: s.event(mb), NewPath: renamed.Path}, mb.ID)
}

// ListMailboxes returns the user's mailboxes ordered by name.
func (s *Session) ListMailboxes(ctx context.Context) (mbs []store.Mailbox, err error) {
	if err := s.checkAccess(); err != nil {
		return nil, err
	}
	ctx, done := s.service.otel.instrument(ctx, opListMailboxes, attribute.String("user", s.user))
	defer func() { done(err) }()

	mbs, err = s.service.store.Mailboxes().List(ctx, s.user)
	return mbs, translate(err)
}
