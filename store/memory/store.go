// Package memory provides an in-memory Store implementation for testing.
// This store is not suitable for production use - data is not persisted.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/mailcore/blob"
	"github.com/rbaliyan/mailcore/store"
)

// Store implements store.Store with in-memory storage.
// Thread-safe for concurrent use. Not suitable for production.
type Store struct {
	mu        sync.RWMutex
	mailboxes map[store.MailboxID]store.Mailbox
	byPath    map[store.MailboxPath]store.MailboxID

	// state holds the per-mailbox allocation lock, counters and messages.
	state     sync.Map // map[store.MailboxID]*mailboxState
	connected int32
}

type mailboxState struct {
	mu            sync.Mutex
	deleted       bool
	lastUID       store.UID
	highestModSeq store.ModSeq
	messages      map[store.UID]store.MessageMetaData
}

var _ store.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		mailboxes: make(map[store.MailboxID]store.Mailbox),
		byPath:    make(map[store.MailboxPath]store.MailboxID),
	}
}

// Connect marks the store as connected.
func (s *Store) Connect(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	return nil
}

// Close marks the store as disconnected.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

func (s *Store) Mailboxes() store.MailboxMapper { return mailboxMapper{s} }
func (s *Store) Messages() store.MessageMapper  { return messageMapper{s} }

// lockState returns the locked state of a live mailbox. Callers must
// unlock it.
func (s *Store) lockState(id store.MailboxID) (*mailboxState, error) {
	v, ok := s.state.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrMailboxNotFound, id)
	}
	st := v.(*mailboxState)
	st.mu.Lock()
	if st.deleted {
		st.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", store.ErrMailboxNotFound, id)
	}
	return st, nil
}

func cloneMailbox(mb store.Mailbox) store.Mailbox {
	mb.ACL = maps.Clone(mb.ACL)
	return mb
}

func cloneMeta(m store.MessageMetaData) store.MessageMetaData {
	m.Flags = slices.Clone(m.Flags)
	return m
}

// =============================================================================
// Mailboxes
// =============================================================================

type mailboxMapper struct{ s *Store }

func (m mailboxMapper) Create(_ context.Context, path store.MailboxPath) (store.Mailbox, error) {
	if err := m.s.checkConnected(); err != nil {
		return store.Mailbox{}, err
	}
	if err := path.Validate(); err != nil {
		return store.Mailbox{}, err
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.byPath[path]; ok {
		return store.Mailbox{}, fmt.Errorf("%w: %s", store.ErrMailboxExists, path)
	}
	mb := store.Mailbox{ID: store.NewMailboxID(), Path: path, UIDValidity: store.NewUIDValidity()}
	m.s.mailboxes[mb.ID] = mb
	m.s.byPath[path] = mb.ID
	m.s.state.Store(mb.ID, &mailboxState{messages: make(map[store.UID]store.MessageMetaData)})
	return cloneMailbox(mb), nil
}

func (m mailboxMapper) FindByPath(_ context.Context, path store.MailboxPath) (store.Mailbox, error) {
	if err := m.s.checkConnected(); err != nil {
		return store.Mailbox{}, err
	}
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	id, ok := m.s.byPath[path]
	if !ok {
		return store.Mailbox{}, fmt.Errorf("%w: %s", store.ErrMailboxNotFound, path)
	}
	return cloneMailbox(m.s.mailboxes[id]), nil
}

func (m mailboxMapper) FindByID(_ context.Context, id store.MailboxID) (store.Mailbox, error) {
	if err := m.s.checkConnected(); err != nil {
		return store.Mailbox{}, err
	}
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	mb, ok := m.s.mailboxes[id]
	if !ok {
		return store.Mailbox{}, fmt.Errorf("%w: %s", store.ErrMailboxNotFound, id)
	}
	return cloneMailbox(mb), nil
}

func (m mailboxMapper) Rename(_ context.Context, id store.MailboxID, newPath store.MailboxPath) (store.Mailbox, error) {
	if err := m.s.checkConnected(); err != nil {
		return store.Mailbox{}, err
	}
	if err := newPath.Validate(); err != nil {
		return store.Mailbox{}, err
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	mb, ok := m.s.mailboxes[id]
	if !ok {
		return store.Mailbox{}, fmt.Errorf("%w: %s", store.ErrMailboxNotFound, id)
	}
	if other, taken := m.s.byPath[newPath]; taken && other != id {
		return store.Mailbox{}, fmt.Errorf("%w: %s", store.ErrMailboxExists, newPath)
	}
	delete(m.s.byPath, mb.Path)
	mb.Path = newPath
	m.s.mailboxes[id] = mb
	m.s.byPath[newPath] = id
	return cloneMailbox(mb), nil
}

func (m mailboxMapper) Delete(_ context.Context, id store.MailboxID) error {
	if err := m.s.checkConnected(); err != nil {
		return err
	}
	m.s.mu.Lock()
	mb, ok := m.s.mailboxes[id]
	if ok {
		delete(m.s.mailboxes, id)
		delete(m.s.byPath, mb.Path)
	}
	m.s.mu.Unlock()
	if !ok {
		return nil
	}
	if v, ok := m.s.state.LoadAndDelete(id); ok {
		st := v.(*mailboxState)
		st.mu.Lock()
		st.deleted = true
		st.messages = nil
		st.mu.Unlock()
	}
	return nil
}

func (m mailboxMapper) List(_ context.Context, user string) ([]store.Mailbox, error) {
	if err := m.s.checkConnected(); err != nil {
		return nil, err
	}
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	var out []store.Mailbox
	for _, mb := range m.s.mailboxes {
		if mb.Path.Namespace == store.PrivateNamespace && mb.Path.User == user {
			out = append(out, cloneMailbox(mb))
		}
	}
	slices.SortFunc(out, func(a, b store.Mailbox) int {
		return strings.Compare(a.Path.Name, b.Path.Name)
	})
	return out, nil
}

func (m mailboxMapper) HasChildren(_ context.Context, path store.MailboxPath) (bool, error) {
	if err := m.s.checkConnected(); err != nil {
		return false, err
	}
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	for p := range m.s.byPath {
		if p.IsChildOf(path) {
			return true, nil
		}
	}
	return false, nil
}

// =============================================================================
// Messages
// =============================================================================

type messageMapper struct{ s *Store }

func (m messageMapper) Append(_ context.Context, mailboxID store.MailboxID, meta store.MessageMetaData) (store.MessageMetaData, error) {
	if err := m.s.checkConnected(); err != nil {
		return store.MessageMetaData{}, err
	}
	st, err := m.s.lockState(mailboxID)
	if err != nil {
		return store.MessageMetaData{}, err
	}
	defer st.mu.Unlock()

	st.lastUID++
	st.highestModSeq++
	meta = cloneMeta(meta)
	meta.UID = st.lastUID
	meta.ModSeq = st.highestModSeq
	meta.MailboxID = mailboxID
	meta.Flags = store.NewFlags(meta.Flags...)
	if meta.MessageID == "" {
		meta.MessageID = uuid.NewString()
	}
	if meta.InternalDate.IsZero() {
		meta.InternalDate = time.Now().UTC()
	}
	st.messages[meta.UID] = meta
	return cloneMeta(meta), nil
}

func (m messageMapper) Get(_ context.Context, mailboxID store.MailboxID, uid store.UID) (store.MessageMetaData, error) {
	if err := m.s.checkConnected(); err != nil {
		return store.MessageMetaData{}, err
	}
	st, err := m.s.lockState(mailboxID)
	if err != nil {
		return store.MessageMetaData{}, err
	}
	defer st.mu.Unlock()
	meta, ok := st.messages[uid]
	if !ok {
		return store.MessageMetaData{}, fmt.Errorf("%w: %s/%d", store.ErrMessageNotFound, mailboxID, uid)
	}
	return cloneMeta(meta), nil
}

// inRange must be called with st.mu held.
func (st *mailboxState) inRange(r store.MessageRange) []store.UID {
	var uids []store.UID
	for uid := range st.messages {
		if r.Contains(uid) {
			uids = append(uids, uid)
		}
	}
	slices.Sort(uids)
	return uids
}

func (m messageMapper) List(_ context.Context, mailboxID store.MailboxID, r store.MessageRange, limit int) ([]store.MessageMetaData, error) {
	if err := m.s.checkConnected(); err != nil {
		return nil, err
	}
	st, err := m.s.lockState(mailboxID)
	if err != nil {
		return nil, err
	}
	defer st.mu.Unlock()
	uids := st.inRange(r)
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}
	out := make([]store.MessageMetaData, len(uids))
	for i, uid := range uids {
		out[i] = cloneMeta(st.messages[uid])
	}
	return out, nil
}

func (m messageMapper) UpdateFlags(_ context.Context, mailboxID store.MailboxID, r store.MessageRange, flags store.Flags, mode store.FlagsUpdateMode) ([]store.UpdatedFlags, error) {
	if err := m.s.checkConnected(); err != nil {
		return nil, err
	}
	st, err := m.s.lockState(mailboxID)
	if err != nil {
		return nil, err
	}
	defer st.mu.Unlock()

	var updated []store.UpdatedFlags
	for _, uid := range st.inRange(r) {
		meta := st.messages[uid]
		next := mode.Apply(meta.Flags, flags)
		if next.Equal(meta.Flags) {
			continue
		}
		st.highestModSeq++
		updated = append(updated, store.UpdatedFlags{
			UID:       uid,
			MessageID: meta.MessageID,
			ModSeq:    st.highestModSeq,
			OldFlags:  slices.Clone(meta.Flags),
			NewFlags:  slices.Clone(next),
		})
		meta.Flags = next
		meta.ModSeq = st.highestModSeq
		st.messages[uid] = meta
	}
	return updated, nil
}

func (m messageMapper) Expunge(_ context.Context, mailboxID store.MailboxID, r store.MessageRange) ([]store.MessageMetaData, error) {
	if err := m.s.checkConnected(); err != nil {
		return nil, err
	}
	st, err := m.s.lockState(mailboxID)
	if err != nil {
		return nil, err
	}
	defer st.mu.Unlock()

	var expunged []store.MessageMetaData
	for _, uid := range st.inRange(r) {
		meta := st.messages[uid]
		if !meta.Flags.Contains(store.FlagDeleted) {
			continue
		}
		delete(st.messages, uid)
		expunged = append(expunged, meta)
	}
	if len(expunged) > 0 {
		st.highestModSeq++
	}
	return expunged, nil
}

func (m messageMapper) Delete(_ context.Context, mailboxID store.MailboxID, uids ...store.UID) error {
	if err := m.s.checkConnected(); err != nil {
		return err
	}
	st, err := m.s.lockState(mailboxID)
	if err != nil {
		return err
	}
	defer st.mu.Unlock()
	removed := false
	for _, uid := range uids {
		if _, ok := st.messages[uid]; ok {
			delete(st.messages, uid)
			removed = true
		}
	}
	if removed {
		st.highestModSeq++
	}
	return nil
}

func (m messageMapper) Count(_ context.Context, mailboxID store.MailboxID) (int64, error) {
	if err := m.s.checkConnected(); err != nil {
		return 0, err
	}
	st, err := m.s.lockState(mailboxID)
	if err != nil {
		return 0, err
	}
	defer st.mu.Unlock()
	return int64(len(st.messages)), nil
}

func (m messageMapper) Unseen(_ context.Context, mailboxID store.MailboxID) (int64, error) {
	if err := m.s.checkConnected(); err != nil {
		return 0, err
	}
	st, err := m.s.lockState(mailboxID)
	if err != nil {
		return 0, err
	}
	defer st.mu.Unlock()
	var n int64
	for _, meta := range st.messages {
		if !meta.Flags.Contains(store.FlagSeen) {
			n++
		}
	}
	return n, nil
}

func (m messageMapper) LastUID(_ context.Context, mailboxID store.MailboxID) (store.UID, error) {
	if err := m.s.checkConnected(); err != nil {
		return 0, err
	}
	st, err := m.s.lockState(mailboxID)
	if err != nil {
		return 0, err
	}
	defer st.mu.Unlock()
	return st.lastUID, nil
}

func (m messageMapper) HighestModSeq(_ context.Context, mailboxID store.MailboxID) (store.ModSeq, error) {
	if err := m.s.checkConnected(); err != nil {
		return 0, err
	}
	st, err := m.s.lockState(mailboxID)
	if err != nil {
		return 0, err
	}
	defer st.mu.Unlock()
	return st.highestModSeq, nil
}

func (m messageMapper) ForEachBlobReference(ctx context.Context, fn func(blob.ID) error) error {
	if err := m.s.checkConnected(); err != nil {
		return err
	}
	var ids []blob.ID
	m.s.state.Range(func(_, v any) bool {
		st := v.(*mailboxState)
		st.mu.Lock()
		for _, meta := range st.messages {
			ids = append(ids, meta.BlobID)
		}
		st.mu.Unlock()
		return true
	})
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}
