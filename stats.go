package mailcore

import (
	"context"

	"github.com/rbaliyan/mailcore/quota"
	"github.com/rbaliyan/mailcore/store"
)

// MailboxStatus is the STATUS of a mailbox.
type MailboxStatus struct {
	Messages      int64
	Unseen        int64
	UIDNext       store.UID
	UIDValidity   store.UIDValidity
	HighestModSeq store.ModSeq
}

// QuotaInfo is the usage and limits of a quota root.
type QuotaInfo struct {
	Root  quota.Root
	Count quota.Quota[quota.CountLimit, quota.CountUsage]
	Size  quota.Quota[quota.SizeLimit, quota.SizeUsage]
}

// Status returns the counters of mailbox.
func (s *Session) Status(ctx context.Context, mailbox string) (status MailboxStatus, err error) {
	if err := s.checkAccess(); err != nil {
		return MailboxStatus{}, err
	}
	ctx, done := s.service.otel.instrument(ctx, opStatus)
	defer func() { done(err) }()

	mb, err := s.mailbox(ctx, mailbox)
	if err != nil {
		return MailboxStatus{}, err
	}
	messages := s.service.store.Messages()

	status.UIDValidity = mb.UIDValidity
	if status.Messages, err = messages.Count(ctx, mb.ID); err != nil {
		return MailboxStatus{}, translate(err)
	}
	if status.Unseen, err = messages.Unseen(ctx, mb.ID); err != nil {
		return MailboxStatus{}, translate(err)
	}
	last, err := messages.LastUID(ctx, mb.ID)
	if err != nil {
		return MailboxStatus{}, translate(err)
	}
	status.UIDNext = last + 1
	if status.HighestModSeq, err = messages.HighestModSeq(ctx, mb.ID); err != nil {
		return MailboxStatus{}, translate(err)
	}
	return status, nil
}

// Quota returns the message and storage quota of the session user.
func (s *Session) Quota(ctx context.Context) (QuotaInfo, error) {
	if err := s.checkAccess(); err != nil {
		return QuotaInfo{}, err
	}
	root := quota.ForUser(s.user)
	count, err := s.service.quota.MessageQuota(ctx, root)
	if err != nil {
		return QuotaInfo{}, err
	}
	size, err := s.service.quota.StorageQuota(ctx, root)
	if err != nil {
		return QuotaInfo{}, err
	}
	return QuotaInfo{Root: root, Count: count, Size: size}, nil
}
