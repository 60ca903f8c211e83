package store

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

const (
	// PrivateNamespace holds the mailboxes of each user.
	PrivateNamespace = "#private"

	// Delimiter separates hierarchy levels in a mailbox name.
	Delimiter = "."

	// Inbox is the canonical name of the inbox, matched case-insensitively.
	Inbox = "INBOX"

	// MaxNameLength bounds mailbox names.
	MaxNameLength = 255
)

// MailboxID identifies a mailbox.
type MailboxID string

// NewMailboxID returns a random mailbox id.
func NewMailboxID() MailboxID {
	return MailboxID(uuid.NewString())
}

// AsString implements events.RegistrationKey, so listeners can follow a
// single mailbox.
func (id MailboxID) AsString() string {
	return "mailbox:" + string(id)
}

// MailboxPath locates a mailbox.
type MailboxPath struct {
	Namespace string `json:"namespace" bson:"namespace" db:"namespace"`
	User      string `json:"user" bson:"user" db:"username"`
	Name      string `json:"name" bson:"name" db:"name"`
}

// PrivatePath returns the path of name in the private namespace of user.
// A leading INBOX segment is canonicalized whatever its case.
func PrivatePath(user, name string) MailboxPath {
	return MailboxPath{Namespace: PrivateNamespace, User: user, Name: normalizeName(name)}
}

// InboxPath returns the inbox of user.
func InboxPath(user string) MailboxPath {
	return PrivatePath(user, Inbox)
}

func normalizeName(name string) string {
	first, rest, found := strings.Cut(name, Delimiter)
	if !strings.EqualFold(first, Inbox) {
		return name
	}
	if !found {
		return Inbox
	}
	return Inbox + Delimiter + rest
}

// Validate rejects empty names, wildcards and overlong names.
func (p MailboxPath) Validate() error {
	switch {
	case p.Name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidPath)
	case strings.ContainsAny(p.Name, "%*"):
		return fmt.Errorf("%w: %q contains a wildcard", ErrInvalidPath, p.Name)
	case len(p.Name) > MaxNameLength:
		return fmt.Errorf("%w: name longer than %d", ErrInvalidPath, MaxNameLength)
	case strings.HasPrefix(p.Name, Delimiter) || strings.HasSuffix(p.Name, Delimiter) ||
		strings.Contains(p.Name, Delimiter+Delimiter):
		return fmt.Errorf("%w: %q has an empty level", ErrInvalidPath, p.Name)
	}
	return nil
}

// IsInbox reports whether p is a user's inbox.
func (p MailboxPath) IsInbox() bool {
	return p.Name == Inbox
}

// Parents returns the ancestors of p, outermost first.
func (p MailboxPath) Parents() []MailboxPath {
	levels := strings.Split(p.Name, Delimiter)
	out := make([]MailboxPath, 0, len(levels)-1)
	for i := 1; i < len(levels); i++ {
		parent := p
		parent.Name = strings.Join(levels[:i], Delimiter)
		out = append(out, parent)
	}
	return out
}

// IsChildOf reports whether p is below parent at any depth.
func (p MailboxPath) IsChildOf(parent MailboxPath) bool {
	return p.Namespace == parent.Namespace && p.User == parent.User &&
		strings.HasPrefix(p.Name, parent.Name+Delimiter)
}

// Reparent returns p with the from prefix replaced by to. p must be from
// or a child of from.
func (p MailboxPath) Reparent(from, to MailboxPath) MailboxPath {
	if p == from {
		return to
	}
	out := to
	out.Name = to.Name + strings.TrimPrefix(p.Name, from.Name)
	return out
}

func (p MailboxPath) String() string {
	return p.Namespace + ":" + p.User + ":" + p.Name
}

// UIDValidity changes whenever UIDs of a mailbox path stop being valid,
// which is every time a mailbox is created.
type UIDValidity uint32

// NewUIDValidity returns a random positive UIDValidity.
func NewUIDValidity() UIDValidity {
	return UIDValidity(rand.Uint32N(math.MaxInt32) + 1)
}

// Mailbox is a stored mailbox.
type Mailbox struct {
	ID          MailboxID
	Path        MailboxPath
	UIDValidity UIDValidity
	// ACL is kept for clients that manage rights. It is not enforced.
	ACL map[string]string
}
