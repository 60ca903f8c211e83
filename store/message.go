package store

import (
	"math"
	"slices"
	"strings"
	"time"

	"github.com/rbaliyan/mailcore/blob"
)

// UID identifies a message within a mailbox.
type UID uint64

// ModSeq orders changes within a mailbox.
type ModSeq uint64

// Flag is a system flag or a user keyword.
type Flag string

// System flags.
const (
	FlagSeen     Flag = `\Seen`
	FlagAnswered Flag = `\Answered`
	FlagFlagged  Flag = `\Flagged`
	FlagDeleted  Flag = `\Deleted`
	FlagDraft    Flag = `\Draft`
	FlagRecent   Flag = `\Recent`
)

var systemFlags = []Flag{FlagSeen, FlagAnswered, FlagFlagged, FlagDeleted, FlagDraft, FlagRecent}

func canonical(f Flag) Flag {
	if strings.HasPrefix(string(f), `\`) {
		for _, sf := range systemFlags {
			if strings.EqualFold(string(f), string(sf)) {
				return sf
			}
		}
	}
	return f
}

// IsSystem reports whether f is one of the system flags.
func (f Flag) IsSystem() bool {
	return slices.Contains(systemFlags, canonical(f))
}

// Flags is a sorted set of flags. Use NewFlags to build one.
type Flags []Flag

// NewFlags canonicalizes system flags, drops empty and duplicate values
// and sorts the result.
func NewFlags(fs ...Flag) Flags {
	out := make(Flags, 0, len(fs))
	for _, f := range fs {
		if f == "" {
			continue
		}
		out = append(out, canonical(f))
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Contains reports whether f is set.
func (fs Flags) Contains(f Flag) bool {
	_, found := slices.BinarySearch(fs, canonical(f))
	return found
}

// Union returns the flags set in fs or other.
func (fs Flags) Union(other Flags) Flags {
	return NewFlags(append(slices.Clone(fs), other...)...)
}

// Without returns the flags of fs not in other.
func (fs Flags) Without(other Flags) Flags {
	other = NewFlags(other...)
	out := make(Flags, 0, len(fs))
	for _, f := range fs {
		if !other.Contains(f) {
			out = append(out, f)
		}
	}
	return out
}

// Equal reports whether both sets hold the same flags.
func (fs Flags) Equal(other Flags) bool {
	return slices.Equal(NewFlags(fs...), NewFlags(other...))
}

// Strings returns the flags as strings.
func (fs Flags) Strings() []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = string(f)
	}
	return out
}

// FlagsFromStrings builds Flags from stored values.
func FlagsFromStrings(ss []string) Flags {
	fs := make([]Flag, len(ss))
	for i, s := range ss {
		fs[i] = Flag(s)
	}
	return NewFlags(fs...)
}

// FlagsUpdateMode selects how new flags combine with the current ones.
type FlagsUpdateMode int

const (
	FlagsAdd FlagsUpdateMode = iota
	FlagsRemove
	FlagsReplace
)

// Apply returns the flags resulting from applying flags to current.
func (m FlagsUpdateMode) Apply(current, flags Flags) Flags {
	switch m {
	case FlagsRemove:
		return NewFlags(current...).Without(flags)
	case FlagsReplace:
		return NewFlags(flags...)
	default:
		return NewFlags(current...).Union(flags)
	}
}

// MessageMetaData is everything stored about a message but its content.
type MessageMetaData struct {
	UID          UID
	ModSeq       ModSeq
	Flags        Flags
	Size         int64
	InternalDate time.Time
	MessageID    string
	BlobID       blob.ID
	MailboxID    MailboxID
	ThreadID     string
}

// UpdatedFlags is the outcome of a flag update on one message.
type UpdatedFlags struct {
	UID       UID
	MessageID string
	ModSeq    ModSeq
	OldFlags  Flags
	NewFlags  Flags
}

// MessageRange selects messages by UID. Bounds are inclusive.
type MessageRange struct {
	From UID
	To   UID
}

// All selects every message.
func All() MessageRange {
	return MessageRange{From: 1, To: math.MaxUint64}
}

// One selects a single message.
func One(uid UID) MessageRange {
	return MessageRange{From: uid, To: uid}
}

// From selects uid and every later message.
func From(uid UID) MessageRange {
	return MessageRange{From: uid, To: math.MaxUint64}
}

// Range selects from through to.
func Range(from, to UID) MessageRange {
	return MessageRange{From: from, To: to}
}

// Contains reports whether uid is in r.
func (r MessageRange) Contains(uid UID) bool {
	return uid >= r.From && uid <= r.To
}

// SQLBounds returns the bounds clamped to the int64 range databases store.
func (r MessageRange) SQLBounds() (int64, int64) {
	to := r.To
	if to > math.MaxInt64 {
		to = math.MaxInt64
	}
	from := r.From
	if from > math.MaxInt64 {
		from = math.MaxInt64
	}
	return int64(from), int64(to)
}
