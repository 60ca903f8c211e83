package mailcore

import (
	"fmt"
	"unicode"

	"github.com/rbaliyan/mailcore/store"
)

// isValidUser checks that user can name a mailbox owner and a quota root.
// Empty users, whitespace, control characters and the LIST wildcards are
// rejected.
func isValidUser(user string) bool {
	if user == "" || len(user) > store.MaxNameLength {
		return false
	}
	for _, c := range user {
		if c == '*' || c == '%' || c == '/' || c == '\\' ||
			unicode.IsSpace(c) || unicode.IsControl(c) {
			return false
		}
	}
	return true
}

// resolvePath returns the validated private path of name for user.
func resolvePath(user, name string) (store.MailboxPath, error) {
	path := store.PrivatePath(user, name)
	if err := path.Validate(); err != nil {
		return store.MailboxPath{}, translate(err)
	}
	return path, nil
}

// checkMove rejects renaming INBOX and moving a mailbox below itself.
func checkMove(from, to store.MailboxPath) error {
	if from.IsInbox() {
		return fmt.Errorf("%w: INBOX cannot be renamed", ErrInvalidPath)
	}
	if to.IsChildOf(from) {
		return fmt.Errorf("%w: cannot rename %s below itself", ErrInvalidPath, from)
	}
	return nil
}
