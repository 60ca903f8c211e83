package postgres

import (
	"cmp"
	"slices"

	"github.com/rbaliyan/mailcore/store"
)

func sortByUID(ms []store.MessageMetaData) {
	slices.SortFunc(ms, func(a, b store.MessageMetaData) int {
		return cmp.Compare(a.UID, b.UID)
	})
}
