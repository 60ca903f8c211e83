// Package mailcore is the mailbox manager of a mail server.
//
// A Service ties together a mailbox store (package store), a blob store
// holding message content (package blob), an event bus (package events)
// and quota accounting (package quota). Users act on their mailboxes
// through a Session.
//
// # Basic Usage
//
//	blobs, _ := blob.NewDeduplicating(memory.New())
//	bus, _ := events.NewBus()
//
//	svc, err := mailcore.NewService(
//	    mailcore.WithStore(storememory.New()),
//	    mailcore.WithBlobStore(blobs),
//	    mailcore.WithEventBus(bus),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := svc.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close(ctx)
//
//	s := svc.Session("bob@example.com")
//	_, _ = s.CreateMailbox(ctx, "INBOX")
//	id, err := s.Append(ctx, "INBOX", mailcore.AppendCommand{Content: strings.NewReader(raw)})
//
// # Events
//
// Every change is dispatched on the event bus with the mailbox id as
// registration key, so a client following a mailbox registers a key
// listener for store.MailboxID. Quota usage is maintained by the
// QuotaUpdater group listener, registered on Connect.
//
// Event types must be known to the bus serializer when events leave the
// process (distributed bus, redis dead letters). Call RegisterEvents on
// the serializer in use.
//
// # Blob lifecycle
//
// Expunging a message never deletes its blob: content is deduplicated and
// may be shared. Unreferenced blobs are reclaimed by the garbage collector
// of package blob/gc, fed with BlobReferenceSource.
package mailcore
