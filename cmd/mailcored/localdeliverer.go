package main

import (
	"context"

	"github.com/spilledink/mailcore/internal/ingest"
	"github.com/spilledink/mailcore/internal/mailerrors"
	"github.com/spilledink/mailcore/internal/store"
)

// localDeliverer adapts ingest.Pipeline to queue.LocalDeliverer: when the
// outbound delivery engine resolves a recipient's route to Local (spec
// §4.4), the already-deduplicated message blob never needs another
// network hop — it goes straight back through the same ingest pipeline
// an SMTP-delivered message would, with Source.Kind set to SourceSMTP and
// DeliverTo set to the recipient so ingest's own dedup/quota/thread
// handling stays the single code path for every inbound route.
type localDeliverer struct {
	pipeline  *ingest.Pipeline
	store     *store.Store
	mailboxOf func(account uint32) uint32
}

func (d *localDeliverer) DeliverLocal(ctx context.Context, account uint32, recipient, messageBlobHash string) error {
	raw, ok, err := d.store.GetBlob(ctx, messageBlobHash, 0, 0)
	if err != nil {
		return err
	}
	if !ok {
		return mailerrors.ErrNotFound.WithTarget("mailcored")
	}

	_, err = d.pipeline.Ingest(ctx, ingest.Request{
		RawMessage: raw,
		AccessToken: ingest.AccessToken{
			AccountID: account,
		},
		MailboxIDs: []uint32{d.mailboxOf(account)},
		Source: ingest.Source{
			Kind:      ingest.SourceSMTP,
			DeliverTo: recipient,
		},
	})
	return err
}
