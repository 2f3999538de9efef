package importer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/JonMunkholm/trexsync/internal/catalog"
	"github.com/JonMunkholm/trexsync/internal/document"
	"github.com/JonMunkholm/trexsync/internal/logging"
	"github.com/JonMunkholm/trexsync/internal/pipeline"
	"github.com/JonMunkholm/trexsync/internal/storage"
)

// Targets are where pending change records are written.
type Targets struct {
	ProjectID string
	Documents map[string]*document.Document // by document id
	Catalog   catalog.Option
	Push      bool

	// Ledger makes pushes idempotent across runs. Nil uses a ledger that
	// lives for this call only.
	Ledger storage.PushLedger
	Pool   *catalog.Pool
}

// Apply writes every pending record of cs: document records are patched
// into their documents, catalog records are pushed when t.Push is set. It
// returns the bytes of every document that changed.
func Apply(ctx context.Context, cs *ChangeSet, t Targets, issues *pipeline.Issues) map[string][]byte {
	patched := PatchDocuments(ctx, cs, t.Documents, issues)
	PushToCatalog(ctx, cs, t, issues, nil)
	return patched
}

// PatchDocuments applies the pending document records, one Patch per
// document. An edit the document cannot take is skipped with a
// PATCH_SKIPPED warning. A document whose patch is unusable fails all of
// its records.
func PatchDocuments(ctx context.Context, cs *ChangeSet, docs map[string]*document.Document, issues *pipeline.Issues) map[string][]byte {
	log := logging.FromContext(ctx)

	byDoc := make(map[string][]*ChangeRecord)
	for _, rec := range cs.ByTarget(TargetDocument) {
		if rec.Outcome == OutcomePending {
			byDoc[rec.DocumentID] = append(byDoc[rec.DocumentID], rec)
		}
	}
	ids := make([]string, 0, len(byDoc))
	for id := range byDoc {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make(map[string][]byte)
	for _, id := range ids {
		recs := byDoc[id]
		doc, ok := docs[id]
		if !ok {
			for _, rec := range recs {
				rec.skip(pipeline.CodeDocumentMissing, "document not uploaded")
			}
			issues.Warn(pipeline.CodeDocumentMissing,
				fmt.Sprintf("document %s was not uploaded; %d changes skipped", id, len(recs)),
				"document", id)
			continue
		}

		edits := make(document.Edits)
		for _, rec := range recs {
			edits.Set(rec.ElementKey, rec.Locale, rec.New)
		}
		res, err := doc.Patch(edits)
		if err != nil {
			for _, rec := range recs {
				rec.fail(pipeline.CodePatchFailed, err.Error())
			}
			issues.Error(pipeline.CodePatchFailed, err.Error(), "document", id)
			log.Error("patch failed", "document", id, "error", err)
			continue
		}

		skipped := make(map[string]*document.PatchError, len(res.Skipped))
		for _, pe := range res.Skipped {
			skipped[pe.Key+"|"+pe.Locale] = pe
		}
		applied := make(map[string]bool, len(res.Applied))
		for _, ch := range res.Applied {
			applied[ch.Key+"|"+ch.Locale] = true
		}

		for _, rec := range recs {
			k := rec.ElementKey + "|" + rec.Locale
			switch {
			case skipped[k] != nil:
				pe := skipped[k]
				rec.skip(pipeline.CodePatchSkipped, pe.Err.Error())
				issues.Warn(pipeline.CodePatchSkipped, pe.Error(),
					"document", id, "element", rec.ElementKey, "locale", rec.Locale)
			case applied[k]:
				rec.Outcome = OutcomeApplied
			default:
				rec.Outcome = OutcomeApplied
				rec.Code, rec.Reason = CodeAlreadyCurrent, "document already holds this text"
			}
		}

		if res.Changed() {
			out[id] = res.Data
		}
		log.Debug("document patched", "document", id, "applied", len(res.Applied), "skipped", len(res.Skipped))
	}
	return out
}

// PushToCatalog pushes the pending catalog records through the pool. A
// record whose value the ledger already holds is not pushed again. Without
// t.Push, or without a reachable catalog, the records are skipped.
//
// Pushes run to completion once started; cancellation is left to the step
// boundary. progress, when set, is called after every finished push.
func PushToCatalog(ctx context.Context, cs *ChangeSet, t Targets, issues *pipeline.Issues, progress func(done, total int)) {
	var pending []*ChangeRecord
	for _, rec := range cs.ByTarget(TargetCatalog) {
		if rec.Outcome == OutcomePending {
			pending = append(pending, rec)
		}
	}
	if len(pending) == 0 {
		return
	}

	if !t.Push {
		for _, rec := range pending {
			rec.skip(CodePushNotRequested, "catalog push not requested")
		}
		return
	}

	cat, ok := t.Catalog.Get()
	if ok {
		if err := cat.Ping(context.WithoutCancel(ctx)); err != nil {
			ok = false
			issues.Warn(pipeline.CodeCatalogUnavailable,
				fmt.Sprintf("catalog unreachable; %d catalog changes skipped: %v", len(pending), err),
				"error_kind", catalog.KindOf(err).String())
		}
	} else {
		issues.Warn(pipeline.CodeCatalogUnavailable,
			fmt.Sprintf("no catalog connection; %d catalog changes skipped", len(pending)))
	}
	if !ok {
		for _, rec := range pending {
			rec.skip(pipeline.CodePushSkipped, "catalog unavailable")
		}
		return
	}

	ledger := t.Ledger
	if ledger == nil {
		ledger = storage.NewMemory()
	}
	pool := t.Pool
	if pool == nil {
		pool = catalog.NewPool(catalog.DefaultPoolWidth)
	}
	log := logging.FromContext(ctx)

	var (
		mu   sync.Mutex
		done int
	)
	errs := pool.Run(context.WithoutCancel(ctx), len(pending), func(ctx context.Context, i int) error {
		err := push(ctx, cat, ledger, t.ProjectID, pending[i])
		if progress != nil {
			mu.Lock()
			done++
			progress(done, len(pending))
			mu.Unlock()
		}
		return err
	})

	for i, rec := range pending {
		err := errs[i]
		if err == nil {
			continue
		}
		var le *ledgerError
		if errors.As(err, &le) {
			issues.Warn(pipeline.CodeStorageFailed, le.Error(),
				"entity_type", rec.EntityType, "external_id", rec.ExternalID, "locale", rec.Locale)
			continue
		}
		rec.fail(pipeline.CodePushFailed, err.Error())
		issues.Error(pipeline.CodePushFailed, err.Error(),
			"entity_type", rec.EntityType, "external_id", rec.ExternalID, "locale", rec.Locale,
			"error_kind", catalog.KindOf(err).String())
		log.Warn("push failed", "entity_type", rec.EntityType, "external_id", rec.ExternalID, "locale", rec.Locale, "error", err)
	}
}

// ledgerError is a ledger write that failed after a successful push. The
// record stays applied.
type ledgerError struct {
	key storage.PushKey
	err error
}

func (e *ledgerError) Error() string {
	return fmt.Sprintf("record push %s: %v", e.key, e.err)
}

func (e *ledgerError) Unwrap() error {
	return e.err
}

// push writes one record. Each task touches only its own record.
func push(ctx context.Context, cat catalog.Catalog, ledger storage.PushLedger, project string, rec *ChangeRecord) error {
	key := storage.PushKey{
		Project:    project,
		EntityType: rec.EntityType,
		ExternalID: rec.ExternalID,
		Locale:     rec.Locale,
	}
	last, found, err := ledger.Pushed(ctx, key)
	if err == nil && found && normalize(last) == rec.New {
		rec.skip(CodeAlreadyPushed, "value already pushed")
		return nil
	}

	if err := cat.PushTranslation(ctx, rec.EntityType, rec.ExternalID, rec.Locale, rec.New); err != nil {
		return err
	}
	rec.Outcome = OutcomeApplied
	if err := ledger.RecordPush(ctx, key, rec.New); err != nil {
		return &ledgerError{key: key, err: err}
	}
	return nil
}
