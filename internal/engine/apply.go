package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentworkforce/annosync/internal/doc"
	"github.com/agentworkforce/annosync/internal/identity"
	"github.com/agentworkforce/annosync/internal/localstore"
	"github.com/agentworkforce/annosync/internal/sanitize"
	"github.com/agentworkforce/annosync/internal/vault"
)

// applier walks the replicated document and writes accepted remote
// changes through the local store. Validation gates run per item before
// anything from that item applies; conflict policy is local-wins with a
// logged conflict record; a single failed write never aborts the cycle.
type applier struct {
	cfg       *Config
	log       *slog.Logger
	vault     *vault.Vault
	doc       *doc.Document
	store     localstore.Store
	limits    sanitize.Limits
	conflicts *conflictLog
}

func (a *applier) applyCycle(ctx context.Context, cc *cycleContext) {
	for _, id := range a.doc.ItemIDs() {
		if ctx.Err() != nil {
			return
		}
		itemDoc, ok := a.doc.ItemSnapshot(id)
		if !ok {
			continue
		}
		localID := a.matchLocal(cc, id, itemDoc)
		if localID == "" {
			a.log.Debug("no local match for remote item", "identity", id)
			continue
		}
		item := cc.items[localID]
		if err := a.validateItem(id, itemDoc); err != nil {
			a.log.Warn("item rejected by validation, skipped entirely", "identity", id, "error", err)
			continue
		}
		a.applyItem(ctx, cc, id, itemDoc, item)
	}
}

// matchLocal resolves a remote item identity to a local item id,
// falling back to fuzzy checksum matching when the exact identity is
// unknown locally.
func (a *applier) matchLocal(cc *cycleContext, id string, itemDoc *doc.ItemDoc) string {
	if localID, ok := cc.index.Resolve(id); ok {
		return localID
	}
	rec, ok := itemDoc.Get(doc.SectionFields, checksumsField)
	if !ok {
		return ""
	}
	localID, ok := cc.index.MatchRemoteToLocal(splitChecksums(rec.Value))
	if !ok {
		return ""
	}
	a.log.Debug("fuzzy-matched remote item", "identity", id, "localId", localID)
	return localID
}

// validateItem runs the item-scoped gates: any oversized note or
// transcription blocks the whole item; a tombstone flood only warns.
func (a *applier) validateItem(id string, itemDoc *doc.ItemDoc) error {
	for _, s := range []doc.Section{doc.SectionNotes, doc.SectionSelectionNotes} {
		for _, key := range liveKeys(itemDoc, s) {
			rec, _ := itemDoc.Get(s, key)
			p, err := decodeNote(rec.Value)
			if err != nil {
				continue
			}
			if err := a.limits.CheckNoteSize(p.Text, p.HTML); err != nil {
				return fmt.Errorf("note %s: %w", key, err)
			}
		}
	}
	for _, key := range liveKeys(itemDoc, doc.SectionTranscriptions) {
		rec, _ := itemDoc.Get(doc.SectionTranscriptions, key)
		p, err := decodeTranscription(rec.Value)
		if err != nil {
			continue
		}
		if err := a.limits.CheckNoteSize(p.Text, ""); err != nil {
			return fmt.Errorf("transcription %s: %w", key, err)
		}
	}
	if live, tombstoned := itemDoc.TombstoneStats(); a.limits.TombstoneFlood(live, tombstoned) {
		a.log.Warn("tombstone flood on item, possible mass deletion by a peer",
			"identity", id, "live", live, "tombstoned", tombstoned)
	}
	return nil
}

func (a *applier) applyItem(ctx context.Context, cc *cycleContext, id string, itemDoc *doc.ItemDoc, item *localstore.Item) {
	if a.cfg.Sync.Metadata {
		a.applyFields(ctx, id, itemDoc, item)
	}
	if a.cfg.Sync.Tags {
		a.applyNames(ctx, id, itemDoc, item, doc.SectionTags)
	}
	if a.cfg.Sync.Lists {
		a.applyNames(ctx, id, itemDoc, item, doc.SectionLists)
	}
	if a.cfg.Sync.Selections {
		a.applySelections(ctx, cc, id, itemDoc, item)
		a.applySelectionMeta(ctx, id, itemDoc, item)
	}
	if a.cfg.Sync.Notes {
		a.applyNotes(ctx, cc, id, itemDoc, item, doc.SectionNotes)
		a.applyNotes(ctx, cc, id, itemDoc, item, doc.SectionSelectionNotes)
	}
	if a.cfg.Sync.Transcriptions {
		a.applyTranscriptions(ctx, cc, id, itemDoc, item)
	}
	if a.cfg.Sync.PhotoAdjustments {
		a.applyPhotoAdjustments(ctx, cc, id, itemDoc, item)
	}
}

// dispatch sends one store write with the configured timeout. A timeout
// is a failed write, not a crash: the fingerprint stays unmarked and
// the write is retried next cycle.
func (a *applier) dispatch(ctx context.Context, op localstore.Operation) (localstore.Result, error) {
	dctx, cancel := context.WithTimeout(ctx, a.cfg.Timing.DispatchTimeout)
	defer cancel()
	res, err := a.store.Dispatch(dctx, op)
	if err != nil {
		return res, err
	}
	if d := a.cfg.Timing.InterWriteDelay; d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
	return res, nil
}

func (a *applier) recordConflict(id, field, localPreview, remotePreview, remoteAuthor string) {
	c := Conflict{
		Item:          id,
		Field:         field,
		Resolution:    resolutionLocalWins,
		LocalPreview:  preview(localPreview),
		RemotePreview: preview(remotePreview),
		RemoteAuthor:  remoteAuthor,
		At:            time.Now(),
	}
	a.conflicts.add(c)
	a.log.Info("conflict: local edit wins over remote update",
		"identity", id, "field", field, "remoteAuthor", remoteAuthor)
}

// deletionAllowed checks the deletion toggle and the user's dismissed
// set before a remote tombstone may remove local data.
func (a *applier) deletionAllowed(dismissKey string) bool {
	if !a.cfg.Sync.Deletions {
		return false
	}
	dismissed, err := a.vault.DeletionDismissed(dismissKey)
	if err != nil {
		a.log.Warn("dismissed-deletion lookup failed", "key", dismissKey, "error", err)
		return false
	}
	return !dismissed
}

func (a *applier) applyFields(ctx context.Context, id string, itemDoc *doc.ItemDoc, item *localstore.Item) {
	for key, rec := range itemDoc.Fields {
		if key == checksumsField {
			continue
		}
		vf := vaultField(doc.SectionFields, key)
		if rec.Deleted {
			if _, exists := item.Fields[key]; !exists {
				continue
			}
			if !a.deletionAllowed(id + "#" + vf) {
				continue
			}
			if _, err := a.dispatch(ctx, localstore.Operation{
				Type: localstore.OpDeleteField, ItemID: item.ID, Field: key,
			}); err != nil {
				a.log.Warn("field delete failed", "identity", id, "field", key, "error", err)
				continue
			}
			a.markApplied(id, vf, "", rec.Seq)
			continue
		}

		changed, err := a.vault.HasRemoteChange(id, vf, rec.Value)
		if err != nil || !changed {
			continue
		}
		if err := a.limits.CheckMetadataSize(rec.Value); err != nil {
			a.log.Warn("metadata value rejected", "identity", id, "field", key, "error", err)
			continue
		}
		local, exists := item.Fields[key]
		if exists {
			localEdited, err := a.vault.HasLocalEdit(id, vf, local.Value)
			if err != nil {
				continue
			}
			if localEdited && local.Value != rec.Value {
				a.recordConflict(id, vf, local.Value, rec.Value, rec.Author)
				continue
			}
			if local.Value == rec.Value {
				a.markApplied(id, vf, rec.Value, rec.Seq)
				continue
			}
		}
		if _, err := a.dispatch(ctx, localstore.Operation{
			Type: localstore.OpSetField, ItemID: item.ID, Field: key,
			Value: rec.Value, Kind: rec.Kind, Lang: rec.Lang,
		}); err != nil {
			a.log.Warn("field apply failed", "identity", id, "field", key, "error", err)
			continue
		}
		a.markApplied(id, vf, rec.Value, rec.Seq)
	}
}

// applyNames applies tags or list memberships with add-wins semantics:
// presence after merge means present locally, a live record always
// materializes, and there is no per-field conflict skip.
func (a *applier) applyNames(ctx context.Context, id string, itemDoc *doc.ItemDoc, item *localstore.Item, s doc.Section) {
	records := itemDoc.Tags
	names := item.Tags
	addOp, removeOp := localstore.OpAssignTag, localstore.OpRemoveTag
	if s == doc.SectionLists {
		records = itemDoc.Lists
		names = item.Lists
		addOp, removeOp = localstore.OpAddToList, localstore.OpRemoveFromList
	}
	local := make(map[string]string, len(names))
	for _, n := range names {
		local[identity.NormalizeName(n)] = n
	}

	for key, rec := range records {
		vf := vaultField(s, key)
		localName, present := local[key]
		if rec.Deleted {
			if !present || !a.deletionAllowed(id+"#"+vf) {
				continue
			}
			if _, err := a.dispatch(ctx, localstore.Operation{
				Type: removeOp, ItemID: item.ID, Value: localName,
			}); err != nil {
				a.log.Warn("name removal failed", "identity", id, "name", key, "error", err)
				continue
			}
			a.markApplied(id, vf, "", rec.Seq)
			continue
		}
		if present {
			continue
		}
		if _, err := a.dispatch(ctx, localstore.Operation{
			Type: addOp, ItemID: item.ID, Value: rec.Value,
		}); err != nil {
			a.log.Warn("name add failed", "identity", id, "name", key, "error", err)
			continue
		}
		a.markApplied(id, vf, rec.Value, rec.Seq)
	}
}

func (a *applier) applyNotes(ctx context.Context, cc *cycleContext, id string, itemDoc *doc.ItemDoc, item *localstore.Item, s doc.Section) {
	records := itemDoc.Notes
	if s == doc.SectionSelectionNotes {
		records = itemDoc.SelectionNotes
	}
	for key, rec := range records {
		nsID, vf := fingerprintKey(id, s, key)
		localID, mapped, err := a.vault.LocalIDForKey(string(identity.KindNote), key)
		if err != nil {
			continue
		}
		localNote := findNote(item, localID)

		if rec.Deleted {
			if !mapped || localNote == nil || !a.deletionAllowed(key) {
				continue
			}
			if _, err := a.dispatch(ctx, localstore.Operation{
				Type: localstore.OpDeleteNote, ItemID: item.ID, TargetID: localID,
			}); err != nil {
				a.log.Warn("note delete failed", "identity", id, "key", key, "error", err)
				continue
			}
			a.markApplied(nsID, vf, "", rec.Seq)
			continue
		}

		payload, err := decodeNote(rec.Value)
		if err != nil {
			a.log.Warn("malformed note payload", "identity", id, "key", key, "error", err)
			continue
		}
		cleanHTML := sanitize.HTML(payload.HTML)
		remoteContent := noteContent(payload.Text, payload.HTML)
		appliedContent := noteContent(payload.Text, cleanHTML)

		changed, err := a.vault.HasRemoteChange(nsID, vf, remoteContent)
		if err != nil || !changed {
			continue
		}

		if mapped && localNote != nil {
			localContent := noteContent(localNote.Text, localNote.HTML)
			localEdited, err := a.vault.HasLocalEdit(nsID, vf, localContent)
			if err != nil {
				continue
			}
			if localEdited && localContent != appliedContent {
				a.recordConflict(id, vf, localNote.Text, payload.Text, rec.Author)
				continue
			}
			if _, err := a.dispatch(ctx, localstore.Operation{
				Type: localstore.OpUpdateNote, ItemID: item.ID, TargetID: localID,
				Text: payload.Text, HTML: cleanHTML,
			}); err != nil {
				a.log.Warn("note update failed", "identity", id, "key", key, "error", err)
				continue
			}
			a.reconcile(nsID, vf, appliedContent, remoteContent, rec.Seq)
			continue
		}

		a.createNote(ctx, cc, id, item, key, rec, payload, cleanHTML, nsID, vf)
	}
}

// createNote materializes a remote note locally, with the dedup ladder
// in front: keys that failed repeatedly are skipped, keys already
// applied once are only re-mapped, and content matching an existing
// local note adopts that note instead of duplicating it.
func (a *applier) createNote(ctx context.Context, cc *cycleContext, id string, item *localstore.Item, key string, rec doc.Record, payload notePayload, cleanHTML, nsID, vf string) {
	remoteContent := noteContent(payload.Text, payload.HTML)
	appliedContent := noteContent(payload.Text, cleanHTML)

	if skip, err := a.vault.KeyFailedPermanently(key); err != nil || skip {
		return
	}
	if applied, err := a.vault.KeyApplied(key); err != nil || applied {
		return
	}
	if existing := findNoteByContent(item, payload.Text, cleanHTML); existing != nil {
		a.adoptExisting(string(identity.KindNote), existing.ID, key)
		a.reconcile(nsID, vf, appliedContent, remoteContent, rec.Seq)
		return
	}

	op := localstore.Operation{
		Type:   localstore.OpCreateNote,
		ItemID: item.ID,
		Text:   payload.Text,
		HTML:   cleanHTML,
	}
	if photo := cc.photoByChecksum(item, payload.Photo); photo != nil {
		op.PhotoID = photo.ID
	}
	if payload.Sel != "" {
		selLocal, ok, err := a.vault.LocalIDForKey(string(identity.KindSelection), payload.Sel)
		if err != nil || !ok {
			// Parent selection not materialized yet; retry next cycle.
			return
		}
		op.TargetID = selLocal
	}

	res, err := a.dispatch(ctx, op)
	if err != nil {
		a.noteCreateFailure(id, key, err)
		return
	}
	a.recordCreated(string(identity.KindNote), res.LocalID, key)
	a.reconcile(nsID, vf, appliedContent, remoteContent, rec.Seq)
}

func (a *applier) applySelections(ctx context.Context, cc *cycleContext, id string, itemDoc *doc.ItemDoc, item *localstore.Item) {
	for key, rec := range itemDoc.Selections {
		vf := vaultField(doc.SectionSelections, key)
		localID, mapped, err := a.vault.LocalIDForKey(string(identity.KindSelection), key)
		if err != nil {
			continue
		}
		localSel := findSelection(item, localID)

		if rec.Deleted {
			if !mapped || localSel == nil || !a.deletionAllowed(key) {
				continue
			}
			if _, err := a.dispatch(ctx, localstore.Operation{
				Type: localstore.OpDeleteSelection, ItemID: item.ID, TargetID: localID,
			}); err != nil {
				a.log.Warn("selection delete failed", "identity", id, "key", key, "error", err)
				continue
			}
			a.markApplied(id, vf, "", rec.Seq)
			continue
		}

		g, err := sanitize.ParseSelection(rec.Value)
		if err != nil {
			a.log.Warn("selection rejected", "identity", id, "key", key, "error", err)
			continue
		}
		var payload selectionPayload
		if p, err := decodeNote(rec.Value); err == nil {
			payload.LocalID = p.LocalID
			payload.Photo = p.Photo
		}
		remoteContent := selectionContent(g.X, g.Y, g.W, g.H, g.Rotation)

		changed, err := a.vault.HasRemoteChange(id, vf, remoteContent)
		if err != nil || !changed {
			continue
		}
		geometry := encodePayload(sanitize.Geometry{X: g.X, Y: g.Y, W: g.W, H: g.H, Rotation: g.Rotation})

		if mapped && localSel != nil {
			localContent := selectionContent(localSel.X, localSel.Y, localSel.W, localSel.H, localSel.Rotation)
			localEdited, err := a.vault.HasLocalEdit(id, vf, localContent)
			if err != nil {
				continue
			}
			if localEdited && localContent != remoteContent {
				a.recordConflict(id, vf, localContent, remoteContent, rec.Author)
				continue
			}
			if _, err := a.dispatch(ctx, localstore.Operation{
				Type: localstore.OpUpdateSelection, ItemID: item.ID, TargetID: localID,
				Geometry: geometry,
			}); err != nil {
				a.log.Warn("selection update failed", "identity", id, "key", key, "error", err)
				continue
			}
			a.markApplied(id, vf, remoteContent, rec.Seq)
			continue
		}

		if skip, err := a.vault.KeyFailedPermanently(key); err != nil || skip {
			continue
		}
		if applied, err := a.vault.KeyApplied(key); err != nil || applied {
			continue
		}
		if existing := findSelectionByGeometry(item, g); existing != nil {
			a.adoptExisting(string(identity.KindSelection), existing.ID, key)
			a.markApplied(id, vf, remoteContent, rec.Seq)
			continue
		}
		photo := cc.photoByChecksum(item, payload.Photo)
		if photo == nil {
			// The photo this selection belongs to is not local; nothing
			// to attach it to.
			continue
		}
		res, err := a.dispatch(ctx, localstore.Operation{
			Type: localstore.OpCreateSelection, ItemID: item.ID, PhotoID: photo.ID,
			Geometry: geometry,
		})
		if err != nil {
			a.noteCreateFailure(id, key, err)
			continue
		}
		a.recordCreated(string(identity.KindSelection), res.LocalID, key)
		a.markApplied(id, vf, remoteContent, rec.Seq)
	}
}

func (a *applier) applySelectionMeta(ctx context.Context, id string, itemDoc *doc.ItemDoc, item *localstore.Item) {
	for key, rec := range itemDoc.SelectionMeta {
		selKey, prop, ok := splitCompositeKey(key)
		if !ok || rec.Deleted {
			continue
		}
		vf := vaultField(doc.SectionSelectionMeta, key)
		localID, mapped, err := a.vault.LocalIDForKey(string(identity.KindSelection), selKey)
		if err != nil || !mapped {
			continue
		}
		localSel := findSelection(item, localID)
		if localSel == nil {
			continue
		}
		changed, err := a.vault.HasRemoteChange(id, vf, rec.Value)
		if err != nil || !changed {
			continue
		}
		if local, exists := localSel.Meta[prop]; exists {
			localEdited, err := a.vault.HasLocalEdit(id, vf, local.Value)
			if err != nil {
				continue
			}
			if localEdited && local.Value != rec.Value {
				a.recordConflict(id, vf, local.Value, rec.Value, rec.Author)
				continue
			}
		}
		if _, err := a.dispatch(ctx, localstore.Operation{
			Type: localstore.OpSetSelectionMeta, ItemID: item.ID, TargetID: localID,
			Field: prop, Value: rec.Value, Kind: rec.Kind, Lang: rec.Lang,
		}); err != nil {
			a.log.Warn("selection meta apply failed", "identity", id, "key", key, "error", err)
			continue
		}
		a.markApplied(id, vf, rec.Value, rec.Seq)
	}
}

func (a *applier) applyTranscriptions(ctx context.Context, cc *cycleContext, id string, itemDoc *doc.ItemDoc, item *localstore.Item) {
	for key, rec := range itemDoc.Transcriptions {
		vf := vaultField(doc.SectionTranscriptions, key)
		localID, mapped, err := a.vault.LocalIDForKey(string(identity.KindTranscription), key)
		if err != nil {
			continue
		}
		localTr := findTranscription(item, localID)

		if rec.Deleted {
			if !mapped || localTr == nil || !a.deletionAllowed(key) {
				continue
			}
			if _, err := a.dispatch(ctx, localstore.Operation{
				Type: localstore.OpDeleteTranscript, ItemID: item.ID, TargetID: localID,
			}); err != nil {
				a.log.Warn("transcription delete failed", "identity", id, "key", key, "error", err)
				continue
			}
			a.markApplied(id, vf, "", rec.Seq)
			continue
		}

		payload, err := decodeTranscription(rec.Value)
		if err != nil {
			a.log.Warn("malformed transcription payload", "identity", id, "key", key, "error", err)
			continue
		}
		changed, err := a.vault.HasRemoteChange(id, vf, payload.Text)
		if err != nil || !changed {
			continue
		}

		if mapped && localTr != nil {
			localEdited, err := a.vault.HasLocalEdit(id, vf, localTr.Text)
			if err != nil {
				continue
			}
			if localEdited && localTr.Text != payload.Text {
				a.recordConflict(id, vf, localTr.Text, payload.Text, rec.Author)
				continue
			}
			if _, err := a.dispatch(ctx, localstore.Operation{
				Type: localstore.OpUpdateTranscript, ItemID: item.ID, TargetID: localID,
				Text: payload.Text,
			}); err != nil {
				a.log.Warn("transcription update failed", "identity", id, "key", key, "error", err)
				continue
			}
			a.markApplied(id, vf, payload.Text, rec.Seq)
			continue
		}

		if skip, err := a.vault.KeyFailedPermanently(key); err != nil || skip {
			continue
		}
		if applied, err := a.vault.KeyApplied(key); err != nil || applied {
			continue
		}
		if existing := findTranscriptionByText(item, payload.Text); existing != nil {
			a.adoptExisting(string(identity.KindTranscription), existing.ID, key)
			a.markApplied(id, vf, payload.Text, rec.Seq)
			continue
		}
		op := localstore.Operation{
			Type: localstore.OpCreateTranscript, ItemID: item.ID, Text: payload.Text,
		}
		if photo := cc.photoByChecksum(item, payload.Photo); photo != nil {
			op.PhotoID = photo.ID
		}
		res, err := a.dispatch(ctx, op)
		if err != nil {
			a.noteCreateFailure(id, key, err)
			continue
		}
		a.recordCreated(string(identity.KindTranscription), res.LocalID, key)
		a.markApplied(id, vf, payload.Text, rec.Seq)
	}
}

func (a *applier) applyPhotoAdjustments(ctx context.Context, cc *cycleContext, id string, itemDoc *doc.ItemDoc, item *localstore.Item) {
	for _, entry := range itemDoc.PhotoMeta.Entries {
		rec := entry.Record
		if rec.Deleted {
			continue
		}
		checksum, prop, ok := splitCompositeKey(entry.Key)
		if !ok {
			continue
		}
		photo := cc.photoByChecksum(item, checksum)
		if photo == nil {
			continue
		}
		vf := vaultField(doc.SectionPhotoMeta, entry.Key)
		changed, err := a.vault.HasRemoteChange(id, vf, rec.Value)
		if err != nil || !changed {
			continue
		}
		if local, exists := photo.Adjustments[prop]; exists {
			localEdited, err := a.vault.HasLocalEdit(id, vf, local.Value)
			if err != nil {
				continue
			}
			if localEdited && local.Value != rec.Value {
				a.recordConflict(id, vf, local.Value, rec.Value, rec.Author)
				continue
			}
		}
		if _, err := a.dispatch(ctx, localstore.Operation{
			Type: localstore.OpSetPhotoAdjustment, ItemID: item.ID, PhotoID: photo.ID,
			Field: prop, Value: rec.Value, Kind: rec.Kind,
		}); err != nil {
			a.log.Warn("photo adjustment apply failed", "identity", id, "key", entry.Key, "error", err)
			continue
		}
		a.markApplied(id, vf, rec.Value, rec.Seq)
	}
}

func (a *applier) markApplied(vaultID, vf, value string, seq uint64) {
	if err := a.vault.MarkFieldApplied(vaultID, vf, value, seq); err != nil {
		a.log.Warn("mark applied failed", "field", vf, "error", err)
	}
}

func (a *applier) reconcile(vaultID, vf, localValue, remoteValue string, seq uint64) {
	if err := a.vault.ReconcileField(vaultID, vf, localValue, remoteValue, seq); err != nil {
		a.log.Warn("reconcile failed", "field", vf, "error", err)
	}
}

func (a *applier) adoptExisting(kind, localID, key string) {
	if err := a.vault.MapKey(kind, localID, key); err != nil {
		a.log.Warn("key adoption failed", "kind", kind, "key", key, "error", err)
		return
	}
	if err := a.vault.MarkKeyApplied(key); err != nil {
		a.log.Warn("mark key applied failed", "key", key, "error", err)
	}
}

func (a *applier) recordCreated(kind, localID, key string) {
	if err := a.vault.MapKey(kind, localID, key); err != nil {
		a.log.Warn("key mapping failed", "kind", kind, "key", key, "error", err)
	}
	if err := a.vault.MarkKeyApplied(key); err != nil {
		a.log.Warn("mark key applied failed", "key", key, "error", err)
	}
}

func (a *applier) noteCreateFailure(id, key string, cause error) {
	permanent, err := a.vault.RecordFailedCreate(key)
	if err != nil {
		a.log.Warn("failed-create bookkeeping error", "key", key, "error", err)
	}
	if permanent {
		a.log.Warn("creation failed repeatedly, key permanently skipped",
			"identity", id, "key", key, "error", cause)
		return
	}
	a.log.Warn("creation failed, will retry", "identity", id, "key", key, "error", cause)
}

func splitCompositeKey(key string) (parent, prop string, ok bool) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '|' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

func findNote(item *localstore.Item, localID string) *localstore.Note {
	if localID == "" {
		return nil
	}
	for i := range item.Notes {
		if item.Notes[i].ID == localID {
			return &item.Notes[i]
		}
	}
	for i := range item.Selections {
		for j := range item.Selections[i].Notes {
			if item.Selections[i].Notes[j].ID == localID {
				return &item.Selections[i].Notes[j]
			}
		}
	}
	return nil
}

func findNoteByContent(item *localstore.Item, text, html string) *localstore.Note {
	want := sanitize.NormalizeText(text)
	for i := range item.Notes {
		n := &item.Notes[i]
		if sanitize.NormalizeText(n.Text) == want && n.HTML == html {
			return n
		}
	}
	return nil
}

func findSelection(item *localstore.Item, localID string) *localstore.Selection {
	if localID == "" {
		return nil
	}
	for i := range item.Selections {
		if item.Selections[i].ID == localID {
			return &item.Selections[i]
		}
	}
	return nil
}

func findSelectionByGeometry(item *localstore.Item, g sanitize.Geometry) *localstore.Selection {
	for i := range item.Selections {
		s := &item.Selections[i]
		if s.X == g.X && s.Y == g.Y && s.W == g.W && s.H == g.H && s.Rotation == g.Rotation {
			return s
		}
	}
	return nil
}

func findTranscription(item *localstore.Item, localID string) *localstore.Transcription {
	if localID == "" {
		return nil
	}
	for i := range item.Transcriptions {
		if item.Transcriptions[i].ID == localID {
			return &item.Transcriptions[i]
		}
	}
	return nil
}

func findTranscriptionByText(item *localstore.Item, text string) *localstore.Transcription {
	want := sanitize.NormalizeText(text)
	for i := range item.Transcriptions {
		if sanitize.NormalizeText(item.Transcriptions[i].Text) == want {
			return &item.Transcriptions[i]
		}
	}
	return nil
}
