package engine

import (
	"log/slog"
	"time"

	"github.com/agentworkforce/annosync/internal/doc"
	"github.com/agentworkforce/annosync/internal/identity"
	"github.com/agentworkforce/annosync/internal/localstore"
	"github.com/agentworkforce/annosync/internal/vault"
)

// itemKind is the key_map namespace recording each local item's last
// computed identity, so identity drift can be detected and aliased.
const itemKind = "item"

// cycleContext carries the point-in-time local view shared by the
// pipelines of one sync cycle. Built fresh each cycle; never cached
// across cycles.
type cycleContext struct {
	snap       *localstore.Snapshot
	index      *identity.LocalIndex
	items      map[string]*localstore.Item // by local id
	identities map[string]string           // local id -> identity
}

func buildCycleContext(snap *localstore.Snapshot) *cycleContext {
	cc := &cycleContext{
		snap:       snap,
		items:      make(map[string]*localstore.Item, len(snap.Items)),
		identities: make(map[string]string, len(snap.Items)),
	}
	byID := make(map[string][]string, len(snap.Items))
	for i := range snap.Items {
		item := &snap.Items[i]
		cc.items[item.ID] = item
		id := identity.Identify(item.Checksums())
		if id == "" {
			continue
		}
		cc.identities[item.ID] = id
		byID[item.ID] = item.Checksums()
	}
	cc.index = identity.NewLocalIndex(byID)
	return cc
}

// checksumForPhoto maps a photo's local id to its checksum, the only
// photo handle that means the same thing on every participant.
func (cc *cycleContext) checksumForPhoto(item *localstore.Item, photoID string) string {
	for _, p := range item.Photos {
		if p.ID == photoID {
			return p.Checksum
		}
	}
	return ""
}

func (cc *cycleContext) photoByChecksum(item *localstore.Item, checksum string) *localstore.Photo {
	for i := range item.Photos {
		if item.Photos[i].Checksum == checksum {
			return &item.Photos[i]
		}
	}
	return nil
}

// plannedOp is one staged document mutation. All reads of the document
// and the vault happen while planning, before the write transaction
// opens; the transaction itself only replays the plan.
type plannedOp struct {
	section doc.Section
	key     string
	rec     doc.Record
	delete  bool
}

// pusher walks the local snapshot and writes every changed field into
// the replicated document, one locally-originated transaction per item.
// The vault fingerprint check in front of each write keeps shared
// document growth proportional to actual edits.
type pusher struct {
	cfg   *Config
	log   *slog.Logger
	vault *vault.Vault
	doc   *doc.Document
}

func (p *pusher) pushCycle(cc *cycleContext) {
	for i := range cc.snap.Items {
		item := &cc.snap.Items[i]
		id, ok := cc.identities[item.ID]
		if !ok {
			p.log.Debug("item has no identifying files, excluded from sync", "localId", item.ID)
			continue
		}
		p.pushItem(cc, item, id)
	}
}

func (p *pusher) pushItem(cc *cycleContext, item *localstore.Item, id string) {
	aliasFrom := p.detectIdentityDrift(item.ID, id)

	var plan []plannedOp
	stage := func(s doc.Section, key string, rec doc.Record) {
		p.stageWrite(&plan, id, s, key, rec)
	}

	stage(doc.SectionFields, checksumsField, doc.Record{
		Value: joinChecksums(item.Checksums()),
		Kind:  "sys",
	})
	if p.cfg.Sync.Metadata {
		for name, fv := range item.Fields {
			stage(doc.SectionFields, name, doc.Record{Value: fv.Value, Kind: fv.Kind, Lang: fv.Lang})
		}
	}
	if p.cfg.Sync.Tags {
		p.planNames(stage, doc.SectionTags, item.Tags)
	}
	if p.cfg.Sync.Lists {
		p.planNames(stage, doc.SectionLists, item.Lists)
	}
	if p.cfg.Sync.Notes {
		p.planNotes(stage, cc, item, id)
	}
	if p.cfg.Sync.Selections {
		p.planSelections(stage, cc, item, id)
	}
	if p.cfg.Sync.Transcriptions {
		p.planTranscriptions(stage, cc, item, id)
	}
	if p.cfg.Sync.PhotoAdjustments {
		p.planPhotoAdjustments(stage, item)
	}
	if p.cfg.Sync.Deletions {
		p.planDeletions(&plan, cc, item, id)
	}

	if len(plan) == 0 && aliasFrom == "" {
		return
	}
	now := time.Now()
	u := p.doc.Update(doc.OriginLocal, p.cfg.Author, func(txn *doc.Txn) {
		if aliasFrom != "" {
			txn.Alias(aliasFrom, id)
		}
		for _, op := range plan {
			if op.delete {
				txn.Delete(id, op.section, op.key, now)
				continue
			}
			txn.Set(id, op.section, op.key, op.rec)
		}
	})
	p.markPushed(id, u)
}

// detectIdentityDrift compares the item's current identity with the one
// recorded last cycle. On change it records the new mapping and returns
// the old identity so the transaction can write an alias, keeping
// historical annotations reachable.
func (p *pusher) detectIdentityDrift(localID, id string) string {
	prev, minted, err := p.vault.ResolveOrMintKey(itemKind, localID, nil, func() string { return id })
	if err != nil {
		p.log.Warn("identity drift check failed", "localId", localID, "error", err)
		return ""
	}
	if minted || prev == id {
		return ""
	}
	if err := p.vault.MapKey(itemKind, localID, id); err != nil {
		p.log.Warn("identity remap failed", "localId", localID, "error", err)
		return ""
	}
	p.log.Info("item identity changed, aliasing", "localId", localID, "from", prev, "to", id)
	return prev
}

// stageWrite plans one record write if the value changed since the last
// push. Fingerprints are marked only after the transaction commits.
func (p *pusher) stageWrite(plan *[]plannedOp, id string, s doc.Section, key string, rec doc.Record) {
	vaultID, vf := fingerprintKey(id, s, key)
	changed, err := p.vault.HasLocalEdit(vaultID, vf, contentValue(s, rec))
	if err != nil {
		p.log.Warn("fingerprint check failed", "identity", id, "field", vf, "error", err)
		return
	}
	if !changed {
		return
	}
	*plan = append(*plan, plannedOp{section: s, key: key, rec: rec})
}

// fingerprintKey returns the vault coordinates for a document record.
// Keyed sub-resources (notes, selection notes) live in the global
// keyspace because their shared keys are already unique; everything
// else is scoped by item identity.
func fingerprintKey(id string, s doc.Section, key string) (vaultID, field string) {
	switch s {
	case doc.SectionNotes, doc.SectionSelectionNotes:
		return "", vaultField(s, key)
	}
	return id, vaultField(s, key)
}

func (p *pusher) planNames(stage func(doc.Section, string, doc.Record), s doc.Section, names []string) {
	for _, name := range names {
		key := identity.NormalizeName(name)
		if key == "" {
			continue
		}
		stage(s, key, doc.Record{Value: name})
	}
}

func (p *pusher) planNotes(stage func(doc.Section, string, doc.Record), cc *cycleContext, item *localstore.Item, id string) {
	planOne := func(note *localstore.Note, photoChecksum, selKey string) {
		section := doc.SectionNotes
		if selKey != "" {
			section = doc.SectionSelectionNotes
		}
		key := p.sharedKey(identity.KindNote, note.ID, id, section)
		if key == "" {
			return
		}
		payload := encodePayload(notePayload{
			LocalID: note.ID,
			Photo:   photoChecksum,
			Sel:     selKey,
			Text:    note.Text,
			HTML:    note.HTML,
		})
		stage(section, key, doc.Record{Value: payload, Kind: "note"})
	}

	for i := range item.Notes {
		note := &item.Notes[i]
		selKey := ""
		if note.SelectionID != "" {
			selKey = p.sharedKey(identity.KindSelection, note.SelectionID, id, doc.SectionSelections)
		}
		planOne(note, cc.checksumForPhoto(item, note.PhotoID), selKey)
	}
	for i := range item.Selections {
		sel := &item.Selections[i]
		selKey := p.sharedKey(identity.KindSelection, sel.ID, id, doc.SectionSelections)
		for j := range sel.Notes {
			planOne(&sel.Notes[j], cc.checksumForPhoto(item, sel.PhotoID), selKey)
		}
	}
}

func (p *pusher) planSelections(stage func(doc.Section, string, doc.Record), cc *cycleContext, item *localstore.Item, id string) {
	for i := range item.Selections {
		sel := &item.Selections[i]
		key := p.sharedKey(identity.KindSelection, sel.ID, id, doc.SectionSelections)
		if key == "" {
			continue
		}
		payload := encodePayload(selectionPayload{
			LocalID:  sel.ID,
			Photo:    cc.checksumForPhoto(item, sel.PhotoID),
			X:        sel.X,
			Y:        sel.Y,
			W:        sel.W,
			H:        sel.H,
			Rotation: sel.Rotation,
		})
		stage(doc.SectionSelections, key, doc.Record{Value: payload, Kind: "selection"})
		for prop, fv := range sel.Meta {
			stage(doc.SectionSelectionMeta, key+"|"+prop, doc.Record{
				Value: fv.Value,
				Kind:  fv.Kind,
				Lang:  fv.Lang,
			})
		}
	}
}

func (p *pusher) planTranscriptions(stage func(doc.Section, string, doc.Record), cc *cycleContext, item *localstore.Item, id string) {
	for i := range item.Transcriptions {
		tr := &item.Transcriptions[i]
		key := p.sharedKey(identity.KindTranscription, tr.ID, id, doc.SectionTranscriptions)
		if key == "" {
			continue
		}
		payload := encodePayload(transcriptionPayload{
			LocalID: tr.ID,
			Photo:   cc.checksumForPhoto(item, tr.PhotoID),
			Text:    tr.Text,
		})
		stage(doc.SectionTranscriptions, key, doc.Record{Value: payload, Kind: "transcription"})
	}
}

func (p *pusher) planPhotoAdjustments(stage func(doc.Section, string, doc.Record), item *localstore.Item) {
	for i := range item.Photos {
		photo := &item.Photos[i]
		if photo.Checksum == "" {
			continue
		}
		for prop, fv := range photo.Adjustments {
			stage(doc.SectionPhotoMeta, photo.Checksum+"|"+prop, doc.Record{
				Value: fv.Value,
				Kind:  fv.Kind,
			})
		}
	}
}

// planDeletions tombstones document records whose backing local
// resource is gone. Only fields the vault has seen are eligible: a
// record this participant never synced is someone else's data, not a
// local deletion.
func (p *pusher) planDeletions(plan *[]plannedOp, cc *cycleContext, item *localstore.Item, id string) {
	itemDoc, ok := p.doc.ItemSnapshot(id)
	if !ok {
		return
	}

	localNames := func(names []string) map[string]struct{} {
		set := make(map[string]struct{}, len(names))
		for _, n := range names {
			set[identity.NormalizeName(n)] = struct{}{}
		}
		return set
	}
	tagSet := localNames(item.Tags)
	listSet := localNames(item.Lists)

	for _, s := range doc.Sections {
		for _, key := range liveKeys(itemDoc, s) {
			gone := false
			switch s {
			case doc.SectionFields:
				if key == checksumsField {
					continue
				}
				_, exists := item.Fields[key]
				gone = !exists
			case doc.SectionTags:
				_, exists := tagSet[key]
				gone = !exists
			case doc.SectionLists:
				_, exists := listSet[key]
				gone = !exists
			case doc.SectionNotes, doc.SectionSelectionNotes:
				gone = p.resourceGone(identity.KindNote, key, item)
			case doc.SectionSelections:
				gone = p.resourceGone(identity.KindSelection, key, item)
			case doc.SectionTranscriptions:
				gone = p.resourceGone(identity.KindTranscription, key, item)
			default:
				// Photo metadata and selection metadata follow their
				// parent resource; no independent deletion.
				continue
			}
			if !gone {
				continue
			}
			vaultID, vf := fingerprintKey(id, s, key)
			known, err := p.vault.KnownField(vaultID, vf)
			if err != nil || !known {
				continue
			}
			*plan = append(*plan, plannedOp{section: s, key: key, delete: true})
		}
	}
}

// resourceGone reports whether a shared key maps to a local resource
// this participant once had but no longer does.
func (p *pusher) resourceGone(kind identity.Kind, sharedKey string, item *localstore.Item) bool {
	localID, ok, err := p.vault.LocalIDForKey(string(kind), sharedKey)
	if err != nil || !ok {
		return false
	}
	switch kind {
	case identity.KindNote:
		for i := range item.Notes {
			if item.Notes[i].ID == localID {
				return false
			}
		}
		for i := range item.Selections {
			for j := range item.Selections[i].Notes {
				if item.Selections[i].Notes[j].ID == localID {
					return false
				}
			}
		}
	case identity.KindSelection:
		for i := range item.Selections {
			if item.Selections[i].ID == localID {
				return false
			}
		}
	case identity.KindTranscription:
		for i := range item.Transcriptions {
			if item.Transcriptions[i].ID == localID {
				return false
			}
		}
	}
	return true
}

func liveKeys(itemDoc *doc.ItemDoc, s doc.Section) []string {
	var keys []string
	collect := func(m map[string]doc.Record) {
		for k, rec := range m {
			if !rec.Deleted {
				keys = append(keys, k)
			}
		}
	}
	switch s {
	case doc.SectionFields:
		collect(itemDoc.Fields)
	case doc.SectionTags:
		collect(itemDoc.Tags)
	case doc.SectionLists:
		collect(itemDoc.Lists)
	case doc.SectionNotes:
		collect(itemDoc.Notes)
	case doc.SectionSelectionNotes:
		collect(itemDoc.SelectionNotes)
	case doc.SectionSelections:
		collect(itemDoc.Selections)
	case doc.SectionSelectionMeta:
		collect(itemDoc.SelectionMeta)
	case doc.SectionTranscriptions:
		collect(itemDoc.Transcriptions)
	case doc.SectionPhotoMeta:
		for _, entry := range itemDoc.PhotoMeta.Entries {
			if !entry.Record.Deleted {
				keys = append(keys, entry.Key)
			}
		}
	}
	return keys
}

// sharedKey resolves the shared key for a local sub-resource: mapping
// first, then a document scan keyed on the creator-local id, minting
// last. The scan recovers mappings lost with the vault and prevents
// duplicate creation after state loss.
func (p *pusher) sharedKey(kind identity.Kind, localID, id string, s doc.Section) string {
	key, _, err := p.vault.ResolveOrMintKey(string(kind), localID,
		func() string { return p.scanDocForLocalID(id, s, localID) },
		func() string { return identity.MintKey(kind) },
	)
	if err != nil {
		p.log.Warn("shared key resolution failed", "kind", kind, "localId", localID, "error", err)
		return ""
	}
	return key
}

// scanDocForLocalID looks for a record in the item's section whose
// payload was authored by this participant for the given local id.
func (p *pusher) scanDocForLocalID(id string, s doc.Section, localID string) string {
	itemDoc, ok := p.doc.ItemSnapshot(id)
	if !ok {
		return ""
	}
	for _, key := range liveKeys(itemDoc, s) {
		rec, ok := itemDoc.Get(s, key)
		if !ok || rec.Author != p.cfg.Author {
			continue
		}
		payload, err := decodeNote(rec.Value)
		if err == nil && payload.LocalID == localID {
			return key
		}
	}
	return ""
}

// markPushed records fingerprints for every record the committed
// transaction wrote.
func (p *pusher) markPushed(id string, u doc.Update) {
	for _, op := range u.Ops {
		if op.Key == "" {
			continue
		}
		vaultID, vf := fingerprintKey(op.Item, op.Section, op.Key)
		if err := p.vault.MarkFieldPushed(vaultID, vf, contentValue(op.Section, op.Record), op.Record.Seq); err != nil {
			p.log.Warn("mark pushed failed", "identity", id, "field", vf, "error", err)
		}
	}
}
