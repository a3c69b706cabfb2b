package engine

import (
	"encoding/json"
	"strings"

	"github.com/roach88/diagramsync/internal/document"
	"github.com/roach88/diagramsync/internal/remote"
	"github.com/roach88/diagramsync/internal/store"
)

// save runs one SAVING cycle to completion: bump the counter, mark the
// version pending, journal the payload, publish it, then notify the
// changed fields. The loop is single-writer, so the next mutation is only
// seen after this publish was issued.
//
// While a creation is unconfirmed the document has no id to update, and a
// second addDiagram would create a second record. The save is deferred
// until the creation echo arrives.
// CRITICAL: Called only from the Run goroutine.
func (s *Session) save() error {
	st := s.state
	if st.doc.ID == 0 && len(st.pending) > 0 {
		st.deferred = true
		s.logger.Debug("save deferred until creation is echoed", "pending", len(st.pending))
		return nil
	}
	st.deferred = false

	version := st.counter.Next()
	st.pending[version] = struct{}{}
	s.setSaveState(SaveSaving)

	payload, err := st.doc.SavePayload(version, s.now())
	if err != nil {
		return s.saveFailed(version, false, newSyncError(ErrCodePublishFailed, version, err, "encoding document"))
	}
	hashes, err := document.FieldHashes(st.doc)
	if err != nil {
		return s.saveFailed(version, false, newSyncError(ErrCodePublishFailed, version, err, "hashing document"))
	}

	if s.journal != nil {
		contentHash, err := document.ContentHash(st.doc)
		if err != nil {
			return s.saveFailed(version, false, newSyncError(ErrCodeJournalFailed, version, err, "hashing document"))
		}
		_, err = s.journal.RecordSave(s.ctx, store.SaveRecord{
			SessionID:   st.sessionID,
			DocID:       st.doc.ID,
			Version:     version,
			ContentHash: contentHash,
			Payload:     payload,
			State:       store.SavePending,
			CreatedAt:   s.now(),
		})
		if err != nil {
			return s.saveFailed(version, false, newSyncError(ErrCodeJournalFailed, version, err, "recording save"))
		}
	}

	typ := remote.TypeUpdateDiagram
	if st.doc.ID == 0 {
		typ = remote.TypeAddDiagram
	}
	if err := s.pub.Publish(remote.DestinationPrefix+typ, json.RawMessage(payload)); err != nil {
		return s.saveFailed(version, true, newSyncError(ErrCodePublishFailed, version, err, "publishing %s", typ))
	}
	s.journalState(version, store.SavePublished, "")

	st.lastSaved = s.now()
	st.lastSaveVersion = version
	st.lastErr = nil
	s.setSaveState(SaveSaved)

	changed := document.ChangedFields(st.savedHashes, hashes)
	st.savedHashes = hashes
	s.notifyChanged(version, changed)
	return nil
}

// notifyChanged broadcasts the sections touched since the previous save.
// A document the server has not assigned an id yet has nobody to notify.
func (s *Session) notifyChanged(version int64, changed []document.Field) {
	st := s.state
	if st.doc.ID == 0 || len(changed) == 0 {
		return
	}
	n := remote.Notification{
		ID:      st.doc.ID,
		Version: version,
		Fields:  make(map[document.Field]json.RawMessage, len(changed)),
	}
	for _, f := range changed {
		n.Fields[f] = st.doc.Get(f)
	}
	if err := remote.NotifyUpdate(s.pub, n); err != nil {
		s.logger.Warn("update notification dropped", "version", version, "error", err)
	}
}

// saveFailed ends a SAVING cycle in ERROR. The version stays consumed but
// leaves the pending set, since no echo will ever carry it.
func (s *Session) saveFailed(version int64, journaled bool, err *SyncError) error {
	delete(s.state.pending, version)
	s.state.lastErr = err
	if journaled {
		s.journalState(version, store.SaveFailed, err.Error())
	}
	s.setSaveState(SaveError)
	return err
}

// serverError handles a message on the error topic. While a save is
// outstanding it is taken as that save's rejection.
func (s *Session) serverError(body []byte) error {
	st := s.state
	if st.save != SaveSaved || st.lastSaveVersion == 0 {
		s.logger.Info("server error", "body", string(body))
		return nil
	}
	version := st.lastSaveVersion
	if _, outstanding := st.pending[version]; !outstanding {
		s.logger.Info("server error after save was echoed", "version", version, "body", string(body))
		return nil
	}
	return s.saveFailed(version, true, newSyncError(ErrCodePublishFailed, version, nil,
		"server rejected save: %s", strings.TrimSpace(string(body))))
}
