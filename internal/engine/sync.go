package engine

import (
	"github.com/roach88/diagramsync/internal/document"
	"github.com/roach88/diagramsync/internal/store"
)

// handleFrame gates one inbound diagramData payload.
// CRITICAL: Called only from the Run goroutine.
func (s *Session) handleFrame(body []byte) error {
	u, err := document.ParseUpdate(body)
	if err != nil {
		return newSyncError(ErrCodeMalformedFrame, 0, err, "decoding diagram data")
	}
	st := s.state

	if _, ok := st.pending[u.Version]; ok {
		delete(st.pending, u.Version)
		if st.doc.ID == 0 && u.ID != 0 {
			st.doc.ID = u.ID
			s.logger.Info("document created", "id", u.ID, "version", u.Version)
		}
		s.logger.Debug("echo suppressed", "version", u.Version)
		s.journalEchoed(u.Version)
		if st.deferred && len(st.pending) == 0 {
			return s.save()
		}
		return nil
	}

	if st.doc.ID != 0 && u.ID != 0 && u.ID != st.doc.ID {
		s.logger.Debug("update for another document", "id", u.ID, "version", u.Version)
		return nil
	}

	if st.counter.Stale(u.Version) {
		s.logger.Debug("stale update discarded", "version", u.Version, "current", st.counter.Current())
		return nil
	}

	held := u
	st.held = &held
	s.debouncer.Schedule(func(gen uint64) {
		s.queue.Enqueue(Event{Type: EventTypeDebounce, Generation: gen})
	})
	return nil
}

// commit applies the held frame when the debounce timer gen fires.
// CRITICAL: Called only from the Run goroutine.
func (s *Session) commit(gen uint64) {
	if !s.debouncer.Fire(gen) {
		s.logger.Debug("ignoring superseded debounce timer", "generation", gen)
		return
	}
	st := s.state
	u := st.held
	st.held = nil
	if u == nil {
		return
	}

	// A local save may have overtaken the frame during the window.
	if st.counter.Stale(u.Version) {
		s.logger.Debug("update superseded before commit", "version", u.Version, "current", st.counter.Current())
		return
	}

	st.counter.AdvanceTo(u.Version)
	changed := st.doc.Merge(*u)
	if hashes, err := document.FieldHashes(st.doc); err == nil {
		st.savedHashes = hashes
	}
	s.logger.Info("update applied", "version", u.Version, "fields", len(u.Present()), "changed", len(changed))

	s.journalSnapshot()
	s.notifyApply(Applied{
		Version:  u.Version,
		Fields:   u.Present(),
		Document: st.doc.Clone(),
	})
}

// installSnapshot resets the session onto a freshly loaded document.
// CRITICAL: Called only from the Run goroutine.
func (s *Session) installSnapshot(id int64, body []byte) error {
	doc, err := document.Parse(body)
	if err != nil {
		return s.loadFailed(newSyncError(ErrCodeLoadFailed, 0, err, "parsing diagram %d", id))
	}
	switch {
	case doc.ID == 0:
		doc.ID = id
	case id != 0 && doc.ID != id:
		return s.loadFailed(newSyncError(ErrCodeLoadFailed, 0, nil, "requested diagram %d, got %d", id, doc.ID))
	}

	s.debouncer.Cancel()
	prevSave := s.state.save
	s.state = newSyncState(s.ids.Generate(), doc)
	s.state.save = prevSave
	if u, err := document.ParseUpdate(body); err == nil {
		s.state.counter.AdvanceTo(u.Version)
	}
	if hashes, err := document.FieldHashes(doc); err == nil {
		s.state.savedHashes = hashes
	}
	s.setSaveState(SaveIdle)

	s.logger.Info("document loaded", "id", doc.ID, "version", s.state.counter.Current(), "session_id", s.state.sessionID)
	s.journalSnapshot()

	var fields []document.Field
	for _, f := range document.Fields {
		if doc.Has(f) {
			fields = append(fields, f)
		}
	}
	s.notifyApply(Applied{
		Version:  s.state.counter.Current(),
		Fields:   fields,
		Loaded:   true,
		Document: doc.Clone(),
	})
	return nil
}

func (s *Session) loadFailed(err *SyncError) error {
	s.state.lastErr = err
	s.setSaveState(SaveFailedToLoad)
	return err
}

func (s *Session) journalEchoed(version int64) {
	if s.journal == nil {
		return
	}
	st := s.state
	if err := s.journal.MarkEchoed(s.ctx, st.sessionID, version, st.doc.ID); err != nil {
		s.logger.Warn("journal: marking echo failed", "version", version, "error", err)
	}
}

func (s *Session) journalSnapshot() {
	st := s.state
	if s.journal == nil || st.doc.ID == 0 {
		return
	}
	payload, err := st.doc.Payload(st.counter.Current())
	if err != nil {
		s.logger.Warn("journal: encoding snapshot failed", "error", err)
		return
	}
	if err := s.journal.PutSnapshot(s.ctx, st.doc.ID, st.counter.Current(), payload); err != nil {
		s.logger.Warn("journal: storing snapshot failed", "id", st.doc.ID, "error", err)
	}
}

func (s *Session) journalState(version int64, state store.SaveState, errMsg string) {
	if s.journal == nil {
		return
	}
	if err := s.journal.MarkSaveState(s.ctx, s.state.sessionID, version, state, errMsg); err != nil {
		s.logger.Warn("journal: updating save failed", "version", version, "state", string(state), "error", err)
	}
}
