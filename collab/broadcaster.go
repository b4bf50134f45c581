package collab

import (
	"context"
	"fmt"

	"docsync-server/delta"

	"github.com/sirupsen/logrus"
)

// Publisher receives every applied change after it has been fanned out.
// Publish must not block.
type Publisher interface {
	Publish(documentID, sessionID string, change delta.Change)
}

// Broadcaster folds changes into room snapshots, relays them to the other
// members and schedules persistence.
type Broadcaster struct {
	registry  *Registry
	persister Persister
	publisher Publisher
}

// NewBroadcaster wires a broadcaster. publisher may be nil.
func NewBroadcaster(registry *Registry, persister Persister, publisher Publisher) *Broadcaster {
	return &Broadcaster{
		registry:  registry,
		persister: persister,
		publisher: publisher,
	}
}

// ApplyChange replaces the snapshot of documentID with the fold of raw and
// delivers raw as receive-changes to every member but origin. Changes to one
// document are applied one at a time in arrival order.
//
// The new snapshot is the inserted text of this change alone; whatever the
// room held before is discarded. A blank fold still updates the snapshot and
// is broadcast, but is not persisted.
func (b *Broadcaster) ApplyChange(ctx context.Context, documentID string, origin Member, raw any) error {
	change, err := delta.Parse(raw)
	if err != nil {
		return err
	}
	content := change.Fold()

	var relayed int
	err = b.registry.withRoom(documentID, func(rm *room) error {
		if _, ok := rm.members[origin.SessionID()]; !ok {
			return ErrNotJoined
		}

		rm.content = content
		rm.dirty = true

		for id, m := range rm.members {
			if id == origin.SessionID() {
				continue
			}
			m.Deliver(EventReceiveChanges, raw)
			relayed++
		}

		b.persist(documentID, content)
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply change to %s: %w", documentID, err)
	}

	logrus.WithFields(logrus.Fields{
		"document_id": documentID,
		"session_id":  origin.SessionID(),
		"ops":         len(change),
		"relayed":     relayed,
	}).Debug("Change applied")

	if b.publisher != nil {
		b.publisher.Publish(documentID, origin.SessionID(), change)
	}
	return nil
}

// SaveDocument applies the same fold as ApplyChange without relaying the
// change to other members.
func (b *Broadcaster) SaveDocument(ctx context.Context, documentID string, origin Member, raw any) error {
	change, err := delta.Parse(raw)
	if err != nil {
		return err
	}
	content := change.Fold()

	err = b.registry.withRoom(documentID, func(rm *room) error {
		if _, ok := rm.members[origin.SessionID()]; !ok {
			return ErrNotJoined
		}
		rm.content = content
		rm.dirty = true
		b.persist(documentID, content)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save document %s: %w", documentID, err)
	}

	logrus.WithFields(logrus.Fields{
		"document_id": documentID,
		"session_id":  origin.SessionID(),
		"data_length": len(content),
	}).Info("Document save requested")
	return nil
}

// persist hands non-blank content to the persister. Caller holds the room
// lock so requests reach the persister in snapshot order.
func (b *Broadcaster) persist(documentID, content string) {
	if delta.IsBlank(content) {
		logrus.WithField("document_id", documentID).Debug("Blank snapshot, skipping persist")
		return
	}
	b.persister.Persist(documentID, content)
}
