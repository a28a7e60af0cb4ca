package sync

import (
	"github.com/gofrs/uuid"
)

const auditEventType = "CrmMailchimpSync"

const (
	actionSyncStart = "sync_start"
	actionSyncEnd   = "sync_end"
	actionCronEnd   = "cron_end"
	actionWebhook   = "webhook"
)

type auditEvent map[string]interface{}

func newRunID() uuid.UUID {
	id, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil
	}
	return id
}

func (s *Syncer) newAuditEvent(
	runID uuid.UUID,
	action string,
	err error,
) auditEvent {
	event := auditEvent{}

	event["id"] = runID.String()
	event["action"] = action
	event["config"] = s.cfg.Name
	event["error"] = err != nil
	if err != nil {
		event["errorMessage"] = err.Error()
	}

	return event
}

// pushEvent records the event as a New Relic custom event. Without a
// license key the agent is disabled and the event is dropped.
func (s *Syncer) pushEvent(event auditEvent) {
	s.log.Tracef("pushing %s event %v", auditEventType, map[string]interface{}(event))
	s.app.RecordCustomEvent(auditEventType, event)
}
