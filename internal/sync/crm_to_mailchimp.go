package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/newrelic/nr-crm-mailchimp-sync/internal/filter"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/mailchimp"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/mapping"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/revision"
	"github.com/spf13/cast"
)

type ChangesResult struct {
	RevisionID int64
	Fetched    int
	Filtered   int
	Synced     int
	Done       bool
}

func (r *ChangesResult) add(o *ChangesResult) {
	r.RevisionID = o.RevisionID
	r.Fetched += o.Fetched
	r.Filtered += o.Filtered
	r.Synced += o.Synced
	r.Done = o.Done
}

// SyncAllChanges pushes one page of CRM members changed since the last
// successful revision to Mailchimp.
//
// A call with offset 0 starts a new run: it discards open revisions left by
// failed runs and opens one for the CRM's current revision. Callers page by
// calling again with offset+limit until the result is Done, at which point
// the revision is marked successful. A failing record aborts the call and
// leaves the revision open; the next run starts over from the last
// successful revision.
func (s *Syncer) SyncAllChanges(
	ctx context.Context,
	limit int,
	offset int,
	syncAll bool,
) (*ChangesResult, error) {
	txn, ctx, logger := s.startTransaction(ctx, "SyncAllChanges")
	defer txn.End()

	result, err := s.syncChanges(ctx, limit, offset, syncAll)
	if err != nil {
		txn.NoticeError(err)
		logger.Warnf("sync of changes at offset %d failed: %s", offset, err)
	}

	return result, err
}

func (s *Syncer) syncChanges(
	ctx context.Context,
	limit int,
	offset int,
	syncAll bool,
) (*ChangesResult, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &ChangesResult{}
	runID := newRunID()

	if offset == 0 {
		remoteRevisionID, err := s.crm.RevisionID(ctx)
		if err != nil {
			return nil, fmt.Errorf("read crm revision: %w", err)
		}

		rev, err := s.tracker.Begin(ctx, remoteRevisionID)
		if err != nil {
			return nil, err
		}

		result.RevisionID = rev.RevisionID

		s.log.Infof("starting sync of crm revision %d", rev.RevisionID)
		event := s.newAuditEvent(runID, actionSyncStart, nil)
		event["revisionId"] = rev.RevisionID
		event["syncAll"] = syncAll
		s.pushEvent(event)
	} else {
		rev, err := s.tracker.Current(ctx)
		if errors.Is(err, revision.ErrNoOpenRevision) {
			return nil, fmt.Errorf(
				"no open revision for %s, start the sync at offset 0: %w",
				s.cfg.Name,
				err,
			)
		} else if err != nil {
			return nil, err
		}

		result.RevisionID = rev.RevisionID
	}

	since, err := s.tracker.LatestSuccessfulRevisionID(ctx)
	if err != nil {
		return nil, err
	}

	s.log.Debugf(
		"fetching up to %d crm members changed since revision %d at offset %d",
		limit,
		since,
		offset,
	)

	members, err := s.crm.ChangedMembers(ctx, since, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("fetch changed crm members: %w", err)
	}

	result.Fetched = len(members)

	if len(members) == 0 {
		rev, err := s.tracker.Complete(ctx)
		if err != nil {
			return nil, err
		}

		result.Done = true

		s.log.Infof("sync of crm revision %d complete", rev.RevisionID)
		event := s.newAuditEvent(runID, actionSyncEnd, nil)
		event["revisionId"] = rev.RevisionID
		s.pushEvent(event)

		return result, nil
	}

	f, err := filter.New(s.mapper, filter.Options{
		RecordStatusKey: s.cfg.Crm.RecordStatusKey,
		EmailStatusKey:  s.cfg.Crm.EmailStatusKey,
		SyncAll:         syncAll,
	}, s.log)
	if err != nil {
		return nil, err
	}

	kept, err := f.Filter(members)
	if err != nil {
		return nil, err
	}

	result.Filtered = len(members) - len(kept)

	for _, member := range kept {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if err := s.pushMember(ctx, member); err != nil {
			return result, err
		}

		result.Synced++
	}

	s.log.Debugf(
		"synced %d of %d crm members at offset %d",
		result.Synced,
		result.Fetched,
		offset,
	)

	return result, nil
}

func (s *Syncer) pushMember(ctx context.Context, member mapping.Record) error {
	subscriber, err := s.mapper.CrmToPlatform(member)
	if err != nil {
		return fmt.Errorf("map crm member %s: %w", cast.ToString(member["id"]), err)
	}

	s.log.Tracef("pushing subscriber %v", subscriber)

	if _, err := s.mailchimp.PutSubscriber(ctx, subscriber); err != nil {
		return fmt.Errorf(
			"push crm member %s to mailchimp: %w",
			cast.ToString(member["id"]),
			err,
		)
	}

	// tag fields whose condition no longer holds
	if inactive := s.mapper.InactiveTags(subscriber); len(inactive) > 0 {
		id := mailchimp.SubscriberID(cast.ToString(subscriber[mapping.EmailAddressKey]))
		if err := s.mailchimp.RemoveTags(ctx, id, inactive...); err != nil {
			return fmt.Errorf("remove tags of crm member %s: %w", cast.ToString(member["id"]), err)
		}
	}

	return nil
}

// SyncAll pages through all changes until the run is complete.
func (s *Syncer) SyncAll(ctx context.Context, limit int, syncAll bool) (*ChangesResult, error) {
	total := &ChangesResult{}

	for offset := 0; ; offset += limit {
		result, err := s.SyncAllChanges(ctx, limit, offset, syncAll)
		if result != nil {
			total.add(result)
		}
		if err != nil {
			return total, err
		}

		if result.Done {
			return total, nil
		}
	}
}
