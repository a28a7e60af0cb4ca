package sync

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/newrelic/nr-crm-mailchimp-sync/internal/mailchimp"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/mapping"
	"github.com/spf13/cast"
	"go.uber.org/multierr"
)

type subscriberProcessorResult int

const (
	SUBSCRIBER_FILTERED subscriberProcessorResult = iota
	SUBSCRIBER_CREATED
	SUBSCRIBER_ERR
)

type CronResult struct {
	Processed int
	Success   int
	Failed    int
	Filtered  int
}

// SyncAllCronBatch creates CRM members for new Mailchimp subscribers, that
// is subscribers tagged with the configured new tag and not yet linked to a
// CRM member. It pages through the subscribers changed within the
// configured window, batchSize at a time, until a short page or until limit
// subscribers were processed. Zero values fall back to the configuration.
//
// Failing subscribers are counted and do not stop the batch; their errors
// are returned combined. The result is never nil.
func (s *Syncer) SyncAllCronBatch(ctx context.Context, batchSize int, limit int) (*CronResult, error) {
	txn, ctx, logger := s.startTransaction(ctx, "SyncAllCronBatch")
	defer txn.End()

	if batchSize <= 0 {
		batchSize = s.cfg.Cron.BatchSize
	}
	if limit <= 0 {
		limit = s.cfg.Cron.Limit
	}

	runID := newRunID()
	result := &CronResult{}
	filters := s.cronFilters()

	var errs error

	for offset := 0; limit <= 0 || result.Processed < limit; {
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, err)
			break
		}

		count := batchSize
		if limit > 0 && limit-result.Processed < count {
			count = limit - result.Processed
		}

		logger.Debugf("fetching %d mailchimp subscribers at offset %d", count, offset)

		page, err := s.mailchimp.GetSubscribersPage(ctx, count, offset, filters)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("fetch mailchimp subscribers: %w", err))
			break
		}

		for _, subscriber := range page {
			result.Processed++

			res, err := s.processSubscriber(ctx, subscriber)

			switch res {
			case SUBSCRIBER_FILTERED:
				result.Filtered++
			case SUBSCRIBER_CREATED:
				result.Success++
			case SUBSCRIBER_ERR:
				result.Failed++

				logger.Warnf(
					"failed to create crm member for %s: %s",
					cast.ToString(subscriber[mapping.EmailAddressKey]),
					err,
				)
				errs = multierr.Append(errs, err)
			}
		}

		if len(page) < count {
			break
		}

		offset += count
	}

	logger.Infof(
		"cron batch done: %d processed, %d created, %d failed, %d filtered",
		result.Processed,
		result.Success,
		result.Failed,
		result.Filtered,
	)

	if errs != nil {
		txn.NoticeError(errs)
	}

	event := s.newAuditEvent(runID, actionCronEnd, errs)
	event["processed"] = result.Processed
	event["success"] = result.Success
	event["failed"] = result.Failed
	event["filtered"] = result.Filtered
	s.pushEvent(event)

	return result, errs
}

func (s *Syncer) cronFilters() map[string]string {
	now := s.now().UTC()
	filters := map[string]string{
		mailchimp.FilterBeforeTimestampOpt: now.
			AddDate(0, -s.cfg.Cron.OptInOlderThanMonths, 0).
			Format(time.RFC3339),
	}

	if s.cfg.Cron.UpdatedWithinMonths > 0 {
		filters[mailchimp.FilterSinceLastChanged] = now.
			AddDate(0, -s.cfg.Cron.UpdatedWithinMonths, 0).
			Format(time.RFC3339)
	}

	return filters
}

func (s *Syncer) processSubscriber(
	ctx context.Context,
	subscriber mapping.Record,
) (subscriberProcessorResult, error) {
	email := cast.ToString(subscriber[mapping.EmailAddressKey])
	if email == "" {
		s.log.Debugf("skipping subscriber %v without email", subscriber["id"])
		return SUBSCRIBER_FILTERED, nil
	}

	if crmID := s.linkedCrmID(subscriberMerges(subscriber)); crmID != "" {
		s.log.Tracef("skipping %s, already linked to crm member %s", email, crmID)
		return SUBSCRIBER_FILTERED, nil
	}

	if !s.hasInterestToSync(subscriber) {
		s.log.Tracef("skipping %s, no interest to sync", email)
		return SUBSCRIBER_FILTERED, nil
	}

	tags := mailchimp.MemberTagNames(subscriber)
	if !stringSliceContains(tags, s.cfg.Cron.NewTag) {
		s.log.Tracef("skipping %s, not tagged %s", email, s.cfg.Cron.NewTag)
		return SUBSCRIBER_FILTERED, nil
	}

	payload, err := s.mapper.PlatformToCrm(subscriber)
	if err != nil {
		return SUBSCRIBER_ERR, fmt.Errorf("map subscriber %s: %w", email, err)
	}

	// the crm assigns ids
	delete(payload, "id")

	payload.Add(mapping.CrmValue{
		Key:   s.cfg.Cron.EntryChannelKey,
		Value: fmt.Sprintf("Mailchimp %s", s.now().Format("2006-01-02 15:04:05")),
		Mode:  mapping.ModeReplaceEmpty,
	})

	if s.cfg.Cron.NewMemberGroupID != "" {
		payload.Add(mapping.CrmValue{
			Key:   s.cfg.Cron.GroupKey,
			Value: s.cfg.Cron.NewMemberGroupID,
			Mode:  mapping.ModeAppend,
		})
	}

	if lang := s.language(tags); lang != "" {
		payload.Add(mapping.CrmValue{
			Key:   s.cfg.Cron.LanguageKey,
			Value: lang,
			Mode:  mapping.ModeReplaceEmpty,
		})
	}

	crmID, err := s.crm.CreateMember(ctx, payload)
	if err != nil {
		return SUBSCRIBER_ERR, fmt.Errorf("create crm member for %s: %w", email, err)
	}

	s.log.Debugf("created crm member %s for %s", crmID, email)

	subscriberID := cast.ToString(subscriber["id"])
	if subscriberID == "" {
		subscriberID = mailchimp.SubscriberID(email)
	}

	if err := s.mailchimp.UpdateMergeFields(
		ctx,
		subscriberID,
		map[string]interface{}{s.cfg.Mailchimp.CrmIDMergeKey: crmID},
	); err != nil {
		return SUBSCRIBER_ERR, fmt.Errorf("link %s to crm member %s: %w", email, crmID, err)
	}

	if err := s.mailchimp.RemoveTags(ctx, subscriberID, s.cfg.Cron.NewTag); err != nil {
		return SUBSCRIBER_ERR, fmt.Errorf("remove tag %s from %s: %w", s.cfg.Cron.NewTag, email, err)
	}

	return SUBSCRIBER_CREATED, nil
}

// hasInterestToSync reports whether one of the configured interests is set.
// Without configured interests every subscriber qualifies.
func (s *Syncer) hasInterestToSync(subscriber mapping.Record) bool {
	if len(s.cfg.Cron.InterestsToSync) == 0 {
		return true
	}

	interests, _ := subscriber[mapping.ParentInterests].(map[string]interface{})
	for _, id := range s.cfg.Cron.InterestsToSync {
		if cast.ToBool(interests[id]) {
			return true
		}
	}

	return false
}

// language derives the language code from the first language tag, e.g.
// "Deutsch" becomes "d".
func (s *Syncer) language(tags []string) string {
	for _, tag := range tags {
		if !stringSliceContains(s.cfg.Cron.LanguageTags, tag) {
			continue
		}

		r, _ := utf8.DecodeRuneInString(tag)
		if r == utf8.RuneError {
			continue
		}
		return strings.ToLower(string(r))
	}

	return ""
}
