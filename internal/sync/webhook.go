package sync

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/newrelic/nr-crm-mailchimp-sync/internal/mapping"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/notify"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/syncerr"
	log "github.com/sirupsen/logrus"
)

// Mailchimp webhook event types.
const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventCleaned     = "cleaned"
	EventProfile     = "profile"
	EventUpemail     = "upemail"
)

const (
	emailStatusInvalid = "invalid"
	hardBounce         = "hard"
)

// Event is a decoded Mailchimp webhook call.
type Event struct {
	Type    string
	FiredAt string
	Data    map[string]interface{}
}

// ParseEventBody parses an application/x-www-form-urlencoded webhook body.
func ParseEventBody(body []byte) (*Event, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeParse, err, "parse webhook body")
	}
	return ParseEvent(form)
}

// ParseEvent expands Mailchimp's bracketed form keys, like
// data[merges][FNAME], into nested maps.
func ParseEvent(form url.Values) (*Event, error) {
	root := map[string]interface{}{}

	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		path, err := splitFormKey(key)
		if err != nil {
			return nil, err
		}

		if err := setNested(root, path, form.Get(key)); err != nil {
			return nil, err
		}
	}

	eventType, _ := root["type"].(string)
	if eventType == "" {
		return nil, syncerr.Parse("webhook payload has no type")
	}

	data, _ := root["data"].(map[string]interface{})
	if data == nil {
		data = map[string]interface{}{}
	}

	firedAt, _ := root["fired_at"].(string)

	return &Event{Type: eventType, FiredAt: firedAt, Data: data}, nil
}

func splitFormKey(key string) ([]string, error) {
	open := strings.Index(key, "[")
	if open < 0 {
		return []string{key}, nil
	}

	path := []string{key[:open]}
	rest := key[open:]

	for rest != "" {
		if rest[0] != '[' {
			return nil, syncerr.Parse("malformed webhook key %q", key)
		}

		end := strings.Index(rest, "]")
		if end < 0 {
			return nil, syncerr.Parse("malformed webhook key %q", key)
		}

		path = append(path, rest[1:end])
		rest = rest[end+1:]
	}

	return path, nil
}

func setNested(m map[string]interface{}, path []string, value string) error {
	for i, p := range path[:len(path)-1] {
		next, ok := m[p]
		if !ok {
			child := map[string]interface{}{}
			m[p] = child
			m = child
			continue
		}

		child, ok := next.(map[string]interface{})
		if !ok {
			return syncerr.Parse("webhook key %s is both a value and a map", strings.Join(path[:i+1], "."))
		}
		m = child
	}

	last := path[len(path)-1]
	if _, ok := m[last].(map[string]interface{}); ok {
		return syncerr.Parse("webhook key %s is both a value and a map", strings.Join(path, "."))
	}
	m[last] = value

	return nil
}

// HandleMailchimpEvent applies a Mailchimp webhook event to the CRM. Unknown
// event types are logged and ignored. Writes to CRM members that no longer
// exist are logged and dropped.
func (s *Syncer) HandleMailchimpEvent(ctx context.Context, event *Event) error {
	txn, ctx, logger := s.startTransaction(ctx, "HandleMailchimpEvent")
	defer txn.End()

	txn.AddAttribute("eventType", event.Type)
	logger = logger.WithField("eventType", event.Type)

	var err error

	switch event.Type {
	case EventSubscribe:
		err = s.handleSubscribe(ctx, logger, event)
	case EventUnsubscribe:
		err = s.handleUnsubscribe(ctx, logger, event)
	case EventCleaned:
		err = s.handleCleaned(ctx, logger, event)
	case EventProfile:
		err = s.handleProfile(ctx, logger, event)
	case EventUpemail:
		err = s.handleUpemail(ctx, logger, event)
	default:
		logger.Errorf("unknown mailchimp webhook event type %q, ignoring", event.Type)
	}

	if syncerr.IsNotFound(err) {
		logger.Errorf("dropping %s event: %s", event.Type, err)
		err = nil
	}

	if err != nil {
		txn.NoticeError(err)
	}

	auditEvent := s.newAuditEvent(newRunID(), actionWebhook, err)
	auditEvent["eventType"] = event.Type
	s.pushEvent(auditEvent)

	return err
}

func (s *Syncer) linkedCrmID(merges map[string]interface{}) string {
	return getNestedKeyValue(s.cfg.Mailchimp.CrmIDMergeKey, merges)
}

func eventMerges(event *Event) map[string]interface{} {
	merges, _ := event.Data["merges"].(map[string]interface{})
	return merges
}

func (s *Syncer) handleSubscribe(ctx context.Context, logger *log.Entry, event *Event) error {
	if s.cfg.IgnoreSubscribeThroughMailchimp {
		logger.Debugf("ignoring subscribe through mailchimp")
		return nil
	}

	merges := eventMerges(event)
	if merges == nil {
		merges = map[string]interface{}{}
	}

	if crmID := s.linkedCrmID(merges); crmID != "" {
		logger.Debugf("subscriber is linked to crm member %s, nothing to do", crmID)
		return nil
	}

	n := notify.Notification{
		Recipient:        s.cfg.DataOwner.Email,
		Kind:             notify.KindMailchimpSubscribe,
		DataOwnerName:    s.cfg.DataOwner.Name,
		ContactFirstName: getNestedKeyValue("FNAME", merges),
		ContactLastName:  getNestedKeyValue("LNAME", merges),
		ContactEmail:     getNestedKeyValue("email", event.Data),
		AdminEmail:       s.adminEmail,
		ConfigName:       s.cfg.Name,
	}

	if err := s.notifier.Send(ctx, n); err != nil {
		logger.Warnf("failed to notify data owner about %s: %s", n.ContactEmail, err)
	}

	return nil
}

func (s *Syncer) handleUnsubscribe(ctx context.Context, logger *log.Entry, event *Event) error {
	crmID := s.linkedCrmID(eventMerges(event))
	if crmID == "" {
		logger.Debugf("subscriber is not linked to the crm, nothing to unsubscribe")
		return nil
	}

	member, err := s.crm.Member(ctx, crmID)
	if err != nil {
		return fmt.Errorf("read crm member %s: %w", crmID, err)
	}

	platform, err := s.mapper.CrmToPlatform(member)
	if err != nil {
		return fmt.Errorf("map crm member %s: %w", crmID, err)
	}

	if interests, ok := platform[mapping.ParentInterests].(map[string]interface{}); ok {
		for id := range interests {
			interests[id] = false
		}
	}

	payload, err := s.mapper.PlatformToCrm(platform)
	if err != nil {
		return fmt.Errorf("map unsubscribed member %s: %w", crmID, err)
	}

	return s.updateMember(ctx, logger, crmID, payload)
}

func (s *Syncer) handleCleaned(ctx context.Context, logger *log.Entry, event *Event) error {
	reason := getNestedKeyValue("reason", event.Data)
	if reason != hardBounce {
		logger.Debugf("ignoring cleaned event with reason %q", reason)
		return nil
	}

	email := getNestedKeyValue("email", event.Data)

	// cleaned events carry no merge fields
	subscriber, err := s.mailchimp.GetSubscriber(ctx, email)
	if err != nil {
		return fmt.Errorf("read cleaned subscriber %s: %w", email, err)
	}

	crmID := s.linkedCrmID(subscriberMerges(subscriber))
	if crmID == "" {
		logger.Debugf("cleaned subscriber %s is not linked to the crm", email)
		return nil
	}

	payload := mapping.CrmPayload{}
	payload.Add(mapping.CrmValue{
		Key:   s.cfg.Crm.EmailStatusKey,
		Value: emailStatusInvalid,
		Mode:  mapping.ModeReplace,
	})
	payload.Add(mapping.CrmValue{
		Key: s.cfg.Crm.NotesKey,
		Value: fmt.Sprintf(
			"%s: Mailchimp reported %s as invalid (hard bounce). Email status set to %s.",
			s.now().Format("2006-01-02"),
			email,
			emailStatusInvalid,
		),
		Mode: mapping.ModeAppend,
	})

	return s.updateMember(ctx, logger, crmID, payload)
}

func (s *Syncer) handleProfile(ctx context.Context, logger *log.Entry, event *Event) error {
	email := getNestedKeyValue("email", event.Data)

	// the webhook payload lacks the full interests view
	subscriber, err := s.mailchimp.GetSubscriber(ctx, email)
	if err != nil {
		return fmt.Errorf("read subscriber %s: %w", email, err)
	}

	crmID := s.linkedCrmID(eventMerges(event))
	if crmID == "" {
		crmID = s.linkedCrmID(subscriberMerges(subscriber))
	}
	if crmID == "" {
		logger.Debugf("subscriber %s is not linked to the crm", email)
		return nil
	}

	payload, err := s.mapper.PlatformToCrm(subscriber)
	if err != nil {
		return fmt.Errorf("map subscriber %s: %w", email, err)
	}

	return s.updateMember(ctx, logger, crmID, payload)
}

func (s *Syncer) handleUpemail(ctx context.Context, logger *log.Entry, event *Event) error {
	oldEmail := getNestedKeyValue("old_email", event.Data)
	newEmail := getNestedKeyValue("new_email", event.Data)

	emailField, err := s.mapper.EmailField()
	if err != nil {
		return err
	}

	if !emailField.CanSyncToCrm() {
		logger.Debugf("email field does not sync to the crm")
		return nil
	}

	subscriber, err := s.mailchimp.GetSubscriber(ctx, oldEmail)
	if syncerr.IsNotFound(err) {
		logger.Debugf("no subscriber at old email %s, trying %s", oldEmail, newEmail)
		subscriber, err = s.mailchimp.GetSubscriber(ctx, newEmail)
	}
	if err != nil {
		return fmt.Errorf("read subscriber %s: %w", oldEmail, err)
	}

	crmID := s.linkedCrmID(subscriberMerges(subscriber))
	if crmID == "" {
		logger.Debugf("subscriber %s is not linked to the crm", oldEmail)
		return nil
	}

	values, err := emailField.ToCrm(mapping.Record{mapping.EmailAddressKey: newEmail})
	if err != nil {
		return err
	}

	payload := mapping.CrmPayload{}
	for _, v := range values {
		payload.Add(v)
	}

	return s.updateMember(ctx, logger, crmID, payload)
}

func (s *Syncer) updateMember(
	ctx context.Context,
	logger *log.Entry,
	crmID string,
	payload mapping.CrmPayload,
) error {
	logger.Tracef("updating crm member %s with %v", crmID, payload)

	if err := s.crm.UpdateMember(ctx, crmID, payload); err != nil {
		return fmt.Errorf("update crm member %s: %w", crmID, err)
	}

	logger.Debugf("updated crm member %s", crmID)
	return nil
}

func subscriberMerges(subscriber mapping.Record) map[string]interface{} {
	merges, _ := subscriber[mapping.ParentMergeFields].(map[string]interface{})
	return merges
}
