package google

import (
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"

	"calmend/internal/model"
)

// Marker keys in the event's private extended-property bag. Private
// properties are only visible to this client's credentials, which keeps the
// repair state out of other attendees' views.
const (
	keyCleaned         = "calmendCleaned"
	keyRuleID          = "calmendRule"
	keySignature       = "calmendSignature"
	keyOriginalSummary = "calmendOriginal"
	keyPayload         = "calmendPayload"
)

const dateOnly = "2006-01-02"

// toModel converts an API event. Cancelled events return nil.
func toModel(item *calendar.Event, loc *time.Location) (*model.Event, error) {
	if item.Status == "cancelled" {
		return nil, nil
	}

	ev := &model.Event{
		ID:          item.Id,
		UID:         item.ICalUID,
		Summary:     item.Summary,
		Description: item.Description,
		ETag:        strings.Trim(item.Etag, `"`),
	}

	start, allDay, err := parseEventTime(item.Start, loc)
	if err != nil {
		return nil, fmt.Errorf("event %s start: %w", item.Id, err)
	}
	ev.Start = start
	ev.AllDay = allDay
	if end, _, err := parseEventTime(item.End, loc); err == nil {
		ev.End = end
	}

	for _, rec := range item.Recurrence {
		if rule, ok := strings.CutPrefix(rec, "RRULE:"); ok {
			ev.RRule = rule
			break
		}
	}

	if item.RecurringEventId != "" && item.OriginalStartTime != nil {
		if item.OriginalStartTime.Date != "" {
			ev.RecurrenceID = item.OriginalStartTime.Date
		} else {
			ev.RecurrenceID = item.OriginalStartTime.DateTime
		}
	}
	ev.IsSeriesMaster = ev.RRule != "" && ev.RecurrenceID == ""

	if item.ExtendedProperties != nil && item.ExtendedProperties.Private != nil {
		priv := item.ExtendedProperties.Private
		ev.Markers = model.Markers{
			Cleaned:         priv[keyCleaned] == "true",
			RuleID:          priv[keyRuleID],
			Signature:       priv[keySignature],
			OriginalSummary: priv[keyOriginalSummary],
			Payload:         priv[keyPayload],
		}
	}

	return ev, nil
}

func parseEventTime(edt *calendar.EventDateTime, loc *time.Location) (time.Time, bool, error) {
	if edt == nil {
		return time.Time{}, false, nil
	}
	if edt.Date != "" {
		t, err := time.ParseInLocation(dateOnly, edt.Date, loc)
		return t, true, err
	}
	if edt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, edt.DateTime)
		return t, false, err
	}
	return time.Time{}, false, nil
}

// markerProperties renders the marker set as the private property bag.
func markerProperties(m model.Markers) map[string]string {
	priv := map[string]string{
		keyRuleID:          m.RuleID,
		keySignature:       m.Signature,
		keyOriginalSummary: m.OriginalSummary,
		keyPayload:         m.Payload,
	}
	if m.Cleaned {
		priv[keyCleaned] = "true"
	}
	for k, v := range priv {
		if v == "" {
			delete(priv, k)
		}
	}
	return priv
}

// toAPI builds a full API event for insertion.
func toAPI(ev *model.Event) *calendar.Event {
	item := &calendar.Event{
		Id:          ev.ID,
		Summary:     ev.Summary,
		Description: ev.Description,
	}
	if ev.AllDay {
		end := ev.End
		if end.IsZero() || !end.After(ev.Start) {
			end = ev.Start.AddDate(0, 0, 1)
		}
		item.Start = &calendar.EventDateTime{Date: ev.Start.Format(dateOnly)}
		item.End = &calendar.EventDateTime{Date: end.Format(dateOnly)}
	} else {
		item.Start = &calendar.EventDateTime{DateTime: ev.Start.Format(time.RFC3339)}
		if !ev.End.IsZero() {
			item.End = &calendar.EventDateTime{DateTime: ev.End.Format(time.RFC3339)}
		}
	}
	if ev.RRule != "" {
		item.Recurrence = []string{"RRULE:" + ev.RRule}
	}
	if !ev.Markers.IsZero() {
		item.ExtendedProperties = &calendar.EventExtendedProperties{
			Private: markerProperties(ev.Markers),
		}
	}
	return item
}
