package caldav

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"calmend/internal/model"
)

// Marker properties carried on the VEVENT itself. Keeping them on the event
// makes the repair state survive any client or server round trip.
const (
	propCleaned         = "X-CALMEND-CLEANED"
	propRuleID          = "X-CALMEND-RULE"
	propSignature       = "X-CALMEND-SIGNATURE"
	propOriginalSummary = "X-CALMEND-ORIGINAL"
	propPayload         = "X-CALMEND-PAYLOAD"
)

const (
	dateFormat     = "20060102"
	dateTimeFormat = "20060102T150405Z"
	prodID         = "-//calmend//EN"
)

// decodeCalendar flattens a VCALENDAR document into events. A document holds
// one series: the master plus any override components sharing its UID.
func decodeCalendar(cal *ical.Calendar, href, etag string, loc *time.Location) ([]*model.Event, error) {
	var events []*model.Event
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		ev, err := decodeEvent(child, href, etag, loc)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", href, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func decodeEvent(comp *ical.Component, href, etag string, loc *time.Location) (*model.Event, error) {
	ev := &model.Event{ID: href, ETag: etag}

	if p := comp.Props.Get(ical.PropUID); p != nil {
		ev.UID = p.Value
	}
	if p := comp.Props.Get(ical.PropSummary); p != nil {
		ev.Summary = p.Value
	}
	if p := comp.Props.Get(ical.PropDescription); p != nil {
		ev.Description = p.Value
	}
	if p := comp.Props.Get(ical.PropRecurrenceRule); p != nil {
		ev.RRule = p.Value
	}

	if p := comp.Props.Get(ical.PropDateTimeStart); p != nil {
		t, allDay, err := decodeTime(p, loc)
		if err != nil {
			return nil, fmt.Errorf("DTSTART: %w", err)
		}
		ev.Start = t
		ev.AllDay = allDay
	}
	if p := comp.Props.Get(ical.PropDateTimeEnd); p != nil {
		t, _, err := decodeTime(p, loc)
		if err != nil {
			return nil, fmt.Errorf("DTEND: %w", err)
		}
		ev.End = t
	}

	if p := comp.Props.Get(ical.PropRecurrenceID); p != nil {
		ev.RecurrenceID = p.Value
		// Each override is addressable on its own within the document.
		ev.ID = href + "#" + p.Value
	}
	ev.IsSeriesMaster = ev.RRule != "" && ev.RecurrenceID == ""

	ev.Markers = decodeMarkers(comp)
	return ev, nil
}

func decodeTime(p *ical.Prop, loc *time.Location) (time.Time, bool, error) {
	if strings.EqualFold(p.Params.Get(ical.ParamValue), "DATE") {
		t, err := time.ParseInLocation(dateFormat, p.Value, loc)
		return t, true, err
	}
	t, err := p.DateTime(loc)
	return t, false, err
}

func decodeMarkers(comp *ical.Component) model.Markers {
	var m model.Markers
	if p := comp.Props.Get(propCleaned); p != nil {
		m.Cleaned = strings.EqualFold(p.Value, "TRUE")
	}
	if p := comp.Props.Get(propRuleID); p != nil {
		m.RuleID = p.Value
	}
	if p := comp.Props.Get(propSignature); p != nil {
		m.Signature = p.Value
	}
	if p := comp.Props.Get(propOriginalSummary); p != nil {
		m.OriginalSummary = p.Value
	}
	if p := comp.Props.Get(propPayload); p != nil {
		m.Payload = p.Value
	}
	return m
}

// applyEvent rewrites the mutable properties of a VEVENT component in place.
// Untouched properties survive the round trip verbatim.
func applyEvent(comp *ical.Component, ev *model.Event) {
	comp.Props.SetText(ical.PropSummary, ev.Summary)
	comp.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())

	if ev.AllDay {
		setDateProp(comp, ical.PropDateTimeStart, ev.Start)
		end := ev.End
		if end.IsZero() || !end.After(ev.Start) {
			end = ev.Start.AddDate(0, 0, 1)
		}
		setDateProp(comp, ical.PropDateTimeEnd, end)
	} else {
		comp.Props.SetDateTime(ical.PropDateTimeStart, ev.Start)
		if !ev.End.IsZero() {
			comp.Props.SetDateTime(ical.PropDateTimeEnd, ev.End)
		}
	}

	if ev.RRule != "" {
		comp.Props.SetText(ical.PropRecurrenceRule, ev.RRule)
	} else {
		comp.Props.Del(ical.PropRecurrenceRule)
	}

	applyMarkers(comp, ev.Markers)
}

func applyMarkers(comp *ical.Component, m model.Markers) {
	if m.IsZero() {
		return
	}
	setOrDel := func(name, value string) {
		if value == "" {
			comp.Props.Del(name)
			return
		}
		comp.Props.SetText(name, value)
	}
	if m.Cleaned {
		comp.Props.SetText(propCleaned, "TRUE")
	} else {
		comp.Props.Del(propCleaned)
	}
	setOrDel(propRuleID, m.RuleID)
	setOrDel(propSignature, m.Signature)
	setOrDel(propOriginalSummary, m.OriginalSummary)
	setOrDel(propPayload, m.Payload)
}

// setDateProp writes an all-day VALUE=DATE property.
func setDateProp(comp *ical.Component, name string, t time.Time) {
	p := ical.NewProp(name)
	p.Params.Set(ical.ParamValue, "DATE")
	p.Value = t.Format(dateFormat)
	comp.Props.Set(p)
}

// encodeEvent builds a fresh single-event VCALENDAR document. With includeTZ
// set, timed events are written zone-local with a TZID reference and the
// document carries a matching VTIMEZONE definition.
func encodeEvent(ev *model.Event, loc *time.Location, includeTZ bool) *ical.Calendar {
	comp := ical.NewComponent(ical.CompEvent)
	comp.Props.SetText(ical.PropUID, ev.UID)
	if ev.Description != "" {
		comp.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.RecurrenceID != "" {
		comp.Props.SetText(ical.PropRecurrenceID, ev.RecurrenceID)
	}
	applyEvent(comp, ev)

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, prodID)
	if includeTZ && !ev.AllDay && loc != time.UTC {
		setZonedProp(comp, ical.PropDateTimeStart, ev.Start, loc)
		if !ev.End.IsZero() {
			setZonedProp(comp, ical.PropDateTimeEnd, ev.End, loc)
		}
		cal.Children = append(cal.Children, timezoneComponent(loc, ev.Start))
	}
	cal.Children = append(cal.Children, comp)
	return cal
}

// setZonedProp writes a date-time in zone-local form with a TZID reference.
func setZonedProp(comp *ical.Component, name string, t time.Time, loc *time.Location) {
	p := ical.NewProp(name)
	p.Params.Set("TZID", loc.String())
	p.Value = t.In(loc).Format("20060102T150405")
	comp.Props.Set(p)
}

// timezoneComponent builds a minimal VTIMEZONE for loc with the offset in
// effect at the given instant. One STANDARD block satisfies strict servers;
// clients resolve the TZID through their own zone database anyway.
func timezoneComponent(loc *time.Location, at time.Time) *ical.Component {
	zoneName, offset := at.In(loc).Zone()
	tz := ical.NewComponent(ical.CompTimezone)
	tz.Props.SetText(ical.PropTimezoneID, loc.String())
	std := ical.NewComponent("STANDARD")
	std.Props.SetText("DTSTART", "19700101T000000")
	std.Props.SetText("TZNAME", zoneName)
	std.Props.SetText("TZOFFSETFROM", utcOffset(offset))
	std.Props.SetText("TZOFFSETTO", utcOffset(offset))
	tz.Children = append(tz.Children, std)
	return tz
}

// utcOffset formats a zone offset in seconds as ±HHMM.
func utcOffset(seconds int) string {
	sign := "+"
	if seconds < 0 {
		sign = "-"
		seconds = -seconds
	}
	return fmt.Sprintf("%s%02d%02d", sign, seconds/3600, seconds%3600/60)
}

// findComponent selects the VEVENT within a document that an event ID
// addresses: the override matching the recurrence ID suffix, or the first
// VEVENT without one.
func findComponent(cal *ical.Calendar, recurrenceID string) *ical.Component {
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		p := child.Props.Get(ical.PropRecurrenceID)
		switch {
		case recurrenceID == "" && p == nil:
			return child
		case recurrenceID != "" && p != nil && p.Value == recurrenceID:
			return child
		}
	}
	return nil
}

// splitEventID separates the object href from an override's recurrence ID
// suffix.
func splitEventID(id string) (href, recurrenceID string) {
	if i := strings.Index(id, "#"); i >= 0 {
		return id[:i], id[i+1:]
	}
	return id, ""
}
