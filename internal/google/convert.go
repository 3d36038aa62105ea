package google

import (
	"fmt"
	"time"

	"tempo/internal/models"

	"google.golang.org/api/calendar/v3"
)

// Private extended properties carrying fields the Calendar API has no slot for.
const (
	propLocalID  = "tempo_id"
	propColor    = "tempo_color"
	propCategory = "tempo_category"
)

const dateLayout = "2006-01-02"

func parseEventTime(t *calendar.EventDateTime) (time.Time, error) {
	if t == nil {
		return time.Time{}, fmt.Errorf("missing time")
	}
	if t.DateTime != "" {
		return time.Parse(time.RFC3339, t.DateTime)
	}
	if t.Date != "" {
		return time.Parse(dateLayout, t.Date)
	}
	return time.Time{}, fmt.Errorf("empty time")
}

func parseUpdated(ev *calendar.Event) time.Time {
	updated, err := time.Parse(time.RFC3339Nano, ev.Updated)
	if err != nil {
		return time.Time{}
	}
	return updated
}

// localIDOf returns the local id an exported event was tagged with, if any.
func localIDOf(ev *calendar.Event) string {
	if ev.ExtendedProperties == nil {
		return ""
	}
	return ev.ExtendedProperties.Private[propLocalID]
}

// applyRemote copies remote fields onto a local event.
func applyRemote(local *models.CalendarEvent, ev *calendar.Event) error {
	start, err := parseEventTime(ev.Start)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	end, err := parseEventTime(ev.End)
	if err != nil {
		return fmt.Errorf("end: %w", err)
	}

	local.Title = ev.Summary
	local.Description = ev.Description
	local.Start = start
	local.End = end
	local.ColorTag = ev.ColorId

	if ev.ExtendedProperties != nil {
		if c, ok := ev.ExtendedProperties.Private[propColor]; ok {
			local.ColorTag = c
		}
		if c, ok := ev.ExtendedProperties.Private[propCategory]; ok {
			local.Category = c
		}
	}
	return nil
}

func toRemote(local *models.CalendarEvent) *calendar.Event {
	private := map[string]string{propLocalID: local.ID}
	if local.ColorTag != "" {
		private[propColor] = local.ColorTag
	}
	if local.Category != "" {
		private[propCategory] = local.Category
	}

	return &calendar.Event{
		Summary:     local.Title,
		Description: local.Description,
		Start:       &calendar.EventDateTime{DateTime: local.Start.Format(time.RFC3339)},
		End:         &calendar.EventDateTime{DateTime: local.End.Format(time.RFC3339)},
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: private,
		},
	}
}

// syncStamp is the LastSyncTime recorded after touching an event. Using the
// later of the two keeps a second pass from treating our own write as a
// newer remote change.
func syncStamp(now, remoteUpdated time.Time) *time.Time {
	t := now
	if remoteUpdated.After(t) {
		t = remoteUpdated
	}
	t = t.UTC()
	return &t
}
