package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"tempo/internal/domain"
	"tempo/internal/models"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
)

// ErrBadEventPayload is returned for an event action whose payload is not a CalendarEvent.
var ErrBadEventPayload = errors.New("event action payload is not a calendar event")

// ApplyEventAction replays one queued event mutation against the selected
// calendar. While sync is disabled the action is accepted without a remote
// call; reconciliation exports unlinked events once sync is enabled again.
func (a *CalendarAdapter) ApplyEventAction(ctx context.Context, store domain.EventStore, action models.OfflineAction) error {
	var ev models.CalendarEvent
	if err := json.Unmarshal(action.Payload, &ev); err != nil {
		return fmt.Errorf("%w: %w", ErrBadEventPayload, err)
	}
	if ev.ID == "" && !ev.IsLinked() {
		return fmt.Errorf("%w: missing id", ErrBadEventPayload)
	}

	cfg, err := a.store.SyncConfig(ctx)
	if err != nil {
		return err
	}
	if !cfg.Enabled || ev.LocalOnly {
		a.logger.Debug().Str("action_id", action.ID).Msg("event action kept local")
		return nil
	}
	calendarID := cfg.CalendarID()

	// The stored copy may already be linked by a reconciliation that ran
	// after the action was queued.
	current, err := findEvent(ctx, store, ev.ID)
	if err != nil {
		return err
	}
	if current != nil && current.IsLinked() && !ev.IsLinked() {
		ev.RemoteID = current.RemoteID
	}

	now := a.now().UTC()
	switch action.Kind {
	case models.ActionCreate, models.ActionUpdate:
		if !ev.IsLinked() {
			return a.pushOne(ctx, store, calendarID, &ev, now)
		}
		return a.updateOne(ctx, store, calendarID, &ev, now)
	case models.ActionDelete:
		if !ev.IsLinked() {
			return nil
		}
		return a.deleteOne(ctx, calendarID, *ev.RemoteID)
	default:
		return fmt.Errorf("unsupported action kind %q", action.Kind)
	}
}

func (a *CalendarAdapter) updateOne(ctx context.Context, store domain.EventStore, calendarID string, ev *models.CalendarEvent, now time.Time) error {
	var updated *calendar.Event
	err := a.withAuth(ctx, func(ctx context.Context, srv *calendar.Service) error {
		var err error
		updated, err = srv.Events.Update(calendarID, *ev.RemoteID, toRemote(ev)).Context(ctx).Do()
		return err
	})
	if err != nil {
		return fmt.Errorf("update remote %s: %w", *ev.RemoteID, err)
	}

	ev.LastSyncTime = syncStamp(now, parseUpdated(updated))
	if err := store.SaveEvent(ctx, ev); err != nil {
		return fmt.Errorf("save event %s: %w", ev.ID, err)
	}
	return nil
}

// deleteOne removes the remote event. An event that is already gone counts as deleted.
func (a *CalendarAdapter) deleteOne(ctx context.Context, calendarID, remoteID string) error {
	err := a.withAuth(ctx, func(ctx context.Context, srv *calendar.Service) error {
		return srv.Events.Delete(calendarID, remoteID).Context(ctx).Do()
	})
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && (apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete remote %s: %w", remoteID, err)
	}
	return nil
}

func findEvent(ctx context.Context, store domain.EventStore, id string) (*models.CalendarEvent, error) {
	if id == "" {
		return nil, nil
	}
	all, err := store.ListEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("load local events: %w", err)
	}
	for i := range all {
		if all[i].ID == id {
			return &all[i], nil
		}
	}
	return nil, nil
}
