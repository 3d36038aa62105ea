package google

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tempo/internal/domain"
	"tempo/internal/metrics"
	"tempo/internal/models"

	"google.golang.org/api/calendar/v3"
)

// Reconcile pulls the remote window, imports or updates local events from it
// and exports unlinked local events. Per-event failures, rejected sessions
// included, are collected in the result and do not stop the pass. The sync
// cursor advances even when some items failed. Only a missing session aborts
// the pass. A call made while another pass runs returns ErrReconcileInProgress.
func (a *CalendarAdapter) Reconcile(ctx context.Context, store domain.EventStore) (models.ReconcileResult, error) {
	result := models.ReconcileResult{Errors: []string{}}

	if !a.reconciling.CompareAndSwap(false, true) {
		return result, ErrReconcileInProgress
	}
	defer a.reconciling.Store(false)

	started := time.Now()

	cfg, err := a.store.SyncConfig(ctx)
	if err != nil {
		return result, err
	}
	calendarID := cfg.CalendarID()
	now := a.now().UTC()

	local, err := store.ListEvents(ctx)
	if err != nil {
		return result, fmt.Errorf("load local events: %w", err)
	}

	byRemote := make(map[string]*models.CalendarEvent, len(local))
	for i := range local {
		if local[i].IsLinked() {
			byRemote[*local[i].RemoteID] = &local[i]
		}
	}

	remote, err := a.listEvents(ctx, calendarID, now.AddDate(0, 0, -a.windowDays), now.AddDate(0, 0, a.windowDays))
	switch {
	case errors.Is(err, ErrNotConnected):
		return result, err
	case err != nil:
		result.Errors = append(result.Errors, fmt.Sprintf("pull %s: %v", calendarID, err))
		result.ReconnectRequired = result.ReconnectRequired || NeedsReconnect(err)
	}

	byLocalID := make(map[string]*models.CalendarEvent, len(local))
	for i := range local {
		if !local[i].IsLinked() && !local[i].LocalOnly && local[i].ID != "" {
			byLocalID[local[i].ID] = &local[i]
		}
	}

	for _, ev := range remote {
		if ev.Status == "cancelled" {
			continue
		}
		a.pullOne(ctx, store, ev, byRemote, byLocalID, now, &result)
	}

	for i := range local {
		ev := &local[i]
		if ev.IsLinked() || ev.LocalOnly {
			continue
		}
		if err := a.pushOne(ctx, store, calendarID, ev, now); err != nil {
			if errors.Is(err, ErrNotConnected) {
				return result, err
			}
			result.Errors = append(result.Errors, fmt.Sprintf("export %q: %v", ev.Title, err))
			result.ReconnectRequired = result.ReconnectRequired || NeedsReconnect(err)
			continue
		}
		result.Exported++
	}

	if _, err := a.store.UpdateSyncConfig(ctx, models.SyncConfigPatch{LastSyncTime: &now}); err != nil {
		return result, fmt.Errorf("save last sync time: %w", err)
	}

	metrics.ObserveReconcile(result.Imported, result.Exported, result.Updated, len(result.Errors), time.Since(started).Seconds())
	a.logger.Info().
		Str("calendar_id", calendarID).
		Int("imported", result.Imported).
		Int("exported", result.Exported).
		Int("updated", result.Updated).
		Int("errors", len(result.Errors)).
		Bool("reconnect_required", result.ReconnectRequired).
		Msg("reconciliation finished")

	return result, nil
}

func (a *CalendarAdapter) pullOne(ctx context.Context, store domain.EventStore, ev *calendar.Event, byRemote, byLocalID map[string]*models.CalendarEvent, now time.Time, result *models.ReconcileResult) {
	updated := parseUpdated(ev)
	existing, ok := byRemote[ev.Id]

	// An earlier export may have created the remote copy without managing to
	// link it locally. Link that event instead of importing a duplicate.
	if orphan := byLocalID[localIDOf(ev)]; !ok && orphan != nil {
		next := *orphan
		remoteID := ev.Id
		next.RemoteID = &remoteID
		if err := applyRemote(&next, ev); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("link %s: %v", ev.Id, err))
			return
		}
		next.LastSyncTime = syncStamp(now, updated)
		if err := store.SaveEvent(ctx, &next); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("link %s: %v", ev.Id, err))
			return
		}
		*orphan = next
		delete(byLocalID, next.ID)
		byRemote[ev.Id] = orphan
		result.Updated++
		return
	}

	if !ok {
		remoteID := ev.Id
		imported := &models.CalendarEvent{RemoteID: &remoteID}
		if err := applyRemote(imported, ev); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("import %s: %v", ev.Id, err))
			return
		}
		imported.LastSyncTime = syncStamp(now, updated)
		if err := store.SaveEvent(ctx, imported); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("import %s: %v", ev.Id, err))
			return
		}
		byRemote[ev.Id] = imported
		result.Imported++
		return
	}

	// last writer wins: remote only overwrites when strictly newer
	if existing.LastSyncTime != nil && !updated.After(*existing.LastSyncTime) {
		return
	}

	next := *existing
	if err := applyRemote(&next, ev); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("update %s: %v", ev.Id, err))
		return
	}
	next.LastSyncTime = syncStamp(now, updated)
	if err := store.SaveEvent(ctx, &next); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("update %s: %v", ev.Id, err))
		return
	}
	*existing = next
	result.Updated++
}

// pushOne creates the event remotely and links it locally afterwards, so a
// local event never points at a remote id that does not exist.
func (a *CalendarAdapter) pushOne(ctx context.Context, store domain.EventStore, calendarID string, ev *models.CalendarEvent, now time.Time) error {
	var created *calendar.Event
	err := a.withAuth(ctx, func(ctx context.Context, srv *calendar.Service) error {
		var err error
		created, err = srv.Events.Insert(calendarID, toRemote(ev)).Context(ctx).Do()
		return err
	})
	if err != nil {
		return err
	}

	remoteID := created.Id
	ev.RemoteID = &remoteID
	ev.LastSyncTime = syncStamp(now, parseUpdated(created))
	if err := store.SaveEvent(ctx, ev); err != nil {
		a.logger.Error().Err(err).Str("remote_id", remoteID).Str("event_id", ev.ID).Msg("remote event created but local link failed")
		ev.RemoteID = nil
		return fmt.Errorf("link remote %s: %w", remoteID, err)
	}
	return nil
}

func (a *CalendarAdapter) listEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]*calendar.Event, error) {
	var out []*calendar.Event
	err := a.withAuth(ctx, func(ctx context.Context, srv *calendar.Service) error {
		out = out[:0]
		return srv.Events.List(calendarID).
			TimeMin(timeMin.Format(time.RFC3339)).
			TimeMax(timeMax.Format(time.RFC3339)).
			SingleEvents(true).
			ShowDeleted(false).
			Pages(ctx, func(page *calendar.Events) error {
				out = append(out, page.Items...)
				return nil
			})
	})
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve events from calendar: %w", err)
	}
	return out, nil
}
