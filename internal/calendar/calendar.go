// Package calendar abstracts the registrant's calendar. The offline
// loop asks it to add or drop activity schedules once a registration is
// confirmed or unwound.
package calendar

import (
	"context"
	"log"

	"registrar/internal/models"
)

type Syncer interface {
	AddSchedules(ctx context.Context, user string, activity models.Activity, schedules []models.Schedule) error
	RemoveSchedules(ctx context.Context, user string, activity models.Activity, schedules []models.Schedule) error
}

// LogSyncer records intent only. A real backend can be slotted in
// without touching the offline loop.
type LogSyncer struct{}

func (LogSyncer) AddSchedules(_ context.Context, user string, activity models.Activity, schedules []models.Schedule) error {
	log.Printf("calendar add user=%s activity=%s schedules=%d", user, activity.ID, len(schedules))
	return nil
}

func (LogSyncer) RemoveSchedules(_ context.Context, user string, activity models.Activity, schedules []models.Schedule) error {
	log.Printf("calendar remove user=%s activity=%s schedules=%d", user, activity.ID, len(schedules))
	return nil
}
