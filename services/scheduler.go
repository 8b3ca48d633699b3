// services/scheduler.go
package services

import (
	"log"
	"time"

	"bounty-engine/models"

	"github.com/go-co-op/gocron/v2"
)

// StartDeadlineSweep runs housekeeping every minute. Settlement itself
// is never triggered from here.
func (s *SettlementService) StartDeadlineSweep() {
	sched, err := gocron.NewScheduler()
	if err != nil {
		log.Fatal("failed to create deadline sweep scheduler:", err)
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(s.runDeadlineSweep),
	); err != nil {
		log.Fatal("failed to schedule deadline sweep:", err)
	}
	sched.Start()
}

// runDeadlineSweep refunds OPEN bounties whose window closed before the
// roster filled, and gives overdue ACTIVE bounties a single "results
// due" marker so the external settlement driver is visibly on the hook.
func (s *SettlementService) runDeadlineSweep() {
	now := time.Now()

	var expired []models.Bounty
	err := s.DB.Where("status = ? AND end_date <= ?", models.BountyStatusOpen, now).
		Find(&expired).Error
	if err != nil {
		log.Printf("[Sweep] DB error: %v", err)
		return
	}
	for _, b := range expired {
		if err := s.CancelExpired(b.ID); err != nil {
			log.Printf("[Sweep] Failed to refund expired bounty %s: %v", b.ID, err)
		} else {
			log.Printf("[Sweep] Refunded expired bounty: %s", b.Title)
		}
	}

	var overdue []models.Bounty
	err = s.DB.Where("status = ? AND end_date <= ?", models.BountyStatusActive, now).
		Find(&overdue).Error
	if err != nil {
		log.Printf("[Sweep] DB error: %v", err)
		return
	}
	for _, b := range overdue {
		var marked int64
		s.DB.Model(&models.BountyUpdate{}).
			Where("bounty_id = ? AND type = ? AND message = ?",
				b.ID, models.UpdateTypeSystemMessage, "results due").
			Count(&marked)
		if marked > 0 {
			continue
		}
		if err := s.Updates.Append(s.DB, b.ID, "results due",
			models.SystemMessageData{Reason: "deadline passed, awaiting final results"}); err != nil {
			log.Printf("[Sweep] Failed to mark bounty %s: %v", b.ID, err)
		}
	}
}
