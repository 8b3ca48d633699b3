package services

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"bounty-engine/models"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// UpdateService writes and serves the append-only audit feed. Every
// state transition in the engine lands here; the notification pipeline
// consumes it per bounty, in insertion order.
type UpdateService struct {
	DB *gorm.DB
}

func NewUpdateService(db *gorm.DB) *UpdateService {
	return &UpdateService{DB: db}
}

// Append writes one entry inside the caller's transaction so the audit
// record commits or rolls back with the transition it describes.
func (s *UpdateService) Append(tx *gorm.DB, bountyID, message string, data models.UpdateData) error {
	update, err := models.NewBountyUpdate(bountyID, message, data)
	if err != nil {
		return err
	}
	if err := tx.Create(update).Error; err != nil {
		return fmt.Errorf("append %s update for bounty %s: %w", data.UpdateType(), bountyID, err)
	}
	return nil
}

// ListBountyUpdates serves GET /bounties/:id/updates as an ordered feed.
func (s *UpdateService) ListBountyUpdates(c *fiber.Ctx) error {
	bountyID := c.Params("id")

	var updates []models.BountyUpdate
	query := s.DB.Where("bounty_id = ?", bountyID).Order("id ASC")
	if sinceStr := c.Query("since_id"); sinceStr != "" {
		query = query.Where("id > ?", sinceStr)
	}
	if err := query.Find(&updates).Error; err != nil {
		log.Printf("ERROR fetching updates for bounty %s: %v", bountyID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to fetch updates"})
	}
	return c.JSON(updates)
}

// StreamBountyUpdatesSSE streams new audit entries for one bounty as
// server-sent events, polling the table the same way the feed endpoint
// reads it.
func (s *UpdateService) StreamBountyUpdatesSSE(c *fiber.Ctx) error {
	bountyID := c.Params("id")

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no") // nginx

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		var lastID uint

		// Initialize cursor at the tail so only new entries stream.
		var latest models.BountyUpdate
		if err := s.DB.
			Where("bounty_id = ?", bountyID).
			Order("id DESC").
			First(&latest).Error; err == nil {
			lastID = latest.ID
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("SSE init error for bounty %s: %v", bountyID, err)
		}

		// Initial keepalive (comment event)
		w.WriteString(":\n\n")
		w.Flush()

		for {
			select {
			case <-ticker.C:
				var fresh []models.BountyUpdate
				err := s.DB.
					Where("bounty_id = ? AND id > ?", bountyID, lastID).
					Order("id ASC").
					Find(&fresh).Error
				if err != nil {
					log.Printf("SSE query error for bounty %s: %v", bountyID, err)
					continue
				}
				if len(fresh) == 0 {
					continue
				}

				lastID = fresh[len(fresh)-1].ID

				for _, u := range fresh {
					payload, _ := json.Marshal(u)
					fmt.Fprintf(w, "event: bounty_update\ndata: %s\n\n", payload)
				}

				if err := w.Flush(); err != nil {
					// Client disconnected
					return
				}

			case <-c.Context().Done():
				return
			}
		}
	})

	return nil
}
