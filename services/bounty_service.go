package services

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"bounty-engine/models"
	"bounty-engine/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"gorm.io/gorm"
)

// BountyService owns the bounty aggregate: creation, the join race,
// score updates and the leaderboard view. Settlement and cancellation
// live on SettlementService.
type BountyService struct {
	DB      *gorm.DB
	Wallet  *WalletService
	Escrow  *EscrowService
	Updates *UpdateService
}

func NewBountyService(db *gorm.DB, wallet *WalletService, escrow *EscrowService, updates *UpdateService) *BountyService {
	return &BountyService{DB: db, Wallet: wallet, Escrow: escrow, Updates: updates}
}

type CreateBountyParams struct {
	CreatorID         string
	Title             string
	Description       string
	BountyAmountCents int64
	TargetValue       int64
	TargetComparison  models.TargetComparison
	Timeframe         string
	StartDate         time.Time
	EndDate           time.Time
	MaxParticipants   int
	MainPhotoURL      string
}

func (p *CreateBountyParams) validate() error {
	if p.CreatorID == "" {
		return fmt.Errorf("creator_id is required")
	}
	if p.Title == "" {
		return fmt.Errorf("title is required")
	}
	if p.BountyAmountCents <= 0 {
		return fmt.Errorf("bounty_amount_cents must be positive")
	}
	if !models.ValidComparison(p.TargetComparison) {
		return fmt.Errorf("target_comparison must be one of greater_than, less_than, equal_to")
	}
	if p.MaxParticipants < 1 {
		return fmt.Errorf("max_participants must be at least 1")
	}
	if !p.EndDate.After(p.StartDate) {
		return fmt.Errorf("end_date must be after start_date")
	}
	return nil
}

// Create validates the params, locks the creator's stake, opens escrow
// and writes the bounty — all in one transaction. If the processor
// rejects the hold nothing is created; if the transaction fails after
// the hold was confirmed, the hold is refunded as compensation.
func (s *BountyService) Create(params CreateBountyParams) (*models.Bounty, *models.EscrowAccount, error) {
	if err := params.validate(); err != nil {
		return nil, nil, err
	}

	bounty := &models.Bounty{
		ID:                uuid.NewString(),
		CreatorID:         params.CreatorID,
		Title:             params.Title,
		Slug:              slug.Make(params.Title),
		Description:       params.Description,
		BountyAmountCents: params.BountyAmountCents,
		TargetValue:       params.TargetValue,
		TargetComparison:  params.TargetComparison,
		Timeframe:         params.Timeframe,
		StartDate:         params.StartDate,
		EndDate:           params.EndDate,
		MaxParticipants:   params.MaxParticipants,
		Status:            models.BountyStatusOpen,
		MainPhotoURL:      params.MainPhotoURL,
	}

	var escrow *models.EscrowAccount
	var confirmedHold string
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := s.Wallet.Lock(tx, params.CreatorID, params.BountyAmountCents); err != nil {
			return err
		}
		if err := tx.Omit("Participants").Create(bounty).Error; err != nil {
			return fmt.Errorf("create bounty: %w", err)
		}
		opened, err := s.Escrow.Open(tx, bounty.ID, params.CreatorID, params.BountyAmountCents)
		if err != nil {
			return err
		}
		confirmedHold = opened.PaymentIntentID
		escrow = opened
		if err := tx.Model(bounty).Update("escrow_id", opened.ID).Error; err != nil {
			return fmt.Errorf("link escrow: %w", err)
		}
		bounty.EscrowID = opened.ID
		return s.Updates.Append(tx, bounty.ID, "bounty created", models.SystemMessageData{
			Reason: "bounty created",
		})
	})
	if err != nil {
		if confirmedHold != "" && !errors.Is(err, ErrPaymentHoldFailed) {
			// Hold confirmed but local state rolled back; give the money back.
			if refundErr := s.Escrow.Payments.Refund(confirmedHold, "bounty creation failed"); refundErr != nil {
				log.Printf("RECONCILE: orphan hold %s after failed bounty create: %v", confirmedHold, refundErr)
			}
		}
		return nil, nil, err
	}
	return bounty, escrow, nil
}

// Join adds a participant. The slot race is closed by a conditional
// UPDATE on the bounty row: two concurrent joins racing for the last
// slot both re-evaluate the count predicate at the row lock, so one of
// them fails with ErrBountyFull no matter the arrival order.
func (s *BountyService) Join(bountyID, participantID string, stakeCents int64) (*models.Bounty, error) {
	if stakeCents <= 0 {
		return nil, fmt.Errorf("stake_cents must be positive")
	}

	var bounty models.Bounty
	if err := s.DB.First(&bounty, "id = ?", bountyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBountyNotFound
		}
		return nil, fmt.Errorf("load bounty %s: %w", bountyID, err)
	}
	if bounty.CreatorID == participantID {
		return nil, ErrSelfJoin
	}
	if err := joinableErr(&bounty); err != nil {
		return nil, err
	}

	var confirmedHold string
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		// Duplicate joins are rejected here and backstopped by the
		// unique index on (bounty_id, participant_id).
		var existing models.BountyParticipant
		err := tx.Where("bounty_id = ? AND participant_id = ?", bountyID, participantID).
			First(&existing).Error
		if err == nil {
			return ErrAlreadyJoined
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check existing participant: %w", err)
		}

		// Claim a slot. Rows affected 0 means the bounty filled or
		// left OPEN since we first read it.
		res := tx.Model(&models.Bounty{}).
			Where("id = ? AND status = ? AND participant_count < max_participants",
				bountyID, models.BountyStatusOpen).
			Update("participant_count", gorm.Expr("participant_count + 1"))
		if res.Error != nil {
			return fmt.Errorf("claim slot: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			if err := tx.First(&bounty, "id = ?", bountyID).Error; err != nil {
				return fmt.Errorf("reload bounty: %w", err)
			}
			if err := joinableErr(&bounty); err != nil {
				return err
			}
			return ErrBountyFull
		}

		if err := s.Wallet.Lock(tx, participantID, stakeCents); err != nil {
			return err
		}

		participant := &models.BountyParticipant{
			BountyID:      bountyID,
			ParticipantID: participantID,
			StakeCents:    stakeCents,
		}
		if err := tx.Create(participant).Error; err != nil {
			return fmt.Errorf("create participant: %w", err)
		}

		escrow, err := s.Escrow.Get(tx, bountyID)
		if err != nil {
			return err
		}
		holdRef, err := s.Escrow.Contribute(tx, escrow, participantID, stakeCents)
		confirmedHold = holdRef
		if err != nil {
			return err
		}

		if err := s.Updates.Append(tx, bountyID,
			fmt.Sprintf("player %s joined with a %d cent stake", participantID, stakeCents),
			models.PlayerUpdateData{
				ParticipantID: participantID,
				StakeCents:    stakeCents,
				Action:        "joined",
			}); err != nil {
			return err
		}

		// Roster filled: OPEN -> ACTIVE.
		if err := tx.First(&bounty, "id = ?", bountyID).Error; err != nil {
			return fmt.Errorf("reload bounty: %w", err)
		}
		if bounty.ParticipantCount == bounty.MaxParticipants {
			if err := tx.Model(&bounty).
				Where("status = ?", models.BountyStatusOpen).
				Update("status", models.BountyStatusActive).Error; err != nil {
				return fmt.Errorf("activate bounty: %w", err)
			}
			bounty.Status = models.BountyStatusActive
			if err := s.Updates.Append(tx, bountyID, "roster filled, bounty is live",
				models.StatusChangeData{
					From: models.BountyStatusOpen,
					To:   models.BountyStatusActive,
				}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if confirmedHold != "" {
			// Hold confirmed but local state rolled back; give the money back.
			if refundErr := s.Escrow.Payments.Refund(confirmedHold, "bounty join failed"); refundErr != nil {
				log.Printf("RECONCILE: orphan hold %s after failed bounty join: %v", confirmedHold, refundErr)
			}
		}
		return nil, err
	}
	return &bounty, nil
}

// joinableErr distinguishes "full" from "no longer open": a bounty
// that went ACTIVE because its roster filled still reports BountyFull
// to late joiners, whatever order the requests arrived in.
func joinableErr(b *models.Bounty) error {
	if b.Status == models.BountyStatusOpen && b.ParticipantCount < b.MaxParticipants {
		return nil
	}
	if b.ParticipantCount >= b.MaxParticipants && b.Status != models.BountyStatusCompleted && b.Status != models.BountyStatusCancelled {
		return ErrBountyFull
	}
	if b.Status != models.BountyStatusOpen {
		return ErrBountyNotOpen
	}
	return ErrBountyFull
}

// ScoreInput is one scoreboard push from the (external) score feed.
type ScoreInput struct {
	ParticipantID string `json:"participant_id"`
	Score         int64  `json:"score"`
}

// UpdateScores applies a batch of score pushes. ACTIVE bounties only,
// and only while the scoring window is open; every entry must name an
// actual participant — boundary validation, nothing is trusted.
func (s *BountyService) UpdateScores(bountyID string, scores []ScoreInput) error {
	if len(scores) == 0 {
		return fmt.Errorf("scores must not be empty")
	}
	return s.DB.Transaction(func(tx *gorm.DB) error {
		var bounty models.Bounty
		if err := tx.First(&bounty, "id = ?", bountyID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBountyNotFound
			}
			return fmt.Errorf("load bounty %s: %w", bountyID, err)
		}
		if bounty.Status != models.BountyStatusActive {
			return ErrBountyNotActive
		}
		if time.Now().After(bounty.EndDate) {
			return ErrScoringClosed
		}

		for _, in := range scores {
			var participant models.BountyParticipant
			err := tx.Where("bounty_id = ? AND participant_id = ?", bountyID, in.ParticipantID).
				First(&participant).Error
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("%w: %s", ErrUnknownParticipant, in.ParticipantID)
				}
				return fmt.Errorf("load participant %s: %w", in.ParticipantID, err)
			}
			if participant.CurrentScore == in.Score {
				continue
			}
			if err := tx.Model(&models.BountyParticipant{}).
				Where("id = ?", participant.ID).
				Update("current_score", in.Score).Error; err != nil {
				return fmt.Errorf("update score for %s: %w", in.ParticipantID, err)
			}
			if err := s.Updates.Append(tx, bountyID,
				fmt.Sprintf("score for %s moved to %d", in.ParticipantID, in.Score),
				models.ScoreUpdateData{
					ParticipantID: in.ParticipantID,
					OldScore:      participant.CurrentScore,
					NewScore:      in.Score,
					Achieved:      bounty.Achieved(in.Score),
				}); err != nil {
				return err
			}
		}
		return nil
	})
}

// LeaderboardRow is the per-participant standing returned to the front end.
type LeaderboardRow struct {
	ParticipantID string `json:"participant_id"`
	Score         int64  `json:"score"`
	ProgressPct   int    `json:"progress_pct"`
	Rank          int    `json:"rank"`
	IsWinning     bool   `json:"is_winning"`
}

// Leaderboard ranks participants by how close they are to the target:
// descending score for greater_than/equal_to, ascending for less_than.
func (s *BountyService) Leaderboard(bountyID string) ([]LeaderboardRow, error) {
	bounty, err := s.Get(bountyID)
	if err != nil {
		return nil, err
	}

	rows := make([]LeaderboardRow, 0, len(bounty.Participants))
	for _, p := range bounty.Participants {
		rows = append(rows, LeaderboardRow{
			ParticipantID: p.ParticipantID,
			Score:         p.CurrentScore,
			ProgressPct:   progressPct(bounty, p.CurrentScore),
			IsWinning:     bounty.Achieved(p.CurrentScore),
		})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if bounty.TargetComparison == models.ComparisonLessThan {
			return rows[i].Score < rows[j].Score
		}
		return rows[i].Score > rows[j].Score
	})
	for i := range rows {
		rows[i].Rank = i + 1
	}
	return rows, nil
}

// progressPct is a display hint, clamped to [0, 100]. Achievement
// itself is always decided by Bounty.Achieved.
func progressPct(b *models.Bounty, score int64) int {
	if b.Achieved(score) {
		return 100
	}
	switch b.TargetComparison {
	case models.ComparisonGreaterThan, models.ComparisonEqualTo:
		if b.TargetValue <= 0 || score <= 0 {
			return 0
		}
		pct := score * 100 / b.TargetValue
		if pct > 100 {
			pct = 100
		}
		return int(pct)
	case models.ComparisonLessThan:
		if score <= 0 {
			return 0
		}
		pct := b.TargetValue * 100 / score
		if pct > 100 {
			pct = 100
		}
		return int(pct)
	}
	return 0
}

// Get loads a bounty with its roster in join order.
func (s *BountyService) Get(bountyID string) (*models.Bounty, error) {
	var bounty models.Bounty
	err := s.DB.
		Preload("Participants", func(db *gorm.DB) *gorm.DB {
			return db.Order("id ASC")
		}).
		First(&bounty, "id = ?", bountyID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBountyNotFound
		}
		return nil, fmt.Errorf("load bounty %s: %w", bountyID, err)
	}
	return &bounty, nil
}

// ---- Fiber handlers ----

// userIDFromCtx reads the identity the gateway middleware attached.
func userIDFromCtx(c *fiber.Ctx) string {
	if v, ok := c.Locals("user_id").(string); ok {
		return v
	}
	return ""
}

// CreateBounty handles POST /bounties (multipart form, optional cover photo).
func (s *BountyService) CreateBounty(c *fiber.Ctx) error {
	creatorID := userIDFromCtx(c)
	if creatorID == "" {
		return c.Status(401).JSON(fiber.Map{"error": "missing user context"})
	}

	amount, err := strconv.ParseInt(c.FormValue("bounty_amount_cents"), 10, 64)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "bounty_amount_cents must be an integer"})
	}
	targetValue, err := strconv.ParseInt(c.FormValue("target_value"), 10, 64)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "target_value must be an integer"})
	}
	maxParticipants, err := strconv.Atoi(c.FormValue("max_participants"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "max_participants must be an integer"})
	}
	startDate, err := time.Parse(time.RFC3339, c.FormValue("start_date"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid start_date (use RFC3339)"})
	}
	endDate, err := time.Parse(time.RFC3339, c.FormValue("end_date"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid end_date (use RFC3339)"})
	}

	// Optional cover photo -> R2
	var mainPhotoURL string
	if photo, err := c.FormFile("main_photo"); err == nil && photo.Size > 0 {
		ext := filepath.Ext(photo.Filename)
		if ext == "" {
			ext = ".jpg"
		}
		key := "bounties/main/" + uuid.NewString() + ext
		url, err := utils.UploadFileToR2(photo, key)
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": "failed to upload main photo"})
		}
		mainPhotoURL = url
	}

	bounty, escrow, err := s.Create(CreateBountyParams{
		CreatorID:         creatorID,
		Title:             c.FormValue("title"),
		Description:       c.FormValue("description"),
		BountyAmountCents: amount,
		TargetValue:       targetValue,
		TargetComparison:  models.TargetComparison(c.FormValue("target_comparison")),
		Timeframe:         c.FormValue("timeframe"),
		StartDate:         startDate,
		EndDate:           endDate,
		MaxParticipants:   maxParticipants,
		MainPhotoURL:      mainPhotoURL,
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrPaymentHoldFailed) {
			status, msg := statusForError(err)
			return c.Status(status).JSON(fiber.Map{"error": msg})
		}
		log.Printf("ERROR creating bounty for %s: %v", creatorID, err)
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(201).JSON(fiber.Map{
		"bounty_id": bounty.ID,
		"escrow_id": escrow.ID,
		"bounty":    bounty,
	})
}

// JoinBounty handles POST /bounties/:id/join.
func (s *BountyService) JoinBounty(c *fiber.Ctx) error {
	participantID := userIDFromCtx(c)
	if participantID == "" {
		return c.Status(401).JSON(fiber.Map{"error": "missing user context"})
	}
	type Req struct {
		StakeCents int64 `json:"stake_cents"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}

	bounty, err := s.Join(c.Params("id"), participantID, req.StakeCents)
	if err != nil {
		status, msg := statusForError(err)
		if status == fiber.StatusInternalServerError {
			log.Printf("ERROR joining bounty %s: %v", c.Params("id"), err)
			return c.Status(400).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(status).JSON(fiber.Map{"error": msg})
	}
	return c.Status(201).JSON(fiber.Map{
		"message": "joined bounty",
		"bounty":  bounty,
	})
}

// UpdateScoresHandler handles PATCH /bounties/:id/scores.
func (s *BountyService) UpdateScoresHandler(c *fiber.Ctx) error {
	type Req struct {
		Scores []ScoreInput `json:"scores"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}
	if err := s.UpdateScores(c.Params("id"), req.Scores); err != nil {
		status, msg := statusForError(err)
		if status == fiber.StatusInternalServerError {
			log.Printf("ERROR updating scores for bounty %s: %v", c.Params("id"), err)
			return c.Status(400).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(status).JSON(fiber.Map{"error": msg})
	}
	return c.JSON(fiber.Map{"message": "scores updated"})
}

// GetLeaderboard handles GET /bounties/:id/leaderboard.
func (s *BountyService) GetLeaderboard(c *fiber.Ctx) error {
	rows, err := s.Leaderboard(c.Params("id"))
	if err != nil {
		status, msg := statusForError(err)
		return c.Status(status).JSON(fiber.Map{"error": msg})
	}
	return c.JSON(rows)
}

// GetBountyByID handles GET /bounties/:id.
func (s *BountyService) GetBountyByID(c *fiber.Ctx) error {
	bounty, err := s.Get(c.Params("id"))
	if err != nil {
		status, msg := statusForError(err)
		return c.Status(status).JSON(fiber.Map{"error": msg})
	}
	return c.JSON(bounty)
}

// GetAllBounties handles GET /bounties with an optional status filter.
func (s *BountyService) GetAllBounties(c *fiber.Ctx) error {
	var bounties []models.Bounty
	query := s.DB.Preload("Participants", func(db *gorm.DB) *gorm.DB {
		return db.Order("id ASC")
	}).Order("created_at DESC")
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Find(&bounties).Error; err != nil {
		log.Printf("ERROR fetching bounties: %v", err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to fetch bounties"})
	}
	return c.JSON(bounties)
}
