package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// BountyUpdateType discriminates the audit log entries.
type BountyUpdateType string

const (
	UpdateTypeScore         BountyUpdateType = "SCORE_UPDATE"
	UpdateTypeStatusChange  BountyUpdateType = "STATUS_CHANGE"
	UpdateTypePayment       BountyUpdateType = "PAYMENT_UPDATE"
	UpdateTypePlayer        BountyUpdateType = "PLAYER_UPDATE"
	UpdateTypeSystemMessage BountyUpdateType = "SYSTEM_MESSAGE"
)

// UpdateData is the closed set of payloads a BountyUpdate can carry.
// One struct per update kind so consumers can switch exhaustively
// instead of digging through untyped maps.
type UpdateData interface {
	UpdateType() BountyUpdateType
}

type ScoreUpdateData struct {
	ParticipantID string `json:"participant_id"`
	OldScore      int64  `json:"old_score"`
	NewScore      int64  `json:"new_score"`
	Achieved      bool   `json:"achieved"`
}

func (ScoreUpdateData) UpdateType() BountyUpdateType { return UpdateTypeScore }

type StatusChangeData struct {
	From BountyStatus `json:"from"`
	To   BountyStatus `json:"to"`
}

func (StatusChangeData) UpdateType() BountyUpdateType { return UpdateTypeStatusChange }

type PaymentUpdateData struct {
	EscrowID    string `json:"escrow_id"`
	Action      string `json:"action"` // hold, release, refund
	RecipientID string `json:"recipient_id,omitempty"`
	AmountCents int64  `json:"amount_cents"`
	Failed      bool   `json:"failed,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (PaymentUpdateData) UpdateType() BountyUpdateType { return UpdateTypePayment }

type PlayerUpdateData struct {
	ParticipantID string `json:"participant_id"`
	StakeCents    int64  `json:"stake_cents"`
	Action        string `json:"action"` // joined
}

func (PlayerUpdateData) UpdateType() BountyUpdateType { return UpdateTypePlayer }

type SystemMessageData struct {
	Reason string `json:"reason"`
}

func (SystemMessageData) UpdateType() BountyUpdateType { return UpdateTypeSystemMessage }

// BountyUpdate is one append-only audit entry. Rows are never updated
// or deleted; the autoincrement ID gives the per-bounty feed order.
type BountyUpdate struct {
	ID        uint             `gorm:"primaryKey" json:"id"`
	BountyID  string           `gorm:"index;not null" json:"bounty_id"`
	Type      BountyUpdateType `gorm:"type:varchar(24);not null" json:"type"`
	Message   string           `gorm:"not null" json:"message"`
	Data      string           `gorm:"type:text" json:"data"` // JSON-encoded UpdateData payload
	CreatedAt time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

// NewBountyUpdate builds an entry from a typed payload.
func NewBountyUpdate(bountyID, message string, data UpdateData) (*BountyUpdate, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", data.UpdateType(), err)
	}
	return &BountyUpdate{
		BountyID: bountyID,
		Type:     data.UpdateType(),
		Message:  message,
		Data:     string(raw),
	}, nil
}

// DecodeData unmarshals the payload back into its typed form.
func (u *BountyUpdate) DecodeData() (UpdateData, error) {
	var (
		data UpdateData
		err  error
	)
	switch u.Type {
	case UpdateTypeScore:
		var d ScoreUpdateData
		err = json.Unmarshal([]byte(u.Data), &d)
		data = d
	case UpdateTypeStatusChange:
		var d StatusChangeData
		err = json.Unmarshal([]byte(u.Data), &d)
		data = d
	case UpdateTypePayment:
		var d PaymentUpdateData
		err = json.Unmarshal([]byte(u.Data), &d)
		data = d
	case UpdateTypePlayer:
		var d PlayerUpdateData
		err = json.Unmarshal([]byte(u.Data), &d)
		data = d
	case UpdateTypeSystemMessage:
		var d SystemMessageData
		err = json.Unmarshal([]byte(u.Data), &d)
		data = d
	default:
		return nil, fmt.Errorf("unknown update type %q", u.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", u.Type, err)
	}
	return data, nil
}
