package models

import "testing"

func TestBountyUpdateDecodeData(t *testing.T) {
	cases := []struct {
		name string
		data UpdateData
	}{
		{"score", ScoreUpdateData{ParticipantID: "p-1", OldScore: 10, NewScore: 25, Achieved: true}},
		{"status change", StatusChangeData{From: BountyStatusOpen, To: BountyStatusActive}},
		{"payment", PaymentUpdateData{EscrowID: "e-1", Action: "release", RecipientID: "p-1", AmountCents: 15000}},
		{"payment failure", PaymentUpdateData{EscrowID: "e-1", Action: "release", RecipientID: "p-2", AmountCents: 5000, Failed: true, Reason: "processor down"}},
		{"player", PlayerUpdateData{ParticipantID: "p-1", StakeCents: 5000, Action: "joined"}},
		{"system message", SystemMessageData{Reason: "deadline passed"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			update, err := NewBountyUpdate("bounty-1", "msg", tc.data)
			if err != nil {
				t.Fatalf("build update: %v", err)
			}
			if update.Type != tc.data.UpdateType() {
				t.Errorf("type = %s, want %s", update.Type, tc.data.UpdateType())
			}
			decoded, err := update.DecodeData()
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if decoded != tc.data {
				t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, tc.data)
			}
		})
	}
}

func TestDecodeDataUnknownType(t *testing.T) {
	u := BountyUpdate{Type: "WEATHER_REPORT", Data: "{}"}
	if _, err := u.DecodeData(); err == nil {
		t.Fatal("expected error for unknown update type")
	}
}
