package domain

import "testing"

func threeWayTransfer(amount int64, perRecipient bool) *ScheduledTransfer {
	return &ScheduledTransfer{
		Amount:             amount,
		AmountPerRecipient: perRecipient,
		Recipients: []Recipient{
			{Address: "0xA"}, {Address: "0xB"}, {Address: "0xC"},
		},
	}
}

func TestRecipientAmounts_SplitPutsRemainderFirst(t *testing.T) {
	transfer := threeWayTransfer(100, false)

	amounts := transfer.RecipientAmounts()
	if len(amounts) != 3 {
		t.Fatalf("got %d amounts, want 3", len(amounts))
	}
	if amounts[0] != 34 || amounts[1] != 33 || amounts[2] != 33 {
		t.Fatalf("amounts = %v, want [34 33 33]", amounts)
	}

	var total int64
	for _, a := range amounts {
		total += a
	}
	if total != transfer.TotalAmount() {
		t.Fatalf("split total %d does not match TotalAmount %d", total, transfer.TotalAmount())
	}
}

func TestRecipientAmounts_PerRecipientRepeatsAmount(t *testing.T) {
	transfer := threeWayTransfer(100, true)

	for i, amount := range transfer.RecipientAmounts() {
		if amount != 100 {
			t.Fatalf("recipient %d amount = %d, want 100", i, amount)
		}
	}
	if transfer.TotalAmount() != 300 {
		t.Fatalf("TotalAmount = %d, want 300", transfer.TotalAmount())
	}
}

func TestMaxActionAmount(t *testing.T) {
	split := threeWayTransfer(100, false)
	if split.MaxActionAmount() != 34 {
		t.Fatalf("split MaxActionAmount = %d, want 34", split.MaxActionAmount())
	}

	perRecipient := threeWayTransfer(100, true)
	if perRecipient.MaxActionAmount() != 100 {
		t.Fatalf("per-recipient MaxActionAmount = %d, want 100", perRecipient.MaxActionAmount())
	}

	empty := &ScheduledTransfer{Amount: 100}
	if empty.MaxActionAmount() != 0 {
		t.Fatalf("empty MaxActionAmount = %d, want 0", empty.MaxActionAmount())
	}
}
