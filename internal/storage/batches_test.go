package storage

import (
	"testing"

	"github.com/fedbtc/fedbtcd/internal/models"
)

func testBatch(ids ...int) *models.TransferBatch {
	b := &models.TransferBatch{
		BitcoinTxHash: "aabb1122aabb1122aabb1122aabb1122aabb1122aabb1122aabb1122aabb1122",
		InitialPsbt:   "cHNidP8BAAA=",
	}
	for _, i := range ids {
		b.Transfers = append(b.Transfers, testTransfer(i))
	}
	return b
}

func TestBatchKey_OrderInsensitive(t *testing.T) {
	a := BatchKey([]string{"0x01", "0x02"})
	b := BatchKey([]string{"0x02", "0x01"})
	if a != b {
		t.Errorf("BatchKey differs for reordered ids: %s != %s", a, b)
	}

	c := BatchKey([]string{"0x01", "0x03"})
	if a == c {
		t.Error("BatchKey collides for different id sets")
	}
}

func TestBatchKey_CaseInsensitive(t *testing.T) {
	a := BatchKey([]string{"0xAB", "0xCD"})
	b := BatchKey([]string{"0xab", "0xcd"})
	if a != b {
		t.Errorf("BatchKey is case-sensitive: %s != %s", a, b)
	}
}

func TestGetCurrentPendingBatch_Empty(t *testing.T) {
	d := setupTestDB(t)

	got, err := d.GetCurrentPendingBatch()
	if err != nil {
		t.Fatalf("GetCurrentPendingBatch() error = %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got batch %s", got.BatchKey)
	}
}

func TestUpsertBatch_AndReload(t *testing.T) {
	d := setupTestDB(t)

	b := testBatch(0, 1)
	if err := d.UpsertBatch(b); err != nil {
		t.Fatalf("UpsertBatch() error = %v", err)
	}

	stored, err := d.GetCurrentPendingBatch()
	if err != nil {
		t.Fatalf("GetCurrentPendingBatch() error = %v", err)
	}
	if stored == nil {
		t.Fatal("expected a pending batch")
	}
	if stored.BatchKey != BatchKey(b.TransferIDs()) {
		t.Errorf("BatchKey = %s, want %s", stored.BatchKey, BatchKey(b.TransferIDs()))
	}

	reloaded, err := models.DecodeBatchDTO(stored.DTOJson)
	if err != nil {
		t.Fatalf("DecodeBatchDTO() error = %v", err)
	}
	if len(reloaded.Transfers) != 2 {
		t.Errorf("reloaded %d transfers, want 2", len(reloaded.Transfers))
	}
	if reloaded.BitcoinTxHash != b.BitcoinTxHash {
		t.Errorf("BitcoinTxHash = %s, want %s", reloaded.BitcoinTxHash, b.BitcoinTxHash)
	}
}

func TestUpsertBatch_UpdatesInPlace(t *testing.T) {
	d := setupTestDB(t)

	b := testBatch(0)
	if err := d.UpsertBatch(b); err != nil {
		t.Fatal(err)
	}

	b.SendingSigners = []string{"0xsigner"}
	b.SendingSignatures = []string{"0xsig"}
	if err := d.UpsertBatch(b); err != nil {
		t.Fatalf("second UpsertBatch() error = %v", err)
	}

	n, err := d.CountNonTerminalBatches()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 stored batch, got %d", n)
	}

	stored, err := d.GetCurrentPendingBatch()
	if err != nil {
		t.Fatal(err)
	}
	reloaded, err := models.DecodeBatchDTO(stored.DTOJson)
	if err != nil {
		t.Fatal(err)
	}
	if len(reloaded.SendingSigners) != 1 {
		t.Errorf("expected updated signer list, got %v", reloaded.SendingSigners)
	}
}

func TestUpsertBatch_TerminalExcludedFromPending(t *testing.T) {
	d := setupTestDB(t)

	b := testBatch(0)
	b.MarkedSending = true
	b.SentToBitcoin = true
	b.MarkedMined = true
	if err := d.UpsertBatch(b); err != nil {
		t.Fatal(err)
	}

	got, err := d.GetCurrentPendingBatch()
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("terminal batch returned as pending")
	}
}

func TestGetCurrentPendingBatch_OldestWins(t *testing.T) {
	d := setupTestDB(t)

	first := testBatch(0)
	second := testBatch(1)
	if err := d.UpsertBatch(first); err != nil {
		t.Fatal(err)
	}
	if err := d.UpsertBatch(second); err != nil {
		t.Fatal(err)
	}

	got, err := d.GetCurrentPendingBatch()
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.BatchKey != BatchKey(first.TransferIDs()) {
		t.Errorf("expected oldest batch %s to win", BatchKey(first.TransferIDs()))
	}
}
