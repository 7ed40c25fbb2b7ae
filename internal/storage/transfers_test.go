package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/fedbtc/fedbtcd/internal/config"
	"github.com/fedbtc/fedbtcd/internal/models"
)

func testTransfer(i int) models.Transfer {
	return models.Transfer{
		TransferID:     fmt.Sprintf("0x%064x", i+1),
		Status:         models.StatusNew,
		BtcAddress:     fmt.Sprintf("bcrt1qtransfer%d", i),
		Nonce:          uint8(i),
		TotalAmountSat: 100_000 + uint64(i),
		RskAddress:     "0xAABBccddeeff00112233445566778899aabbCCdd",
		RskTxHash:      fmt.Sprintf("0x%064x", 1000+i),
		RskTxIndex:     uint(i),
		RskLogIndex:    uint(i),
		RskBlockNumber: uint64(100 + i),
	}
}

func TestInsertTransfer_AndFind(t *testing.T) {
	d := setupTestDB(t)

	tr := testTransfer(0)
	if err := d.InsertTransfer(tr); err != nil {
		t.Fatalf("InsertTransfer() error = %v", err)
	}

	got, err := d.FindTransfers([]string{tr.TransferID})
	if err != nil {
		t.Fatalf("FindTransfers() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 transfer, got %d", len(got))
	}
	if got[0].BtcAddress != tr.BtcAddress {
		t.Errorf("BtcAddress = %s, want %s", got[0].BtcAddress, tr.BtcAddress)
	}
	if got[0].TotalAmountSat != tr.TotalAmountSat {
		t.Errorf("TotalAmountSat = %d, want %d", got[0].TotalAmountSat, tr.TotalAmountSat)
	}
	if got[0].Status != models.StatusNew {
		t.Errorf("Status = %s, want new", got[0].Status)
	}
}

func TestInsertTransfer_ReplayIsNoop(t *testing.T) {
	d := setupTestDB(t)

	tr := testTransfer(0)
	if err := d.InsertTransfer(tr); err != nil {
		t.Fatalf("InsertTransfer() error = %v", err)
	}

	// Event replay re-inserts the same transfer; amount changes must not stick.
	tr.TotalAmountSat = 999
	if err := d.InsertTransfer(tr); err != nil {
		t.Fatalf("second InsertTransfer() error = %v", err)
	}

	got, err := d.FindTransfers([]string{tr.TransferID})
	if err != nil {
		t.Fatalf("FindTransfers() error = %v", err)
	}
	if got[0].TotalAmountSat != 100_000 {
		t.Errorf("TotalAmountSat = %d, want original 100000", got[0].TotalAmountSat)
	}
}

func TestFindTransfers_MissingID(t *testing.T) {
	d := setupTestDB(t)

	_, err := d.FindTransfers([]string{fmt.Sprintf("0x%064x", 42)})
	if !errors.Is(err, config.ErrTransferNotFound) {
		t.Fatalf("FindTransfers() error = %v, want ErrTransferNotFound", err)
	}
}

func TestFindTransfers_PreservesRequestedOrder(t *testing.T) {
	d := setupTestDB(t)

	a, b := testTransfer(0), testTransfer(1)
	for _, tr := range []models.Transfer{a, b} {
		if err := d.InsertTransfer(tr); err != nil {
			t.Fatal(err)
		}
	}

	got, err := d.FindTransfers([]string{b.TransferID, a.TransferID})
	if err != nil {
		t.Fatalf("FindTransfers() error = %v", err)
	}
	if got[0].TransferID != b.TransferID || got[1].TransferID != a.TransferID {
		t.Errorf("order not preserved: got %s, %s", got[0].TransferID, got[1].TransferID)
	}
}

func TestNextNewTransfers_DeterministicOrder(t *testing.T) {
	d := setupTestDB(t)

	// Insert out of chain order.
	late := testTransfer(5)
	early := testTransfer(1)
	mid := testTransfer(3)
	for _, tr := range []models.Transfer{late, early, mid} {
		if err := d.InsertTransfer(tr); err != nil {
			t.Fatal(err)
		}
	}

	got, err := d.NextNewTransfers(10)
	if err != nil {
		t.Fatalf("NextNewTransfers() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 transfers, got %d", len(got))
	}
	if got[0].TransferID != early.TransferID || got[1].TransferID != mid.TransferID || got[2].TransferID != late.TransferID {
		t.Errorf("wrong order: %s, %s, %s", got[0].TransferID, got[1].TransferID, got[2].TransferID)
	}
}

func TestNextNewTransfers_Limit(t *testing.T) {
	d := setupTestDB(t)

	for i := 0; i < 5; i++ {
		if err := d.InsertTransfer(testTransfer(i)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := d.NextNewTransfers(2)
	if err != nil {
		t.Fatalf("NextNewTransfers() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 transfers, got %d", len(got))
	}
}

func TestUpdateTransferStatus_ExcludesFromNew(t *testing.T) {
	d := setupTestDB(t)

	tr := testTransfer(0)
	if err := d.InsertTransfer(tr); err != nil {
		t.Fatal(err)
	}

	if err := d.UpdateTransferStatus([]string{tr.TransferID}, models.StatusSending); err != nil {
		t.Fatalf("UpdateTransferStatus() error = %v", err)
	}

	remaining, err := d.NextNewTransfers(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected no New transfers, got %d", len(remaining))
	}

	got, err := d.FindTransfers([]string{tr.TransferID})
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Status != models.StatusSending {
		t.Errorf("Status = %s, want sending", got[0].Status)
	}
}

func TestSetTransferBtcTxHash(t *testing.T) {
	d := setupTestDB(t)

	tr := testTransfer(0)
	if err := d.InsertTransfer(tr); err != nil {
		t.Fatal(err)
	}

	txHash := "aabb1122aabb1122aabb1122aabb1122aabb1122aabb1122aabb1122aabb1122"
	if err := d.SetTransferBtcTxHash([]string{tr.TransferID}, txHash); err != nil {
		t.Fatalf("SetTransferBtcTxHash() error = %v", err)
	}

	got, err := d.FindTransfers([]string{tr.TransferID})
	if err != nil {
		t.Fatal(err)
	}
	if got[0].BtcTxHash != txHash {
		t.Errorf("BtcTxHash = %s, want %s", got[0].BtcTxHash, txHash)
	}
}
