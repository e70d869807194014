package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openbuilders/payout-orchestrator/internal/repository/memory"
	"github.com/openbuilders/payout-orchestrator/internal/types"
)

const seedYAML = `
beneficiaries:
  - id: b1
    holder_name: Ada Lovelace
    bank_name: Analytical Bank
    account_number: "GB29NWBK60161331926819"
    swift_code: NWBKGB2L
    currency: GBP
    kyc_status: verified
  - id: b2
    holder_name: Charles Babbage
    account_number: "DE89370400440532013000"
    currency: EUR
`

func TestLoadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beneficiaries.yaml")
	if err := os.WriteFile(path, []byte(seedYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	beneficiaries, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(beneficiaries) != 2 {
		t.Fatalf("expected 2 beneficiaries, got %d", len(beneficiaries))
	}
	if beneficiaries[1].KYCStatus != types.KYCPending {
		t.Fatalf("missing status must default to pending, got %q",
			beneficiaries[1].KYCStatus)
	}

	repo := memory.NewBeneficiaries()
	if err := Seed(context.Background(), repo, beneficiaries); err != nil {
		t.Fatalf("seed: %v", err)
	}

	r := New(&Config{DBTimeout: time.Second}, repo)
	b, err := r.Get(context.Background(), "b1")
	if err != nil || !b.IsVerified() || b.Currency != "GBP" {
		t.Fatalf("unexpected beneficiary %+v %v", b, err)
	}
}

func TestLoadSeed_MissingID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beneficiaries.yaml")
	_ = os.WriteFile(path, []byte("beneficiaries:\n  - holder_name: nobody\n"), 0o600)

	if _, err := LoadSeed(path); err == nil {
		t.Fatal("expected an error for a beneficiary without id")
	}
}
