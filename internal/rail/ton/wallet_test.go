package ton

import (
	"testing"

	"github.com/xssnick/tonutils-go/address"
)

func TestNewSeed_AddressIsStable(t *testing.T) {
	seed, addr, err := NewSeed(true)
	if err != nil {
		t.Fatalf("new seed: %v", err)
	}
	if len(seed) != 24 {
		t.Fatalf("expected a 24 word mnemonic, got %d words", len(seed))
	}

	parsed, err := address.ParseAddr(addr)
	if err != nil {
		t.Fatalf("derived address doesn't parse: %v", err)
	}
	if !parsed.IsTestnetOnly() {
		t.Fatal("expected a testnet address")
	}

	again, err := WalletAddress(seed, true)
	if err != nil || again != addr {
		t.Fatalf("derivation is not stable: %s != %s (%v)", again, addr, err)
	}
}
