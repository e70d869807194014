package ton

import (
	"context"
	"fmt"

	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton/wallet"
)

// NewSeed generates the mnemonic of a fresh highload wallet and returns it
// with the wallet address. Fund the address before the first transfer.
func NewSeed(testnet bool) ([]string, string, error) {
	seed := wallet.NewSeed()

	addr, err := WalletAddress(seed, testnet)
	if err != nil {
		return nil, "", err
	}

	return seed, addr, nil
}

// WalletAddress derives the highload v3 wallet address of seed offline.
func WalletAddress(seed []string, testnet bool) (string, error) {
	w, err := wallet.FromSeed(nil, seed, wallet.ConfigHighloadV3{
		MessageTTL: 60 * 5,
		MessageBuilder: func(ctx context.Context, subWalletId uint32) (
			id uint32, createdAt int64, err error) {
			return 0, 0, nil
		},
	})
	if err != nil {
		return "", fmt.Errorf("couldn't derive wallet from seed: %w", err)
	}

	return w.WalletAddress().Testnet(testnet).String(), nil
}

// Address is the user-friendly address of the rail wallet.
func (r *Rail) Address() string {
	return r.wallet.WalletAddress().Testnet(r.config.Testnet).String()
}

// Balance reads the wallet balance at the current master chain block.
func (r *Rail) Balance(ctx context.Context) (tlb.Coins, error) {
	block, err := r.client.CurrentMasterchainInfo(ctx)
	if err != nil {
		return tlb.Coins{}, fmt.Errorf("couldn't fetch master chain info: %w", err)
	}

	balance, err := r.wallet.GetBalance(ctx, block)
	if err != nil {
		return tlb.Coins{}, fmt.Errorf("couldn't fetch wallet balance: %w", err)
	}

	return balance, nil
}
