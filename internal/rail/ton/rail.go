// Package ton is the crypto rail: transfers in TON from a highload v3 wallet
// through a lite client.
package ton

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/openbuilders/payout-orchestrator/internal/rail"
	"github.com/openbuilders/payout-orchestrator/internal/types"

	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/liteclient"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton"
	"github.com/xssnick/tonutils-go/ton/wallet"
)

const Currency = "TON"

// reserveNano stays on the wallet to pay for the external message.
const reserveNano = 3000000

const (
	// createdAtSkew backdates messages: liteservers emulate externals at
	// block time, a creation time in the future gets the message rejected.
	createdAtSkew = 30 * time.Second
	// expiryMargin covers block time lag before an unprocessed message is
	// considered dead.
	expiryMargin = time.Minute
)

// CodeUnconfirmed fails a transfer whose earlier message is too old for the
// wallet to tell whether it was processed.
const CodeUnconfirmed = "transfer_unconfirmed"

// Assignments persists the query assignment of every idempotency key, so an
// attempt after a restart reuses the message of the attempt before it.
type Assignments interface {
	GetQueryAssignment(context.Context, string) (types.QueryAssignment, bool, error)
	SaveQueryAssignment(context.Context, types.QueryAssignment) error
	// LatestQueryAssignment returns the most recently created assignment.
	LatestQueryAssignment(context.Context) (types.QueryAssignment, bool, error)
}

type Config struct {
	Mnemonic   string
	Testnet    bool
	MessageTTL time.Duration
	// StartQueryID is the lowest query id handed out. The sequence resumes
	// past the latest persisted assignment when that is higher.
	StartQueryID uint64
}

type assignmentKey struct{}

type Rail struct {
	config      *Config
	client      ton.APIClientWrapped
	wallet      *wallet.Wallet
	assignments Assignments
	ids         *queryIDs
	ttl         time.Duration

	mu      sync.Mutex
	settled map[string]rail.TransferResult

	processed func(context.Context, uint64) (bool, error)
	now       func() time.Time
	log       *slog.Logger
}

// Connect opens a lite client connection pool from a global config url.
func Connect(ctx context.Context, configURL string) (ton.APIClientWrapped, error) {
	pool := liteclient.NewConnectionPool()

	err := pool.AddConnectionsFromConfigUrl(ctx, configURL)
	if err != nil {
		return nil, fmt.Errorf("couldn't add connection to lite client: %w", err)
	}

	return ton.NewAPIClient(pool, ton.ProofCheckPolicyFast).WithRetry(), nil
}

func New(ctx context.Context, config *Config, client ton.APIClientWrapped,
	assignments Assignments) (*Rail, error) {

	r, err := newRail(ctx, config, assignments)
	if err != nil {
		return nil, err
	}
	r.client = client
	r.processed = r.isProcessed

	w, err := wallet.FromSeed(client, strings.Fields(config.Mnemonic),
		wallet.ConfigHighloadV3{
			MessageTTL: uint32(r.ttl.Seconds()),
			MessageBuilder: func(ctx context.Context, subWalletId uint32) (
				id uint32, createdAt int64, err error) {

				a, ok := ctx.Value(assignmentKey{}).(types.QueryAssignment)
				if !ok {
					return 0, 0, fmt.Errorf("no query id assigned to the message")
				}

				return uint32(a.QueryID), a.CreatedAt.Unix(), nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("couldn't create wallet from seed: %w", err)
	}

	r.wallet = w

	r.log.Info("TON rail ready", "address", r.Address())

	return r, nil
}

// newRail sets up everything but the wallet and resumes the query id
// sequence past the latest persisted assignment.
func newRail(ctx context.Context, config *Config, assignments Assignments) (
	*Rail, error) {

	start, err := QueryIDFromValue(config.StartQueryID)
	if err != nil {
		return nil, err
	}

	r := &Rail{
		config:      config,
		assignments: assignments,
		ids:         newQueryIDs(start),
		ttl:         config.MessageTTL,
		settled:     make(map[string]rail.TransferResult),
		now:         time.Now,
	}
	r.log = slog.With("component", "ton-rail", "wallet", r.Tag())

	if r.ttl <= 0 {
		r.ttl = 5 * time.Minute
	}

	latest, found, err := assignments.LatestQueryAssignment(ctx)
	if err != nil {
		return nil, fmt.Errorf("couldn't load latest query assignment: %w", err)
	}

	if found {
		r.ids.skipTo(latest.QueryID)
		r.log.Info("Resuming query ids", "after", latest.QueryID)
	}

	return r, nil
}

// Tag is a short stable wallet identifier for logs that does not leak the
// mnemonic.
func (r *Rail) Tag() string {
	hash := sha256.Sum256([]byte(r.config.Mnemonic))
	n := int(hash[0])<<24 | int(hash[1])<<16 | int(hash[2])<<8 | int(hash[3])

	return base62(n)
}

func base62(num int) string {
	const charset = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	var result []byte
	for num > 0 {
		result = append([]byte{charset[num%62]}, result...)
		num /= 62
	}

	return string(result)
}

// precheck validates what can be checked without the network. A non-nil
// result is a definitive rejection.
func precheck(req rail.TransferRequest) (*address.Address, tlb.Coins,
	*rail.TransferResult) {

	reject := func(code, message string) (*address.Address, tlb.Coins,
		*rail.TransferResult) {
		return nil, tlb.Coins{}, &rail.TransferResult{
			Status:    rail.StatusFailed,
			ErrorCode: code,
			Message:   message,
		}
	}

	if !strings.EqualFold(req.Currency, Currency) {
		return reject(rail.CodeRejected,
			fmt.Sprintf("currency %s is not supported by the TON rail", req.Currency))
	}

	addr, err := address.ParseAddr(strings.TrimSpace(req.Destination.AccountNumber))
	if err != nil {
		return reject(rail.CodeInvalidDestination, err.Error())
	}

	if !req.Amount.IsPositive() {
		return reject(rail.CodeInvalidAmount, "amount must be positive")
	}

	amount, err := tlb.FromTON(req.Amount.String())
	if err != nil {
		return reject(rail.CodeInvalidAmount, err.Error())
	}

	return addr, amount, nil
}

func (r *Rail) SubmitTransfer(ctx context.Context, req rail.TransferRequest) (
	rail.TransferResult, error) {

	r.mu.Lock()
	previous, done := r.settled[req.IdempotencyKey]
	r.mu.Unlock()

	if done {
		return previous, nil
	}

	addr, amount, rejected := precheck(req)
	if rejected != nil {
		return *rejected, nil
	}

	assignment, known, err := r.prepare(ctx, req.IdempotencyKey)
	if err != nil {
		return rail.TransferResult{}, err
	}

	if known != nil {
		if known.Status == rail.StatusSucceeded {
			known.SettledAmount = req.Amount
			r.remember(req.IdempotencyKey, *known)
		}
		return *known, nil
	}

	balance, err := r.Balance(ctx)
	if err != nil {
		return rail.TransferResult{}, err
	}

	required := new(big.Int).Add(amount.Nano(), big.NewInt(reserveNano))
	if balance.Nano().Cmp(required) < 0 {
		return rail.TransferResult{
			Status:    rail.StatusFailed,
			ErrorCode: rail.CodeInsufficientFunds,
			Message:   fmt.Sprintf("wallet balance %s is below %s", balance, amount),
		}, nil
	}

	msg, err := r.wallet.BuildTransfer(addr, amount, addr.IsBounceable(), req.Memo)
	if err != nil {
		return rail.TransferResult{
			Status:    rail.StatusFailed,
			ErrorCode: rail.CodeRejected,
			Message:   fmt.Sprintf("couldn't build transfer message: %v", err),
		}, nil
	}

	txHash, err := r.wallet.SendManyWaitTxHash(
		context.WithValue(ctx, assignmentKey{}, assignment), []*wallet.Message{msg})
	if err != nil {
		r.log.Error("transfer error",
			"key", req.IdempotencyKey,
			"query_id", assignment.QueryID,
			"error", err,
		)
		return rail.TransferResult{}, fmt.Errorf("transfer error: %w", err)
	}

	result := rail.TransferResult{
		Status:        rail.StatusSucceeded,
		Reference:     base64.URLEncoding.EncodeToString(txHash),
		SettledAmount: req.Amount,
	}

	r.remember(req.IdempotencyKey, result)

	r.log.Debug("Transfer sent",
		"key", req.IdempotencyKey,
		"query_id", assignment.QueryID,
		"hash", result.Reference,
	)

	return result, nil
}

func (r *Rail) remember(key string, result rail.TransferResult) {
	r.mu.Lock()
	r.settled[key] = result
	r.mu.Unlock()
}

// prepare returns the query assignment the next message of key must carry.
// A key seen before is first checked against the wallet: a processed query
// is reported as settled without sending anything.
func (r *Rail) prepare(ctx context.Context, key string) (types.QueryAssignment,
	*rail.TransferResult, error) {

	previous, found, err := r.assignments.GetQueryAssignment(ctx, key)
	if err != nil {
		return previous, nil, fmt.Errorf("couldn't load query assignment: %w", err)
	}

	if !found {
		return r.assign(ctx, key)
	}

	processed, err := r.processed(ctx, previous.QueryID)
	if err != nil {
		return previous, nil, fmt.Errorf("couldn't check query %d: %w",
			previous.QueryID, err)
	}

	if processed {
		r.log.Info("Earlier message already processed",
			"key", key, "query_id", previous.QueryID)

		return previous, &rail.TransferResult{
			Status:    rail.StatusSucceeded,
			Reference: fmt.Sprintf("query:%d", previous.QueryID),
		}, nil
	}

	age := r.now().Sub(previous.CreatedAt)

	switch {
	case age < r.ttl+expiryMargin:
		// the wallet drops a second copy of a live query
		return previous, nil, nil
	case age < 2*r.ttl:
		// the earlier message expired unprocessed and can no longer land
		r.log.Info("Earlier message expired, assigning a new query",
			"key", key, "query_id", previous.QueryID)
		return r.assign(ctx, key)
	default:
		return previous, &rail.TransferResult{
			Status:    rail.StatusFailed,
			ErrorCode: CodeUnconfirmed,
			Message: fmt.Sprintf("query %d is too old to confirm, reconcile "+
				"the wallet history manually", previous.QueryID),
		}, nil
	}
}

// assign persists a fresh query id for key before anything is sent with it.
func (r *Rail) assign(ctx context.Context, key string) (types.QueryAssignment,
	*rail.TransferResult, error) {

	id, err := r.ids.take()
	if err != nil {
		return types.QueryAssignment{}, &rail.TransferResult{
			Status:    rail.StatusFailed,
			ErrorCode: rail.CodeUnavailable,
			Message:   err.Error(),
		}, nil
	}

	a := types.QueryAssignment{
		IdempotencyKey: key,
		QueryID:        id,
		CreatedAt:      r.now().Add(-createdAtSkew).Truncate(time.Second).UTC(),
	}

	err = r.assignments.SaveQueryAssignment(ctx, a)
	if err != nil {
		return a, nil, fmt.Errorf("couldn't persist query assignment: %w", err)
	}

	return a, nil, nil
}

// isProcessed asks the wallet contract whether it has processed queryID.
func (r *Rail) isProcessed(ctx context.Context, queryID uint64) (bool, error) {
	block, err := r.client.CurrentMasterchainInfo(ctx)
	if err != nil {
		return false, fmt.Errorf("couldn't fetch master chain info: %w", err)
	}

	res, err := r.client.WaitForBlock(block.SeqNo).RunGetMethod(ctx, block,
		r.wallet.WalletAddress(), "processed?", queryID, 0)
	if err != nil {
		return false, fmt.Errorf("couldn't run processed? get method: %w", err)
	}

	flag, err := res.Int(0)
	if err != nil {
		return false, fmt.Errorf("couldn't decode processed? result: %w", err)
	}

	return flag.Sign() != 0, nil
}
