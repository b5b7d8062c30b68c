package reward

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/makerdesk/mm-core/internal/ledger"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const allocationScale = 18

var (
	ErrInvalidAmount      = errors.New("amount must be a positive decimal")
	ErrInvalidWindow      = errors.New("allocation window must have positive length")
	ErrRewardNotFound     = errors.New("reward not found")
	ErrAlreadyAllocated   = errors.New("reward already allocated")
	ErrNoBasis            = errors.New("no share holdings in allocation window")
	ErrInsufficientShares = errors.New("burn exceeds share balance")
)

// Service owns the reward pipeline: observe, allocate, distribute.
type Service struct {
	db     *Database
	ledger *ledger.Service

	batchSize int

	mu      sync.RWMutex
	healthy bool
}

func NewService(db *Database, ledgerSvc *ledger.Service) *Service {
	return &Service{
		db:        db,
		ledger:    ledgerSvc,
		batchSize: 100,
	}
}

// Name identifies the distributor to the tick coordinator.
func (s *Service) Name() string { return "reward-distributor" }

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	s.healthy = true
	s.mu.Unlock()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.healthy = false
	s.mu.Unlock()
	return nil
}

func (s *Service) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

// OnTick drains a batch of pending allocations into the balance ledger.
func (s *Service) OnTick(ctx context.Context, ts time.Time) error {
	_, err := s.DistributePending(ctx)
	return err
}

// ObserveReward records an observed reward payment. The same transaction
// hash observed again returns the original record with applied=false.
func (s *Service) ObserveReward(txHash, poolID, assetID, amount string, observedAt time.Time) (*RewardLedger, bool, error) {
	if txHash == "" || poolID == "" || assetID == "" {
		return nil, false, errors.New("tx_hash, pool_id and asset_id are required")
	}
	amt, err := decimal.NewFromString(amount)
	if err != nil || amt.Sign() <= 0 {
		return nil, false, ErrInvalidAmount
	}

	reward := &RewardLedger{
		RewardID:   "RWD_" + uuid.New().String(),
		TxHash:     txHash,
		PoolID:     poolID,
		AssetID:    assetID,
		Amount:     amt.String(),
		Status:     RewardStatusObserved,
		ObservedAt: observedAt,
	}
	applied, err := s.db.CreateReward(reward)
	if err != nil {
		return nil, false, err
	}
	if !applied {
		existing, err := s.db.GetRewardByTxHash(txHash)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	log.Info().
		Str("service", "reward").
		Str("reward_id", reward.RewardID).
		Str("pool_id", poolID).
		Str("amount", reward.Amount).
		Msg("reward observed")
	return reward, true, nil
}

// MintShares credits pool shares to a user.
func (s *Service) MintShares(poolID, userID, shares, idempotencyKey string, effectiveAt time.Time) (*ShareLedgerEntry, bool, error) {
	return s.appendShareEntry(ShareMint, poolID, userID, shares, idempotencyKey, effectiveAt)
}

// BurnShares removes pool shares from a user. The burn must not exceed the
// user's replayed balance.
func (s *Service) BurnShares(poolID, userID, shares, idempotencyKey string, effectiveAt time.Time) (*ShareLedgerEntry, bool, error) {
	amt, err := decimal.NewFromString(shares)
	if err != nil || amt.Sign() <= 0 {
		return nil, false, ErrInvalidAmount
	}
	balance, err := s.ShareBalance(poolID, userID)
	if err != nil {
		return nil, false, err
	}
	if balance.LessThan(amt) {
		return nil, false, fmt.Errorf("%w: have %s, burning %s", ErrInsufficientShares, balance, amt)
	}
	return s.appendShareEntry(ShareBurn, poolID, userID, shares, idempotencyKey, effectiveAt)
}

func (s *Service) appendShareEntry(entryType, poolID, userID, shares, idempotencyKey string, effectiveAt time.Time) (*ShareLedgerEntry, bool, error) {
	if poolID == "" || userID == "" || idempotencyKey == "" {
		return nil, false, errors.New("pool_id, user_id and idempotency_key are required")
	}
	amt, err := decimal.NewFromString(shares)
	if err != nil || amt.Sign() <= 0 {
		return nil, false, ErrInvalidAmount
	}
	if effectiveAt.IsZero() {
		effectiveAt = time.Now()
	}

	entry := &ShareLedgerEntry{
		EntryID:        "SHL_" + uuid.New().String(),
		IdempotencyKey: idempotencyKey,
		PoolID:         poolID,
		UserID:         userID,
		Type:           entryType,
		Shares:         amt.String(),
		EffectiveAt:    effectiveAt,
	}
	applied, err := s.db.CreateShareEntry(entry)
	if err != nil {
		return nil, false, err
	}
	return entry, applied, nil
}

// ShareBalance replays a user's share entries into their current balance.
func (s *Service) ShareBalance(poolID, userID string) (decimal.Decimal, error) {
	entries, err := s.db.ShareEntriesForUser(poolID, userID)
	if err != nil {
		return decimal.Zero, err
	}
	balance := decimal.Zero
	for _, entry := range entries {
		amt, err := decimal.NewFromString(entry.Shares)
		if err != nil {
			return decimal.Zero, fmt.Errorf("corrupt share entry %s: %w", entry.EntryID, err)
		}
		if entry.Type == ShareBurn {
			balance = balance.Sub(amt)
		} else {
			balance = balance.Add(amt)
		}
	}
	return balance, nil
}

// AllocateReward splits a reward across pool participants pro rata to their
// time-weighted share holdings over the window. Slices are truncated, never
// rounded up, so the allocated sum cannot exceed the reward amount.
func (s *Service) AllocateReward(rewardID string, windowStart, windowEnd time.Time) ([]RewardAllocation, error) {
	if !windowEnd.After(windowStart) {
		return nil, ErrInvalidWindow
	}

	reward, err := s.db.GetReward(rewardID)
	if err != nil {
		return nil, err
	}
	if reward == nil {
		return nil, ErrRewardNotFound
	}
	if reward.Status != RewardStatusObserved {
		return nil, ErrAlreadyAllocated
	}

	amount, err := decimal.NewFromString(reward.Amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt reward amount: %w", err)
	}

	basis, err := s.timeWeightedShares(reward.PoolID, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}

	totalBasis := decimal.Zero
	for _, userBasis := range basis {
		totalBasis = totalBasis.Add(userBasis)
	}
	if totalBasis.Sign() <= 0 {
		return nil, ErrNoBasis
	}

	users := make([]string, 0, len(basis))
	for userID := range basis {
		users = append(users, userID)
	}
	sort.Strings(users)

	allocations := make([]*RewardAllocation, 0, len(users))
	for _, userID := range users {
		userBasis := basis[userID]
		if userBasis.Sign() <= 0 {
			continue
		}
		slice := amount.Mul(userBasis).Div(totalBasis).Truncate(allocationScale)
		if slice.Sign() <= 0 {
			continue
		}
		allocations = append(allocations, &RewardAllocation{
			AllocationID: "ALC_" + uuid.New().String(),
			RewardID:     reward.RewardID,
			PoolID:       reward.PoolID,
			UserID:       userID,
			AssetID:      reward.AssetID,
			Amount:       slice.String(),
			BasisShares:  userBasis.String(),
			Status:       AllocationStatusPending,
		})
	}
	if len(allocations) == 0 {
		return nil, ErrNoBasis
	}

	if err := s.db.SaveAllocations(reward.RewardID, allocations); err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "reward").
		Str("reward_id", reward.RewardID).
		Int("allocations", len(allocations)).
		Str("total_basis", totalBasis.String()).
		Msg("reward allocated")

	out := make([]RewardAllocation, len(allocations))
	for i, allocation := range allocations {
		out[i] = *allocation
	}
	return out, nil
}

// timeWeightedShares integrates each user's share balance over the window,
// in share-seconds. Pro-rata splits only depend on relative weight so the
// unit cancels out.
func (s *Service) timeWeightedShares(poolID string, windowStart, windowEnd time.Time) (map[string]decimal.Decimal, error) {
	entries, err := s.db.ShareEntriesForPool(poolID, windowEnd)
	if err != nil {
		return nil, err
	}

	type cursor struct {
		balance decimal.Decimal
		at      time.Time
		basis   decimal.Decimal
	}
	cursors := make(map[string]*cursor)
	get := func(userID string) *cursor {
		c, ok := cursors[userID]
		if !ok {
			c = &cursor{balance: decimal.Zero, at: windowStart, basis: decimal.Zero}
			cursors[userID] = c
		}
		return c
	}

	for _, entry := range entries {
		amt, err := decimal.NewFromString(entry.Shares)
		if err != nil {
			return nil, fmt.Errorf("corrupt share entry %s: %w", entry.EntryID, err)
		}
		if entry.Type == ShareBurn {
			amt = amt.Neg()
		}

		c := get(entry.UserID)
		if entry.EffectiveAt.After(windowStart) {
			held := entry.EffectiveAt.Sub(c.at).Seconds()
			c.basis = c.basis.Add(c.balance.Mul(decimal.NewFromFloat(held)))
			c.at = entry.EffectiveAt
		}
		c.balance = c.balance.Add(amt)
	}

	result := make(map[string]decimal.Decimal, len(cursors))
	for userID, c := range cursors {
		held := windowEnd.Sub(c.at).Seconds()
		basis := c.basis.Add(c.balance.Mul(decimal.NewFromFloat(held)))
		if basis.Sign() > 0 {
			result[userID] = basis
		}
	}
	return result, nil
}

// DistributePending credits a batch of pending allocations to the balance
// ledger. The allocation id keys the credit, so a crash between credit and
// status flip re-runs as a no-op credit.
func (s *Service) DistributePending(ctx context.Context) (int, error) {
	pending, err := s.db.PendingAllocations(s.batchSize)
	if err != nil {
		return 0, err
	}

	distributed := 0
	for _, allocation := range pending {
		if ctx.Err() != nil {
			return distributed, ctx.Err()
		}
		_, err := s.ledger.CreditReward(ledger.MutationCommand{
			UserID:         allocation.UserID,
			AssetID:        allocation.AssetID,
			Amount:         allocation.Amount,
			IdempotencyKey: "reward:" + allocation.AllocationID,
			RefType:        "reward_allocation",
			RefID:          allocation.AllocationID,
		})
		if err != nil {
			log.Error().Err(err).
				Str("service", "reward").
				Str("allocation_id", allocation.AllocationID).
				Msg("failed to credit allocation")
			return distributed, err
		}
		if err := s.db.MarkDistributed(allocation.AllocationID); err != nil {
			return distributed, err
		}
		distributed++
	}

	if distributed > 0 {
		log.Info().
			Str("service", "reward").
			Int("count", distributed).
			Msg("allocations distributed")
	}
	return distributed, nil
}

// GetAllocations returns a reward's allocations.
func (s *Service) GetAllocations(rewardID string) ([]RewardAllocation, error) {
	return s.db.AllocationsForReward(rewardID)
}

// GetReward returns a reward by id, or nil.
func (s *Service) GetReward(rewardID string) (*RewardLedger, error) {
	return s.db.GetReward(rewardID)
}
