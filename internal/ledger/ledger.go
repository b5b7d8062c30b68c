// Package ledger implements the append-only balance ledger and its derived
// balance read model. Every mutation is idempotent under its command key and
// serialized per (user, asset) so the invariant total == available + locked
// holds for all reachable operation sequences.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/makerdesk/mm-core/internal/outbox"
	"github.com/makerdesk/mm-core/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrMissingField       = errors.New("missing required field")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInsufficientFunds  = errors.New("insufficient available balance")
	ErrInsufficientLocked = errors.New("insufficient locked balance")
	ErrUnknownMutation    = errors.New("unknown mutation type")
)

// Service applies ledger mutations and serves balance queries.
type Service struct {
	db     *Database
	outbox *outbox.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per (user, asset) FIFO lock
}

// NewService creates a ledger service on the given database connection.
func NewService(gormDB *gorm.DB, outboxStore *outbox.Store) *Service {
	return &Service{
		db:     NewDatabase(gormDB),
		outbox: outboxStore,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Typed operations, all sharing the ApplyMutation contract.

func (s *Service) CreditDeposit(cmd MutationCommand) (*MutationResult, error) {
	return s.ApplyMutation(TypeDepositCredit, cmd)
}

func (s *Service) LockFunds(cmd MutationCommand) (*MutationResult, error) {
	return s.ApplyMutation(TypeLock, cmd)
}

func (s *Service) UnlockFunds(cmd MutationCommand) (*MutationResult, error) {
	return s.ApplyMutation(TypeUnlock, cmd)
}

func (s *Service) CreditReward(cmd MutationCommand) (*MutationResult, error) {
	return s.ApplyMutation(TypeRewardCredit, cmd)
}

func (s *Service) CreditRealizedPnL(cmd MutationCommand) (*MutationResult, error) {
	return s.ApplyMutation(TypeRealizedPnL, cmd)
}

func (s *Service) DebitWithdrawal(cmd MutationCommand) (*MutationResult, error) {
	return s.ApplyMutation(TypeWithdrawDebit, cmd)
}

func (s *Service) DebitFee(cmd MutationCommand) (*MutationResult, error) {
	return s.ApplyMutation(TypeFeeDebit, cmd)
}

func (s *Service) Adjust(cmd MutationCommand) (*MutationResult, error) {
	return s.ApplyMutation(TypeAdjustment, cmd)
}

// ApplyMutation validates the command, serializes on the (user, asset) lock,
// short-circuits on a previously used idempotency key, applies the type
// transform to the balance row, and commits entry + balance + outbox event
// atomically. Losing the uniqueness race on the idempotency key is treated
// as "already applied concurrently".
func (s *Service) ApplyMutation(mutationType string, cmd MutationCommand) (*MutationResult, error) {
	logger := log.With().
		Str("service", "ledger").
		Str("type", mutationType).
		Str("user_id", cmd.UserID).
		Str("asset_id", cmd.AssetID).
		Str("idempotency_key", cmd.IdempotencyKey).
		Logger()

	amount, err := s.validate(mutationType, cmd)
	if err != nil {
		return nil, err
	}

	lock := s.keyLock(cmd.UserID, cmd.AssetID)
	lock.Lock()
	defer lock.Unlock()

	// Idempotent duplicate: return the original entry unchanged.
	if existing, err := s.db.GetEntryByIdempotencyKey(cmd.IdempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		balance, err := s.db.GetBalance(cmd.UserID, cmd.AssetID)
		if err != nil {
			return nil, err
		}
		logger.Debug().Str("entry_id", existing.EntryID).Msg("mutation already applied")
		return &MutationResult{Applied: false, Entry: existing, Balance: balance}, nil
	}

	balance, err := s.loadOrCreateBalance(cmd.UserID, cmd.AssetID)
	if err != nil {
		return nil, err
	}

	available, locked, err := parseBalance(balance)
	if err != nil {
		return nil, err
	}

	available, locked, entryAmount, err := applyTransform(mutationType, available, locked, amount)
	if err != nil {
		logger.Warn().Err(err).Str("amount", cmd.Amount).Msg("mutation rejected")
		return nil, err
	}

	if available.IsNegative() || locked.IsNegative() {
		return nil, ErrInsufficientFunds
	}

	balance.Available = available.String()
	balance.Locked = locked.String()
	balance.Total = available.Add(locked).String()

	entry := &LedgerEntry{
		EntryID:        "LED_" + uuid.New().String(),
		UserID:         cmd.UserID,
		AssetID:        cmd.AssetID,
		Amount:         entryAmount.String(),
		Type:           mutationType,
		RefType:        cmd.RefType,
		RefID:          cmd.RefID,
		IdempotencyKey: cmd.IdempotencyKey,
		CreatedAt:      time.Now(),
	}

	err = s.db.ApplyInTransaction(entry, balance, func(tx *gorm.DB) error {
		payload, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return s.outbox.AppendEvent(tx, &outbox.OutboxEvent{
			Topic:         "ledger.entry",
			AggregateType: "balance",
			AggregateID:   cmd.UserID + ":" + cmd.AssetID,
			Payload:       string(payload),
		})
	})
	if err != nil {
		// A concurrent writer beat us to the idempotency key.
		if isUniqueViolation(err) {
			existing, lookupErr := s.db.GetEntryByIdempotencyKey(cmd.IdempotencyKey)
			if lookupErr != nil || existing == nil {
				return nil, err
			}
			current, lookupErr := s.db.GetBalance(cmd.UserID, cmd.AssetID)
			if lookupErr != nil {
				return nil, lookupErr
			}
			logger.Debug().Msg("lost idempotency race, treating as applied")
			return &MutationResult{Applied: false, Entry: existing, Balance: current}, nil
		}
		return nil, err
	}

	logger.Info().
		Str("entry_id", entry.EntryID).
		Str("amount", entry.Amount).
		Str("available", balance.Available).
		Str("locked", balance.Locked).
		Msg("ledger mutation applied")

	return &MutationResult{Applied: true, Entry: entry, Balance: balance}, nil
}

// GetBalance returns the balance for (userID, assetID); a never-touched pair
// reads as all zeros.
func (s *Service) GetBalance(userID, assetID string) (*Balance, error) {
	balance, err := s.db.GetBalance(userID, assetID)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return &Balance{UserID: userID, AssetID: assetID, Available: "0", Locked: "0", Total: "0"}, nil
	}
	return balance, nil
}

// GetUserBalances returns all balances for a user.
func (s *Service) GetUserBalances(userID string) ([]Balance, error) {
	return s.db.GetUserBalances(userID)
}

// GetUserEntries returns paginated ledger history for a user.
func (s *Service) GetUserEntries(userID string, limit, offset int) ([]LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.db.GetUserEntries(userID, limit, offset)
}

// GetDB exposes the database wrapper for read-only collaborators.
func (s *Service) GetDB() *Database {
	return s.db
}

func (s *Service) validate(mutationType string, cmd MutationCommand) (decimal.Decimal, error) {
	if cmd.UserID == "" || cmd.AssetID == "" || cmd.IdempotencyKey == "" {
		return decimal.Zero, fmt.Errorf("%w: user_id, asset_id and idempotency_key are required", ErrMissingField)
	}
	amount, err := decimal.NewFromString(cmd.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, cmd.Amount)
	}
	if amount.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: amount must be non-zero", ErrInvalidAmount)
	}
	signed := mutationType == TypeAdjustment || mutationType == TypeRealizedPnL
	if !signed && amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: amount must be positive for %s", ErrInvalidAmount, mutationType)
	}
	return amount, nil
}

// applyTransform maps a mutation type onto the balance row and returns the
// new available/locked pair plus the signed amount to record on the entry.
func applyTransform(mutationType string, available, locked, amount decimal.Decimal) (decimal.Decimal, decimal.Decimal, decimal.Decimal, error) {
	switch mutationType {
	case TypeDepositCredit, TypeRewardCredit:
		return available.Add(amount), locked, amount, nil
	case TypeWithdrawDebit, TypeFeeDebit:
		if available.LessThan(amount) {
			return available, locked, amount, ErrInsufficientFunds
		}
		return available.Sub(amount), locked, amount.Neg(), nil
	case TypeLock:
		if available.LessThan(amount) {
			return available, locked, amount, ErrInsufficientFunds
		}
		return available.Sub(amount), locked.Add(amount), amount, nil
	case TypeUnlock:
		if locked.LessThan(amount) {
			return available, locked, amount, ErrInsufficientLocked
		}
		return available.Add(amount), locked.Sub(amount), amount, nil
	case TypeAdjustment, TypeRealizedPnL:
		next := available.Add(amount)
		if next.IsNegative() {
			return available, locked, amount, ErrInsufficientFunds
		}
		return next, locked, amount, nil
	default:
		return available, locked, amount, fmt.Errorf("%w: %s", ErrUnknownMutation, mutationType)
	}
}

func (s *Service) loadOrCreateBalance(userID, assetID string) (*Balance, error) {
	balance, err := s.db.GetBalance(userID, assetID)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		balance = &Balance{
			UserID:    userID,
			AssetID:   assetID,
			Available: "0",
			Locked:    "0",
			Total:     "0",
		}
	}
	return balance, nil
}

func (s *Service) keyLock(userID, assetID string) *sync.Mutex {
	key := userID + ":" + assetID
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

func parseBalance(balance *Balance) (decimal.Decimal, decimal.Decimal, error) {
	available, err := decimal.NewFromString(balance.Available)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("corrupt available balance %q: %w", balance.Available, err)
	}
	locked, err := decimal.NewFromString(balance.Locked)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("corrupt locked balance %q: %w", balance.Locked, err)
	}
	return available, locked, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}

// GinHandlers contains HTTP handlers for ledger endpoints.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// MutationHandler handles POST requests for the given mutation type.
func (h *GinHandlers) MutationHandler(mutationType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var cmd MutationCommand
		if err := c.ShouldBindJSON(&cmd); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.ApplyMutation(mutationType, cmd)
		if err != nil {
			switch {
			case errors.Is(err, ErrMissingField), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrUnknownMutation):
				response.BadRequest(c, err.Error())
			case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrInsufficientLocked):
				response.Conflict(c, err.Error())
			default:
				response.InternalError(c, err.Error())
			}
			return
		}

		response.Success(c, result)
	}
}

// GetBalanceHandler handles GET requests for a single (user, asset) balance.
func (h *GinHandlers) GetBalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("user_id")
		assetID := c.Param("asset_id")
		if userID == "" || assetID == "" {
			response.BadRequest(c, "user_id and asset_id are required")
			return
		}

		balance, err := h.service.GetBalance(userID, assetID)
		response.Handle(c, balance, err)
	}
}

// GetEntriesHandler handles GET requests for a user's ledger history.
// Pagination comes from the limit and offset query parameters.
func (h *GinHandlers) GetEntriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("user_id")
		if userID == "" {
			response.BadRequest(c, "user_id is required")
			return
		}

		limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
		if err != nil || limit <= 0 {
			response.BadRequest(c, "limit must be a positive integer")
			return
		}
		offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
		if err != nil || offset < 0 {
			response.BadRequest(c, "offset must be a non-negative integer")
			return
		}

		entries, err := h.service.GetUserEntries(userID, limit, offset)
		response.Handle(c, entries, err)
	}
}
