package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrStateConflict is returned when a transactional helper finds the
	// session (or its invoice) no longer in the state it expected. The
	// whole transaction is rolled back; callers re-read and decide.
	ErrStateConflict = errors.New("session state conflict")
)

// VtxoSelector picks vtxos covering amount from the locked candidates.
// Implementations must not touch the database; they only choose.
type VtxoSelector func(available []*Vtxo, amount int64) ([]*Vtxo, error)

// Reservation describes the outcome of ReserveForSession.
type Reservation struct {
	Vtxos []*Vtxo
	Total int64
}

// VtxoIDs returns the ids of the reserved vtxos.
func (r *Reservation) VtxoIDs() []string {
	ids := make([]string, 0, len(r.Vtxos))
	for _, v := range r.Vtxos {
		ids = append(ids, v.VtxoID)
	}
	return ids
}

// Store bundles the repositories and runs every multi-entity mutation in
// a single transaction, so balances, vtxos, invoices and session states
// can never drift apart.
type Store struct {
	db *DB

	Sessions    *SessionRepository
	Challenges  *ChallengeRepository
	Vtxos       *VtxoRepository
	Balances    *BalanceRepository
	Invoices    *InvoiceRepository
	Assets      *AssetRepository
	ArkTxs      *ArkTxRepository
	Settlements *SettlementRepository
	JobLogs     *JobLogRepository
	Heartbeats  *HeartbeatRepository
}

// NewStore creates a store over one connection pool.
func NewStore(db *DB) *Store {
	return &Store{
		db:          db,
		Sessions:    NewSessionRepository(db),
		Challenges:  NewChallengeRepository(db),
		Vtxos:       NewVtxoRepository(db),
		Balances:    NewBalanceRepository(db),
		Invoices:    NewInvoiceRepository(db),
		Assets:      NewAssetRepository(db),
		ArkTxs:      NewArkTxRepository(db),
		Settlements: NewSettlementRepository(db),
		JobLogs:     NewJobLogRepository(db),
		Heartbeats:  NewHeartbeatRepository(db),
	}
}

// WithTx runs fn inside a transaction, rolling back on error.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// AttachChallenge persists a freshly generated challenge and advances its
// session initiated → challenge_sent. Returns ErrStateConflict when the
// session already moved on (a concurrent executor won).
func (s *Store) AttachChallenge(ctx context.Context, challenge *SigningChallenge) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.Challenges.CreateTx(ctx, tx, challenge); err != nil {
			return err
		}
		moved, err := s.Sessions.SetChallengeTx(ctx, tx, challenge.SessionID, challenge.ChallengeID)
		if err != nil {
			return err
		}
		if !moved {
			return ErrStateConflict
		}
		return nil
	})
}

// ReserveForSession locks the owner's available vtxos for one asset, lets
// the selector pick a covering set, reserves the picked rows for the
// session and raises the owner's reserved balance by their total. A nil
// owner reserves from the gateway pool, which carries no balance row.
//
// Selector errors abort the transaction and surface unchanged, so policy
// failures (not enough inventory) keep their own error type.
func (s *Store) ReserveForSession(ctx context.Context, sessionID string, ownerPubkey *string, assetID string, amount int64, selector VtxoSelector) (*Reservation, error) {
	var reservation *Reservation

	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		available, err := s.Vtxos.SelectAvailableForUpdate(ctx, tx, ownerPubkey, assetID, time.Now().UTC())
		if err != nil {
			return err
		}

		picked, err := selector(available, amount)
		if err != nil {
			return err
		}

		var total int64
		ids := make([]string, 0, len(picked))
		for _, v := range picked {
			ids = append(ids, v.VtxoID)
			total += v.Amount
		}
		if total < amount {
			return fmt.Errorf("selector covered %d of %d for asset %s", total, amount, assetID)
		}

		if err := s.Vtxos.ReserveTx(ctx, tx, ids, sessionID); err != nil {
			return err
		}

		if ownerPubkey != nil {
			if err := s.Balances.AdjustTx(ctx, tx, *ownerPubkey, assetID, 0, total); err != nil {
				return err
			}
		}

		reservation = &Reservation{Vtxos: picked, Total: total}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reservation, nil
}

// ConsumeChallenge atomically marks a verified challenge used, stores the
// signature and advances the session awaiting_signature → signing. The
// returned bool is false when another response already consumed the
// challenge; the transaction leaves no trace in that case.
func (s *Store) ConsumeChallenge(ctx context.Context, sessionID, challengeID, signature string) (bool, error) {
	var consumed bool

	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		won, _, err := s.Challenges.MarkUsedTx(ctx, tx, challengeID, signature)
		if err != nil {
			return err
		}
		if !won {
			consumed = false
			return nil
		}

		moved, err := s.Sessions.UpdateStateTx(ctx, tx, sessionID, SessionAwaitingSignature, SessionSigning)
		if err != nil {
			return err
		}
		if !moved {
			// Session expired or failed underneath us. Rolling back keeps
			// the challenge unused, but the session is terminal so nothing
			// can consume it anymore.
			return ErrStateConflict
		}

		consumed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return consumed, nil
}

// MarkVtxosAssigned pins a session's reserved vtxos as in-flight before
// signatures are handed to the ARK daemon. Assigned rows survive sweeps
// until the backend's verdict is known.
func (s *Store) MarkVtxosAssigned(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		count, err = s.Vtxos.MarkAssignedTx(ctx, tx, sessionID)
		return err
	})
	return count, err
}

// CommitTransferParams carries everything CommitTransfer writes.
type CommitTransferParams struct {
	SessionID       string
	SenderPubkey    string
	RecipientPubkey string
	AssetID         string
	Amount          int64
	Fee             int64
	// NewVtxos are the outputs reported by the ARK daemon: the
	// recipient's vtxo plus the sender's change, if any.
	NewVtxos []*Vtxo
	ArkTx    *ArkTransaction
	Result   []byte
}

// CommitTransfer finalizes a p2p transfer: the session's reserved vtxos
// become spent, the sender is debited amount+fee, the recipient credited
// amount, the daemon-reported outputs inserted and the session closed
// with its result. The committing → completed gate makes the whole write
// at-most-once: a replayed commit finds the session completed, gets
// ErrStateConflict and rolls back untouched.
func (s *Store) CommitTransfer(ctx context.Context, p CommitTransferParams) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		moved, err := s.Sessions.UpdateStateTx(ctx, tx, p.SessionID, SessionCommitting, SessionCompleted)
		if err != nil {
			return err
		}
		if !moved {
			return ErrStateConflict
		}

		if err := s.Sessions.SetResultTx(ctx, tx, p.SessionID, p.Result); err != nil {
			return err
		}

		_, spentTotal, err := s.Vtxos.MarkSpentTx(ctx, tx, p.SessionID)
		if err != nil {
			return err
		}
		if spentTotal < p.Amount+p.Fee {
			return fmt.Errorf("session %s reserved %d, needs %d", p.SessionID, spentTotal, p.Amount+p.Fee)
		}

		if err := s.Balances.AdjustTx(ctx, tx, p.SenderPubkey, p.AssetID, -(p.Amount + p.Fee), -spentTotal); err != nil {
			return err
		}
		if err := s.Balances.AdjustTx(ctx, tx, p.RecipientPubkey, p.AssetID, p.Amount, 0); err != nil {
			return err
		}

		if err := s.Vtxos.InsertBatchTx(ctx, tx, p.NewVtxos); err != nil {
			return err
		}

		if p.ArkTx != nil {
			if err := s.ArkTxs.CreateTx(ctx, tx, p.ArkTx); err != nil {
				return err
			}
		}
		return nil
	})
}

// FailSessionParams carries everything FailSession writes.
type FailSessionParams struct {
	SessionID   string
	OwnerPubkey *string
	AssetID     string
	// To must be failed or expired.
	To     SessionStatus
	Result []byte
	// ReleaseAssigned releases in-flight vtxos too; set it only when the
	// backend confirmed the session spent nothing.
	ReleaseAssigned bool
}

// FailSession finalizes a session into failed or expired, releases its
// reserved vtxos and lowers the owner's reserved balance accordingly.
// Reports false without error when the session already reached a terminal
// state, in which case nothing is touched.
func (s *Store) FailSession(ctx context.Context, p FailSessionParams) (bool, error) {
	var finalized bool

	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		moved, err := s.Sessions.FinalizeTx(ctx, tx, p.SessionID, p.To, p.Result)
		if err != nil {
			return err
		}
		if !moved {
			finalized = false
			return nil
		}

		_, releasedTotal, err := s.Vtxos.ReleaseBySessionTx(ctx, tx, p.SessionID, p.ReleaseAssigned)
		if err != nil {
			return err
		}

		if releasedTotal > 0 && p.OwnerPubkey != nil {
			if err := s.Balances.AdjustTx(ctx, tx, *p.OwnerPubkey, p.AssetID, 0, -releasedTotal); err != nil {
				return err
			}
		}

		finalized = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return finalized, nil
}

// CompleteLiftParams carries everything CompleteLift writes.
type CompleteLiftParams struct {
	SessionID   string
	PaymentHash string
	Preimage    string
	PaidAt      time.Time
	UserPubkey  string
	AssetID     string
	Amount      int64
	// NewVtxos are the user's credited outputs from the allocation or
	// mint. Pool vtxos consumed by the allocation were reserved for the
	// session earlier and are marked spent here.
	NewVtxos []*Vtxo
	ArkTx    *ArkTransaction
	Result   []byte
}

// CompleteLift settles an inbound lift after the lightning invoice paid:
// invoice pending → paid with its preimage, session signing → committing
// → completed, consumed pool vtxos spent, user credited with balance and
// vtxos. MarkPaidTx is the idempotency gate — a second settlement of the
// same invoice rolls back with ErrStateConflict.
func (s *Store) CompleteLift(ctx context.Context, p CompleteLiftParams) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		paid, err := s.Invoices.MarkPaidTx(ctx, tx, p.PaymentHash, p.Preimage, p.PaidAt)
		if err != nil {
			return err
		}
		if !paid {
			return ErrStateConflict
		}

		moved, err := s.Sessions.UpdateStateTx(ctx, tx, p.SessionID, SessionSigning, SessionCommitting)
		if err != nil {
			return err
		}
		if !moved {
			return ErrStateConflict
		}
		moved, err = s.Sessions.UpdateStateTx(ctx, tx, p.SessionID, SessionCommitting, SessionCompleted)
		if err != nil {
			return err
		}
		if !moved {
			return ErrStateConflict
		}

		if err := s.Sessions.SetResultTx(ctx, tx, p.SessionID, p.Result); err != nil {
			return err
		}

		if _, _, err := s.Vtxos.MarkSpentTx(ctx, tx, p.SessionID); err != nil {
			return err
		}

		if err := s.Vtxos.InsertBatchTx(ctx, tx, p.NewVtxos); err != nil {
			return err
		}

		if err := s.Balances.AdjustTx(ctx, tx, p.UserPubkey, p.AssetID, p.Amount, 0); err != nil {
			return err
		}

		if p.ArkTx != nil {
			if err := s.ArkTxs.CreateTx(ctx, tx, p.ArkTx); err != nil {
				return err
			}
		}
		return nil
	})
}

// CompleteLandParams carries everything CompleteLand writes.
type CompleteLandParams struct {
	SessionID   string
	PaymentHash string
	Preimage    string
	PaidAt      time.Time
	UserPubkey  string
	AssetID     string
	Amount      int64
	Fee         int64
	// NewVtxos are the outputs after the spend: the pool's vtxo for
	// amount+fee and the user's change, if any.
	NewVtxos []*Vtxo
	ArkTx    *ArkTransaction
	Result   []byte
}

// CompleteLand settles an outbound land after the lightning payment
// reached COMPLETE: the user's reserved vtxos become spent, the user is
// debited amount+fee into the pool, the invoice row records the preimage
// and the session closes. Debits happen here and only here — a payment
// that never completes costs the user nothing.
func (s *Store) CompleteLand(ctx context.Context, p CompleteLandParams) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		moved, err := s.Sessions.UpdateStateTx(ctx, tx, p.SessionID, SessionCommitting, SessionCompleted)
		if err != nil {
			return err
		}
		if !moved {
			return ErrStateConflict
		}

		if err := s.Sessions.SetResultTx(ctx, tx, p.SessionID, p.Result); err != nil {
			return err
		}

		paid, err := s.Invoices.MarkPaidTx(ctx, tx, p.PaymentHash, p.Preimage, p.PaidAt)
		if err != nil {
			return err
		}
		if !paid {
			return ErrStateConflict
		}

		_, spentTotal, err := s.Vtxos.MarkSpentTx(ctx, tx, p.SessionID)
		if err != nil {
			return err
		}
		if spentTotal < p.Amount+p.Fee {
			return fmt.Errorf("session %s reserved %d, needs %d", p.SessionID, spentTotal, p.Amount+p.Fee)
		}

		if err := s.Balances.AdjustTx(ctx, tx, p.UserPubkey, p.AssetID, -(p.Amount + p.Fee), -spentTotal); err != nil {
			return err
		}

		if err := s.Vtxos.InsertBatchTx(ctx, tx, p.NewVtxos); err != nil {
			return err
		}

		if p.ArkTx != nil {
			if err := s.ArkTxs.CreateTx(ctx, tx, p.ArkTx); err != nil {
				return err
			}
		}
		return nil
	})
}
