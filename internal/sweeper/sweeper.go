package sweeper

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"arkrelay/config"
	"arkrelay/internal/ceremony"
	"arkrelay/internal/database"
	"arkrelay/internal/fault"
	"arkrelay/pkg/logger"
)

// batchLimit bounds each scan within one pass.
const batchLimit = 100

// Notifier publishes the terminal outcome for sessions the sweeper closes.
type Notifier interface {
	SessionFailed(ctx context.Context, sess *database.Session, code fault.Code, message string)
}

// Sweeper retires expired state on a fixed cadence: sessions past their
// deadline, open invoices nobody paid, pool outputs past expiry. Every
// transition is the same conditional update the live paths use, so racing
// a worker or the invoice monitor is harmless — one side moves the row and
// the other finds it already moved.
type Sweeper struct {
	store    *database.Store
	notifier Notifier
	cfg      config.SessionConfig
	lnCfg    config.LightningConfig
}

// NewSweeper wires the expiry sweeper. notifier may be nil; expiries are
// then recorded but not published.
func NewSweeper(store *database.Store, notifier Notifier, cfg config.SessionConfig, lnCfg config.LightningConfig) *Sweeper {
	return &Sweeper{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		lnCfg:    lnCfg,
	}
}

// Summary reports what one pass retired. ChallengesDead is the standing
// backlog of unused challenges past expiry (capped by the scan limit), not
// a per-pass delta; verification refuses those on sight, so they need no
// transition of their own.
type Summary struct {
	SessionsExpired int   `json:"sessions_expired"`
	InvoicesExpired int   `json:"invoices_expired"`
	VtxosExpired    int64 `json:"vtxos_expired"`
	ChallengesDead  int   `json:"challenges_dead"`
}

func (s Summary) busy() bool {
	return s.SessionsExpired > 0 || s.InvoicesExpired > 0 || s.VtxosExpired > 0
}

// Run ticks until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := time.Duration(s.cfg.SweepIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("expiry sweeper started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one full pass. Exported so tests and operator tooling can
// drive a pass directly.
func (s *Sweeper) Sweep(ctx context.Context) Summary {
	now := time.Now().UTC()

	sum := Summary{
		SessionsExpired: s.sweepSessions(ctx, now),
		InvoicesExpired: s.sweepInvoices(ctx, now),
		VtxosExpired:    s.sweepVtxos(ctx, now),
		ChallengesDead:  s.countDeadChallenges(ctx, now),
	}

	if sum.busy() {
		logger.Info("expiry sweep",
			zap.Int("sessions", sum.SessionsExpired),
			zap.Int("invoices", sum.InvoicesExpired),
			zap.Int64("vtxos", sum.VtxosExpired),
			zap.Int("challenge_backlog", sum.ChallengesDead))
		s.recordSweep(ctx, sum)
	}
	return sum
}

func (s *Sweeper) sweepSessions(ctx context.Context, now time.Time) int {
	sessions, err := s.store.Sessions.ListExpired(ctx, now, batchLimit)
	if err != nil {
		logger.Error("expired session scan failed", zap.Error(err))
		return 0
	}

	n := 0
	for _, sess := range sessions {
		if ctx.Err() != nil {
			break
		}
		expired, err := s.expireSession(ctx, sess)
		if err != nil {
			logger.Error("session expiry failed",
				zap.String("session_id", sess.SessionID),
				zap.Error(err))
			continue
		}
		if expired {
			n++
		}
	}
	return n
}

// expireSession moves one overdue session to expired, releasing whatever
// it still holds. Outputs of a committing session stay pinned: it may have
// reached the daemon, and reconciliation owns that money. Anything earlier
// never left the gateway.
func (s *Sweeper) expireSession(ctx context.Context, sess *database.Session) (bool, error) {
	// A lift waiting on a live invoice outlives its own deadline; the
	// wallet may be paying right now, and the invoice sweep closes it
	// once the invoice itself dies.
	if sess.SessionType == database.LightningLift && s.liftStillPayable(ctx, sess) {
		return false, nil
	}

	assetID := ""
	if intent, err := ceremony.ParseStoredIntent(sess); err == nil {
		assetID = intent.AssetID
	} else {
		// Unreadable intents never reach reservation, so there is no
		// balance to release under the missing asset id.
		logger.Warn("expiring session with unreadable intent",
			zap.String("session_id", sess.SessionID),
			zap.Error(err))
	}

	const message = "session expired before completion"
	result, err := json.Marshal(expiryResult{
		Status:  "failure",
		Code:    fault.ExpiredIntent.String(),
		Message: message,
	})
	if err != nil {
		return false, err
	}

	finalized, err := s.store.FailSession(ctx, database.FailSessionParams{
		SessionID:       sess.SessionID,
		OwnerPubkey:     &sess.UserPubkey,
		AssetID:         assetID,
		To:              database.SessionExpired,
		Result:          result,
		ReleaseAssigned: sess.Status != database.SessionCommitting,
	})
	if err != nil {
		return false, err
	}
	if !finalized {
		// A worker finished it between the scan and this write.
		return false, nil
	}

	logger.Info("session expired",
		zap.String("session_id", sess.SessionID),
		zap.String("type", sess.SessionType.String()),
		zap.String("was", sess.Status.String()))

	if s.notifier != nil {
		s.notifier.SessionFailed(ctx, sess, fault.ExpiredIntent, message)
	}
	return true, nil
}

// liftStillPayable reports whether the session's lift invoice is still
// open at the node. Paid invoices imply a completed session (the credit
// and the paid transition commit together), so only pending defers.
func (s *Sweeper) liftStillPayable(ctx context.Context, sess *database.Session) bool {
	inv, err := s.store.Invoices.GetBySession(ctx, sess.SessionID)
	if err != nil {
		if !errors.Is(err, database.ErrInvoiceNotFound) {
			logger.Warn("invoice lookup failed during sweep",
				zap.String("session_id", sess.SessionID),
				zap.Error(err))
		}
		return false
	}
	return inv.InvoiceType == database.InvoiceLift && inv.Status == database.InvoicePending
}

// sweepInvoices expires open invoices past their deadline and fails the
// sessions bound to them. The grace window keeps a land payment racing its
// own deadline from losing the row mid-flight; an expired lift just learns
// its fate one window later.
func (s *Sweeper) sweepInvoices(ctx context.Context, now time.Time) int {
	grace := time.Duration(s.lnCfg.PaymentTimeoutSecs) * time.Second
	hashes, err := s.store.Invoices.ExpireOpen(ctx, now.Add(-grace))
	if err != nil {
		logger.Error("invoice expiry sweep failed", zap.Error(err))
		return 0
	}

	for _, hash := range hashes {
		if ctx.Err() != nil {
			break
		}
		if err := s.failInvoiceSession(ctx, hash); err != nil {
			logger.Error("invoice session finalize failed",
				logger.ShortHex("payment_hash", hash),
				zap.Error(err))
		}
	}
	return len(hashes)
}

func (s *Sweeper) failInvoiceSession(ctx context.Context, paymentHash string) error {
	inv, err := s.store.Invoices.GetByPaymentHash(ctx, paymentHash)
	if err != nil {
		if errors.Is(err, database.ErrInvoiceNotFound) {
			return nil
		}
		return err
	}
	if inv.SessionID == nil {
		return nil
	}

	sess, err := s.store.Sessions.GetByID(ctx, *inv.SessionID)
	if err != nil {
		if errors.Is(err, database.ErrSessionNotFound) {
			return nil
		}
		return err
	}
	if sess.Status.IsTerminal() {
		return nil
	}

	const message = "lightning invoice expired unpaid"
	result, err := json.Marshal(expiryResult{
		Status:  "failure",
		Code:    fault.InvoiceExpired.String(),
		Message: message,
	})
	if err != nil {
		return err
	}

	finalized, err := s.store.FailSession(ctx, database.FailSessionParams{
		SessionID:       sess.SessionID,
		OwnerPubkey:     &sess.UserPubkey,
		AssetID:         inv.AssetID,
		To:              database.SessionFailed,
		Result:          result,
		ReleaseAssigned: sess.Status != database.SessionCommitting,
	})
	if err != nil {
		return err
	}
	if !finalized {
		return nil
	}

	logger.Info("session failed on invoice expiry",
		zap.String("session_id", sess.SessionID),
		logger.ShortHex("payment_hash", paymentHash))

	if s.notifier != nil {
		s.notifier.SessionFailed(ctx, sess, fault.InvoiceExpired, message)
	}
	return nil
}

func (s *Sweeper) sweepVtxos(ctx context.Context, now time.Time) int64 {
	n, err := s.store.Vtxos.ExpireAvailable(ctx, now)
	if err != nil {
		logger.Error("vtxo expiry sweep failed", zap.Error(err))
		return 0
	}
	if n > 0 {
		logger.Info("pool outputs expired", zap.Int64("count", n))
	}
	return n
}

func (s *Sweeper) countDeadChallenges(ctx context.Context, now time.Time) int {
	challenges, err := s.store.Challenges.ListExpired(ctx, now, batchLimit)
	if err != nil {
		logger.Error("expired challenge scan failed", zap.Error(err))
		return 0
	}
	return len(challenges)
}

func (s *Sweeper) recordSweep(ctx context.Context, sum Summary) {
	job, err := s.store.JobLogs.Start(ctx, "expiry_sweep", nil)
	if err != nil {
		logger.Warn("job log unavailable", zap.Error(err))
		return
	}
	detailBytes, err := json.Marshal(sum)
	if err != nil {
		return
	}
	detail := string(detailBytes)
	if err := s.store.JobLogs.Finish(ctx, job.ID, database.JobCompleted, &detail); err != nil {
		logger.Warn("failed to finish job log",
			zap.String("id", job.ID),
			zap.Error(err))
	}
}

// expiryResult mirrors the record the ceremony layer persists on terminal
// sessions, so Terminal replays render sweeper outcomes identically.
type expiryResult struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
