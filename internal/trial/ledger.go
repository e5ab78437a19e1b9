package trial

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"trial-license-system/internal/database"
	apperrors "trial-license-system/internal/errors"
	"trial-license-system/internal/logger"
	"trial-license-system/internal/metrics"
	"trial-license-system/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const errSessionNotFound = "trial session not found"

// Ledger owns trial sessions and their credit transactions.
type Ledger struct {
	db      *gorm.DB
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Ledger)

func WithLogger(l *slog.Logger) Option { return func(lg *Ledger) { lg.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(lg *Ledger) { lg.metrics = m } }

func WithClock(now func() time.Time) Option { return func(lg *Ledger) { lg.now = now } }

func NewLedger(db *gorm.DB, opts ...Option) *Ledger {
	l := &Ledger{db: db, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	l.log = logger.Or(l.log).With(slog.String("component", "trial"))
	return l
}

// CreditCheck is the read-only answer of CheckCredits.
type CreditCheck struct {
	HasCredits       bool      `json:"has_credits"`
	CreditsRemaining int       `json:"credits_remaining"`
	CreditsNeeded    int       `json:"credits_needed"`
	Operation        Operation `json:"operation"`
}

// SpendResult is the outcome of ConsumeCredits. A refused spend is a
// result with Success false, not an error.
type SpendResult struct {
	Success          bool      `json:"success"`
	Operation        Operation `json:"operation"`
	CreditsConsumed  int       `json:"credits_consumed"`
	CreditsRemaining int       `json:"credits_remaining"`
	IsLocked         bool      `json:"is_locked"`
	Message          string    `json:"message,omitempty"`
	TransactionID    string    `json:"transaction_id,omitempty"`
}

func sessionScope(clientID, deviceFingerprint string) database.Scope {
	return func(q *gorm.DB) *gorm.DB {
		return q.Where("client_id = ? AND device_fingerprint = ?", clientID, deviceFingerprint)
	}
}

func notFound(op string) error {
	return apperrors.New(apperrors.KindNotFound, op, errSessionNotFound)
}

// InitializeSession opens the session of a device on first access with the
// initial grant. Later calls only bump the access counter and the last
// access time. It reports whether the session was created.
func (l *Ledger) InitializeSession(ctx context.Context, clientID, deviceFingerprint string) (*model.TrialSession, bool, error) {
	const op = "trial.InitializeSession"
	if clientID == "" || deviceFingerprint == "" {
		return nil, false, apperrors.New(apperrors.KindValidation, op, "client id and device fingerprint are required")
	}

	now := l.now().UTC()
	session := model.TrialSession{
		ClientID:          clientID,
		DeviceFingerprint: deviceFingerprint,
		CreditsRemaining:  InitialCredits,
		AccessCount:       1,
		FirstAccessAt:     now,
		LastAccessAt:      now,
		IsActive:          true,
	}

	var stored model.TrialSession
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "client_id"}, {Name: "device_fingerprint"}},
			DoUpdates: clause.Assignments(map[string]any{
				"access_count":   gorm.Expr("trial_sessions.access_count + 1"),
				"last_access_at": now,
			}),
		}).Create(&session).Error
		if err != nil {
			return err
		}
		return sessionScope(clientID, deviceFingerprint)(tx).First(&stored).Error
	})
	if err != nil {
		return nil, false, apperrors.Internal(op, err)
	}

	created := stored.AccessCount == 1
	if created {
		l.log.InfoContext(ctx, "trial session started",
			slog.String("client_id", clientID),
			slog.String("device_fingerprint", deviceFingerprint),
			slog.Int("credits", stored.CreditsRemaining),
		)
	}
	return &stored, created, nil
}

// Session returns the session of a device.
func (l *Ledger) Session(ctx context.Context, clientID, deviceFingerprint string) (*model.TrialSession, error) {
	var s model.TrialSession
	err := sessionScope(clientID, deviceFingerprint)(l.db.WithContext(ctx)).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("trial.Session")
	}
	if err != nil {
		return nil, apperrors.Internal("trial.Session", err)
	}
	return &s, nil
}

// CheckCredits answers whether the session could pay for op right now.
// It never mutates.
func (l *Ledger) CheckCredits(ctx context.Context, clientID, deviceFingerprint string, op Operation) (CreditCheck, error) {
	s, err := l.Session(ctx, clientID, deviceFingerprint)
	if err != nil {
		return CreditCheck{}, err
	}
	cost := op.Cost()
	return CreditCheck{
		HasCredits:       s.CreditsRemaining >= cost,
		CreditsRemaining: s.CreditsRemaining,
		CreditsNeeded:    cost,
		Operation:        op,
	}, nil
}

// ConsumeCredits spends the cost of op from the session in one unit of
// work: the balance is read under a row lock and decremented only when it
// covers the cost, together with the consumed counter, the last access time
// and one appended transaction. A refused spend writes nothing.
func (l *Ledger) ConsumeCredits(ctx context.Context, clientID, deviceFingerprint string, op Operation) (SpendResult, error) {
	const opName = "trial.ConsumeCredits"
	cost := op.Cost()
	now := l.now().UTC()
	result := SpendResult{Operation: op}

	var session model.TrialSession
	err := database.WithLockedRow(ctx, l.db, &session, sessionScope(clientID, deviceFingerprint), func(tx *gorm.DB) error {
		if session.CreditsRemaining < cost {
			result.CreditsRemaining = session.CreditsRemaining
			return nil
		}

		// The guard keeps the balance non-negative even where the row lock
		// is unavailable.
		res := tx.Model(&model.TrialSession{}).
			Where("id = ? AND credits_remaining >= ?", session.ID, cost).
			Updates(map[string]any{
				"credits_remaining": gorm.Expr("credits_remaining - ?", cost),
				"credits_consumed":  gorm.Expr("credits_consumed + ?", cost),
				"last_access_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		if err := tx.First(&session, session.ID).Error; err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			result.CreditsRemaining = session.CreditsRemaining
			return nil
		}

		txn := model.CreditTransaction{
			ID:               newTransactionID(),
			TrialSessionID:   session.ID,
			OperationType:    string(op),
			CreditsConsumed:  cost,
			RemainingCredits: session.CreditsRemaining,
			CreatedAt:        now,
		}
		if err := tx.Create(&txn).Error; err != nil {
			return err
		}

		result.Success = true
		result.CreditsConsumed = cost
		result.CreditsRemaining = session.CreditsRemaining
		result.TransactionID = txn.ID
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SpendResult{}, notFound(opName)
	}
	if err != nil {
		return SpendResult{}, apperrors.Internal(opName, err)
	}

	result.IsLocked = result.CreditsRemaining == 0
	if result.Success {
		l.metrics.CreditsSpent(string(op), cost)
	} else {
		result.Message = "insufficient credits"
		l.metrics.SpendDenied(string(op))
		l.log.InfoContext(ctx, "spend refused",
			slog.String("client_id", clientID),
			slog.String("device_fingerprint", deviceFingerprint),
			slog.String("operation", string(op)),
			slog.Int("cost", cost),
			slog.Int("credits_remaining", result.CreditsRemaining),
		)
	}
	return result, nil
}

// ResetSession restores the initial grant and unbinds any license. It is
// an administrative operation.
func (l *Ledger) ResetSession(ctx context.Context, clientID, deviceFingerprint string) (*model.TrialSession, error) {
	const op = "trial.ResetSession"
	var session model.TrialSession
	err := database.WithLockedRow(ctx, l.db, &session, sessionScope(clientID, deviceFingerprint), func(tx *gorm.DB) error {
		err := tx.Model(&model.TrialSession{}).Where("id = ?", session.ID).Updates(map[string]any{
			"credits_remaining": InitialCredits,
			"credits_consumed":  0,
			"is_active":         true,
			"license_key":       nil,
			"activated_at":      nil,
			"last_access_at":    l.now().UTC(),
		}).Error
		if err != nil {
			return err
		}
		id := session.ID
		session = model.TrialSession{}
		return tx.First(&session, id).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(op)
	}
	if err != nil {
		return nil, apperrors.Internal(op, err)
	}

	l.log.WarnContext(ctx, "trial session reset",
		slog.String("client_id", clientID),
		slog.String("device_fingerprint", deviceFingerprint),
	)
	return &session, nil
}

// Transactions returns the spends of a session in the order they happened.
// A limit of zero or less returns all of them.
func (l *Ledger) Transactions(ctx context.Context, clientID, deviceFingerprint string, limit int) ([]model.CreditTransaction, error) {
	s, err := l.Session(ctx, clientID, deviceFingerprint)
	if err != nil {
		return nil, err
	}

	q := l.db.WithContext(ctx).Where("trial_session_id = ?", s.ID).Order("created_at ASC").Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var txns []model.CreditTransaction
	if err := q.Find(&txns).Error; err != nil {
		return nil, apperrors.Internal("trial.Transactions", err)
	}
	return txns, nil
}

// ApplyLicense binds a license to the session of a device and sets its
// balance to credits. It runs inside the caller's transaction and creates
// the session when the device never started a trial.
func (l *Ledger) ApplyLicense(ctx context.Context, tx *gorm.DB, clientID, deviceFingerprint, key string, credits int, at time.Time) (*model.TrialSession, error) {
	at = at.UTC()
	var session model.TrialSession
	err := sessionScope(clientID, deviceFingerprint)(tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"})).
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		session = model.TrialSession{
			ClientID:          clientID,
			DeviceFingerprint: deviceFingerprint,
			CreditsRemaining:  credits,
			AccessCount:       1,
			FirstAccessAt:     at,
			LastAccessAt:      at,
			IsActive:          true,
			LicenseKey:        &key,
			ActivatedAt:       &at,
		}
		if err := tx.WithContext(ctx).Create(&session).Error; err != nil {
			return nil, err
		}
		return &session, nil
	}
	if err != nil {
		return nil, err
	}

	err = tx.WithContext(ctx).Model(&model.TrialSession{}).Where("id = ?", session.ID).Updates(map[string]any{
		"credits_remaining": credits,
		"license_key":       key,
		"activated_at":      at,
		"is_active":         true,
		"last_access_at":    at,
	}).Error
	if err != nil {
		return nil, err
	}
	if err := tx.WithContext(ctx).First(&session, session.ID).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

// RemainingForLicense returns the balance of the session bound to key. ok
// is false when no session carries the key.
func (l *Ledger) RemainingForLicense(ctx context.Context, key string) (remaining int, ok bool, err error) {
	var s model.TrialSession
	err = l.db.WithContext(ctx).Where("license_key = ?", key).Order("activated_at DESC").First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, apperrors.Internal("trial.RemainingForLicense", err)
	}
	return s.CreditsRemaining, true, nil
}

// Transaction ids are time ordered so history sorts by id within a tick.
func newTransactionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
