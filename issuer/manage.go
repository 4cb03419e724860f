package issuer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parsabank/cardengine/card"
	"github.com/parsabank/cardengine/cardnum"
	"github.com/parsabank/cardengine/hsm"
	"github.com/parsabank/cardengine/keymgr"
	"github.com/parsabank/cardengine/oplog"
	"github.com/parsabank/cardengine/pinpolicy"
)

// Card returns the masked view of a card.
func (i *Issuer) Card(pan string) (card.MaskedRecord, error) {
	r, err := i.store.Load(pan)
	if err != nil {
		return card.MaskedRecord{}, err
	}
	return r.MaskedView(), nil
}

// Cards lists the masked views of all cards on file.
func (i *Issuer) Cards() ([]card.MaskedRecord, error) {
	pans, err := i.store.List()
	if err != nil {
		return nil, err
	}
	out := make([]card.MaskedRecord, 0, len(pans))
	for _, pan := range pans {
		r, err := i.store.Load(pan)
		if err != nil {
			return nil, err
		}
		out = append(out, r.MaskedView())
	}
	return out, nil
}

// Logs queries the operation log.
func (i *Issuer) Logs(f oplog.Filter) ([]oplog.Entry, error) {
	return i.log.Query(f)
}

// RotateZoneKeys rotates the zone key hierarchy.
func (i *Issuer) RotateZoneKeys(ctx context.Context, op Operator) error {
	if err := op.validate(); err != nil {
		return err
	}
	return i.keys.RotateZoneKeys(ctx, op.ID)
}

// KeyStatus reports the loaded key hierarchy.
func (i *Issuer) KeyStatus() keymgr.StatusReport {
	return i.keys.Status()
}

// mutate loads a card under its PAN lock, applies fn, and persists the
// result. fn returning an error aborts without writing.
func (i *Issuer) mutate(pan string, fn func(r *card.Record) error) (*card.Record, error) {
	unlock := i.lockPAN(pan)
	defer unlock()

	r, err := i.store.Load(pan)
	if err != nil {
		return nil, err
	}
	if err := fn(r); err != nil {
		return nil, err
	}
	if err := i.store.Update(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (i *Issuer) logLifecycle(opType string, op Operator, r *card.Record, data map[string]string, result oplog.Result, prio oplog.Priority) {
	i.log.Append(oplog.Entry{
		OperationType:    opType,
		OperatorID:       op.ID,
		MaskedCardNumber: r.Masked(),
		CustomerID:       r.CustomerID,
		Data:             data,
		Result:           result,
		Priority:         prio,
	})
}

// logLifecycleRejection records an operation that was refused or failed
// before completing. The record may never have loaded, so the PAN is
// masked directly.
func (i *Issuer) logLifecycleRejection(opType string, op Operator, pan string, err error, prio oplog.Priority) {
	i.log.Append(oplog.Entry{
		OperationType:    opType,
		OperatorID:       op.ID,
		MaskedCardNumber: cardnum.Mask(pan),
		Data:             map[string]string{"reason": err.Error()},
		Result:           oplog.ResultFailed,
		Priority:         prio,
	})
}

// ActivateCard moves an issued card to Active, the customer's first-use
// confirmation.
func (i *Issuer) ActivateCard(ctx context.Context, pan string, op Operator) (card.MaskedRecord, error) {
	if err := op.validate(); err != nil {
		return card.MaskedRecord{}, err
	}
	r, err := i.mutate(pan, func(r *card.Record) error {
		return r.Activate(op.ID)
	})
	if err != nil {
		i.logLifecycleRejection("CARD_ACTIVATION", op, pan, err, oplog.PriorityNormal)
		return card.MaskedRecord{}, err
	}
	i.logLifecycle("CARD_ACTIVATION", op, r, nil, oplog.ResultSuccess, oplog.PriorityNormal)
	return r.MaskedView(), nil
}

// BlockCard blocks a card. reason is recorded in the card history and the
// operation log.
func (i *Issuer) BlockCard(ctx context.Context, pan, reason string, op Operator) (card.MaskedRecord, error) {
	if err := op.validate(); err != nil {
		return card.MaskedRecord{}, err
	}
	r, err := i.mutate(pan, func(r *card.Record) error {
		return r.Block(op.ID, reason)
	})
	if err != nil {
		i.logLifecycleRejection("CARD_BLOCK", op, pan, err, oplog.PriorityHigh)
		return card.MaskedRecord{}, err
	}
	i.logLifecycle("CARD_BLOCK", op, r, map[string]string{"reason": reason}, oplog.ResultSuccess, oplog.PriorityHigh)
	i.notify(Event{Type: EventCardBlocked, MaskedCardNumber: r.Masked(), CustomerID: r.CustomerID, Detail: reason})
	return r.MaskedView(), nil
}

// UnblockCard lifts a block and clears the PIN attempt counter and lockout.
func (i *Issuer) UnblockCard(ctx context.Context, pan string, op Operator) (card.MaskedRecord, error) {
	if err := op.validate(); err != nil {
		return card.MaskedRecord{}, err
	}
	r, err := i.mutate(pan, func(r *card.Record) error {
		return r.Unblock(op.ID)
	})
	if err != nil {
		i.logLifecycleRejection("CARD_UNBLOCK", op, pan, err, oplog.PriorityHigh)
		return card.MaskedRecord{}, err
	}
	i.logLifecycle("CARD_UNBLOCK", op, r, nil, oplog.ResultSuccess, oplog.PriorityHigh)
	i.notify(Event{Type: EventCardUnlocked, MaskedCardNumber: r.Masked(), CustomerID: r.CustomerID})
	return r.MaskedView(), nil
}

// ChangePin generates a fresh PIN for the card under the active zone PIN
// key. Rejected while the card is blocked or in a terminal state.
func (i *Issuer) ChangePin(ctx context.Context, pan string, op Operator) (card.MaskedRecord, error) {
	if err := op.validate(); err != nil {
		return card.MaskedRecord{}, err
	}
	r, err := i.mutate(pan, func(r *card.Record) error {
		if r.Status != card.StatusIssued && r.Status != card.StatusActive {
			return &card.StateConflictError{CardNumber: r.Masked(), Action: "change PIN", State: r.Status}
		}
		zpkLabel, err := i.keys.ZPKLabel()
		if err != nil {
			return err
		}
		policy := pinpolicy.ForCardType(r.CardType)
		pin, err := i.hsm.GeneratePin(ctx, r.CardNumber, r.CustomerID, hsmPolicy(policy), zpkLabel)
		if err != nil {
			return err
		}
		r.PinRef = pin.PinRef
		r.PinBlock = pin.PinBlock
		r.ZPKLabel = zpkLabel
		r.RegisterPinSuccess()
		return nil
	})
	if err != nil {
		i.logLifecycleRejection("PIN_CHANGE", op, pan, err, oplog.PriorityHigh)
		return card.MaskedRecord{}, err
	}
	i.logLifecycle("PIN_CHANGE", op, r, nil, oplog.ResultSuccess, oplog.PriorityHigh)
	i.notify(Event{Type: EventPinChanged, MaskedCardNumber: r.Masked(), CustomerID: r.CustomerID})
	return r.MaskedView(), nil
}

// VerifyPin checks a zone-encrypted PIN block against the card's PIN. Three
// consecutive failures block the card and start a lockout window. A locked
// card short-circuits without touching the HSM.
func (i *Issuer) VerifyPin(ctx context.Context, pan, pinBlock string, op Operator) (*hsm.VerifyPinResult, error) {
	if err := op.validate(); err != nil {
		return nil, err
	}
	unlock := i.lockPAN(pan)
	defer unlock()

	r, err := i.store.Load(pan)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if r.PinLocked(now) {
		return &hsm.VerifyPinResult{Verified: false, Locked: true}, nil
	}
	if r.Status != card.StatusIssued && r.Status != card.StatusActive {
		return nil, &card.StateConflictError{CardNumber: r.Masked(), Action: "verify PIN", State: r.Status}
	}

	res, err := i.hsm.VerifyPin(ctx, r.CardNumber, pinBlock, r.ZPKLabel, r.MaxPinAttempts)
	if err != nil {
		return nil, err
	}
	if res.Verified {
		r.RegisterPinSuccess()
		if err := i.store.Update(r); err != nil {
			return nil, err
		}
		i.logLifecycle("PIN_VERIFY", op, r, nil, oplog.ResultSuccess, oplog.PriorityLow)
		return res, nil
	}

	blocked := r.RegisterPinFailure(op.ID, i.cfg.PinLockout)
	if err := i.store.Update(r); err != nil {
		return nil, err
	}
	res.AttemptsRemaining = r.MaxPinAttempts - r.PinAttempts
	if res.AttemptsRemaining < 0 {
		res.AttemptsRemaining = 0
	}
	res.Locked = blocked
	prio := oplog.PriorityNormal
	data := map[string]string{"attempts": fmt.Sprintf("%d/%d", r.PinAttempts, r.MaxPinAttempts)}
	if blocked {
		prio = oplog.PriorityHigh
		data["blocked"] = "true"
		i.notify(Event{Type: EventCardBlocked, MaskedCardNumber: r.Masked(), CustomerID: r.CustomerID, Detail: "PIN attempts exhausted"})
	}
	i.logLifecycle("PIN_VERIFY", op, r, data, oplog.ResultFailed, prio)
	return res, nil
}

// ResetPinAttempts clears the failure counter and lockout window after an
// out-of-band identity check at the branch.
func (i *Issuer) ResetPinAttempts(ctx context.Context, pan string, op Operator) (card.MaskedRecord, error) {
	if err := op.validate(); err != nil {
		return card.MaskedRecord{}, err
	}
	r, err := i.mutate(pan, func(r *card.Record) error {
		r.RegisterPinSuccess()
		r.PinLockoutUntil = nil
		return nil
	})
	if err != nil {
		i.logLifecycleRejection("PIN_RESET", op, pan, err, oplog.PriorityHigh)
		return card.MaskedRecord{}, err
	}
	i.logLifecycle("PIN_RESET", op, r, nil, oplog.ResultSuccess, oplog.PriorityHigh)
	return r.MaskedView(), nil
}

// UpdateLimits replaces the card's spending limits.
func (i *Issuer) UpdateLimits(ctx context.Context, pan string, limits card.Limits, op Operator) (card.MaskedRecord, error) {
	if err := op.validate(); err != nil {
		return card.MaskedRecord{}, err
	}
	if limits.DailyWithdrawal < 0 || limits.DailyPurchase < 0 || limits.MonthlyTotal < 0 {
		verr := &ValidationError{Field: "limits", Reason: "must not be negative"}
		i.logLifecycleRejection("LIMITS_UPDATE", op, pan, verr, oplog.PriorityNormal)
		return card.MaskedRecord{}, verr
	}
	var old card.Limits
	r, err := i.mutate(pan, func(r *card.Record) error {
		if r.Status.Terminal() {
			return &card.StateConflictError{CardNumber: r.Masked(), Action: "update limits", State: r.Status}
		}
		old = r.Limits
		r.Limits = limits
		return nil
	})
	if err != nil {
		i.logLifecycleRejection("LIMITS_UPDATE", op, pan, err, oplog.PriorityNormal)
		return card.MaskedRecord{}, err
	}
	i.logLifecycle("LIMITS_UPDATE", op, r, map[string]string{
		"oldDailyWithdrawal": fmt.Sprint(old.DailyWithdrawal),
		"newDailyWithdrawal": fmt.Sprint(limits.DailyWithdrawal),
		"oldDailyPurchase":   fmt.Sprint(old.DailyPurchase),
		"newDailyPurchase":   fmt.Sprint(limits.DailyPurchase),
		"oldMonthlyTotal":    fmt.Sprint(old.MonthlyTotal),
		"newMonthlyTotal":    fmt.Sprint(limits.MonthlyTotal),
	}, oplog.ResultSuccess, oplog.PriorityNormal)
	return r.MaskedView(), nil
}

// ExpireDueCards marks every non-terminal card past its expiry date as
// Expired and returns how many were swept.
func (i *Issuer) ExpireDueCards(ctx context.Context, now time.Time, op Operator) (int, error) {
	if err := op.validate(); err != nil {
		return 0, err
	}
	pans, err := i.store.List()
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, pan := range pans {
		select {
		case <-ctx.Done():
			return swept, ctx.Err()
		default:
		}
		r, err := i.mutate(pan, func(r *card.Record) error {
			if r.Status != card.StatusIssued && r.Status != card.StatusActive {
				return errSkipSweep
			}
			if r.ExpiryDate.After(now) {
				return errSkipSweep
			}
			return r.MarkExpired(op.ID)
		})
		if err == errSkipSweep {
			continue
		}
		if err != nil {
			return swept, fmt.Errorf("expiring card: %w", err)
		}
		swept++
		i.logLifecycle("CARD_EXPIRY", op, r, nil, oplog.ResultSuccess, oplog.PriorityLow)
	}
	return swept, nil
}

var errSkipSweep = errors.New("skip")
