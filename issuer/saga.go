package issuer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/parsabank/cardengine/card"
	"github.com/parsabank/cardengine/cardnum"
	"github.com/parsabank/cardengine/hsm"
	"github.com/parsabank/cardengine/oplog"
	"github.com/parsabank/cardengine/pinpolicy"
)

// Issuance step names as they appear in operation-log entries and
// reconciliation records.
const (
	stepValidateInput   = "VALIDATE_INPUT"
	stepVerifyIdentity  = "VERIFY_IDENTITY"
	stepVerifyAccount   = "VERIFY_ACCOUNT"
	stepCardNumber      = "GENERATE_CARD_NUMBER"
	stepCardKeys        = "GENERATE_CARD_KEYS"
	stepGeneratePin     = "GENERATE_PIN"
	stepGenerateCvv2    = "GENERATE_CVV2"
	stepGenerateChip    = "GENERATE_EMV_CHIP"
	stepSignature       = "GENERATE_SIGNATURE"
	stepRegisterCard    = "REGISTER_CARD"
	stepActivateSwitch  = "ACTIVATE_ON_SWITCH"
	stepPersistRecord   = "PERSIST_RECORD"
	stepBlockOriginal   = "BLOCK_ORIGINAL"
	stepReplacedLinkage = "LINK_REPLACEMENT"
)

// committedEffect is an external commitment made before the saga finished.
type committedEffect struct {
	step        string
	referenceID string
}

// variant tunes the shared saga for the issuance flavors.
type variant struct {
	operation      string // oplog operation type
	event          string // notification event type
	skipIdentity   bool   // emergency flow: identity verified out of band
	maxPinAttempts int    // 0 = policy default
	validity       func(now time.Time, cfg Config) time.Time
	replacedMasked string // masked PAN of the card this one replaces
}

func regularValidity(now time.Time, cfg Config) time.Time {
	return now.AddDate(cfg.ValidityYears, 0, 0)
}

func emergencyValidity(now time.Time, cfg Config) time.Time {
	return now.AddDate(0, cfg.EmergencyValidityMonths, 0)
}

// IssueCard runs the full issuance saga and returns the masked view of the
// new card.
func (i *Issuer) IssueCard(ctx context.Context, req IssueRequest, op Operator) (card.MaskedRecord, error) {
	return i.issue(ctx, req, op, variant{
		operation: "CARD_ISSUANCE",
		event:     EventCardIssued,
		validity:  regularValidity,
	})
}

// IssueEmergencyCard issues a short-validity card with a single PIN attempt.
// Identity verification is deferred to the branch; the deferral is recorded
// in the operation log.
func (i *Issuer) IssueEmergencyCard(ctx context.Context, req IssueRequest, op Operator) (card.MaskedRecord, error) {
	return i.issue(ctx, req, op, variant{
		operation:      "EMERGENCY_ISSUANCE",
		event:          EventCardIssued,
		skipIdentity:   true,
		maxPinAttempts: 1,
		validity:       emergencyValidity,
	})
}

// IssueReplacementCard blocks the original card, issues a new one for the
// same customer and account, and links the two records. The original must be
// Active or Blocked.
func (i *Issuer) IssueReplacementCard(ctx context.Context, originalPAN, reason string, op Operator) (card.MaskedRecord, error) {
	if err := op.validate(); err != nil {
		return card.MaskedRecord{}, err
	}
	unlock := i.lockPAN(originalPAN)
	defer unlock()

	orig, err := i.store.Load(originalPAN)
	if err != nil {
		return card.MaskedRecord{}, err
	}
	if orig.Status.Terminal() {
		return card.MaskedRecord{}, &card.StateConflictError{
			CardNumber: orig.Masked(), Action: "replace", State: orig.Status,
		}
	}

	// Block the original before any new material exists, so the old card
	// cannot transact while its replacement is in flight.
	if orig.Status != card.StatusBlocked {
		if err := orig.Block(op.ID, "replacement: "+reason); err != nil {
			return card.MaskedRecord{}, err
		}
		if err := i.store.Update(orig); err != nil {
			return card.MaskedRecord{}, &StepError{Step: stepBlockOriginal, Err: err}
		}
	}

	req := IssueRequest{
		Customer: Customer{
			CustomerID: orig.CustomerID,
			FullName:   orig.HolderName,
			NationalID: orig.NationalID,
			Phone:      orig.Phone,
		},
		// The balance is re-read from the account verifier; the request
		// field only has to pass input validation.
		Account:  Account{AccountNumber: orig.AccountNumber, BankCode: orig.BankCode, Balance: 1},
		CardType: orig.CardType,
		Limits:   &orig.Limits,
	}
	masked, err := i.issue(ctx, req, op, variant{
		operation:      "CARD_REPLACEMENT",
		event:          EventCardReplaced,
		validity:       regularValidity,
		replacedMasked: orig.Masked(),
	})
	if err != nil {
		return card.MaskedRecord{}, err
	}

	if err := orig.MarkReplaced(op.ID, masked.CardNumber); err == nil {
		err = i.store.Update(orig)
	}
	if err != nil {
		// The replacement exists and the original is blocked; only the
		// back-link is missing.
		i.writeReconcile(stepReplacedLinkage, orig.Masked(), masked.CardNumber,
			fmt.Sprintf("linking original to replacement: %v", err))
	}
	return masked, nil
}

// IssueCardForExistingAccount issues a card for an account already on file,
// rejecting the request while the account holds a non-terminal card.
func (i *Issuer) IssueCardForExistingAccount(ctx context.Context, req IssueRequest, op Operator) (card.MaskedRecord, error) {
	existing, err := i.findAccountCard(req.Account.AccountNumber)
	if err != nil {
		return card.MaskedRecord{}, err
	}
	if existing != nil {
		return card.MaskedRecord{}, &card.StateConflictError{
			CardNumber: existing.Masked(), Action: "issue for account", State: existing.Status,
		}
	}
	return i.issue(ctx, req, op, variant{
		operation: "CARD_ISSUANCE",
		event:     EventCardIssued,
		validity:  regularValidity,
	})
}

// findAccountCard returns the account's non-terminal card, if any.
func (i *Issuer) findAccountCard(accountNumber string) (*card.Record, error) {
	pans, err := i.store.List()
	if err != nil {
		return nil, err
	}
	for _, pan := range pans {
		r, err := i.store.Load(pan)
		if err != nil {
			return nil, err
		}
		if r.AccountNumber == accountNumber && !r.Status.Terminal() {
			return r, nil
		}
	}
	return nil, nil
}

func (i *Issuer) issue(ctx context.Context, req IssueRequest, op Operator, v variant) (card.MaskedRecord, error) {
	if err := op.validate(); err != nil {
		return card.MaskedRecord{}, err
	}
	req.CardType = strings.ToUpper(req.CardType)
	if req.Customer.CustomerID == "" {
		req.Customer.CustomerID = req.Customer.NationalID
	}

	var (
		committed []committedEffect
		masked    string // set once a PAN exists
	)
	fail := func(step string, err error) (card.MaskedRecord, error) {
		for _, eff := range committed {
			i.writeReconcile(eff.step, masked, eff.referenceID,
				fmt.Sprintf("issuance failed at %s: %v", step, err))
		}
		data := map[string]string{"step": step, "reason": err.Error()}
		if v.skipIdentity {
			data["identityDeferred"] = "true"
		}
		i.log.Append(oplog.Entry{
			OperationType:    v.operation,
			OperatorID:       op.ID,
			MaskedCardNumber: masked,
			CustomerID:       req.Customer.CustomerID,
			Data:             data,
			Result:           oplog.ResultFailed,
			Priority:         oplog.PriorityHigh,
		})
		return card.MaskedRecord{}, &StepError{Step: step, Err: err}
	}

	if err := req.validate(); err != nil {
		return card.MaskedRecord{}, err
	}
	profile, err := i.catalog.SelectBIN(req.CardType, req.Account.BankCode)
	if err != nil {
		return card.MaskedRecord{}, err
	}
	emv, err := i.catalog.SelectEMV(req.CardType)
	if err != nil {
		return card.MaskedRecord{}, err
	}

	if !v.skipIdentity {
		res, err := i.identity.VerifyIdentity(ctx, req.Customer.NationalID, req.Customer.Phone)
		if err != nil {
			return fail(stepVerifyIdentity, err)
		}
		if !res.Verified {
			return fail(stepVerifyIdentity, &RejectionError{Service: "identity", Reason: res.Reason})
		}
		if res.FullName != "" && !strings.EqualFold(res.FullName, req.Customer.FullName) {
			return fail(stepVerifyIdentity, &RejectionError{Service: "identity", Reason: "name mismatch"})
		}
	}

	acct, err := i.accounts.VerifyAccount(ctx, req.Account.AccountNumber, req.Customer.NationalID)
	if err != nil {
		return fail(stepVerifyAccount, err)
	}
	if !acct.Verified {
		return fail(stepVerifyAccount, &RejectionError{Service: "account", Reason: acct.Reason})
	}

	pan, err := cardnum.Generate(profile.CardnumProfile(), "")
	if err != nil {
		return fail(stepCardNumber, err)
	}
	cardNumber := pan.String()
	masked = pan.Masked()

	unlock := i.lockPAN(cardNumber)
	defer unlock()

	keys, err := i.hsm.GenerateCardKeys(ctx, req.CardType, profile.BIN, emv.HSMProfile())
	if err != nil {
		return fail(stepCardKeys, err)
	}

	policy := pinpolicy.ForCardType(req.CardType)
	if v.maxPinAttempts > 0 {
		policy.MaxAttempts = v.maxPinAttempts
	}
	zpkLabel, err := i.keys.ZPKLabel()
	if err != nil {
		return fail(stepGeneratePin, err)
	}
	pin, err := i.hsm.GeneratePin(ctx, cardNumber, req.Customer.CustomerID, hsmPolicy(policy), zpkLabel)
	if err != nil {
		return fail(stepGeneratePin, err)
	}

	now := time.Now().UTC()
	expiry := v.validity(now, i.cfg)
	expiryYYMM := expiry.Format("0601")

	cvv, err := i.hsm.GenerateCvv2(ctx, cardNumber, expiryYYMM, i.cfg.ServiceCode, zpkLabel)
	if err != nil {
		return fail(stepGenerateCvv2, err)
	}
	chip, err := i.hsm.GenerateEmvChip(ctx, cardNumber, keys, emv.HSMProfile())
	if err != nil {
		return fail(stepGenerateChip, err)
	}

	payload, err := signaturePayload(cardNumber, req.Customer.CustomerID, req.Account.AccountNumber, now)
	if err != nil {
		return fail(stepSignature, err)
	}
	sig, err := i.hsm.GenerateDigitalSignature(ctx, payload, i.cfg.SignatureKeyLabel)
	if err != nil {
		return fail(stepSignature, err)
	}

	reg, err := i.registry.RegisterCard(ctx, CardRegistration{
		CardNumber:    cardNumber,
		CustomerID:    req.Customer.CustomerID,
		AccountNumber: req.Account.AccountNumber,
		BankCode:      req.Account.BankCode,
		CardType:      req.CardType,
		ExpiryDate:    expiryYYMM,
	})
	if err != nil {
		return fail(stepRegisterCard, err)
	}
	if !reg.Success {
		return fail(stepRegisterCard, &RejectionError{Service: "registry", Reason: reg.Reason})
	}
	committed = append(committed, committedEffect{step: stepRegisterCard, referenceID: reg.ReferenceID})

	act, err := i.registry.ActivateCard(ctx, cardNumber)
	if err != nil {
		return fail(stepActivateSwitch, err)
	}
	if !act.Success {
		return fail(stepActivateSwitch, &RejectionError{Service: "switch", Reason: act.Reason})
	}
	committed = append(committed, committedEffect{step: stepActivateSwitch, referenceID: act.ReferenceID})

	limits := i.cfg.DefaultLimits
	if req.Limits != nil && *req.Limits != (card.Limits{}) {
		limits = *req.Limits
	}
	rec := &card.Record{
		CardNumber:     cardNumber,
		CustomerID:     req.Customer.CustomerID,
		HolderName:     req.Customer.FullName,
		CardType:       req.CardType,
		BIN:            profile.BIN,
		NationalID:     req.Customer.NationalID,
		Phone:          req.Customer.Phone,
		AccountNumber:  req.Account.AccountNumber,
		BankCode:       req.Account.BankCode,
		Status:         card.StatusIssued,
		Keys:           keys,
		PinRef:         pin.PinRef,
		PinBlock:       pin.PinBlock,
		ZPKLabel:       zpkLabel,
		CvvRef:         cvv.CvvRef,
		ChipRef:        chip.ChipRef,
		Signature:      sig.Signature,
		SignatureKey:   sig.KeyLabel,
		RegistryRef:    reg.ReferenceID,
		SwitchRef:      act.ReferenceID,
		Track:          card.BuildTrackData(cardNumber, req.Customer.FullName, expiry, i.cfg.ServiceCode),
		Limits:         limits,
		MaxPinAttempts: policy.MaxAttempts,
		IssuedAt:       now,
		ExpiryDate:     expiry,
		ReplacedCard:   v.replacedMasked,
	}
	if err := i.store.Save(rec); err != nil {
		return fail(stepPersistRecord, err)
	}

	data := map[string]string{
		"bin":         profile.BIN,
		"bankCode":    profile.BankCode,
		"registryRef": reg.ReferenceID,
		"switchRef":   act.ReferenceID,
	}
	if v.skipIdentity {
		data["identityDeferred"] = "true"
	}
	if v.replacedMasked != "" {
		data["replacedCard"] = v.replacedMasked
	}
	i.log.Append(oplog.Entry{
		OperationType:    v.operation,
		OperatorID:       op.ID,
		MaskedCardNumber: masked,
		CustomerID:       req.Customer.CustomerID,
		Data:             data,
		Result:           oplog.ResultSuccess,
		Priority:         oplog.PriorityNormal,
	})
	i.notify(Event{Type: v.event, MaskedCardNumber: masked, CustomerID: req.Customer.CustomerID})
	i.logger.Info("card issued",
		slog.String("card", masked),
		slog.String("type", req.CardType),
		slog.String("bin", profile.BIN))

	return rec.MaskedView(), nil
}

func hsmPolicy(p pinpolicy.Policy) hsm.PinPolicySpec {
	return hsm.PinPolicySpec{
		Length:                p.Length,
		AllowRepeatedDigits:   p.AllowRepeatedDigits,
		AllowSequentialDigits: p.AllowSequentialDigits,
		MaxAttempts:           p.MaxAttempts,
	}
}

// signaturePayload is the canonical byte string signed at issuance.
func signaturePayload(cardNumber, customerID, accountNumber string, ts time.Time) (string, error) {
	data, err := json.Marshal(struct {
		CardNumber    string `json:"cardNumber"`
		CustomerID    string `json:"customerId"`
		AccountNumber string `json:"accountNumber"`
		Timestamp     string `json:"timestamp"`
	}{cardNumber, customerID, accountNumber, ts.Format(time.RFC3339)})
	if err != nil {
		return "", fmt.Errorf("encoding signature payload: %w", err)
	}
	return string(data), nil
}
