package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/parsabank/cardengine/cardnum"
	"github.com/parsabank/cardengine/oplog"
)

// decodeJSON decodes the request body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// requireOperator rejects requests that carry no operator identification.
func requireOperator(w http.ResponseWriter, id, role string) bool {
	if id == "" || role == "" {
		writeError(w, http.StatusBadRequest, "operator id and role are required")
		return false
	}
	return true
}

// checkIssuanceLimit applies the per-IP issuance rate limit. It returns
// false after writing the 429 when the caller is locked out.
func (a *API) checkIssuanceLimit(w http.ResponseWriter, r *http.Request) bool {
	ip := a.extractClientIP(r)
	if blocked, retryAfter := a.issLimiter.check(ip); blocked {
		writeRateLimited(w, retryAfter)
		return false
	}
	a.issLimiter.record(ip)
	return true
}

// IssueCard handles POST /cards.
func (a *API) IssueCard(w http.ResponseWriter, r *http.Request) {
	var req IssueCardRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !requireOperator(w, req.Operator.ID, req.Operator.Role) {
		return
	}
	if !a.checkIssuanceLimit(w, r) {
		return
	}

	rec, err := a.issuer.IssueCard(r.Context(), toIssueRequest(req), req.Operator)
	if err != nil {
		a.audit.logFailure(AuditIssuanceFailed, r, err.Error(),
			slog.String("operator_id", req.Operator.ID))
		mapError(w, err)
		return
	}
	a.audit.logCard(AuditCardIssued, r, rec.CardNumber, req.Operator.ID)
	writeJSON(w, http.StatusCreated, rec)
}

// IssueEmergencyCard handles POST /cards/emergency. Identity verification
// is deferred; the card carries a short validity and a single PIN attempt.
func (a *API) IssueEmergencyCard(w http.ResponseWriter, r *http.Request) {
	var req IssueCardRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !requireOperator(w, req.Operator.ID, req.Operator.Role) {
		return
	}
	if !a.checkIssuanceLimit(w, r) {
		return
	}

	rec, err := a.issuer.IssueEmergencyCard(r.Context(), toIssueRequest(req), req.Operator)
	if err != nil {
		a.audit.logFailure(AuditIssuanceFailed, r, err.Error(),
			slog.String("operator_id", req.Operator.ID),
			slog.String("mode", "emergency"))
		mapError(w, err)
		return
	}
	a.audit.logCard(AuditCardIssued, r, rec.CardNumber, req.Operator.ID,
		slog.String("mode", "emergency"))
	writeJSON(w, http.StatusCreated, rec)
}

// IssueReplacementCard handles POST /cards/replacement.
func (a *API) IssueReplacementCard(w http.ResponseWriter, r *http.Request) {
	var req ReplacementRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !requireOperator(w, req.Operator.ID, req.Operator.Role) {
		return
	}
	if !a.checkIssuanceLimit(w, r) {
		return
	}

	rec, err := a.issuer.IssueReplacementCard(r.Context(), req.CardNumber, req.Reason, req.Operator)
	if err != nil {
		a.audit.logFailure(AuditIssuanceFailed, r, err.Error(),
			slog.String("operator_id", req.Operator.ID),
			slog.String("card_number", cardnum.Mask(req.CardNumber)),
			slog.String("mode", "replacement"))
		mapError(w, err)
		return
	}
	a.audit.logCard(AuditCardReplaced, r, rec.CardNumber, req.Operator.ID,
		slog.String("replaced_card", cardnum.Mask(req.CardNumber)))
	writeJSON(w, http.StatusCreated, rec)
}

// IssueCardForExistingAccount handles POST /cards/for-account. It refuses
// to issue when the account already has a live card.
func (a *API) IssueCardForExistingAccount(w http.ResponseWriter, r *http.Request) {
	var req IssueCardRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !requireOperator(w, req.Operator.ID, req.Operator.Role) {
		return
	}
	if !a.checkIssuanceLimit(w, r) {
		return
	}

	rec, err := a.issuer.IssueCardForExistingAccount(r.Context(), toIssueRequest(req), req.Operator)
	if err != nil {
		a.audit.logFailure(AuditIssuanceFailed, r, err.Error(),
			slog.String("operator_id", req.Operator.ID),
			slog.String("mode", "for-account"))
		mapError(w, err)
		return
	}
	a.audit.logCard(AuditCardIssued, r, rec.CardNumber, req.Operator.ID,
		slog.String("mode", "for-account"))
	writeJSON(w, http.StatusCreated, rec)
}

// ListCards handles GET /cards.
func (a *API) ListCards(w http.ResponseWriter, r *http.Request) {
	cards, err := a.issuer.Cards()
	if err != nil {
		mapError(w, err)
		return
	}

	limit, offset := parsePagination(r)
	start, end, meta := paginateSlice(len(cards), limit, offset)
	writeJSON(w, http.StatusOK, CardListResponse{
		Cards:      cards[start:end],
		Pagination: meta,
	})
}

// GetCard handles POST /cards/lookup. The PAN travels in the body so it
// never appears in URLs or access logs.
func (a *API) GetCard(w http.ResponseWriter, r *http.Request) {
	var req CardActionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	rec, err := a.issuer.Card(req.CardNumber)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ActivateCard handles POST /cards/activate.
func (a *API) ActivateCard(w http.ResponseWriter, r *http.Request) {
	var req CardActionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !requireOperator(w, req.Operator.ID, req.Operator.Role) {
		return
	}

	rec, err := a.issuer.ActivateCard(r.Context(), req.CardNumber, req.Operator)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logCard(AuditCardActivated, r, rec.CardNumber, req.Operator.ID)
	writeJSON(w, http.StatusOK, rec)
}

// BlockCard handles POST /cards/block.
func (a *API) BlockCard(w http.ResponseWriter, r *http.Request) {
	var req CardActionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !requireOperator(w, req.Operator.ID, req.Operator.Role) {
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "block reason is required")
		return
	}

	rec, err := a.issuer.BlockCard(r.Context(), req.CardNumber, req.Reason, req.Operator)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logCard(AuditCardBlocked, r, rec.CardNumber, req.Operator.ID,
		slog.String("reason", req.Reason))
	writeJSON(w, http.StatusOK, rec)
}

// UnblockCard handles POST /cards/unblock.
func (a *API) UnblockCard(w http.ResponseWriter, r *http.Request) {
	var req CardActionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !requireOperator(w, req.Operator.ID, req.Operator.Role) {
		return
	}

	rec, err := a.issuer.UnblockCard(r.Context(), req.CardNumber, req.Operator)
	if err != nil {
		mapError(w, err)
		return
	}
	a.pinLimiter.recordSuccess(rec.CardNumber)
	a.audit.logCard(AuditCardUnblocked, r, rec.CardNumber, req.Operator.ID)
	writeJSON(w, http.StatusOK, rec)
}

// ChangePin handles POST /cards/pin/change. A fresh PIN is generated under
// the current zone PIN key; the PIN itself is never returned over the API.
func (a *API) ChangePin(w http.ResponseWriter, r *http.Request) {
	var req CardActionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !requireOperator(w, req.Operator.ID, req.Operator.Role) {
		return
	}

	rec, err := a.issuer.ChangePin(r.Context(), req.CardNumber, req.Operator)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logCard(AuditPinChanged, r, rec.CardNumber, req.Operator.ID)
	writeJSON(w, http.StatusOK, rec)
}

// VerifyPin handles POST /cards/pin/verify. The API-level rate limiter
// sits in front of the card's own attempt counter so repeated failures
// back off before reaching the HSM.
func (a *API) VerifyPin(w http.ResponseWriter, r *http.Request) {
	var req VerifyPinRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !requireOperator(w, req.Operator.ID, req.Operator.Role) {
		return
	}
	if req.PinBlock == "" {
		writeError(w, http.StatusBadRequest, "pinBlock is required")
		return
	}

	masked := cardnum.Mask(req.CardNumber)
	if blocked, retryAfter := a.pinLimiter.check(masked); blocked {
		a.audit.logCard(AuditPinRateLimited, r, masked, req.Operator.ID)
		writeRateLimited(w, retryAfter)
		return
	}

	res, err := a.issuer.VerifyPin(r.Context(), req.CardNumber, req.PinBlock, req.Operator)
	if err != nil {
		mapError(w, err)
		return
	}

	if res.Verified {
		a.pinLimiter.recordSuccess(masked)
		a.audit.logCard(AuditPinVerifySuccess, r, masked, req.Operator.ID)
	} else {
		a.pinLimiter.recordFailure(masked)
		a.audit.logCard(AuditPinVerifyFailure, r, masked, req.Operator.ID,
			slog.Int("attempts_remaining", res.AttemptsRemaining),
			slog.Bool("locked", res.Locked))
	}
	writeJSON(w, http.StatusOK, VerifyPinResponse{
		Verified:          res.Verified,
		AttemptsRemaining: res.AttemptsRemaining,
		Locked:            res.Locked,
	})
}

// ResetPinAttempts handles POST /cards/pin/reset.
func (a *API) ResetPinAttempts(w http.ResponseWriter, r *http.Request) {
	var req CardActionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !requireOperator(w, req.Operator.ID, req.Operator.Role) {
		return
	}

	rec, err := a.issuer.ResetPinAttempts(r.Context(), req.CardNumber, req.Operator)
	if err != nil {
		mapError(w, err)
		return
	}
	a.pinLimiter.recordSuccess(rec.CardNumber)
	a.audit.logCard(AuditPinReset, r, rec.CardNumber, req.Operator.ID)
	writeJSON(w, http.StatusOK, rec)
}

// UpdateLimits handles POST /cards/limits.
func (a *API) UpdateLimits(w http.ResponseWriter, r *http.Request) {
	var req UpdateLimitsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !requireOperator(w, req.Operator.ID, req.Operator.Role) {
		return
	}

	rec, err := a.issuer.UpdateLimits(r.Context(), req.CardNumber, req.Limits, req.Operator)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logCard(AuditLimitsUpdated, r, rec.CardNumber, req.Operator.ID)
	writeJSON(w, http.StatusOK, rec)
}

// KeyStatus handles GET /keys/status.
func (a *API) KeyStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.issuer.KeyStatus())
}

// RotateZoneKeys handles POST /keys/rotate.
func (a *API) RotateZoneKeys(w http.ResponseWriter, r *http.Request) {
	var req RotateKeysRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !requireOperator(w, req.Operator.ID, req.Operator.Role) {
		return
	}

	if err := a.issuer.RotateZoneKeys(r.Context(), req.Operator); err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditKeysRotated, r, slog.String("operator_id", req.Operator.ID))
	writeJSON(w, http.StatusOK, a.issuer.KeyStatus())
}

// ListLogs handles GET /logs. Filters arrive as query parameters; card
// numbers are matched in masked form only.
func (a *API) ListLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := oplog.Filter{
		MaskedCardNumber: q.Get("cardNumber"),
		CustomerID:       q.Get("customerId"),
		OperationType:    q.Get("operationType"),
		Priority:         oplog.Priority(q.Get("priority")),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' timestamp")
			return
		}
		f.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' timestamp")
			return
		}
		f.To = t
	}
	limit, _ := parsePagination(r)
	f.Limit = limit

	entries, err := a.issuer.Logs(f)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// VerifyLogChain handles GET /logs/verify.
func (a *API) VerifyLogChain(w http.ResponseWriter, r *http.Request) {
	res, err := a.log.Verify()
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditLogChainVerified, r,
		slog.Int("entries", res.EntryCount),
		slog.Bool("valid", res.Valid))
	writeJSON(w, http.StatusOK, res)
}

// ListReconciliations handles GET /reconciliations.
func (a *API) ListReconciliations(w http.ResponseWriter, r *http.Request) {
	entries, err := a.issuer.PendingReconciliations()
	if err != nil {
		mapError(w, err)
		return
	}

	limit, offset := parsePagination(r)
	start, end, _ := paginateSlice(len(entries), limit, offset)
	writeJSON(w, http.StatusOK, entries[start:end])
}
