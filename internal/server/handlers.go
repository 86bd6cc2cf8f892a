package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"github.com/stakevrun/fee/internal/domain/model"
	"github.com/stakevrun/fee/internal/ledger"
	"github.com/stakevrun/fee/internal/retry"
	"github.com/stakevrun/fee/internal/state"
	"github.com/stakevrun/fee/internal/verify"
)

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /{chainId}/{address}/payments?token=0x...&token=0x...
//
// With no token parameters the currently accepted set is used. Tokens
// that were never accepted are refused rather than silently returning
// empty lists.
func (s *Server) handlePayments(w http.ResponseWriter, r *http.Request) {
	chain, ok := s.chainFrom(w, r)
	if !ok {
		return
	}
	address, ok := addressFrom(w, r)
	if !ok {
		return
	}

	tokens := chain.CurrentTokens()
	if raw := r.URL.Query()["token"]; len(raw) > 0 {
		tokens = make([]common.Address, 0, len(raw))
		for _, t := range raw {
			if !common.IsHexAddress(t) {
				badRequest(w, "invalid token address %q", t)
				return
			}
			addr := common.HexToAddress(t)
			if !chain.EverAccepted(addr) {
				badRequest(w, "token %s was never accepted", addr.Hex())
				return
			}
			tokens = append(tokens, addr)
		}
	}

	writeJSON(w, http.StatusOK, chain.PaymentsFor(address, tokens))
}

// GET /{chainId}/{address}/charges?pubkey=0x...
func (s *Server) handleCharges(w http.ResponseWriter, r *http.Request) {
	chain, ok := s.chainFrom(w, r)
	if !ok {
		return
	}
	address, ok := addressFrom(w, r)
	if !ok {
		return
	}

	raw := r.URL.Query().Get("pubkey")
	if raw == "" {
		badRequest(w, "pubkey query parameter is required")
		return
	}
	pubkey, err := hexutil.Decode(raw)
	if err != nil || len(pubkey) == 0 {
		badRequest(w, "invalid pubkey %q", raw)
		return
	}

	intervals, err := s.charges.Charges(r.Context(), chain.ID, address, pubkey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, intervals)
}

// GET /{chainId}/{address}/balance returns the folded day balance; with
// raw=1 the replicated credit entries instead.
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	chain, ok := s.chainFrom(w, r)
	if !ok {
		return
	}
	address, ok := addressFrom(w, r)
	if !ok {
		return
	}

	if r.URL.Query().Get("raw") == "1" {
		entries, err := s.replicator.Entries(r.Context(), chain.ID, address)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
		return
	}

	balance, err := s.replicator.Balance(r.Context(), chain.ID, address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"numDays": balance})
}

// POST /{chainId}/{address}/credit verifies a signed payment claim and
// issues the matching ledger credit.
func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	chain, ok := s.chainFrom(w, r)
	if !ok {
		return
	}
	address, ok := addressFrom(w, r)
	if !ok {
		return
	}

	var claim model.PaymentClaim
	if err := json.NewDecoder(r.Body).Decode(&claim); err != nil {
		badRequest(w, "invalid claim body: %v", err)
		return
	}
	if claim.NodeAccount != address {
		badRequest(w, "claim nodeAccount %s does not match path address %s", claim.NodeAccount.Hex(), address.Hex())
		return
	}

	entry, err := s.verifier.VerifyAndIssue(r.Context(), chain.ID, claim)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

type pricePeriodView struct {
	ValidUntil uint64            `json:"validUntil"`
	Prices     map[string]string `json:"prices"`
}

// GET /{chainId}/prices returns the chain's full price schedule, or with
// asOf=<unix> the single period covering that timestamp.
func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	chain, ok := s.chainFrom(w, r)
	if !ok {
		return
	}

	if raw := r.URL.Query().Get("asOf"); raw != "" {
		asOf, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			badRequest(w, "invalid asOf %q", raw)
			return
		}
		period, found := chain.Schedule.Resolve(asOf)
		if !found {
			s.writeError(w, r, &verify.Error{Code: verify.CodeNoPriceSchedule, Reason: "no period covers the requested time"})
			return
		}
		writeJSON(w, http.StatusOK, periodView(period))
		return
	}

	views := make([]pricePeriodView, 0, len(chain.Schedule))
	for _, period := range chain.Schedule {
		views = append(views, periodView(period))
	}
	writeJSON(w, http.StatusOK, views)
}

func periodView(period model.PricePeriod) pricePeriodView {
	prices := make(map[string]string, len(period.Prices))
	for token, amount := range period.Prices {
		prices[token.Hex()] = amount.String()
	}
	return pricePeriodView{ValidUntil: period.ValidUntil, Prices: prices}
}

func (s *Server) chainFrom(w http.ResponseWriter, r *http.Request) (*state.Chain, bool) {
	raw := chi.URLParam(r, "chainId")
	id, err := model.ParseChainID(raw)
	if err != nil {
		badRequest(w, "invalid chain id %q", raw)
		return nil, false
	}
	chain, ok := s.registry.Get(id)
	if !ok {
		writeErrorBody(w, http.StatusNotFound, "NotFound", "unknown chain "+raw)
		return nil, false
	}
	return chain, true
}

func addressFrom(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		badRequest(w, "invalid address %q", raw)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// writeError maps service failures to HTTP statuses: claim refusals by
// code, ledger rejections verbatim, integrity failures as 500, and
// transient upstream trouble as 502.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var vErr *verify.Error
	if errors.As(err, &vErr) {
		writeErrorBody(w, claimStatus(vErr.Code), string(vErr.Code), vErr.Reason)
		return
	}

	var rejection *ledger.RejectionError
	if errors.As(err, &rejection) {
		writeErrorBody(w, rejection.Status, "UpstreamRejection", rejection.Body)
		return
	}

	var integrity *model.IntegrityError
	if errors.As(err, &integrity) {
		s.logger.Error("integrity failure", "error", err, "path", r.URL.Path)
		writeErrorBody(w, http.StatusInternalServerError, "IntegrityError", integrity.Reason)
		return
	}

	if retry.Classify(err).IsTransient() {
		s.logger.Warn("upstream unavailable", "error", err, "path", r.URL.Path)
		writeErrorBody(w, http.StatusBadGateway, "UpstreamUnavailable", err.Error())
		return
	}

	s.logger.Error("request failed", "error", err, "path", r.URL.Path)
	writeErrorBody(w, http.StatusInternalServerError, "InternalError", err.Error())
}

func claimStatus(code verify.Code) int {
	switch code {
	case verify.CodeTransactionNotFound:
		return http.StatusNotFound
	case verify.CodeDuplicateCredit:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeErrorBody(w, http.StatusBadRequest, "BadRequest", fmt.Sprintf(format, args...))
}

func writeErrorBody(w http.ResponseWriter, status int, code, reason string) {
	writeJSON(w, status, map[string]string{"error": code, "reason": reason})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
