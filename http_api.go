package main

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

const sessionTTL = 24 * time.Hour

var apiValidator = validator.New()

// HTTPAPI serves the merchant-facing REST surface: session creation/lookup
// and the x402 payment endpoints, all authenticated by the `apikey` query
// parameter against the merchants table.
type HTTPAPI struct {
	db      *gorm.DB
	keys    *KeyDeriver
	x402    *X402Facilitator
	matcher *SessionMatcher
	metrics *Metrics
	logger  Logger
}

func NewHTTPAPI(db *gorm.DB, keys *KeyDeriver, x402 *X402Facilitator, matcher *SessionMatcher, metrics *Metrics, logger Logger) *HTTPAPI {
	return &HTTPAPI{db: db, keys: keys, x402: x402, matcher: matcher, metrics: metrics, logger: logger.NewSystem("http-api")}
}

func (a *HTTPAPI) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", a.createSession)
	mux.HandleFunc("GET /sessions/{id}", a.getSession)
	mux.HandleFunc("POST /x402/requirements", a.x402Requirements)
	mux.HandleFunc("POST /x402/payments", a.x402Payments)
	mux.HandleFunc("GET /x402/support", a.x402Support)
	mux.HandleFunc("GET /x402/discovery", a.x402Discovery)
	return mux
}

func (a *HTTPAPI) authenticate(r *http.Request) (Merchant, bool) {
	apikey := r.URL.Query().Get("apikey")
	if apikey == "" {
		return Merchant{}, false
	}

	var merchant Merchant
	if err := a.db.WithContext(r.Context()).Where("apikey = ?", apikey).First(&merchant).Error; err != nil {
		return Merchant{}, false
	}
	return merchant, true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeFailure(w http.ResponseWriter, status int, errMsg string) {
	writeJSON(w, status, map[string]string{"status": "failure", "error": errMsg})
}

type createSessionRequest struct {
	Customer string `json:"customer" validate:"required"`
	Amount   int64  `json:"amount" validate:"required,gt=0"`
}

type sessionView struct {
	SessionID int64  `json:"session_id"`
	Customer  string `json:"customer"`
	PayEth    string `json:"pay_eth"`
	Amount    int64  `json:"amount"`
	Expired   string `json:"expired"`
	Completed bool   `json:"completed"`
}

func (a *HTTPAPI) createSession(w http.ResponseWriter, r *http.Request) {
	merchant, ok := a.authenticate(r)
	if !ok {
		writeFailure(w, http.StatusUnauthorized, "user auth error")
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := apiValidator.Struct(req); err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	customer, err := a.customerFor(r, merchant, req.Customer)
	if err != nil {
		a.logger.Error("failed to resolve customer", "err", err)
		writeFailure(w, http.StatusInternalServerError, "internal error")
		return
	}

	now := time.Now()
	session := Session{
		CustomerID: customer.ID,
		Amount:     req.Amount,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(sessionTTL),
	}
	if err := a.db.WithContext(r.Context()).Create(&session).Error; err != nil {
		a.logger.Error("failed to create session", "err", err)
		writeFailure(w, http.StatusInternalServerError, "internal error")
		return
	}
	if a.metrics != nil {
		a.metrics.SessionsCreated.Inc()
	}

	writeJSON(w, http.StatusOK, toSessionView(&session, customer.Account, customer.EthAddress))
}

func (a *HTTPAPI) getSession(w http.ResponseWriter, r *http.Request) {
	_, ok := a.authenticate(r)
	if !ok {
		writeFailure(w, http.StatusUnauthorized, "user auth error")
		return
	}

	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeFailure(w, http.StatusNotFound, "not found")
		return
	}

	var session Session
	if err := a.db.WithContext(r.Context()).First(&session, id).Error; err != nil {
		writeFailure(w, http.StatusNotFound, "not found")
		return
	}

	var customer Customer
	if err := a.db.WithContext(r.Context()).First(&customer, session.CustomerID).Error; err != nil {
		writeFailure(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, toSessionView(&session, customer.Account, customer.EthAddress))
}

func toSessionView(s *Session, customerAccount, payEth string) sessionView {
	return sessionView{
		SessionID: int64(s.ID),
		Customer:  customerAccount,
		PayEth:    payEth,
		Amount:    s.Amount,
		Expired:   s.ExpiresAt.UTC().Format(time.RFC3339),
		Completed: s.Sent,
	}
}

// customerFor looks up or lazily creates the (merchant, account) customer,
// deriving its deposit address on first use.
func (a *HTTPAPI) customerFor(r *http.Request, merchant Merchant, account string) (Customer, error) {
	var customer Customer
	err := a.db.WithContext(r.Context()).
		Where("merchant_id = ? AND account = ?", merchant.ID, account).
		First(&customer).Error
	if err == nil {
		return customer, nil
	}
	if err != gorm.ErrRecordNotFound {
		return Customer{}, err
	}

	customer = Customer{MerchantID: merchant.ID, Account: account, CreatedAt: time.Now()}
	if err := a.db.WithContext(r.Context()).Create(&customer).Error; err != nil {
		return Customer{}, err
	}

	address, err := a.keys.DeriveAddress(customer.ID)
	if err != nil {
		return Customer{}, err
	}
	customer.EthAddress = address
	if err := a.db.WithContext(r.Context()).Save(&customer).Error; err != nil {
		return Customer{}, err
	}

	return customer, nil
}

type x402RequirementsRequest struct {
	Customer string `json:"customer" validate:"required"`
	Amount   int64  `json:"amount" validate:"required,gt=0"`
	ChainID  uint32 `json:"chain_id" validate:"required"`
	Token    string `json:"token" validate:"required"`
}

func (a *HTTPAPI) x402Requirements(w http.ResponseWriter, r *http.Request) {
	merchant, ok := a.authenticate(r)
	if !ok {
		writeFailure(w, http.StatusUnauthorized, "user auth error")
		return
	}

	var req x402RequirementsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := apiValidator.Struct(req); err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	customer, err := a.customerFor(r, merchant, req.Customer)
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, "internal error")
		return
	}

	// x402 pays the merchant's settlement address directly; there is no
	// per-customer deposit address in this path. customer.ID only tags the
	// issued nonce so /x402/payments can recover which customer paid.
	reqs, err := a.x402.Requirements(req.ChainID, req.Token, customer.ID, merchant.EthAddress, req.Amount)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, []X402Requirements{reqs})
}

type x402PaymentsRequest struct {
	PaymentPayload      X402Authorization `json:"payment_payload"`
	PaymentRequirements X402Requirements  `json:"payment_requirements"`
}

func (a *HTTPAPI) x402Payments(w http.ResponseWriter, r *http.Request) {
	_, ok := a.authenticate(r)
	if !ok {
		writeFailure(w, http.StatusUnauthorized, "user auth error")
		return
	}

	var req x402PaymentsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, "malformed request body")
		return
	}

	chainID, ok := parseNetwork(req.PaymentRequirements.Network)
	if !ok {
		writeFailure(w, http.StatusBadRequest, "unsupported network")
		return
	}
	tokenSymbol, ok := a.x402.SymbolForAddress(chainID, req.PaymentRequirements.Asset)
	if !ok {
		writeFailure(w, http.StatusBadRequest, "unsupported asset")
		return
	}

	// The nonce the payer signed is the only thread connecting this payment
	// back to the customer that called /x402/requirements: payTo is the same
	// merchant address for every customer, so it can't be used as a lookup
	// key. Claiming is one-shot, so a replayed or fabricated nonce fails here
	// regardless of what the rest of the payload claims.
	customerID, payTo, expectedAmount, ok := a.x402.ClaimPending(req.PaymentPayload.Nonce)
	if !ok {
		writeFailure(w, http.StatusBadRequest, "nonce unknown or expired")
		return
	}

	if err := a.x402.Verify(chainID, tokenSymbol, req.PaymentPayload, payTo, expectedAmount); err != nil {
		writeFailure(w, http.StatusPaymentRequired, err.Error())
		return
	}

	token, _, err := a.chainToken(chainID, tokenSymbol)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}
	value, ok := parseInt64(req.PaymentPayload.Value)
	if !ok {
		writeFailure(w, http.StatusBadRequest, "invalid value")
		return
	}
	cents := onChainToCents(bigFromInt64(value), token.Decimals)

	// Settle submits transferWithAuthorization and waits for it to confirm;
	// only once that succeeds does a Deposit row get written, so a failed
	// settlement never leaves a stuck, unsettleable row behind.
	txHash, err := a.x402.Settle(r.Context(), chainID, tokenSymbol, req.PaymentPayload)
	if err != nil {
		writeFailure(w, http.StatusPaymentRequired, err.Error())
		return
	}

	deposit := Deposit{
		CustomerID: customerID,
		ChainID:    chainID,
		Token:      req.PaymentRequirements.Asset,
		Amount:     cents,
		TxHash:     txHash,
		LogIndex:   0,
	}
	if err := a.db.WithContext(r.Context()).Create(&deposit).Error; err != nil {
		a.logger.Error("payment settled but failed to record deposit", "tx_hash", txHash, "err", err)
		writeFailure(w, http.StatusInternalServerError, "payment settled but failed to record deposit")
		return
	}

	if err := a.matcher.Match(r.Context(), &deposit); err != nil {
		a.logger.Error("failed to match x402 deposit", "deposit_id", deposit.ID, "err", err)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tx_hash":        txHash,
		"settled_amount": cents,
	})
}

func (a *HTTPAPI) chainToken(chainID uint32, symbol string) (TokenConfig, ChainConfig, error) {
	cfg, token, err := a.x402.resolve(chainID, symbol)
	return token, cfg, err
}

func parseInt64(s string) (int64, bool) {
	v, err := strconv.ParseInt(s, 10, 64)
	return v, err == nil
}

func bigFromInt64(v int64) *big.Int {
	return big.NewInt(v)
}

// x402SyntheticTxHash derives a deterministic identifier for an x402
// authorization from its payer address and nonce. x402Payments does not use
// it: the Deposit it writes is keyed by the transaction hash Settle returns.
func x402SyntheticTxHash(from, nonce string) string {
	return crypto.Keccak256Hash([]byte("x402:" + from + ":" + nonce)).Hex()
}

func (a *HTTPAPI) x402Support(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"schemes":  []string{"exact"},
		"networks": []string{"eip155"},
	})
}

func (a *HTTPAPI) x402Discovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"resources": []string{}})
}

// parseNetwork splits a "eip155:<chainId>" network identifier.
func parseNetwork(network string) (uint32, bool) {
	parts := strings.SplitN(network, ":", 2)
	if len(parts) != 2 || parts[0] != "eip155" {
		return 0, false
	}
	id, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(id), true
}
