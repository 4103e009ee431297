package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

const (
	chainWorkerTickInterval = 30 * time.Second
	actionBatchSize         = 20
	gasFundingWei           = 500_000_000_000_000 // 0.0005 native unit, enough for one ERC-20 transfer
)

// SettlementWorker drains the SettlementAction outbox one chain at a time,
// adapted from the teacher's BlockchainWorker: one goroutine per chain, a
// fixed tick interval, and a bounded batch per tick.
type SettlementWorker struct {
	db      *gorm.DB
	chains  map[uint32]ChainConfig
	clients map[uint32]*ethclient.Client
	keys    *KeyDeriver
	webhook *WebhookNotifier
	metrics *Metrics
	logger  Logger

	mu        sync.Mutex
	addrNonce map[string]uint64 // "chainID:address" -> next nonce, serializes per-address sends
}

// NewSettlementWorker dials one ethclient per configured chain.
func NewSettlementWorker(db *gorm.DB, chains map[uint32]ChainConfig, keys *KeyDeriver, webhook *WebhookNotifier, metrics *Metrics, logger Logger) (*SettlementWorker, error) {
	clients := make(map[uint32]*ethclient.Client, len(chains))
	for id, cfg := range chains {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, errors.Wrapf(err, "dial chain %d", id)
		}
		clients[id] = client
	}

	return &SettlementWorker{
		db:        db,
		chains:    chains,
		clients:   clients,
		keys:      keys,
		webhook:   webhook,
		metrics:   metrics,
		logger:    logger.NewSystem("settlement-worker"),
		addrNonce: make(map[string]uint64),
	}, nil
}

// Start spawns one worker goroutine per configured chain and blocks until
// they all exit (on ctx cancellation).
func (w *SettlementWorker) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for chainID := range w.chains {
		wg.Add(1)
		go w.runChainWorker(ctx, &wg, chainID)
	}
	wg.Wait()
}

func (w *SettlementWorker) runChainWorker(ctx context.Context, wg *sync.WaitGroup, chainID uint32) {
	defer wg.Done()

	ticker := time.NewTicker(chainWorkerTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := w.processActionsForChain(ctx, chainID); err != nil {
			w.logger.Error("failed to process settlement actions", "chain_id", chainID, "err", err)
		}
	}
}

func (w *SettlementWorker) processActionsForChain(ctx context.Context, chainID uint32) error {
	actions, err := getActionsForChain(w.db, chainID, actionBatchSize)
	if err != nil {
		return err
	}

	for i := range actions {
		if err := w.processAction(ctx, &actions[i]); err != nil {
			w.logger.Warn("settlement action failed", "action_id", actions[i].ID, "type", actions[i].Type, "err", err)
			if failErr := actions[i].Fail(w.db, err); failErr != nil {
				w.logger.Error("failed to record action failure", "action_id", actions[i].ID, "err", failErr)
			}
		}

		if w.metrics == nil {
			continue
		}
		switch actions[i].Status {
		case SettlementCompleted:
			w.metrics.SettlementsCompleted.WithLabelValues(chainIDLabel(chainID), string(actions[i].Type)).Inc()
		case SettlementFailed:
			w.metrics.SettlementsFailed.WithLabelValues(chainIDLabel(chainID), string(actions[i].Type)).Inc()
		}
	}
	return nil
}

func (w *SettlementWorker) processAction(ctx context.Context, action *SettlementAction) error {
	cfg, ok := w.chains[action.ChainID]
	if !ok {
		return action.FailNoRetry(w.db, fmt.Errorf("no configuration for chain %d", action.ChainID))
	}

	data, err := action.decodeData()
	if err != nil {
		return action.FailNoRetry(w.db, err)
	}

	var deposit Deposit
	if err := w.db.WithContext(ctx).First(&deposit, action.DepositID).Error; err != nil {
		return err
	}

	customerAddr, customerKey, err := w.customerKeyFor(deposit.CustomerID)
	if err != nil {
		return err
	}

	switch action.Type {
	case ActionTypeFundGas:
		txHash, err := w.sendGas(ctx, cfg, customerAddr)
		if err != nil {
			return err
		}
		data.GasTxHash = txHash
		if err := action.Complete(w.db, txHash); err != nil {
			return err
		}
		return w.enqueueForward(ctx, action, data)

	case ActionTypeForward:
		token, ok := cfg.TokenByAddress(deposit.Token)
		if !ok {
			return action.FailNoRetry(w.db, fmt.Errorf("token %s no longer configured for chain %d", deposit.Token, cfg.ID))
		}
		units := centsToOnChain(data.SettledCents, token.Decimals)
		txHash, err := w.sendForward(ctx, cfg, customerKey, common.HexToAddress(deposit.Token), common.HexToAddress(data.MerchantWallet), units)
		if err != nil {
			return err
		}
		if err := action.Complete(w.db, txHash); err != nil {
			return err
		}
		return w.finalizeSettlement(ctx, &deposit, txHash)

	default:
		return action.FailNoRetry(w.db, fmt.Errorf("unknown action type %q", action.Type))
	}
}

func (w *SettlementWorker) customerKeyFor(customerID uint64) (common.Address, *ecdsa.PrivateKey, error) {
	var customer Customer
	if err := w.db.First(&customer, customerID).Error; err != nil {
		return common.Address{}, nil, err
	}
	key, err := w.keys.Derive(customerID)
	if err != nil {
		return common.Address{}, nil, err
	}
	return common.HexToAddress(customer.EthAddress), key, nil
}

// sendGas funds the customer's deposit address with enough native currency
// to cover one ERC-20 transfer, from the chain's configured admin wallet.
func (w *SettlementWorker) sendGas(ctx context.Context, cfg ChainConfig, to common.Address) (string, error) {
	adminKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.AdminPrivateKeyHex, "0x"))
	if err != nil {
		return "", errors.Wrap(err, "parse admin private key")
	}
	adminAddr := crypto.PubkeyToAddress(adminKey.PublicKey)

	client := w.clients[cfg.ID]
	chainID := new(big.Int).SetUint64(uint64(cfg.ID))

	nonce, err := w.nextNonce(ctx, client, cfg.ID, adminAddr)
	if err != nil {
		return "", err
	}

	gasTipCap, gasFeeCap, err := suggestFees(ctx, client)
	if err != nil {
		return "", err
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       21_000,
		To:        &to,
		Value:     big.NewInt(gasFundingWei),
	})

	signed, err := types.SignTx(tx, types.NewLondonSigner(chainID), adminKey)
	if err != nil {
		return "", errors.Wrap(err, "sign gas funding tx")
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return "", errors.Wrap(err, "send gas funding tx")
	}

	// Wait for the gas-funding tx to be mined before the forward leg is
	// enqueued: the customer's derived key has no native currency until
	// this lands, so submitting the ERC-20 transfer any earlier would fail.
	if _, err := waitMinedConfirmed(ctx, client, signed, 0); err != nil {
		return "", errors.Wrap(err, "wait for gas funding tx")
	}

	return signed.Hash().Hex(), nil
}

// sendForward signs and submits an ERC-20 transfer from the customer's
// derived key to the merchant wallet, the second leg of settlement.
func (w *SettlementWorker) sendForward(ctx context.Context, cfg ChainConfig, from *ecdsa.PrivateKey, token, to common.Address, amount *big.Int) (string, error) {
	client := w.clients[cfg.ID]
	fromAddr := crypto.PubkeyToAddress(from.PublicKey)
	chainID := new(big.Int).SetUint64(uint64(cfg.ID))

	nonce, err := w.nextNonce(ctx, client, cfg.ID, fromAddr)
	if err != nil {
		return "", err
	}

	gasTipCap, gasFeeCap, err := suggestFees(ctx, client)
	if err != nil {
		return "", err
	}

	data := packERC20Transfer(to, amount)

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       100_000,
		To:        &token,
		Data:      data,
	})

	signed, err := types.SignTx(tx, types.NewLondonSigner(chainID), from)
	if err != nil {
		return "", errors.Wrap(err, "sign forward tx")
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return "", errors.Wrap(err, "send forward tx")
	}

	// Wait out the chain's configured confirmation depth before treating the
	// forward as final: this is the transaction the settled/session.settled
	// webhook is reported against, so it must not fire on bare broadcast.
	if _, err := waitMinedConfirmed(ctx, client, signed, cfg.Latency); err != nil {
		return "", errors.Wrap(err, "wait for forward tx")
	}

	return signed.Hash().Hex(), nil
}

// nextNonce serializes sends per (chain, address) in memory, refreshing from
// the chain's pending nonce the first time an address is seen. This gives
// FIFO ordering for an address's settlements without a DB-level lock.
func (w *SettlementWorker) nextNonce(ctx context.Context, client *ethclient.Client, chainID uint32, addr common.Address) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := fmt.Sprintf("%d:%s", chainID, addr.Hex())
	if n, ok := w.addrNonce[key]; ok {
		w.addrNonce[key] = n + 1
		return n, nil
	}

	n, err := client.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, errors.Wrap(err, "fetch pending nonce")
	}
	w.addrNonce[key] = n + 1
	return n, nil
}

func suggestFees(ctx context.Context, client *ethclient.Client) (tipCap, feeCap *big.Int, err error) {
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "fetch head header")
	}
	if head.BaseFee == nil {
		gasPrice, err := client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, nil, err
		}
		return gasPrice, gasPrice, nil
	}

	tip := big.NewInt(1_500_000_000) // 1.5 gwei
	fee := new(big.Int).Add(head.BaseFee, tip)
	return tip, fee, nil
}

// enqueueForward creates the second settlement leg once gas funding lands.
func (w *SettlementWorker) enqueueForward(ctx context.Context, gasAction *SettlementAction, data ForwardActionData) error {
	forward, err := NewSettlementAction(ActionTypeForward, gasAction.DepositID, gasAction.ChainID, data)
	if err != nil {
		return err
	}
	return w.db.WithContext(ctx).Create(forward).Error
}

// finalizeSettlement stamps the deposit with its settlement outcome once the
// forwarding transaction has confirmed, marks the linked session (if any) as
// sent, then emits the settled webhook.
func (w *SettlementWorker) finalizeSettlement(ctx context.Context, deposit *Deposit, txHash string) error {
	now := time.Now()
	if err := w.db.WithContext(ctx).Model(deposit).Updates(map[string]interface{}{
		"settled_tx": txHash,
		"settled_at": now,
	}).Error; err != nil {
		return err
	}

	var session Session
	matched := w.db.WithContext(ctx).Where("deposit_id = ?", deposit.ID).First(&session).Error == nil
	if matched {
		if err := w.db.WithContext(ctx).Model(&session).Update("sent", true).Error; err != nil {
			return err
		}
	}

	if w.webhook == nil {
		return nil
	}

	var customer Customer
	if err := w.db.WithContext(ctx).First(&customer, deposit.CustomerID).Error; err != nil {
		return err
	}
	var merchant Merchant
	if err := w.db.WithContext(ctx).First(&merchant, customer.MerchantID).Error; err != nil {
		return err
	}

	event := "unknow.settled"
	params := []interface{}{customer.Account, *deposit.SettledAmount}
	if matched {
		event = "session.settled"
		params = []interface{}{session.ID, customer.Account, *deposit.SettledAmount}
	}

	w.webhook.Enqueue(ctx, merchant, event, params)
	return nil
}
