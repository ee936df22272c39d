package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tolelom/dropchain/airdrop"
	"github.com/tolelom/dropchain/audit"
	"github.com/tolelom/dropchain/core"
	"github.com/tolelom/dropchain/crypto"
	"github.com/tolelom/dropchain/indexer"
	"github.com/tolelom/dropchain/internal/logging"
)

// StateView returns a read-only view of committed state.
type StateView func() core.State

// Handler holds all dependencies needed to serve RPC methods. Chain-mode
// nodes attach a blockchain and mempool; direct-mode nodes attach a Service.
type Handler struct {
	chainID string // expected chain_id; used to reject cross-chain replay transactions
	view    StateView
	bc      *core.Blockchain
	mempool *core.Mempool
	service *airdrop.Service
	indexer *indexer.Indexer
	audit   *audit.Recorder
	logger  *zap.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithChain serves block queries and queues sendTx in mempool.
func WithChain(bc *core.Blockchain, mempool *core.Mempool) Option {
	return func(h *Handler) { h.bc, h.mempool = bc, mempool }
}

// WithService applies sendTx immediately through svc.
func WithService(svc *airdrop.Service) Option {
	return func(h *Handler) { h.service = svc }
}

// WithIndexer enables getParticipants.
func WithIndexer(idx *indexer.Indexer) Option {
	return func(h *Handler) { h.indexer = idx }
}

// WithAudit enables getAuditTotals.
func WithAudit(rec *audit.Recorder) Option {
	return func(h *Handler) { h.audit = rec }
}

// WithLogger sets the handler logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates an RPC Handler reading state through view.
func NewHandler(chainID string, view StateView, opts ...Option) *Handler {
	h := &Handler{chainID: chainID, view: view}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = logging.OrNop(h.logger).Named("rpc")
	return h
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(ctx context.Context, req Request) Response {
	switch req.Method {
	case "getBlockHeight":
		if h.bc == nil {
			return h.unavailable(req)
		}
		return okResponse(req.ID, h.bc.Height())

	case "getBlock":
		return h.getBlock(req)

	case "getBalance":
		return h.getBalance(req)

	case "getPool":
		return h.getPool(req)

	case "getEscrow":
		return h.getEscrow(req)

	case "getParticipants":
		return h.getParticipants(req)

	case "getAuditTotals":
		return h.getAuditTotals(ctx, req)

	case "sendTx":
		return h.sendTx(ctx, req)

	case "getMempoolSize":
		if h.mempool == nil {
			return h.unavailable(req)
		}
		return okResponse(req.ID, h.mempool.Size())

	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (h *Handler) unavailable(req Request) Response {
	return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not available on this node", req.Method))
}

// decodeParams unmarshals params into v; absent params leave v unchanged.
func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func (h *Handler) getBlock(req Request) Response {
	if h.bc == nil {
		return h.unavailable(req)
	}
	var params struct {
		Hash   string `json:"hash"`
		Height *int64 `json:"height"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}

	var block *core.Block
	var err error
	switch {
	case params.Hash != "":
		block, err = h.bc.GetBlock(params.Hash)
	case params.Height != nil:
		block, err = h.bc.GetBlockByHeight(*params.Height)
	default:
		block = h.bc.Tip()
	}
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	if block == nil {
		return errResponse(req.ID, CodeInternalError, "no block found")
	}
	return okResponse(req.ID, block)
}

func (h *Handler) getBalance(req Request) Response {
	var params struct {
		Address string `json:"address"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Address == "" {
		return errResponse(req.ID, CodeInvalidParams, "address is required")
	}
	acc, err := h.view().GetAccount(params.Address)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]any{
		"address": params.Address,
		"owner":   acc.Owner,
		"balance": acc.Balance,
		"nonce":   acc.Nonce,
	})
}

func (h *Handler) getPool(req Request) Response {
	pool, err := airdrop.LoadPool(h.view())
	if err != nil {
		return opErrResponse(req.ID, err, CodeInternalError)
	}
	return okResponse(req.ID, pool)
}

type escrowResult struct {
	*core.Escrow
	Status  core.EscrowStatus `json:"status"`
	Holding string            `json:"holding_account"`
}

func (h *Handler) getEscrow(req Request) Response {
	var params struct {
		User string `json:"user"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.User == "" {
		return errResponse(req.ID, CodeInvalidParams, "user is required")
	}
	escrow, err := airdrop.LoadEscrow(h.view(), params.User)
	if err != nil {
		return opErrResponse(req.ID, err, CodeInternalError)
	}
	return okResponse(req.ID, escrowResult{
		Escrow:  escrow,
		Status:  escrow.Status(),
		Holding: crypto.HoldingAddress(escrow.User),
	})
}

func (h *Handler) getParticipants(req Request) Response {
	if h.indexer == nil {
		return h.unavailable(req)
	}
	var params struct {
		Settled bool `json:"settled"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	list := h.indexer.Participants
	if params.Settled {
		list = h.indexer.Settled
	}
	ps, err := list()
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	if ps == nil {
		ps = []indexer.Participant{}
	}
	return okResponse(req.ID, ps)
}

func (h *Handler) getAuditTotals(ctx context.Context, req Request) Response {
	if h.audit == nil {
		return h.unavailable(req)
	}
	totals, err := h.audit.Totals(ctx)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]any{
		"initial":     totals.Initial,
		"refilled":    totals.Refilled,
		"allocated":   totals.Allocated,
		"withdrawn":   totals.Withdrawn,
		"users":       totals.Users,
		"outstanding": totals.Outstanding(),
	})
}

func (h *Handler) sendTx(ctx context.Context, req Request) Response {
	var tx core.Transaction
	if err := json.Unmarshal(req.Params, &tx); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	// Reject transactions destined for a different network to prevent
	// cross-chain replay attacks.
	if tx.ChainID != h.chainID {
		return errResponse(req.ID, CodeInvalidParams,
			fmt.Sprintf("chain ID mismatch: got %q want %q", tx.ChainID, h.chainID))
	}
	// Recompute the ID server-side; do not trust the client-provided value.
	tx.ID = tx.Hash()
	if tx.Type != core.TxTransfer && !airdrop.IsAirdropTx(tx.Type) {
		return errResponse(req.ID, CodeInvalidParams, fmt.Sprintf("unsupported tx type %q", tx.Type))
	}

	switch {
	case h.service != nil:
		rcpt, err := h.service.Apply(ctx, &tx)
		if err != nil {
			if !airdrop.IsRejection(err) {
				h.logger.Warn("apply transaction", zap.String("tx", tx.ID), zap.Error(err))
			}
			return opErrResponse(req.ID, err, CodeInvalidParams)
		}
		return okResponse(req.ID, map[string]any{
			"tx_id":  tx.ID,
			"op_id":  rcpt.OpID,
			"type":   rcpt.Type,
			"amount": rcpt.Amount,
		})
	case h.mempool != nil:
		if err := h.mempool.Add(&tx); err != nil {
			code := CodeInvalidParams
			if errors.Is(err, core.ErrMempoolFull) {
				code = CodeInternalError
			}
			return errResponse(req.ID, code, err.Error())
		}
		return okResponse(req.ID, map[string]string{"tx_id": tx.ID})
	default:
		return h.unavailable(req)
	}
}
