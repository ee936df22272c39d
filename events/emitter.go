// Package events is the in-process pub/sub bus that carries state-change
// notifications from the executor and the airdrop service to subscribers
// such as the indexer and the audit recorder.
package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/tolelom/dropchain/internal/logging"
)

// EventType labels what happened.
type EventType string

const (
	EventBlockCommit   EventType = "block_commit"
	EventTxExecuted    EventType = "tx_executed"
	EventTokenTransfer EventType = "token_transfer"

	EventPoolInitialized      EventType = "pool_initialized"
	EventUserCreated          EventType = "user_created"
	EventBetMarked            EventType = "bet_marked"
	EventAirdropWithdrawn     EventType = "airdrop_withdrawn"
	EventPoolRefilled         EventType = "pool_refilled"
	EventAirdropAmountUpdated EventType = "airdrop_amount_updated"
	EventPoolLow              EventType = "pool_low"
)

// AirdropEvents lists the event types produced by airdrop operations.
var AirdropEvents = []EventType{
	EventPoolInitialized,
	EventUserCreated,
	EventBetMarked,
	EventAirdropWithdrawn,
	EventPoolRefilled,
	EventAirdropAmountUpdated,
}

// Event carries a typed payload emitted after a state change.
// TxID is the transaction ID in chain mode and the operation ID in direct
// mode; BlockHeight is zero for direct-mode events.
type Event struct {
	Type        EventType      `json:"type"`
	TxID        string         `json:"tx_id"`
	BlockHeight int64          `json:"block_height"`
	Data        map[string]any `json:"data"`
}

// Handler is a callback invoked for matching events.
type Handler func(Event)

// Emitter is a simple pub/sub broker. Subscribe before Emit.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	logger   *zap.Logger
}

// NewEmitter creates an Emitter with no subscribers. A nil logger discards
// handler panics silently.
func NewEmitter(logger *zap.Logger) *Emitter {
	return &Emitter{
		handlers: make(map[EventType][]Handler),
		logger:   logging.OrNop(logger),
	}
}

// Subscribe registers h to be called whenever one of types is emitted.
func (e *Emitter) Subscribe(h Handler, types ...EventType) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, typ := range types {
		e.handlers[typ] = append(e.handlers[typ], h)
	}
}

// Emit delivers ev to all subscribers for ev.Type synchronously.
// A panicking handler is logged and skipped.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	handlers := e.handlers[ev.Type]
	e.mu.RUnlock()
	for _, h := range handlers {
		e.deliver(h, ev)
	}
}

func (e *Emitter) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked",
				zap.String("event", string(ev.Type)),
				zap.Any("panic", r))
		}
	}()
	h(ev)
}
