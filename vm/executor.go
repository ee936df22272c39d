package vm

import (
	"fmt"
	"sync"

	"github.com/tolelom/dropchain/core"
	"github.com/tolelom/dropchain/events"
)

// Context is passed to every Handler and provides access to the chain state,
// the current block and the triggering transaction. Events raised through
// Emit are published only if the whole block commits.
type Context struct {
	State core.State
	Block *core.Block
	Tx    *core.Transaction

	events []events.Event
}

// Emit queues ev for publication after the block commits.
func (c *Context) Emit(ev events.Event) {
	if ev.TxID == "" {
		ev.TxID = c.Tx.ID
	}
	if c.Block != nil {
		ev.BlockHeight = c.Block.Header.Height
	}
	c.events = append(c.events, ev)
}

// Executor applies transactions to the state using the global Handler registry.
type Executor struct {
	state   core.State
	emitter *events.Emitter

	mu      sync.Mutex
	pending []events.Event
}

// NewExecutor creates an Executor with the given state and event emitter.
func NewExecutor(state core.State, emitter *events.Emitter) *Executor {
	return &Executor{state: state, emitter: emitter}
}

// ExecuteTx verifies and executes a single transaction with snapshot/rollback.
// On success the transaction's events join the pending set.
func (e *Executor) ExecuteTx(block *core.Block, tx *core.Transaction) error {
	if err := tx.Verify(); err != nil {
		return fmt.Errorf("signature: %w", err)
	}

	snapID, err := e.state.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	ctx := &Context{State: e.state, Block: block, Tx: tx}
	if err := e.applyTx(ctx); err != nil {
		if revertErr := e.state.RevertToSnapshot(snapID); revertErr != nil {
			return fmt.Errorf("revert snapshot after tx failure: %w (revert: %v)", err, revertErr)
		}
		return err
	}

	ctx.Emit(events.Event{
		Type: events.EventTxExecuted,
		Data: map[string]any{"type": string(tx.Type), "from": tx.From},
	})
	e.mu.Lock()
	e.pending = append(e.pending, ctx.events...)
	e.mu.Unlock()
	return nil
}

// Flush publishes the events of every transaction executed since the last
// Flush or Discard. Call it after the state has been committed.
func (e *Executor) Flush() {
	e.mu.Lock()
	evs := e.pending
	e.pending = nil
	e.mu.Unlock()
	if e.emitter == nil {
		return
	}
	for _, ev := range evs {
		e.emitter.Emit(ev)
	}
}

// Discard drops pending events without publishing them.
func (e *Executor) Discard() {
	e.mu.Lock()
	e.pending = nil
	e.mu.Unlock()
}

// applyTx increments the nonce, then dispatches to the handler.
func (e *Executor) applyTx(ctx *Context) error {
	if err := core.ConsumeNonce(e.state, ctx.Tx); err != nil {
		return err
	}
	return globalRegistry.Execute(ctx.Tx.Type, ctx, ctx.Tx.Payload)
}
