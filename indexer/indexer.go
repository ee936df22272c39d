// Package indexer maintains a participant index over committed airdrop
// operations so clients can list escrows without scanning full state.
package indexer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tolelom/dropchain/core"
	"github.com/tolelom/dropchain/events"
	"github.com/tolelom/dropchain/internal/logging"
	"github.com/tolelom/dropchain/storage"
)

const prefixParticipant = "idx:participant:"

// Participant is one indexed escrow owner.
type Participant struct {
	User      string `json:"user"`
	Escrow    string `json:"escrow"`
	Allocated uint64 `json:"allocated"`
	Withdrawn uint64 `json:"withdrawn"`
	Settled   bool   `json:"settled"`
	JoinTx    string `json:"join_tx"`
	SettleTx  string `json:"settle_tx,omitempty"`
}

// Indexer subscribes to airdrop events and updates secondary lookup tables.
type Indexer struct {
	mu     sync.Mutex
	db     storage.DB
	logger *zap.Logger
}

// New creates an Indexer backed by db and subscribes to relevant events.
func New(db storage.DB, emitter *events.Emitter, logger *zap.Logger) *Indexer {
	idx := &Indexer{db: db, logger: logging.OrNop(logger).Named("indexer")}
	emitter.Subscribe(idx.onUserCreated, events.EventUserCreated)
	emitter.Subscribe(idx.onWithdrawn, events.EventAirdropWithdrawn)
	return idx
}

// Participants returns every registered user ordered by public key.
func (idx *Indexer) Participants() ([]Participant, error) {
	return idx.list(func(Participant) bool { return true })
}

// Settled returns the participants whose escrow has been withdrawn.
func (idx *Indexer) Settled() ([]Participant, error) {
	return idx.list(func(p Participant) bool { return p.Settled })
}

// Participant returns the index entry for user.
func (idx *Indexer) Participant(user string) (*Participant, error) {
	data, err := idx.db.Get([]byte(prefixParticipant + user))
	if err != nil {
		return nil, err
	}
	var p Participant
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("indexer unmarshal: %w", err)
	}
	return &p, nil
}

// ---- event handlers ----

func (idx *Indexer) onUserCreated(ev events.Event) {
	user, _ := ev.Data["user"].(string)
	escrow, _ := ev.Data["escrow"].(string)
	amount, _ := ev.Data["amount"].(uint64)
	if user == "" {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.put(&Participant{User: user, Escrow: escrow, Allocated: amount, JoinTx: ev.TxID})
}

func (idx *Indexer) onWithdrawn(ev events.Event) {
	user, _ := ev.Data["user"].(string)
	amount, _ := ev.Data["amount"].(uint64)
	if user == "" {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	p, err := idx.Participant(user)
	if errors.Is(err, core.ErrNotFound) {
		p = &Participant{User: user}
	} else if err != nil {
		idx.logger.Warn("load participant", zap.String("user", user), zap.Error(err))
		return
	}
	p.Withdrawn = amount
	p.Settled = true
	p.SettleTx = ev.TxID
	idx.put(p)
}

// ---- storage helpers ----

func (idx *Indexer) put(p *Participant) {
	data, err := json.Marshal(p)
	if err != nil {
		idx.logger.Error("marshal participant", zap.Error(err))
		return
	}
	if err := idx.db.Set([]byte(prefixParticipant+p.User), data); err != nil {
		idx.logger.Error("store participant", zap.String("user", p.User), zap.Error(err))
	}
}

func (idx *Indexer) list(keep func(Participant) bool) ([]Participant, error) {
	it := idx.db.NewIterator([]byte(prefixParticipant))
	defer it.Release()
	var out []Participant
	for it.Next() {
		var p Participant
		if err := json.Unmarshal(it.Value(), &p); err != nil {
			return nil, fmt.Errorf("indexer unmarshal: %w", err)
		}
		if keep(p) {
			out = append(out, p)
		}
	}
	return out, it.Error()
}
