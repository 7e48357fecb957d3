// Package catalog keeps the agent records a client has fetched from the
// ledger.
//
// Orchestrators admit a session only for an agent whose record is already
// in the directory, and snapshot its price and creator from that record.
// Entries expire after a TTL so a stale price cannot linger indefinitely.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/kelpejol/agentpay/internal/ledger"
)

// ErrNotLoaded is returned by Get for agents that have not been fetched,
// or whose entry has expired.
var ErrNotLoaded = errors.New("agent not loaded")

// DefaultSize bounds the number of cached agents.
const DefaultSize = 10_000

// Directory is a TTL-bounded cache of agent records.
type Directory struct {
	reader ledger.Reader
	cache  *expirable.LRU[ledger.AgentID, ledger.Agent]
	log    zerolog.Logger
}

// New creates a Directory. size <= 0 selects DefaultSize.
func New(reader ledger.Reader, size int, ttl time.Duration, logger zerolog.Logger) *Directory {
	if size <= 0 {
		size = DefaultSize
	}
	return &Directory{
		reader: reader,
		cache:  expirable.NewLRU[ledger.AgentID, ledger.Agent](size, nil, ttl),
		log:    logger.With().Str("component", "catalog").Logger(),
	}
}

// Get returns the cached record for id.
func (d *Directory) Get(id ledger.AgentID) (ledger.Agent, error) {
	a, ok := d.cache.Get(id)
	if !ok {
		return ledger.Agent{}, fmt.Errorf("agent %d: %w", id, ErrNotLoaded)
	}
	return a, nil
}

// Load fetches ids from the ledger and caches them.
func (d *Directory) Load(ctx context.Context, ids ...ledger.AgentID) error {
	for _, id := range ids {
		a, err := d.reader.Agent(ctx, id)
		if err != nil {
			return fmt.Errorf("load agent %d: %w", id, err)
		}
		d.cache.Add(id, a)
	}
	return nil
}

// Resolve returns the cached record for id, fetching it from the ledger
// first when it is missing or expired.
func (d *Directory) Resolve(ctx context.Context, id ledger.AgentID) (ledger.Agent, error) {
	if a, ok := d.cache.Get(id); ok {
		return a, nil
	}
	if err := d.Load(ctx, id); err != nil {
		return ledger.Agent{}, fmt.Errorf("%w: %w", ErrNotLoaded, err)
	}
	return d.Get(id)
}

// Refresh reloads every agent the ledger knows about and returns how many
// were cached. An agent that cannot be read is skipped; Refresh fails only
// when the id list cannot be fetched or no agent could be read at all.
func (d *Directory) Refresh(ctx context.Context) (int, error) {
	start := time.Now()
	ids, err := d.reader.AgentIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list agents: %w", err)
	}
	loaded := 0
	var errs []error
	for _, id := range ids {
		if err := d.Load(ctx, id); err != nil {
			d.log.Warn().Err(err).Uint64("agent_id", uint64(id)).Msg("skipping agent")
			errs = append(errs, err)
			continue
		}
		loaded++
	}
	if loaded == 0 && len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	d.log.Debug().
		Int("agents", loaded).
		Int("skipped", len(errs)).
		Dur("duration", time.Since(start)).
		Msg("catalog refreshed")
	return loaded, nil
}

// List returns the cached agents ordered by id.
func (d *Directory) List() []ledger.Agent {
	agents := d.cache.Values()
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}
