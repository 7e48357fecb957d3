package reconcile

import (
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/kelpejol/agentpay/internal/ledger"
)

const dateLayout = "2006-01-02"

// Market statuses, in histogram order.
const (
	StatusAvailable = "available_for_query"
	StatusListed    = "listed_for_sale"
	StatusPurchased = "purchased_by_other"
)

// Aggregate is the analytics snapshot derived from one reconciliation pass.
// It holds no timestamps of its own and only ordered slices, so the same
// history always marshals to the same bytes.
type Aggregate struct {
	TotalQueries    uint64          `json:"totalQueries"`
	DirectQueries   uint64          `json:"directQueries"`
	CreditQueries   uint64          `json:"creditQueries"`
	GrossVolume     decimal.Decimal `json:"grossVolume"`
	NetEarnings     decimal.Decimal `json:"netEarnings"`
	ProtocolFees    decimal.Decimal `json:"protocolFees"`
	Purchases       uint64          `json:"purchases"`
	SecondaryVolume decimal.Decimal `json:"secondaryVolume"`
	UniquePayers    int             `json:"uniquePayers"`
	ActiveAgents    int             `json:"activeAgents"`
	Malformed       int             `json:"malformed"`
	Duplicates      int             `json:"duplicates"`

	Agents       []AgentStats   `json:"agents"`
	Creators     []CreatorStats `json:"creators"`
	Daily        []DailyPoint   `json:"daily"`
	PriceTiers   []TierBucket   `json:"priceTiers"`
	MarketStatus []StatusBucket `json:"marketStatus"`
}

// AgentStats is per-agent usage and earnings.
type AgentStats struct {
	AgentID         ledger.AgentID  `json:"agentId"`
	Creator         string          `json:"creator,omitempty"`
	Queries         uint64          `json:"queries"`
	DirectQueries   uint64          `json:"directQueries"`
	CreditQueries   uint64          `json:"creditQueries"`
	GrossVolume     decimal.Decimal `json:"grossVolume"`
	NetEarnings     decimal.Decimal `json:"netEarnings"`
	Purchases       uint64          `json:"purchases"`
	SecondaryVolume decimal.Decimal `json:"secondaryVolume"`
}

// CreatorStats totals a creator's agents. Rank 1 earned the most.
type CreatorStats struct {
	Creator     string          `json:"creator"`
	Agents      int             `json:"agents"`
	Queries     uint64          `json:"queries"`
	NetEarnings decimal.Decimal `json:"netEarnings"`
	Rank        int             `json:"rank"`
}

// DailyPoint is one calendar day (UTC) of query activity.
type DailyPoint struct {
	Date    string          `json:"date"`
	Queries uint64          `json:"queries"`
	Volume  decimal.Decimal `json:"volume"`
	// Purchases and SecondaryVolume count agent sales, which are not
	// queries and carry no protocol fee.
	Purchases       uint64          `json:"purchases"`
	SecondaryVolume decimal.Decimal `json:"secondaryVolume"`
}

// TierBucket counts agents whose live price falls in (Lower, Upper]. The
// last bucket has no upper bound.
type TierBucket struct {
	Label  string `json:"label"`
	Agents int    `json:"agents"`
}

// StatusBucket counts agents in one market status.
type StatusBucket struct {
	Status string `json:"status"`
	Agents int    `json:"agents"`
}

// Filter restricts a pass to a set of agents and/or one creator. The zero
// Filter selects everything.
type Filter struct {
	Agents  []ledger.AgentID
	Creator common.Address
}

type matcher struct {
	agents   map[ledger.AgentID]bool
	creator  common.Address
	creators map[ledger.AgentID]common.Address
}

func newMatcher(f Filter, agents []ledger.Agent) matcher {
	m := matcher{creator: f.Creator, creators: make(map[ledger.AgentID]common.Address, len(agents))}
	if len(f.Agents) > 0 {
		m.agents = make(map[ledger.AgentID]bool, len(f.Agents))
		for _, id := range f.Agents {
			m.agents[id] = true
		}
	}
	for _, a := range agents {
		m.creators[a.ID] = a.Creator
	}
	return m
}

func (m matcher) match(id ledger.AgentID) bool {
	if m.agents != nil && !m.agents[id] {
		return false
	}
	if m.creator != (common.Address{}) && m.creators[id] != m.creator {
		return false
	}
	return true
}

// fold computes the aggregate from a history. It is a pure function of its
// inputs.
func fold(h *History, f Filter, opts Options) *Aggregate {
	m := newMatcher(f, h.Agents)
	keep := decimal.NewFromInt(1).Sub(opts.ProtocolFeeRate)

	agg := &Aggregate{Malformed: h.Malformed, Duplicates: h.Duplicates}
	perAgent := make(map[ledger.AgentID]*AgentStats)
	daily := make(map[string]*DailyPoint)
	payers := make(map[common.Address]struct{})

	stats := func(id ledger.AgentID) *AgentStats {
		s, ok := perAgent[id]
		if !ok {
			s = &AgentStats{AgentID: id}
			if c, ok := m.creators[id]; ok {
				s.Creator = c.Hex()
			}
			perAgent[id] = s
		}
		return s
	}

	for _, a := range h.Agents {
		if m.match(a.ID) {
			stats(a.ID)
		}
	}

	day := func(r Record) *DailyPoint {
		key := r.Timestamp.Format(dateLayout)
		p, ok := daily[key]
		if !ok {
			p = &DailyPoint{Date: key}
			daily[key] = p
		}
		return p
	}

	for _, r := range h.Records {
		if !m.match(r.AgentID) {
			continue
		}
		s := stats(r.AgentID)
		gross := r.Value(opts.CreditsPerUnit)

		if !r.IsQuery() {
			s.Purchases++
			s.SecondaryVolume = s.SecondaryVolume.Add(gross)
			agg.Purchases++
			agg.SecondaryVolume = agg.SecondaryVolume.Add(gross)
			p := day(r)
			p.Purchases++
			p.SecondaryVolume = p.SecondaryVolume.Add(gross)
			continue
		}

		net := gross.Mul(keep)
		s.Queries++
		s.GrossVolume = s.GrossVolume.Add(gross)
		s.NetEarnings = s.NetEarnings.Add(net)
		if r.Kind == ledger.QueryPaidDirect {
			s.DirectQueries++
			agg.DirectQueries++
		} else {
			s.CreditQueries++
			agg.CreditQueries++
		}
		agg.TotalQueries++
		agg.GrossVolume = agg.GrossVolume.Add(gross)
		agg.NetEarnings = agg.NetEarnings.Add(net)
		payers[r.Payer] = struct{}{}

		p := day(r)
		p.Queries++
		p.Volume = p.Volume.Add(gross)
	}
	agg.ProtocolFees = agg.GrossVolume.Sub(agg.NetEarnings)
	agg.UniquePayers = len(payers)

	agg.Agents = make([]AgentStats, 0, len(perAgent))
	for _, s := range perAgent {
		agg.Agents = append(agg.Agents, *s)
	}
	sort.Slice(agg.Agents, func(i, j int) bool { return agg.Agents[i].AgentID < agg.Agents[j].AgentID })

	agg.Creators = rankCreators(agg.Agents)
	agg.Daily = fillGaps(daily)
	agg.PriceTiers, agg.MarketStatus, agg.ActiveAgents = market(h.Agents, m, opts.PriceTiers)
	return agg
}

func rankCreators(agents []AgentStats) []CreatorStats {
	byCreator := make(map[string]*CreatorStats)
	for _, a := range agents {
		if a.Creator == "" {
			continue
		}
		c, ok := byCreator[a.Creator]
		if !ok {
			c = &CreatorStats{Creator: a.Creator}
			byCreator[a.Creator] = c
		}
		c.Agents++
		c.Queries += a.Queries
		c.NetEarnings = c.NetEarnings.Add(a.NetEarnings)
	}

	out := make([]CreatorStats, 0, len(byCreator))
	for _, c := range byCreator {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if cmp := out[i].NetEarnings.Cmp(out[j].NetEarnings); cmp != 0 {
			return cmp > 0
		}
		if out[i].Queries != out[j].Queries {
			return out[i].Queries > out[j].Queries
		}
		return out[i].Creator < out[j].Creator
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// fillGaps orders the observed days and inserts a zero point for every
// calendar day between the first and the last.
func fillGaps(daily map[string]*DailyPoint) []DailyPoint {
	if len(daily) == 0 {
		return []DailyPoint{}
	}
	days := make([]string, 0, len(daily))
	for d := range daily {
		days = append(days, d)
	}
	sort.Strings(days)

	first, _ := time.Parse(dateLayout, days[0])
	last, _ := time.Parse(dateLayout, days[len(days)-1])
	out := make([]DailyPoint, 0, int(last.Sub(first).Hours()/24)+1)
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		key := d.Format(dateLayout)
		if p, ok := daily[key]; ok {
			out = append(out, *p)
		} else {
			out = append(out, DailyPoint{Date: key})
		}
	}
	return out
}

// market buckets live agent reads by price band and by ownership status.
func market(agents []ledger.Agent, m matcher, bounds []decimal.Decimal) ([]TierBucket, []StatusBucket, int) {
	tiers := make([]TierBucket, len(bounds)+1)
	lower := decimal.Zero
	for i, b := range bounds {
		tiers[i].Label = lower.StringFixed(2) + "-" + b.StringFixed(2)
		lower = b
	}
	tiers[len(bounds)].Label = lower.StringFixed(2) + "+"

	statuses := []StatusBucket{{Status: StatusAvailable}, {Status: StatusListed}, {Status: StatusPurchased}}
	active := 0
	for _, a := range agents {
		if !m.match(a.ID) {
			continue
		}
		if a.IsActive {
			active++
		}
		tiers[tierIndex(ledger.ToValue(a.PricePerQuery), bounds)].Agents++
		statuses[statusIndex(a)].Agents++
	}
	return tiers, statuses, active
}

func tierIndex(price decimal.Decimal, bounds []decimal.Decimal) int {
	for i, b := range bounds {
		if price.LessThanOrEqual(b) {
			return i
		}
	}
	return len(bounds)
}

// MarketStatus classifies an agent. Listing wins over a past sale.
func MarketStatus(a ledger.Agent) string {
	return []string{StatusAvailable, StatusListed, StatusPurchased}[statusIndex(a)]
}

func statusIndex(a ledger.Agent) int {
	switch {
	case a.IsForSale:
		return 1
	case a.Owner != a.Creator:
		return 2
	default:
		return 0
	}
}
