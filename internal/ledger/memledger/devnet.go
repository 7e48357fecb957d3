package memledger

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/kelpejol/agentpay/internal/ledger"
)

// Development identities.
var (
	DevUser    = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	DevCreator = common.HexToAddress("0x00000000000000000000000000000000000000d2")
)

// NewDevnet returns a ledger seeded for local development: three agents
// across the price tiers (the last one listed for sale), and DevUser funded
// with 100 tokens and 500 credits.
func NewDevnet(creditsPerUnit int64) *Ledger {
	l := New(DefaultContracts(), creditsPerUnit)
	for _, a := range []struct {
		price, sale string
		forSale     bool
	}{
		{"0.01", "1", false},
		{"0.10", "5", false},
		{"0.75", "25", true},
	} {
		price, _ := ledger.ParseValue(a.price)
		sale, _ := ledger.ParseValue(a.sale)
		l.AddAgent(ledger.Agent{
			Creator:       DevCreator,
			PricePerQuery: price,
			SalePrice:     sale,
			IsActive:      true,
			IsForSale:     a.forSale,
		})
	}
	funds, _ := ledger.ParseValue("100")
	l.Mint(DevUser, funds)
	l.GrantCredits(DevUser, 500)
	return l
}
