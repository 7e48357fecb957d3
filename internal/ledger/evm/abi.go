package evm

// Minimal ABIs for the four contracts the engine touches. Only the methods
// and events used by the façade are declared.

const tokenABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"increaseAllowance","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"addedValue","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

const paymentsABI = `[
  {"type":"function","name":"payForQuery","stateMutability":"nonpayable",
   "inputs":[{"name":"payee","type":"address"},{"name":"amount","type":"uint256"},{"name":"agentId","type":"uint256"}],
   "outputs":[]},
  {"type":"event","name":"QueryPaid","anonymous":false,
   "inputs":[{"name":"payer","type":"address","indexed":true},
             {"name":"payee","type":"address","indexed":true},
             {"name":"agentId","type":"uint256","indexed":true},
             {"name":"amount","type":"uint256","indexed":false}]}
]`

const creditsABI = `[
  {"type":"function","name":"getCredits","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],
   "outputs":[{"name":"balance","type":"uint256"},{"name":"lastUpdated","type":"uint256"}]},
  {"type":"function","name":"consumeCredits","stateMutability":"nonpayable",
   "inputs":[{"name":"user","type":"address"},{"name":"agentId","type":"uint256"},{"name":"creditAmount","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"purchaseCredits","stateMutability":"nonpayable",
   "inputs":[{"name":"pyusdAmount","type":"uint256"}],
   "outputs":[]},
  {"type":"event","name":"CreditsConsumed","anonymous":false,
   "inputs":[{"name":"user","type":"address","indexed":true},
             {"name":"agentId","type":"uint256","indexed":true},
             {"name":"credits","type":"uint256","indexed":false}]}
]`

const agentsABI = `[
  {"type":"function","name":"getAgent","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"creator","type":"address"},{"name":"owner","type":"address"},
              {"name":"pricePerQuery","type":"uint256"},{"name":"salePrice","type":"uint256"},
              {"name":"isActive","type":"bool"},{"name":"isForSale","type":"bool"}]},
  {"type":"function","name":"totalAgents","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"purchaseAgent","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[]},
  {"type":"event","name":"AgentPurchased","anonymous":false,
   "inputs":[{"name":"buyer","type":"address","indexed":true},
             {"name":"seller","type":"address","indexed":true},
             {"name":"agentId","type":"uint256","indexed":true},
             {"name":"price","type":"uint256","indexed":false}]}
]`
