package api

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kelpejol/agentpay/internal/ledger"
	"github.com/kelpejol/agentpay/internal/reconcile"
	"github.com/kelpejol/agentpay/internal/settlement"
)

func stringField(req *structpb.Struct, key string) string {
	return strings.TrimSpace(req.GetFields()[key].GetStringValue())
}

// agentIDField accepts a JSON number or a decimal string.
func agentIDField(req *structpb.Struct, key string) (ledger.AgentID, error) {
	v, ok := req.GetFields()[key]
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return parseAgentID(key, v)
}

func parseAgentID(key string, v *structpb.Value) (ledger.AgentID, error) {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		n := kind.NumberValue
		if n < 0 || n != math.Trunc(n) || n > 1<<53 {
			return 0, status.Errorf(codes.InvalidArgument, "%s must be a non-negative integer", key)
		}
		return ledger.AgentID(n), nil
	case *structpb.Value_StringValue:
		id, err := ParseAgentID(kind.StringValue)
		if err != nil {
			return 0, status.Errorf(codes.InvalidArgument, "%s: %v", key, err)
		}
		return id, nil
	default:
		return 0, status.Errorf(codes.InvalidArgument, "%s must be a number or string", key)
	}
}

// ParseAgentID parses a decimal agent id.
func ParseAgentID(s string) (ledger.AgentID, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return ledger.AgentID(n), nil
}

func filterFrom(req *structpb.Struct) (reconcile.Filter, error) {
	var f reconcile.Filter
	for _, v := range req.GetFields()["agentIds"].GetListValue().GetValues() {
		id, err := parseAgentID("agentIds", v)
		if err != nil {
			return f, err
		}
		f.Agents = append(f.Agents, id)
	}
	if creator := stringField(req, "creator"); creator != "" {
		if !common.IsHexAddress(creator) {
			return f, status.Errorf(codes.InvalidArgument, "creator is not an address")
		}
		f.Creator = common.HexToAddress(creator)
	}
	return f, nil
}

func sessionFields(s *settlement.Session) map[string]interface{} {
	history := make([]interface{}, 0, len(s.History))
	for _, st := range s.History {
		history = append(history, st.String())
	}
	txs := make([]interface{}, 0, len(s.Txs))
	for _, tx := range s.Txs {
		txs = append(txs, map[string]interface{}{
			"step":   tx.Step.String(),
			"hash":   tx.Hash,
			"status": tx.Status.String(),
		})
	}
	fields := map[string]interface{}{
		"id":         s.ID,
		"surface":    s.Surface,
		"flow":       s.Flow.String(),
		"user":       s.User.Hex(),
		"agentId":    strconv.FormatUint(uint64(s.AgentID), 10),
		"state":      s.State.String(),
		"history":    history,
		"txs":        txs,
		"degraded":   s.Degraded,
		"startedAt":  s.StartedAt.UTC().Format(time.RFC3339Nano),
		"durationMs": s.Duration().Milliseconds(),
	}
	if s.Amount != nil {
		fields["amount"] = ledger.FormatValue(s.Amount)
	}
	if s.RequiredCredits > 0 {
		fields["requiredCredits"] = s.RequiredCredits
		fields["creditsBefore"] = s.CreditsBefore
		fields["creditsAfter"] = s.CreditsAfter
	}
	if s.Proof != "" {
		fields["proof"] = s.Proof
	}
	if s.Answer != "" {
		fields["answer"] = s.Answer
	}
	if s.Err != nil {
		fields["reason"] = s.Reason
		fields["error"] = s.Err.Error()
	}
	return fields
}

func agentFields(a ledger.Agent) map[string]interface{} {
	fields := map[string]interface{}{
		"agentId":   strconv.FormatUint(uint64(a.ID), 10),
		"creator":   a.Creator.Hex(),
		"owner":     a.Owner.Hex(),
		"isActive":  a.IsActive,
		"isForSale": a.IsForSale,
		"status":    reconcile.MarketStatus(a),
	}
	if a.PricePerQuery != nil {
		fields["pricePerQuery"] = ledger.FormatValue(a.PricePerQuery)
	}
	if a.SalePrice != nil {
		fields["salePrice"] = ledger.FormatValue(a.SalePrice)
	}
	return fields
}
