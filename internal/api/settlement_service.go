package api

import (
	"context"
	"errors"
	"math/big"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kelpejol/agentpay/internal/ledger"
	"github.com/kelpejol/agentpay/internal/settlement"
)

// SettlementServiceName is the fully qualified gRPC service name.
const SettlementServiceName = "agentpay.v1.Settlement"

// Asker runs query sessions.
type Asker interface {
	Submit(ctx context.Context, w ledger.Wallet, req settlement.QueryRequest) (*settlement.Session, error)
}

// Buyer runs agent purchase sessions.
type Buyer interface {
	Purchase(ctx context.Context, w ledger.Wallet, req settlement.PurchaseRequest) (*settlement.Session, error)
}

// ToppingUp runs credit top-up sessions.
type ToppingUp interface {
	TopUp(ctx context.Context, w ledger.Wallet, req settlement.TopUpRequest) (*settlement.Session, error)
}

// SettlementServer is the handler type of SettlementServiceDesc.
type SettlementServer interface {
	Ask(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Purchase(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	TopUp(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// SettlementServiceDesc describes agentpay.v1.Settlement.
var SettlementServiceDesc = grpc.ServiceDesc{
	ServiceName: SettlementServiceName,
	HandlerType: (*SettlementServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(SettlementServiceName, "Ask", func(srv interface{}, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
			return srv.(SettlementServer).Ask(ctx, req)
		}),
		unary(SettlementServiceName, "Purchase", func(srv interface{}, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
			return srv.(SettlementServer).Purchase(ctx, req)
		}),
		unary(SettlementServiceName, "TopUp", func(srv interface{}, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
			return srv.(SettlementServer).TopUp(ctx, req)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "agentpay/v1/settlement.proto",
}

// SettlementService implements SettlementServer.
//
// A request that was admitted always answers with its session, including
// failed and degraded ones; the session's state and reason carry the
// outcome. Only requests refused before a session exists return a status
// error.
type SettlementService struct {
	signer    Signer
	payments  Asker
	purchases Buyer
	credits   ToppingUp
	log       zerolog.Logger
}

// NewSettlementService creates a SettlementService.
func NewSettlementService(signer Signer, payments Asker, purchases Buyer, credits ToppingUp, logger zerolog.Logger) *SettlementService {
	return &SettlementService{
		signer:    signer,
		payments:  payments,
		purchases: purchases,
		credits:   credits,
		log:       logger.With().Str("component", "settlement_service").Logger(),
	}
}

// Register adds the service to a gRPC server.
func (s *SettlementService) Register(server *grpc.Server) {
	server.RegisterService(&SettlementServiceDesc, s)
}

// Ask pays for and fetches one answer.
//
// Request fields: user, surface, agentId, question, rail ("direct" or
// "credit", default "direct").
func (s *SettlementService) Ask(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	agentID, err := agentIDField(req, "agentId")
	if err != nil {
		return nil, err
	}
	railName := stringField(req, "rail")
	if railName == "" {
		railName = "direct"
	}
	rail, err := settlement.ParseRail(railName)
	if err != nil {
		return nil, StatusError(err)
	}
	w, err := s.signer.Wallet(ctx, stringField(req, "user"))
	if err != nil {
		return nil, StatusError(err)
	}

	s.log.Debug().
		Str("user", w.Address().Hex()).
		Uint64("agent_id", uint64(agentID)).
		Str("rail", rail.String()).
		Msg("ask request received")

	sess, err := s.payments.Submit(ctx, w, settlement.QueryRequest{
		Surface:  stringField(req, "surface"),
		AgentID:  agentID,
		Question: stringField(req, "question"),
		Rail:     rail,
	})
	return s.respond(sess, err)
}

// Purchase buys an agent outright.
//
// Request fields: user, surface, agentId.
func (s *SettlementService) Purchase(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	agentID, err := agentIDField(req, "agentId")
	if err != nil {
		return nil, err
	}
	w, err := s.signer.Wallet(ctx, stringField(req, "user"))
	if err != nil {
		return nil, StatusError(err)
	}
	sess, err := s.purchases.Purchase(ctx, w, settlement.PurchaseRequest{
		Surface: stringField(req, "surface"),
		AgentID: agentID,
	})
	return s.respond(sess, err)
}

// TopUp buys credits.
//
// Request fields: user, surface, amount (token units as a decimal string,
// e.g. "2.5").
func (s *SettlementService) TopUp(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	amount, err := amountField(req, "amount")
	if err != nil {
		return nil, err
	}
	w, err := s.signer.Wallet(ctx, stringField(req, "user"))
	if err != nil {
		return nil, StatusError(err)
	}
	sess, err := s.credits.TopUp(ctx, w, settlement.TopUpRequest{
		Surface: stringField(req, "surface"),
		Amount:  amount,
	})
	return s.respond(sess, err)
}

func (s *SettlementService) respond(sess *settlement.Session, err error) (*structpb.Struct, error) {
	if sess == nil {
		if err == nil {
			err = errors.New("no session")
		}
		s.log.Warn().Err(err).Msg("request refused")
		return nil, StatusError(err)
	}
	out, convErr := structpb.NewStruct(sessionFields(sess))
	if convErr != nil {
		s.log.Error().Err(convErr).Str("session_id", sess.ID).Msg("failed to encode session")
		return nil, status.Errorf(codes.Internal, "encode session: %v", convErr)
	}
	return out, nil
}

func amountField(req *structpb.Struct, key string) (*big.Int, error) {
	v, ok := req.GetFields()[key]
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		amount, err := ledger.ParseValue(kind.StringValue)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "%s: %v", key, err)
		}
		return amount, nil
	case *structpb.Value_NumberValue:
		return ledger.FromValue(decimal.NewFromFloat(kind.NumberValue)), nil
	default:
		return nil, status.Errorf(codes.InvalidArgument, "%s must be a number or string", key)
	}
}
