package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kelpejol/agentpay/internal/ledger"
	"github.com/kelpejol/agentpay/internal/reconcile"
)

// AnalyticsServiceName is the fully qualified gRPC service name.
const AnalyticsServiceName = "agentpay.v1.Analytics"

// Snapshots serves reconciled aggregates.
type Snapshots interface {
	Snapshot() (*reconcile.Aggregate, time.Time, error)
	Query(f reconcile.Filter) (*reconcile.Aggregate, error)
}

// Agents looks up agent metadata.
type Agents interface {
	Resolve(ctx context.Context, id ledger.AgentID) (ledger.Agent, error)
}

// AnalyticsServer is the handler type of AnalyticsServiceDesc.
type AnalyticsServer interface {
	Reconcile(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Agent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// AnalyticsServiceDesc describes agentpay.v1.Analytics.
var AnalyticsServiceDesc = grpc.ServiceDesc{
	ServiceName: AnalyticsServiceName,
	HandlerType: (*AnalyticsServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(AnalyticsServiceName, "Reconcile", func(srv interface{}, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
			return srv.(AnalyticsServer).Reconcile(ctx, req)
		}),
		unary(AnalyticsServiceName, "Agent", func(srv interface{}, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
			return srv.(AnalyticsServer).Agent(ctx, req)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "agentpay/v1/analytics.proto",
}

// AnalyticsService implements AnalyticsServer over the latest reconciled
// history. It never queries the ledger for events itself.
type AnalyticsService struct {
	snapshots Snapshots
	agents    Agents
	log       zerolog.Logger
}

// NewAnalyticsService creates an AnalyticsService.
func NewAnalyticsService(snapshots Snapshots, agents Agents, logger zerolog.Logger) *AnalyticsService {
	return &AnalyticsService{
		snapshots: snapshots,
		agents:    agents,
		log:       logger.With().Str("component", "analytics_service").Logger(),
	}
}

// Register adds the service to a gRPC server.
func (s *AnalyticsService) Register(server *grpc.Server) {
	server.RegisterService(&AnalyticsServiceDesc, s)
}

// Reconcile returns the aggregate, optionally narrowed.
//
// Request fields: agentIds (list), creator (address). With neither set the
// cached unfiltered snapshot is returned along with its build time.
func (s *AnalyticsService) Reconcile(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f, err := filterFrom(req)
	if err != nil {
		return nil, err
	}

	var (
		agg     *reconcile.Aggregate
		builtAt time.Time
	)
	if len(f.Agents) == 0 && f.Creator == (common.Address{}) {
		agg, builtAt, err = s.snapshots.Snapshot()
	} else {
		agg, err = s.snapshots.Query(f)
	}
	if err != nil {
		return nil, StatusError(err)
	}

	out, err := toStruct(agg)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode aggregate: %v", err)
	}
	if !builtAt.IsZero() {
		out.Fields["builtAt"] = structpb.NewStringValue(builtAt.UTC().Format(time.RFC3339))
	}
	return out, nil
}

// Agent returns one agent's metadata, market status and reconciled stats.
//
// Request fields: agentId.
func (s *AnalyticsService) Agent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := agentIDField(req, "agentId")
	if err != nil {
		return nil, err
	}

	agent, err := s.agents.Resolve(ctx, id)
	if err != nil {
		return nil, StatusError(err)
	}

	fields := agentFields(agent)
	agg, err := s.snapshots.Query(reconcile.Filter{Agents: []ledger.AgentID{id}})
	switch {
	case err == nil && len(agg.Agents) == 1:
		stats, convErr := toStruct(agg.Agents[0])
		if convErr != nil {
			return nil, status.Errorf(codes.Internal, "encode stats: %v", convErr)
		}
		fields["stats"] = stats.AsMap()
	case err != nil && !errors.Is(err, reconcile.ErrNoSnapshot):
		return nil, StatusError(err)
	}

	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode agent: %v", err)
	}
	return out, nil
}

// toStruct converts a JSON-tagged value to a Struct.
func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return out, nil
}
