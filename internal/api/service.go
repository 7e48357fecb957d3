// Package api implements the gRPC services for agentpay.
//
// The services are thin layers over the settlement orchestrators and the
// reconciliation scheduler. They add request validation, wallet
// resolution, and error translation (internal errors -> gRPC status codes).
//
// Messages are google.protobuf.Struct values and the service descriptors
// are written by hand, so no generated code is needed. A client can call
// the methods with any gRPC tooling that speaks Struct, for example
//
//	grpcurl -d '{"agentId": 7, "question": "..."}' localhost:9090 agentpay.v1.Settlement/Ask
//
// Thread safety:
// All methods are safe for concurrent use. The one-session-per-surface
// rule is enforced by the session store, not here.
package api

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kelpejol/agentpay/internal/catalog"
	"github.com/kelpejol/agentpay/internal/ledger"
	"github.com/kelpejol/agentpay/internal/reconcile"
	"github.com/kelpejol/agentpay/internal/settlement"
)

// Signer resolves the wallet that signs for user. user may be empty when
// the process holds a single key.
type Signer interface {
	Wallet(ctx context.Context, user string) (ledger.Wallet, error)
}

// SignerFunc adapts a function to Signer.
type SignerFunc func(ctx context.Context, user string) (ledger.Wallet, error)

func (f SignerFunc) Wallet(ctx context.Context, user string) (ledger.Wallet, error) {
	return f(ctx, user)
}

// KeySigner serves one wallet. Requests naming another user are refused.
func KeySigner(w ledger.Wallet) Signer {
	return SignerFunc(func(_ context.Context, user string) (ledger.Wallet, error) {
		if user != "" && !strings.EqualFold(user, w.Address().Hex()) {
			return nil, settlement.ErrNoIdentity
		}
		return w, nil
	})
}

// AddressSigner builds wallets for any well-formed address. It suits ledgers
// that do not verify signatures, such as the in-memory development ledger.
func AddressSigner(wallet func(common.Address) ledger.Wallet) Signer {
	return SignerFunc(func(_ context.Context, user string) (ledger.Wallet, error) {
		if !common.IsHexAddress(user) {
			return nil, settlement.ErrNoIdentity
		}
		return wallet(common.HexToAddress(user)), nil
	})
}

// StatusError translates an error into a gRPC status.
func StatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeFor(err), err.Error())
}

func codeFor(err error) codes.Code {
	switch {
	case errors.Is(err, settlement.ErrNoIdentity):
		return codes.Unauthenticated
	case errors.Is(err, settlement.ErrEmptyQuestion),
		errors.Is(err, settlement.ErrUnknownRail),
		errors.Is(err, settlement.ErrInvalidAmount):
		return codes.InvalidArgument
	case errors.Is(err, ledger.ErrAgentNotFound):
		return codes.NotFound
	case errors.Is(err, settlement.ErrNotReady),
		errors.Is(err, catalog.ErrNotLoaded),
		errors.Is(err, reconcile.ErrNoSnapshot),
		errors.Is(err, settlement.ErrAnswerService):
		return codes.Unavailable
	case errors.Is(err, settlement.ErrAlreadyInFlight):
		return codes.Aborted
	case errors.Is(err, settlement.ErrAgentInactive),
		errors.Is(err, settlement.ErrNotForSale),
		errors.Is(err, settlement.ErrInsufficientFunds),
		errors.Is(err, settlement.ErrInsufficientCredits),
		errors.Is(err, settlement.ErrNoProof):
		return codes.FailedPrecondition
	case errors.Is(err, settlement.ErrUserRejected), errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, settlement.ErrConfirmationTimeout), errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

type unaryMethod func(srv interface{}, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

// unary builds a MethodDesc for a Struct-in, Struct-out method.
func unary(service, name string, call unaryMethod) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv, ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
