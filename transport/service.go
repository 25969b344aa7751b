package transport

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ahwlsqja/eth-consensus/consensus"
	"github.com/ahwlsqja/eth-consensus/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "consensus.v1.Consensus"

// MaxBlocksPerRequest caps GetBlocks ranges.
const MaxBlocksPerRequest = 256

// ================================================================================
//                          Messages
// ================================================================================

type Empty struct{}

type HeadResponse struct {
	Header *types.Header `json:"header"`
}

type ValidatorsResponse struct {
	Validators []common.Address `json:"validators"`
}

type FinalityResponse struct {
	Justified *types.Checkpoint `json:"justified,omitempty"`
	Finalized *types.Checkpoint `json:"finalized,omitempty"`
}

type SubmitAttestationRequest struct {
	Attestation *types.Attestation `json:"attestation"`
}

type SubmitBlockRequest struct {
	Block *types.Block `json:"block"`
}

type GetBlocksRequest struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

type GetBlocksResponse struct {
	Blocks []*types.Block `json:"blocks"`
}

type LatestHeightResponse struct {
	Height uint64 `json:"height"`
}

// Backend serves the Consensus service.
type Backend interface {
	Head() (*types.Header, error)
	Validators() []common.Address
	Finality() FinalityResponse
	SubmitAttestation(att *types.Attestation) error
	SubmitBlock(ctx context.Context, block *types.Block) error
	GetBlocks(ctx context.Context, from, to uint64) ([]*types.Block, error)
	LatestHeight(ctx context.Context) (uint64, error)
}

// ================================================================================
//                          Service descriptor
// ================================================================================

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Backend)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Head", Handler: headHandler},
		{MethodName: "Validators", Handler: validatorsHandler},
		{MethodName: "Finality", Handler: finalityHandler},
		{MethodName: "SubmitAttestation", Handler: submitAttestationHandler},
		{MethodName: "SubmitBlock", Handler: submitBlockHandler},
		{MethodName: "GetBlocks", Handler: getBlocksHandler},
		{MethodName: "LatestHeight", Handler: latestHeightHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary runs fn behind the optional interceptor.
func unary(ctx context.Context, method string, req interface{}, interceptor grpc.UnaryServerInterceptor,
	fn func(ctx context.Context, req interface{}) (interface{}, error)) (interface{}, error) {
	if interceptor == nil {
		return fn(ctx, req)
	}
	info := &grpc.UnaryServerInfo{FullMethod: fullMethod(method)}
	return interceptor(ctx, req, info, fn)
}

func headHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	return unary(ctx, "Head", in, interceptor, func(ctx context.Context, req interface{}) (interface{}, error) {
		head, err := srv.(Backend).Head()
		if err != nil {
			return nil, toStatus(err)
		}
		return &HeadResponse{Header: head}, nil
	})
}

func validatorsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	return unary(ctx, "Validators", in, interceptor, func(ctx context.Context, req interface{}) (interface{}, error) {
		return &ValidatorsResponse{Validators: srv.(Backend).Validators()}, nil
	})
}

func finalityHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	return unary(ctx, "Finality", in, interceptor, func(ctx context.Context, req interface{}) (interface{}, error) {
		resp := srv.(Backend).Finality()
		return &resp, nil
	})
}

func submitAttestationHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SubmitAttestationRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	return unary(ctx, "SubmitAttestation", in, interceptor, func(ctx context.Context, req interface{}) (interface{}, error) {
		att := req.(*SubmitAttestationRequest).Attestation
		if att == nil {
			return nil, status.Error(codes.InvalidArgument, "missing attestation")
		}
		if err := srv.(Backend).SubmitAttestation(att); err != nil {
			return nil, toStatus(err)
		}
		return &Empty{}, nil
	})
}

func submitBlockHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SubmitBlockRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	return unary(ctx, "SubmitBlock", in, interceptor, func(ctx context.Context, req interface{}) (interface{}, error) {
		block := req.(*SubmitBlockRequest).Block
		if block == nil || block.Header == nil {
			return nil, status.Error(codes.InvalidArgument, "missing block")
		}
		if err := srv.(Backend).SubmitBlock(ctx, block); err != nil {
			return nil, toStatus(err)
		}
		return &Empty{}, nil
	})
}

func getBlocksHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetBlocksRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	return unary(ctx, "GetBlocks", in, interceptor, func(ctx context.Context, req interface{}) (interface{}, error) {
		r := req.(*GetBlocksRequest)
		if r.To < r.From {
			return nil, status.Errorf(codes.InvalidArgument, "invalid range %d-%d", r.From, r.To)
		}
		if r.To-r.From >= MaxBlocksPerRequest {
			return nil, status.Errorf(codes.InvalidArgument, "range exceeds %d blocks", MaxBlocksPerRequest)
		}
		blocks, err := srv.(Backend).GetBlocks(ctx, r.From, r.To)
		if err != nil {
			return nil, toStatus(err)
		}
		return &GetBlocksResponse{Blocks: blocks}, nil
	})
}

func latestHeightHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	return unary(ctx, "LatestHeight", in, interceptor, func(ctx context.Context, req interface{}) (interface{}, error) {
		height, err := srv.(Backend).LatestHeight(ctx)
		if err != nil {
			return nil, toStatus(err)
		}
		return &LatestHeightResponse{Height: height}, nil
	})
}

// ================================================================================
//                          Error mapping
// ================================================================================

// toStatus maps consensus errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, consensus.ErrKnownBlock):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, consensus.ErrUnknownAncestor):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, consensus.ErrInvalidSignature),
		errors.Is(err, consensus.ErrInvalidBlock),
		errors.Is(err, consensus.ErrInvalidValidator),
		errors.Is(err, consensus.ErrForkChoice):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatus restores the sentinel errors callers match on.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.AlreadyExists:
		return errors.Wrap(consensus.ErrKnownBlock, st.Message())
	case codes.FailedPrecondition:
		return errors.Wrap(consensus.ErrUnknownAncestor, st.Message())
	default:
		return err
	}
}
