package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ahwlsqja/eth-consensus/types"
)

const (
	maxMessageSize = 64 * 1024 * 1024 // 64MB
	stopTimeout    = 2 * time.Second
	requestTimeout = 10 * time.Second
)

// ================================================================================
//                          Server
// ================================================================================

// Server serves a Backend over gRPC.
type Server struct {
	mu sync.RWMutex

	address  string
	backend  Backend
	server   *grpc.Server
	listener net.Listener
	logger   *zap.Logger

	running bool
	wg      sync.WaitGroup
}

// NewServer creates a server for backend listening on address.
func NewServer(address string, backend Backend, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("grpc")
	s := &Server{
		address: address,
		backend: backend,
		logger:  logger,
		server: grpc.NewServer(
			grpc.MaxRecvMsgSize(maxMessageSize),
			grpc.MaxSendMsgSize(maxMessageSize),
			grpc.ChainUnaryInterceptor(logInterceptor(logger)),
		),
	}
	s.server.RegisterService(&serviceDesc, backend)
	return s
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.address)
	}
	return s.StartOn(listener)
}

// StartOn serves on an existing listener in the background.
func (s *Server) StartOn(listener net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("grpc server already running")
	}
	s.listener = listener
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil {
			s.mu.RLock()
			running := s.running
			s.mu.RUnlock()
			if running {
				s.logger.Error("server error", zap.Error(err))
			}
		}
	}()

	s.logger.Info("listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return s.address
	}
	return s.listener.Addr().String()
}

// Stop stops the server gracefully, forcing it after a timeout.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(stopTimeout):
		s.logger.Warn("graceful stop timed out", zap.Duration("timeout", stopTimeout))
		s.server.Stop()
		<-stopped
	}
	s.wg.Wait()
	s.logger.Info("stopped")
	return nil
}

func logInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("took", time.Since(start)),
		}
		if err != nil {
			logger.Debug("request failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("request", fields...)
		}
		return resp, err
	}
}

// ================================================================================
//                          Client
// ================================================================================

// Client calls a remote Consensus service. It satisfies the block provider
// used for syncing.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// Dial creates a client for target. Extra options are appended after the
// insecure transport credentials.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(CodecName),
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", target)
	}
	return &Client{conn: conn, timeout: requestTimeout}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out interface{}) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return fromStatus(c.conn.Invoke(ctx, fullMethod(method), in, out))
}

// Head returns the remote head header.
func (c *Client) Head(ctx context.Context) (*types.Header, error) {
	out := new(HeadResponse)
	if err := c.invoke(ctx, "Head", &Empty{}, out); err != nil {
		return nil, err
	}
	return out.Header, nil
}

// Validators returns the remote validator addresses.
func (c *Client) Validators(ctx context.Context) (*ValidatorsResponse, error) {
	out := new(ValidatorsResponse)
	if err := c.invoke(ctx, "Validators", &Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Finality returns the remote justified and finalized checkpoints.
func (c *Client) Finality(ctx context.Context) (*FinalityResponse, error) {
	out := new(FinalityResponse)
	if err := c.invoke(ctx, "Finality", &Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SubmitAttestation sends an attestation to the remote pool.
func (c *Client) SubmitAttestation(ctx context.Context, att *types.Attestation) error {
	return c.invoke(ctx, "SubmitAttestation", &SubmitAttestationRequest{Attestation: att}, &Empty{})
}

// SubmitBlock sends a sealed block for import.
func (c *Client) SubmitBlock(ctx context.Context, block *types.Block) error {
	return c.invoke(ctx, "SubmitBlock", &SubmitBlockRequest{Block: block}, &Empty{})
}

// GetBlocks returns the remote canonical blocks in [from, to].
func (c *Client) GetBlocks(ctx context.Context, from, to uint64) ([]*types.Block, error) {
	if to >= from && to-from >= MaxBlocksPerRequest {
		to = from + MaxBlocksPerRequest - 1
	}
	out := new(GetBlocksResponse)
	if err := c.invoke(ctx, "GetBlocks", &GetBlocksRequest{From: from, To: to}, out); err != nil {
		return nil, err
	}
	return out.Blocks, nil
}

// GetLatestHeight returns the remote head number.
func (c *Client) GetLatestHeight(ctx context.Context) (uint64, error) {
	out := new(LatestHeightResponse)
	if err := c.invoke(ctx, "LatestHeight", &Empty{}, out); err != nil {
		return 0, err
	}
	return out.Height, nil
}
