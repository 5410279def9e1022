package channel

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
	"pkt.systems/pslog"

	"quorumdb/internal/clock"
	"quorumdb/internal/protocol"
)

// Handler receives the envelopes delivered by peers. It must not block on
// the execution of a request.
type Handler interface {
	HandleEnvelope(ctx context.Context, from string, env protocol.Envelope) error
}

// MembershipHandler answers the membership calls.
type MembershipHandler interface {
	Ping(from string) ([]byte, error)
	Gossip(from string, body []byte) ([]byte, error)
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Handler    Handler
	Membership MembershipHandler
	Clock      clock.Clock
	Logger     pslog.Logger
}

// Server is the receiving side of the cluster service.
type Server struct {
	handler    Handler
	membership MembershipHandler
	clock      clock.Clock
	logger     pslog.Logger
	sessions   *sessionTable
}

// NewServer creates a server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	return &Server{
		handler:    cfg.Handler,
		membership: cfg.Membership,
		clock:      cfg.Clock,
		logger:     cfg.Logger.With("svc", "channel"),
		sessions:   newSessionTable(),
	}
}

// Register installs the cluster service on gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// DropNode invalidates the sessions of a node that left the cluster.
func (s *Server) DropNode(node string) {
	if n := s.sessions.dropNode(node); n > 0 {
		s.logger.Info("channel.sessions.dropped", "peer", node, "count", n)
	}
}

func (s *Server) OpenSession(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	node := in.GetValue()
	if node == "" {
		return nil, status.Error(codes.InvalidArgument, "node name required")
	}
	md, _ := metadata.FromIncomingContext(ctx)
	channel := first(md, mdChannel)
	sess, replaced := s.sessions.open(node, channel, s.clock.Now())
	s.logger.Debug("channel.session.opened", "peer", node, "channel", channel, "session", sess.ID, "replaced", replaced)
	return wrapperspb.Bytes(sess.marshal()), nil
}

func (s *Server) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	node, ok := s.sessions.check(first(md, mdSession), first(md, mdToken))
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "invalid session")
	}
	env, err := protocol.DecodeEnvelope(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if s.handler == nil {
		return nil, status.Error(codes.Unavailable, "node not ready")
	}
	if err := s.handler.HandleEnvelope(ctx, node, env); err != nil {
		s.logger.Warn("channel.deliver.rejected", "peer", node, "error", err)
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) Ping(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	if s.membership == nil {
		return nil, status.Error(codes.Unimplemented, "membership disabled")
	}
	body, err := s.membership.Ping(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Bytes(body), nil
}

func (s *Server) Gossip(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	if s.membership == nil {
		return nil, status.Error(codes.Unimplemented, "membership disabled")
	}
	md, _ := metadata.FromIncomingContext(ctx)
	body, err := s.membership.Gossip(first(md, mdNode), in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return wrapperspb.Bytes(body), nil
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
