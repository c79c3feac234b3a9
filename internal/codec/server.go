package codec

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/danielpatrickdp/adaptive-state/evolution/internal/synth"
)

// #region server
// Server exposes a synth.Formatter as the remote formatter service.
type Server struct {
	Formatter synth.Formatter
}

var _ FormatterServer = Server{}

// Format formats the request value. Formatter failures map to InvalidArgument.
func (s Server) Format(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	out, err := s.Formatter.Format(ctx, req.GetValue())
	if err != nil {
		if ctx.Err() != nil {
			return nil, status.FromContextError(ctx.Err()).Err()
		}
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return wrapperspb.String(out), nil
}

// Register attaches s to a gRPC server.
func (s Server) Register(g *grpc.Server) {
	g.RegisterService(&FormatterServiceDesc, s)
}

// #endregion server
