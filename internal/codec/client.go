package codec

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// #region service
// FormatMethod is the full gRPC method name of the remote formatter. Request
// and response are google.protobuf.StringValue holding the source text.
const FormatMethod = "/evolution.v1.Formatter/Format"

// FormatterServer is implemented by remote formatter services.
type FormatterServer interface {
	Format(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
}

// FormatterServiceDesc describes the formatter service for grpc.Server.RegisterService.
var FormatterServiceDesc = grpc.ServiceDesc{
	ServiceName: "evolution.v1.Formatter",
	HandlerType: (*FormatterServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Format",
			Handler:    formatHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "evolution/v1/formatter.proto",
}

func formatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FormatterServer).Format(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FormatMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FormatterServer).Format(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// #endregion service

// #region client-struct
// FormatterClient formats generated code through a remote gRPC service. It
// satisfies synth.Formatter.
type FormatterClient struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// #endregion client-struct

// #region constructor
// NewFormatterClient connects to the formatter service at addr. A zero
// timeout means calls are bounded only by the caller's context.
func NewFormatterClient(addr string, timeout time.Duration, opts ...grpc.DialOption) (*FormatterClient, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &FormatterClient{conn: conn, timeout: timeout}, nil
}

// #endregion constructor

// #region close
// Close shuts down the gRPC connection.
func (c *FormatterClient) Close() error {
	return c.conn.Close()
}

// #endregion close

// #region format
// Format sends src to the remote formatter and returns its output.
func (c *FormatterClient) Format(ctx context.Context, src string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	out := new(wrapperspb.StringValue)
	if err := c.conn.Invoke(ctx, FormatMethod, wrapperspb.String(src), out); err != nil {
		return "", fmt.Errorf("format rpc: %w", err)
	}
	return out.GetValue(), nil
}

// #endregion format
