package codec

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/danielpatrickdp/adaptive-state/evolution/internal/synth"
)

// #region mock
type mockFormatter struct {
	fn    func(string) (string, error)
	delay time.Duration
}

func (m *mockFormatter) Format(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, status.FromContextError(ctx.Err()).Err()
		}
	}
	out, err := m.fn(req.GetValue())
	if err != nil {
		return nil, err
	}
	return wrapperspb.String(out), nil
}

// startServer serves srv over an in-memory listener and returns a client.
func startServer(t *testing.T, srv FormatterServer, timeout time.Duration) *FormatterClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	s.RegisterService(&FormatterServiceDesc, srv)
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	client, err := NewFormatterClient("passthrough:///bufnet", timeout,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewFormatterClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// #endregion mock

// #region constructor-tests
func TestNewFormatterClientLazyConnect(t *testing.T) {
	client, err := NewFormatterClient("localhost:0", time.Second)
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}
	defer client.Close()
}

// #endregion constructor-tests

// #region format-tests
func TestFormatSuccess(t *testing.T) {
	client := startServer(t, &mockFormatter{fn: func(src string) (string, error) {
		return strings.TrimSpace(src) + "\n", nil
	}}, time.Second)

	out, err := client.Format(context.Background(), "  package view  ")
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if out != "package view\n" {
		t.Fatalf("expected trimmed output, got %q", out)
	}
}

func TestFormatServerError(t *testing.T) {
	client := startServer(t, &mockFormatter{fn: func(string) (string, error) {
		return "", status.Error(codes.InvalidArgument, "syntax error at 1:3")
	}}, time.Second)

	_, err := client.Format(context.Background(), "<<<")
	if err == nil {
		t.Fatal("expected error")
	}
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestFormatTimeout(t *testing.T) {
	client := startServer(t, &mockFormatter{
		fn:    func(src string) (string, error) { return src, nil },
		delay: time.Second,
	}, 20*time.Millisecond)

	_, err := client.Format(context.Background(), "x")
	if status.Code(err) != codes.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestFormatterClientAsSynthFormatter(t *testing.T) {
	client := startServer(t, &mockFormatter{fn: func(src string) (string, error) {
		return "// formatted\n" + src, nil
	}}, time.Second)

	s := synth.New(synth.WithFormatter(client))
	s.Register(synth.TemplateFunc{TemplateName: "inboxView", Fn: func(any) (string, error) {
		return "package inbox", nil
	}})

	out, err := s.GenerateCode(context.Background(), "inboxView", nil)
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if out != "// formatted\npackage inbox" {
		t.Fatalf("expected remote formatting, got %q", out)
	}
}

func TestFormatterClientDegradesInSynth(t *testing.T) {
	client := startServer(t, &mockFormatter{fn: func(string) (string, error) {
		return "", status.Error(codes.Unavailable, "formatter draining")
	}}, time.Second)

	s := synth.New(synth.WithFormatter(client))
	s.Register(synth.TemplateFunc{TemplateName: "v", Fn: func(any) (string, error) { return "raw", nil }})

	out, err := s.GenerateCode(context.Background(), "v", nil)
	if err != nil {
		t.Fatalf("expected degraded success, got %v", err)
	}
	if out != "raw" {
		t.Fatalf("expected raw output, got %q", out)
	}
}

// #endregion format-tests

// #region server-tests
func TestServerWithSourceFormatter(t *testing.T) {
	client := startServer(t, Server{Formatter: synth.SourceFormatter{}}, time.Second)

	out, err := client.Format(context.Background(), "package view\n\nconst   X=1\n")
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if out != "package view\n\nconst X = 1\n" {
		t.Fatalf("unexpected formatted output %q", out)
	}

	_, err = client.Format(context.Background(), "<Inbox />")
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for invalid Go, got %v", err)
	}
}

// #endregion server-tests
