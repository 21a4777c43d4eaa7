package toolagent

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// startExecutor runs an in-memory tool executor whose behaviour is driven by
// the handler. It speaks the same JSON codec as the client.
func startExecutor(t *testing.T, handler func(inv *Invocation) (*executeResponse, error)) *grpc.ClientConn {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
			var inv Invocation
			if err := stream.RecvMsg(&inv); err != nil {
				return err
			}
			resp, err := handler(&inv)
			if err != nil {
				return err
			}
			return stream.SendMsg(resp)
		}),
	)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestClient(conn *grpc.ClientConn, maxAttempts int) *Client {
	c := NewClientWithConn(conn, Config{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		CallTimeout: 5 * time.Second,
	})
	c.sleep = func(time.Duration) {}
	return c
}

func TestClient_ExecuteTool(t *testing.T) {
	conn := startExecutor(t, func(inv *Invocation) (*executeResponse, error) {
		return &executeResponse{Events: []Event{{
			InvocationID: inv.InvocationID,
			PlanID:       inv.PlanID,
			StepID:       inv.StepID,
			State:        "completed",
			OutputJSON:   `{"ok":true}`,
			OccurredAt:   time.Now().UTC(),
		}}}, nil
	})
	client := newTestClient(conn, 3)

	events, err := client.ExecuteTool(context.Background(), Invocation{
		InvocationID: "inv-1",
		PlanID:       "p1",
		StepID:       "s1",
		Tool:         "shell",
		Capability:   "shell:exec",
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "completed", events[0].State)
	assert.Equal(t, "p1", events[0].PlanID)
}

func TestClient_RetryBound(t *testing.T) {
	var attempts atomic.Int32
	conn := startExecutor(t, func(inv *Invocation) (*executeResponse, error) {
		// Fail transiently N-1 times, then succeed.
		if attempts.Add(1) < 3 {
			return nil, status.Error(codes.Unavailable, "executor restarting")
		}
		return &executeResponse{Events: []Event{{State: "completed"}}}, nil
	})
	client := newTestClient(conn, 3)

	events, err := client.ExecuteTool(context.Background(), Invocation{InvocationID: "inv-1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestClient_NonRetryableFailsImmediately(t *testing.T) {
	var attempts atomic.Int32
	conn := startExecutor(t, func(inv *Invocation) (*executeResponse, error) {
		attempts.Add(1)
		return nil, status.Error(codes.InvalidArgument, "bad input")
	})
	client := newTestClient(conn, 3)

	_, err := client.ExecuteTool(context.Background(), Invocation{InvocationID: "inv-1"})
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load())

	var tagged *Error
	require.True(t, errors.As(err, &tagged))
	assert.Equal(t, codes.InvalidArgument, tagged.Code)
	assert.False(t, tagged.Retryable)
}

func TestClient_ExhaustedRetriesSurfaceLastError(t *testing.T) {
	var attempts atomic.Int32
	conn := startExecutor(t, func(inv *Invocation) (*executeResponse, error) {
		attempts.Add(1)
		return nil, status.Error(codes.ResourceExhausted, "too busy")
	})
	client := newTestClient(conn, 2)

	_, err := client.ExecuteTool(context.Background(), Invocation{InvocationID: "inv-1"})
	require.Error(t, err)
	assert.Equal(t, int32(2), attempts.Load())

	var tagged *Error
	require.True(t, errors.As(err, &tagged))
	assert.Equal(t, codes.ResourceExhausted, tagged.Code)
	assert.True(t, tagged.Retryable)
}

func TestNormalizeError_Classification(t *testing.T) {
	retryable := []codes.Code{codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.DeadlineExceeded}
	for _, code := range retryable {
		e := normalizeError(status.Error(code, "x"))
		assert.True(t, e.Retryable, "code %s should be retryable", code)
	}

	permanent := []codes.Code{codes.InvalidArgument, codes.PermissionDenied, codes.Internal, codes.Unimplemented, codes.NotFound}
	for _, code := range permanent {
		e := normalizeError(status.Error(code, "x"))
		assert.False(t, e.Retryable, "code %s should not be retryable", code)
	}
}
