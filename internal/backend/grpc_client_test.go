package backend

import (
	"context"
	"net"
	"testing"
	"time"

	"possync/internal/executor"
	"possync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

const bufSize = 1024 * 1024

func startBufServer(t *testing.T, srv *grpc.Server) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)
	return lis
}

func bufDialer(lis *bufconn.Listener) grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func newGRPCTestClient(t *testing.T, impl Backend) *GRPCClient {
	t.Helper()
	lis := startBufServer(t, NewGRPCServer(impl, nil))
	client, err := NewGRPCClient(GRPCOptions{
		Address:     "passthrough:///bufnet",
		APIKey:      "k",
		Timeout:     2 * time.Second,
		DialOptions: []grpc.DialOption{bufDialer(lis)},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestGRPCClientRoundTrip(t *testing.T) {
	impl := newRecordingBackend()
	client := newGRPCTestClient(t, impl)
	ctx := context.Background()

	sale := models.SalePayload{InvoiceID: "inv-1", Lines: []models.SaleLine{{SKU: "A", Quantity: 1, UnitPrice: 100}}}
	require.NoError(t, client.CreateSale(ctx, "idk_1", "sale-9", sale))
	require.NoError(t, client.UpdateInvoiceStatus(ctx, "idk_2", "inv-1", models.InvoicePaid))
	require.NoError(t, client.SendInvoiceEmail(ctx, "idk_3", "inv-1", models.EmailPayload{To: "x@y.z", Subject: "Receipt"}))
	require.NoError(t, client.RequestInvoicePrint(ctx, "idk_4", "inv-1", models.PrintPayload{Printer: "front", Copies: 1}))

	calls := impl.Calls()
	require.Len(t, calls, 4)
	assert.Equal(t, call{Method: "CreateSale", Key: "idk_1", Target: "sale-9", Body: sale}, calls[0])
	assert.Equal(t, call{Method: "UpdateInvoiceStatus", Key: "idk_2", Target: "inv-1", Body: models.InvoicePaid}, calls[1])
	assert.Equal(t, models.EmailPayload{To: "x@y.z", Subject: "Receipt"}, calls[2].Body)
	assert.Equal(t, models.PrintPayload{Printer: "front", Copies: 1}, calls[3].Body)

	inv, err := client.GetInvoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, "inv-1", inv.ID)
	assert.Equal(t, models.InvoicePaid, inv.Status)
	assert.Equal(t, int64(1200), inv.Total)

	assert.NoError(t, client.Ping(ctx))
}

func TestGRPCClientStatusClassification(t *testing.T) {
	impl := newRecordingBackend()
	client := newGRPCTestClient(t, impl)
	ctx := context.Background()

	_, err := client.GetInvoice(ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.Equal(t, executor.Terminal, executor.Classify(err).Kind)

	impl.setErr(ErrUnavailable)
	err = client.UpdateInvoiceStatus(ctx, "idk", "inv-1", models.InvoicePaid)
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.True(t, executor.IsNetwork(err))
}

func TestGRPCServerRequiresIdempotencyKey(t *testing.T) {
	impl := newRecordingBackend()
	lis := startBufServer(t, NewGRPCServer(impl, nil))

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()), bufDialer(lis))
	require.NoError(t, err)
	defer conn.Close()

	req, err := structpb.NewStruct(map[string]any{"invoice_id": "inv-1", "status": "paid"})
	require.NoError(t, err)

	err = conn.Invoke(context.Background(), methodUpdateInvoiceStatus, req, &structpb.Struct{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Empty(t, impl.Calls())

	// reads do not need a key
	err = conn.Invoke(context.Background(), methodGetInvoice, req, &structpb.Struct{})
	assert.NoError(t, err)
}

func TestGRPCClientInterceptorsAttachMetadata(t *testing.T) {
	var seen metadata.MD
	capture := func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		seen, _ = metadata.FromIncomingContext(ctx)
		return handler(ctx, req)
	}
	srv := grpc.NewServer(grpc.UnaryInterceptor(capture))
	RegisterGRPCServer(srv, newRecordingBackend())
	lis := startBufServer(t, srv)

	client, err := NewGRPCClient(GRPCOptions{
		Address:     "passthrough:///bufnet",
		APIKey:      "key-1",
		APIExtra:    "extra-1",
		DialOptions: []grpc.DialOption{bufDialer(lis)},
	}, nil)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SendInvoiceEmail(context.Background(), "idk_meta", "inv-1", models.EmailPayload{To: "a@b.c"}))
	assert.Equal(t, []string{"idk_meta"}, seen.Get(IdempotencyMetadata))
	assert.Equal(t, []string{"key-1"}, seen.Get(apiKeyMetadata))
	assert.Equal(t, []string{"extra-1"}, seen.Get(apiExtraMetadata))
	assert.Len(t, seen.Get(requestIDMetadataKey), 1)
}

func TestToStatus(t *testing.T) {
	assert.Equal(t, codes.NotFound, status.Code(toStatus(ErrNotFound)))
	assert.Equal(t, codes.InvalidArgument, status.Code(toStatus(ErrInvalidRequest)))
	assert.Equal(t, codes.Unavailable, status.Code(toStatus(ErrUnavailable)))
	assert.Equal(t, codes.DeadlineExceeded, status.Code(toStatus(context.DeadlineExceeded)))
	assert.Equal(t, codes.Internal, status.Code(toStatus(assert.AnError)))

	already := status.Error(codes.Aborted, "busy")
	assert.Equal(t, already, toStatus(already))
}

func TestShortMethod(t *testing.T) {
	assert.Equal(t, "CreateSale", shortMethod(methodCreateSale))
	assert.Equal(t, "Ping", shortMethod("Ping"))
}
