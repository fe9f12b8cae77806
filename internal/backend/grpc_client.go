package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"possync/internal/config"
	"possync/internal/models"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the gRPC service the backend exposes. Messages are
// google.protobuf.Struct documents carrying the same JSON shapes as the HTTP API.
const ServiceName = "possync.backend.v1.Backend"

const (
	methodCreateSale          = "/" + ServiceName + "/CreateSale"
	methodUpdateInvoiceStatus = "/" + ServiceName + "/UpdateInvoiceStatus"
	methodSendInvoiceEmail    = "/" + ServiceName + "/SendInvoiceEmail"
	methodRequestInvoicePrint = "/" + ServiceName + "/RequestInvoicePrint"
	methodGetInvoice          = "/" + ServiceName + "/GetInvoice"
	methodPing                = "/" + ServiceName + "/Ping"
)

// GRPCClient calls the backend over gRPC.
type GRPCClient struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// GRPCOptions configures a GRPCClient.
type GRPCOptions struct {
	Address  string
	APIKey   string
	APIExtra string
	Timeout  time.Duration
	TLS      config.BackendTLSConfig
	// DialOptions are appended after the defaults, e.g. a bufconn dialer in tests.
	DialOptions []grpc.DialOption
}

func NewGRPCClient(opts GRPCOptions, logger *zerolog.Logger) (*GRPCClient, error) {
	creds := insecure.NewCredentials()
	if opts.TLS.Enabled {
		tlsCfg, err := buildTLSConfig(opts.TLS)
		if err != nil {
			return nil, err
		}
		creds = credentials.NewTLS(tlsCfg)
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithChainUnaryInterceptor(
			outgoingMetadataInterceptor(opts.APIKey, opts.APIExtra),
			clientLoggingInterceptor(logger),
		),
	}, opts.DialOptions...)

	conn, err := grpc.NewClient(opts.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", opts.Address, err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GRPCClient{conn: conn, timeout: timeout}, nil
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

func (c *GRPCClient) CreateSale(ctx context.Context, key, saleID string, sale models.SalePayload) error {
	req := map[string]any{"sale_id": saleID, "sale": sale}
	if err := c.invoke(ctx, methodCreateSale, key, req, nil); err != nil {
		return fmt.Errorf("create sale %s: %w", saleID, err)
	}
	return nil
}

func (c *GRPCClient) UpdateInvoiceStatus(ctx context.Context, key, invoiceID, status string) error {
	req := map[string]any{"invoice_id": invoiceID, "status": status}
	if err := c.invoke(ctx, methodUpdateInvoiceStatus, key, req, nil); err != nil {
		return fmt.Errorf("update invoice %s status: %w", invoiceID, err)
	}
	return nil
}

func (c *GRPCClient) SendInvoiceEmail(ctx context.Context, key, invoiceID string, email models.EmailPayload) error {
	req := map[string]any{"invoice_id": invoiceID, "email": email}
	if err := c.invoke(ctx, methodSendInvoiceEmail, key, req, nil); err != nil {
		return fmt.Errorf("send invoice %s email: %w", invoiceID, err)
	}
	return nil
}

func (c *GRPCClient) RequestInvoicePrint(ctx context.Context, key, invoiceID string, job models.PrintPayload) error {
	req := map[string]any{"invoice_id": invoiceID, "print": job}
	if err := c.invoke(ctx, methodRequestInvoicePrint, key, req, nil); err != nil {
		return fmt.Errorf("print invoice %s: %w", invoiceID, err)
	}
	return nil
}

func (c *GRPCClient) GetInvoice(ctx context.Context, invoiceID string) (*models.Invoice, error) {
	var inv models.Invoice
	if err := c.invoke(ctx, methodGetInvoice, "", map[string]any{"invoice_id": invoiceID}, &inv); err != nil {
		return nil, fmt.Errorf("get invoice %s: %w", invoiceID, err)
	}
	return &inv, nil
}

func (c *GRPCClient) Ping(ctx context.Context) error {
	return c.invoke(ctx, methodPing, "", map[string]any{}, nil)
}

func (c *GRPCClient) invoke(ctx context.Context, method, idempotencyKey string, in, out any) error {
	req, err := toStruct(in)
	if err != nil {
		return err
	}
	if idempotencyKey != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, IdempotencyMetadata, idempotencyKey)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return fromStruct(resp, out)
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	s := &structpb.Struct{}
	if err := s.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, out any) error {
	data, err := s.MarshalJSON()
	if err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
