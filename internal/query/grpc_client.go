package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/insight-chat/internal/domain"
	"github.com/containerd/errdefs/pkg/errgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	executeMethod  = "/insight.query.v1.QueryService/Execute"
	metadataMethod = "/insight.query.v1.QueryService/FetchMetadata"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		Address:          "localhost:50061",
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   120 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GrpcClient talks to the query service. Messages are google.protobuf.Struct so
// no generated stubs are needed on this side.
type GrpcClient struct {
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	timeout time.Duration
	logger  *slog.Logger
}

// NewGrpcClient connects to the query service and waits until the channel is ready.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultGrpcClientConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to query service at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("query service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to query service", "address", cfg.Address)

	return &GrpcClient{
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		timeout: cfg.RequestTimeout,
		logger:  logger.With("component", "query"),
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Ping checks the standard gRPC health service.
func (c *GrpcClient) Ping(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("query service not serving: %s", resp.GetStatus())
	}
	return nil
}

// Execute runs query on the service and returns at most maxRows rows.
func (c *GrpcClient) Execute(ctx context.Context, query string, maxRows int) (*Result, error) {
	req, err := structpb.NewStruct(map[string]any{
		"query":    query,
		"max_rows": maxRows,
	})
	if err != nil {
		return nil, fmt.Errorf("build execute request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp structpb.Struct
	start := time.Now()
	if err := c.conn.Invoke(ctx, executeMethod, req, &resp); err != nil {
		native := errgrpc.ToNative(err)
		c.logger.Warn("Execute RPC failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return nil, &Error{Kind: classify(native), Message: err.Error(), cause: native}
	}
	return decodeExecuteResponse(resp.AsMap())
}

// FetchMetadata returns schema facts from the service.
func (c *GrpcClient) FetchMetadata(ctx context.Context) (*Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp structpb.Struct
	if err := c.conn.Invoke(ctx, metadataMethod, &structpb.Struct{}, &resp); err != nil {
		native := errgrpc.ToNative(err)
		return nil, &Error{Kind: classify(native), Message: err.Error(), cause: native}
	}
	m := resp.AsMap()
	schema, _ := m["schema"].(map[string]any)
	return &Metadata{
		Schema:    schema,
		Examples:  toStrings(m["examples"]),
		TableList: toStrings(m["table_list"]),
		Insights:  toStrings(m["insights"]),
	}, nil
}

func decodeExecuteResponse(m map[string]any) (*Result, error) {
	if ok, _ := m["success"].(bool); !ok {
		msg, _ := m["error"].(string)
		if msg == "" {
			msg = "query execution failed"
		}
		kind, _ := m["error_kind"].(string)
		return nil, NewError(ParseKind(kind), msg)
	}

	raw, _ := m["data"].([]any)
	rows := make([]domain.Row, 0, len(raw))
	for _, r := range raw {
		if row, ok := r.(map[string]any); ok {
			rows = append(rows, row)
		}
	}
	res := &Result{Rows: rows, RowCount: len(rows)}
	if n, ok := m["row_count"].(float64); ok {
		res.RowCount = int(n)
	}
	if stats, ok := m["stats"].(map[string]any); ok {
		if v, ok := stats["execution_time_ms"].(float64); ok {
			res.Stats.ExecutionTimeMs = int64(v)
		}
		if v, ok := stats["bytes_processed"].(float64); ok {
			res.Stats.BytesProcessed = int64(v)
		}
		res.Stats.CacheHit, _ = stats["cache_hit"].(bool)
	}
	return res, nil
}

func toStrings(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
