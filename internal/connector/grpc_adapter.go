package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/capgate/internal/domain"
)

// Методы удаленного коннектора. Контракт generic: запрос и ответ —
// google.protobuf.Struct, поэтому сгенерированные стабы не нужны.
const (
	methodExecute    = "/connector.v1.ConnectorService/Execute"
	methodReadStatus = "/connector.v1.ConnectorService/ReadStatus"
)

// GRPCConnector — адаптер удаленной системы за gRPC.
// Health ходит в стандартный grpc.health.v1 сервис.
type GRPCConnector struct {
	id     string
	cc     *grpc.ClientConn
	health grpc_health_v1.HealthClient
}

func NewGRPCConnector(id string, cc *grpc.ClientConn) *GRPCConnector {
	return &GRPCConnector{
		id:     id,
		cc:     cc,
		health: grpc_health_v1.NewHealthClient(cc),
	}
}

func (c *GRPCConnector) ID() string { return c.id }

func (c *GRPCConnector) Health(ctx context.Context) (domain.ConnectorHealth, error) {
	start := time.Now()
	resp, err := c.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	latency := time.Since(start).Milliseconds()

	if err != nil {
		return domain.ConnectorHealth{ID: c.id, OK: false, LatencyMs: latency}, err
	}
	return domain.ConnectorHealth{
		ID:        c.id,
		OK:        resp.Status == grpc_health_v1.HealthCheckResponse_SERVING,
		LatencyMs: latency,
	}, nil
}

func (c *GRPCConnector) ReadStatus(ctx context.Context) ([]byte, error) {
	req, _ := structpb.NewStruct(map[string]interface{}{})
	return c.invoke(ctx, methodReadStatus, req)
}

func (c *GRPCConnector) Execute(ctx context.Context, command []byte) ([]byte, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(command, &m); err != nil {
		return nil, fmt.Errorf("grpc connector: failed to unmarshal command: %w", err)
	}

	req, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("grpc connector: failed to build proto struct: %w", err)
	}

	return c.invoke(ctx, methodExecute, req)
}

func (c *GRPCConnector) invoke(ctx context.Context, method string, req *structpb.Struct) ([]byte, error) {
	reply := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, method, req, reply); err != nil {
		return nil, fmt.Errorf("connector %s call failed: %w", c.id, err)
	}

	out, err := json.Marshal(reply.AsMap())
	if err != nil {
		return nil, fmt.Errorf("grpc connector: failed to marshal reply: %w", err)
	}
	return out, nil
}
