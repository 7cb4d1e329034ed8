package transport

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// BrokerService is the health service reporting the broker subscription.
const BrokerService = "chat.broker"

// HealthServer reports the instance as serving while it runs. The broker
// service follows the adapter state so load balancers can see degraded mode.
type HealthServer struct {
	server *health.Server
}

func NewHealthServer() *HealthServer {
	h := &HealthServer{server: health.NewServer()}
	h.server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.server.SetServingStatus(BrokerService, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

func (h *HealthServer) SetBroker(connected bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if connected {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus(BrokerService, status)
}

// Register attaches the health service to s.
func (h *HealthServer) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Shutdown reports every service as NOT_SERVING.
func (h *HealthServer) Shutdown() {
	h.server.Shutdown()
}
