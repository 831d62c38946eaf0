package rpc

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/simorchestrator/api"
	"github.com/signalsfoundry/simorchestrator/internal/control"
	"github.com/signalsfoundry/simorchestrator/internal/dispatch"
	"github.com/signalsfoundry/simorchestrator/internal/logging"
	"github.com/signalsfoundry/simorchestrator/internal/orchestrator"
	"github.com/signalsfoundry/simorchestrator/internal/telemetry"
	"github.com/signalsfoundry/simorchestrator/model"
)

// NodeClient reaches simulation nodes over gRPC. One connection is kept per
// node and re-dialled when the node re-registers under a new address.
type NodeClient struct {
	nodes    orchestrator.NodeDirectory
	log      logging.Logger
	dialOpts []grpc.DialOption

	mu    sync.Mutex
	conns map[model.SimulationNodeID]nodeConn
}

type nodeConn struct {
	address string
	conn    *grpc.ClientConn
	client  *api.SimNodeClient
}

var _ orchestrator.Transport = (*NodeClient)(nil)

// NewNodeClient returns a client locating nodes through nodes.
// Extra dial options are appended to the defaults.
func NewNodeClient(nodes orchestrator.NodeDirectory, log logging.Logger, opts ...grpc.DialOption) *NodeClient {
	if log == nil {
		log = logging.Noop()
	}
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithChainUnaryInterceptor(RequestIDUnaryClientInterceptor()),
	}
	return &NodeClient{
		nodes:    nodes,
		log:      log.With(logging.Component("node_client")),
		dialOpts: append(dialOpts, opts...),
		conns:    make(map[model.SimulationNodeID]nodeConn),
	}
}

func (c *NodeClient) client(id model.SimulationNodeID) (*api.SimNodeClient, error) {
	addr, err := c.nodes.Address(id)
	if err != nil {
		return nil, err
	}
	if addr == "" {
		return nil, fmt.Errorf("node %q registered without an address", id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if nc, ok := c.conns[id]; ok {
		if nc.address == addr {
			return nc.client, nil
		}
		_ = nc.conn.Close()
		delete(c.conns, id)
	}
	conn, err := grpc.NewClient(addr, c.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial node %q at %s: %w", id, addr, err)
	}
	nc := nodeConn{address: addr, conn: conn, client: api.NewSimNodeClient(conn)}
	c.conns[id] = nc
	return nc.client, nil
}

// Launch asks the node to start the simulation.
func (c *NodeClient) Launch(ctx context.Context, req dispatch.LaunchRequest) error {
	cl, err := c.client(req.Node)
	if err != nil {
		return err
	}
	_, err = cl.StartSimulation(ctx, &api.StartSimulationRequest{
		Key:        req.Key,
		Simulation: req.Simulation,
		Node:       req.Node,
		TestID:     req.TestID,
		Scenario:   req.Scenario,
	})
	return err
}

// Poll reads the sensor behind b from the node hosting its simulation.
func (c *NodeClient) Poll(ctx context.Context, b telemetry.SensorBinding) (model.Data, error) {
	node, err := c.nodes.NodeOf(b.Simulation)
	if err != nil {
		return model.Data{}, err
	}
	cl, err := c.client(node)
	if err != nil {
		return model.Data{}, err
	}
	data, err := cl.PollSensor(ctx, &api.PollSensorRequest{
		RequestID:  b.RequestID,
		Simulation: b.Simulation,
		Vehicle:    b.Vehicle,
		Kind:       b.Kind,
	})
	if err != nil {
		return model.Data{}, err
	}
	return *data, nil
}

// Deliver pushes a command to node. NotFound and InvalidArgument answers
// are reported as permanent relay errors.
func (c *NodeClient) Deliver(ctx context.Context, node model.SimulationNodeID, target control.Target, cmd model.Control) error {
	cl, err := c.client(node)
	if err != nil {
		return err
	}
	_, err = cl.DeliverControl(ctx, &api.DeliverControlRequest{
		Simulation: target.Simulation,
		Vehicle:    target.Vehicle,
		Control:    cmd,
	})
	return fromStatusError(err)
}

// Forget closes the connection to a node that left the pool.
func (c *NodeClient) Forget(id model.SimulationNodeID) {
	c.mu.Lock()
	nc, ok := c.conns[id]
	delete(c.conns, id)
	c.mu.Unlock()
	if ok {
		if err := nc.conn.Close(); err != nil {
			c.log.Debug(context.Background(), "closing node connection", logging.Node(id), logging.Err(err))
		}
	}
}

// Close closes every cached connection.
func (c *NodeClient) Close() error {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[model.SimulationNodeID]nodeConn)
	c.mu.Unlock()
	for _, nc := range conns {
		_ = nc.conn.Close()
	}
	return nil
}
