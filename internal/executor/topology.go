package executor

import (
	"strconv"
	"strings"
)

// NodesPerInstance is the number of nodes reserved for one executor
// instance: two clients, two servers, the proxy and the monitor.
const NodesPerInstance = 6

// DefaultIPTemplate maps a node ID to its management address.
const DefaultIPTemplate = "10.0.1.{id}"

// Role is the job a node performs in a test instance.
type Role uint8

const (
	RoleClient Role = iota + 1
	RoleServer
	RoleProxy
	RoleMonitor
)

// String returns the human-readable name of the role.
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	case RoleProxy:
		return "proxy"
	case RoleMonitor:
		return "monitor"
	default:
		return "unknown"
	}
}

// Node is one remote machine of an instance.
type Node struct {
	ID   int
	Role Role
	IP   string
}

// Topology lists the nodes of one executor instance. Clients[0] and
// Servers[0] carry the measured transfer; index 1 carries background
// traffic.
type Topology struct {
	Instance int
	Clients  [2]Node
	Servers  [2]Node
	Proxy    Node
	Monitor  Node
}

// NewTopology assigns node IDs instance*6+1 .. instance*6+6 in the order
// client, client, server, server, proxy, monitor. The "{id}" placeholder
// of ipTemplate is replaced by the node ID; an empty template selects
// DefaultIPTemplate.
func NewTopology(instance int, ipTemplate string) Topology {
	if ipTemplate == "" {
		ipTemplate = DefaultIPTemplate
	}
	base := instance * NodesPerInstance
	node := func(off int, role Role) Node {
		id := base + off
		return Node{
			ID:   id,
			Role: role,
			IP:   strings.ReplaceAll(ipTemplate, "{id}", strconv.Itoa(id)),
		}
	}
	return Topology{
		Instance: instance,
		Clients:  [2]Node{node(1, RoleClient), node(2, RoleClient)},
		Servers:  [2]Node{node(3, RoleServer), node(4, RoleServer)},
		Proxy:    node(5, RoleProxy),
		Monitor:  node(6, RoleMonitor),
	}
}

// Nodes returns all nodes in ID order.
func (t Topology) Nodes() []Node {
	return []Node{t.Clients[0], t.Clients[1], t.Servers[0], t.Servers[1], t.Proxy, t.Monitor}
}
