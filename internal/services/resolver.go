package services

import (
	"context"
	"net"
	"strconv"

	"github.com/masroore/dicomscp/internal/models"
)

// NodeDirectory is the slice of the node repository the resolver needs.
type NodeDirectory interface {
	GetByAETitle(ctx context.Context, aeTitle string) (*models.RemoteNode, error)
}

// NodeResolver maps C-MOVE destination AE titles to network addresses. The
// static configuration map wins; registered remote nodes serve as fallback.
type NodeResolver struct {
	static map[string]string
	nodes  NodeDirectory
}

// NewNodeResolver builds a resolver. static maps AE title to "host:port";
// nodes may be nil.
func NewNodeResolver(static map[string]string, nodes NodeDirectory) *NodeResolver {
	return &NodeResolver{static: static, nodes: nodes}
}

// Resolve implements DestinationResolver.
func (r *NodeResolver) Resolve(ctx context.Context, aeTitle string) (string, int, bool) {
	if addr, ok := r.static[aeTitle]; ok {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return "", 0, false
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false
		}
		return host, port, true
	}

	if r.nodes != nil {
		node, err := r.nodes.GetByAETitle(ctx, aeTitle)
		if err == nil && node != nil {
			return node.Host, node.Port, true
		}
	}
	return "", 0, false
}
