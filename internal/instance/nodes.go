package instance

import "github.com/newellz2/lxrmq-go/internal/config"

// StaticNodeLocator resolves driver-reported locations against the
// cluster's configured Nodes map. Locations are expected to
// match Nodes keys exactly — the driver reports whatever location name the
// container host itself uses.
type StaticNodeLocator struct {
	nodes map[string]config.NodeConfig
}

// NewStaticNodeLocator builds a NodeLocator over the configured node set.
func NewStaticNodeLocator(nodes map[string]config.NodeConfig) *StaticNodeLocator {
	return &StaticNodeLocator{nodes: nodes}
}

func (l *StaticNodeLocator) Address(location string) (string, bool) {
	n, ok := l.nodes[location]
	if !ok {
		return "", false
	}
	return n.Address, true
}

func (l *StaticNodeLocator) Name(location string) (string, bool) {
	n, ok := l.nodes[location]
	if !ok {
		return "", false
	}
	return n.Name, true
}
