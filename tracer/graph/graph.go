// Package graph folds hop records into a node and edge graph for display.
package graph

import (
	"sort"

	"github.com/tarancss/fundflow/lib/flow"
)

// Node is an address reached by a trace.
type Node struct {
	Address   string    `json:"address"`
	Label     string    `json:"label,omitempty"`
	Kind      flow.Kind `json:"kind"`
	Depth     int       `json:"depth"`
	VolumeIn  int64     `json:"volumeIn"`
	VolumeOut int64     `json:"volumeOut"`
}

// Edge aggregates the hops between two addresses, whatever their origin.
type Edge struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
	Count       int    `json:"count"`
}

// Graph is the visualization of a job.
type Graph struct {
	JobID              string `json:"jobId"`
	Nodes              []Node `json:"nodes"`
	Edges              []Edge `json:"edges"`
	MaxDepth           int    `json:"maxDepth"`
	TotalTrackedVolume int64  `json:"totalTrackedVolume"`
}

type edgeKey struct{ src, dst string }

// Build folds hops into a graph. Hops deeper than maxDepth are ignored unless maxDepth is 0. Nodes keep the
// shallowest depth they were reached at; origins are at depth 0. Nodes are ordered by depth then address, edges by
// source then destination.
func Build(job flow.Job, hops []flow.HopRecord, maxDepth int) Graph {
	g := Graph{JobID: job.ID, Nodes: []Node{}, Edges: []Edge{}}

	nodes := make(map[string]*Node)
	edges := make(map[edgeKey]*Edge)

	node := func(addr string, depth int) *Node {
		n, ok := nodes[addr]
		if !ok {
			n = &Node{Address: addr, Kind: flow.KindUnknown, Depth: depth}
			nodes[addr] = n
		} else if depth < n.Depth {
			n.Depth = depth
		}

		return n
	}

	for _, o := range job.Origins {
		node(o.Address, 0).Kind = flow.KindOrigin
	}

	for _, h := range hops {
		if maxDepth > 0 && h.HopLevel > maxDepth {
			continue
		}

		src := node(h.Source, h.HopLevel-1)
		src.VolumeOut += h.Amount

		if src.Kind == flow.KindUnknown {
			src.Kind = flow.KindIntermediary
		}

		dst := node(h.Destination, h.HopLevel)
		dst.VolumeIn += h.Amount

		if dst.Kind == flow.KindUnknown || dst.Kind == flow.KindIntermediary {
			dst.Kind = h.DestinationKind
		}

		if h.DestinationLabel != "" {
			dst.Label = h.DestinationLabel
		}

		k := edgeKey{h.Source, h.Destination}

		e, ok := edges[k]
		if !ok {
			e = &Edge{Source: h.Source, Destination: h.Destination}
			edges[k] = e
		}

		e.Amount += h.Amount
		e.Count++

		if h.HopLevel > g.MaxDepth {
			g.MaxDepth = h.HopLevel
		}

		g.TotalTrackedVolume += h.Amount
	}

	for _, n := range nodes {
		g.Nodes = append(g.Nodes, *n)
	}

	sort.Slice(g.Nodes, func(i, j int) bool {
		if g.Nodes[i].Depth != g.Nodes[j].Depth {
			return g.Nodes[i].Depth < g.Nodes[j].Depth
		}

		return g.Nodes[i].Address < g.Nodes[j].Address
	})

	for _, e := range edges {
		g.Edges = append(g.Edges, *e)
	}

	sort.Slice(g.Edges, func(i, j int) bool {
		if g.Edges[i].Source != g.Edges[j].Source {
			return g.Edges[i].Source < g.Edges[j].Source
		}

		return g.Edges[i].Destination < g.Edges[j].Destination
	})

	return g
}
