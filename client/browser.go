// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/edgeo-scada/uabridge"
)

// BrowseNode is a node of a browse tree. A nil Children slice means the node
// has not been browsed yet.
type BrowseNode struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	NodeClass NodeClass     `json:"nodeClass"`
	FullPath  string        `json:"fullPath"`
	Children  []*BrowseNode `json:"children,omitempty"`
}

// Browser walks the address space of the live session, following
// continuation points until a folder is complete.
type Browser struct {
	conn    Conn
	logger  *slog.Logger
	metrics *Metrics
}

// NewBrowser creates a browser on top of conn.
func NewBrowser(conn Conn, opts ...Option) *Browser {
	o := buildOptions(opts)
	return &Browser{
		conn:    conn,
		logger:  o.logger.With(slog.String("component", "browser")),
		metrics: o.metrics,
	}
}

// Browse returns every forward hierarchical reference of folderID, in the
// order the server returned them. An empty id browses the root folder. Any
// error discards the pages received so far.
func (b *Browser) Browse(ctx context.Context, folderID string) ([]BrowseEntry, error) {
	if folderID == "" {
		folderID = uabridge.RootFolder
	}

	sess, err := b.conn.Session()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer b.metrics.BrowseLatency.Since(start)
	b.metrics.Browses.Inc()

	page, err := sess.Browse(ctx, folderID)
	if err != nil {
		b.metrics.BrowseErrors.Inc()
		return nil, fmt.Errorf("browse %s: %w", folderID, err)
	}
	entries := append([]BrowseEntry(nil), page.References...)

	pages := 1
	for len(page.ContinuationPoint) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err = sess.BrowseNext(ctx, page.ContinuationPoint)
		if err != nil {
			b.metrics.BrowseErrors.Inc()
			return nil, fmt.Errorf("browse next %s: %w", folderID, err)
		}
		entries = append(entries, page.References...)
		pages++
	}

	b.logger.Debug("browsed",
		slog.String("node", folderID),
		slog.Int("references", len(entries)),
		slog.Int("pages", pages))
	return entries, nil
}

// Expand browses n and replaces its children.
func (b *Browser) Expand(ctx context.Context, n *BrowseNode) error {
	entries, err := b.Browse(ctx, n.ID)
	if err != nil {
		return err
	}
	children := make([]*BrowseNode, 0, len(entries))
	for _, e := range entries {
		name := e.DisplayName
		if name == "" {
			name = e.BrowseName
		}
		children = append(children, &BrowseNode{
			ID:        e.NodeID,
			Name:      name,
			NodeClass: e.NodeClass,
			FullPath:  n.FullPath + "/" + name,
		})
	}
	n.Children = children
	return nil
}

// Tree browses breadth-first from rootID down to depth levels. Only objects
// and views are expanded.
func (b *Browser) Tree(ctx context.Context, rootID string, depth int) (*BrowseNode, error) {
	if rootID == "" {
		rootID = uabridge.RootFolder
	}
	root := &BrowseNode{ID: rootID, Name: rootID, NodeClass: NodeClassObject}

	level := []*BrowseNode{root}
	for d := 0; d < depth && len(level) > 0; d++ {
		var next []*BrowseNode
		for _, n := range level {
			if err := b.Expand(ctx, n); err != nil {
				return nil, err
			}
			for _, c := range n.Children {
				if c.NodeClass == NodeClassObject || c.NodeClass == NodeClassView {
					next = append(next, c)
				}
			}
		}
		level = next
	}
	return root, nil
}
