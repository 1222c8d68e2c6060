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

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/uabridge/client"
)

var browseCmd = &cobra.Command{
	Use:   "browse",
	Short: "Browse the address space of an OPC UA server",
	Long: `Browse the references of a folder, following continuation points.

Examples:
  uabridge browse -e opc.tcp://localhost:4840
  uabridge browse -e opc.tcp://localhost:4840 -n "i=85"
  uabridge browse -e opc.tcp://localhost:4840 -n "i=85" --depth 3 --json`,
	RunE: runBrowse,
}

var (
	browseNodeID string
	browseDepth  int
	browseJSON   bool
)

func init() {
	browseCmd.Flags().StringVarP(&browseNodeID, "node", "n", "", "Node ID to browse from (default: Root)")
	browseCmd.Flags().IntVarP(&browseDepth, "depth", "d", 0, "Browse depth; 0 lists the immediate references only")
	browseCmd.Flags().BoolVar(&browseJSON, "json", false, "Print JSON")
}

func runBrowse(cmd *cobra.Command, args []string) error {
	if err := setup(cmd); err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()

	b, stop, err := connect(ctx)
	if err != nil {
		return err
	}
	defer stop()

	if browseDepth > 0 {
		tree, err := b.BrowseTree(ctx, browseNodeID, browseDepth)
		if err != nil {
			return fmt.Errorf("browse failed: %w", err)
		}
		if browseJSON {
			return printJSON(tree)
		}
		printTree(tree, 0)
		return nil
	}

	refs, err := b.Browse(ctx, browseNodeID)
	if err != nil {
		return fmt.Errorf("browse failed: %w", err)
	}
	if browseJSON {
		return printJSON(refs)
	}

	fmt.Printf("Found %d references:\n\n", len(refs))
	for i, ref := range refs {
		fmt.Printf("[%d] %s\n", i+1, ref.DisplayName)
		fmt.Printf("    NodeID:     %s\n", ref.NodeID)
		fmt.Printf("    NodeClass:  %s\n", ref.NodeClass)
		fmt.Printf("    BrowseName: %s\n", ref.BrowseName)
		if ref.TypeDefinition != "" {
			fmt.Printf("    TypeDef:    %s\n", ref.TypeDefinition)
		}
		fmt.Println()
	}
	return nil
}

func printTree(n *client.BrowseNode, level int) {
	fmt.Printf("%s%s (%s) %s\n", strings.Repeat("  ", level), n.Name, n.NodeClass, n.ID)
	for _, c := range n.Children {
		printTree(c, level+1)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
