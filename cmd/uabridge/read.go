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
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read values from OPC UA nodes",
	Long: `Read the current value of OPC UA nodes.

Examples:
  uabridge read -e opc.tcp://localhost:4840 -n "ns=2;s=Temperature"
  uabridge read -e opc.tcp://localhost:4840 -n "i=2258" -n "i=2259"`,
	RunE: runRead,
}

var (
	readNodeIDs []string
	readJSON    bool
)

func init() {
	readCmd.Flags().StringArrayVarP(&readNodeIDs, "node", "n", nil, "Node ID(s) to read (can specify multiple)")
	readCmd.Flags().BoolVar(&readJSON, "json", false, "Print JSON")
	readCmd.MarkFlagRequired("node")
}

func runRead(cmd *cobra.Command, args []string) error {
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

	for _, nodeID := range readNodeIDs {
		result, err := b.Read(ctx, nodeID)
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		if readJSON {
			if err := printJSON(result); err != nil {
				return err
			}
			continue
		}

		fmt.Printf("Node: %s\n", nodeID)
		fmt.Printf("  Value: %s\n", formatValue(result.Value))
		fmt.Printf("  Type: %s\n", result.DataTypeName)
		if !result.SourceTimestamp.IsZero() {
			fmt.Printf("  SourceTimestamp: %s\n", result.SourceTimestamp.Format(time.RFC3339Nano))
		}
		fmt.Printf("  Status: %s\n", result.Status)
		fmt.Println()
	}
	return nil
}
