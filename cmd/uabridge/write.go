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
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/uabridge"
	"github.com/edgeo-scada/uabridge/client"
	"github.com/edgeo-scada/uabridge/internal/config"
)

var writeCmd = &cobra.Command{
	Use:   "write [point-id] <value>",
	Short: "Write a value to an OPC UA node or a store point",
	Long: `Write a value.

With --node the value is written directly to the node, converted to the
node's data type. Otherwise the value is set, unacknowledged, on a point of
the shared state store and a running client bridge forwards it.

Values are parsed as booleans, null, numbers or JSON when possible and fall
back to strings.

Examples:
  uabridge write -e opc.tcp://localhost:4840 -n "ns=2;s=Setpoint" 42.5
  uabridge write --store redis opcua.0.vars.Setpoint 42.5`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runWrite,
}

var writeNodeID string

func init() {
	writeCmd.Flags().StringVarP(&writeNodeID, "node", "n", "", "Node ID to write directly")
}

func runWrite(cmd *cobra.Command, args []string) error {
	if err := setup(cmd); err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()

	if writeNodeID != "" {
		if len(args) != 1 {
			return fmt.Errorf("expected a single value with --node")
		}
		return writeNode(ctx, writeNodeID, uabridge.ParseValue(args[0]))
	}
	if len(args) != 2 {
		return fmt.Errorf("expected a point id and a value")
	}
	return writePoint(ctx, args[0], uabridge.ParseValue(args[1]))
}

func writeNode(ctx context.Context, nodeID string, val uabridge.Value) error {
	b, stop, err := connect(ctx)
	if err != nil {
		return err
	}
	defer stop()

	obj, err := b.AddSubscription(ctx, client.SubscriptionRequest{RemoteNodeID: nodeID})
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", nodeID, err)
	}
	if err := b.Write(ctx, obj.ID, val); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	fmt.Printf("Wrote %s to %s (%s)\n", formatValue(val), nodeID, obj.Native.DataTypeName)
	return nil
}

func writePoint(ctx context.Context, pointID string, val uabridge.Value) error {
	if cfg.Store.Kind == config.StoreMemory {
		return fmt.Errorf("writing a store point needs a shared store (--store redis or nats)")
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	obj, err := st.GetObject(ctx, pointID)
	if err != nil {
		return err
	}
	if obj == nil {
		return fmt.Errorf("%w: %s", uabridge.ErrUnknownPoint, pointID)
	}
	if !obj.Write {
		return fmt.Errorf("point %s is read-only", pointID)
	}
	if err := st.SetPoint(ctx, pointID, uabridge.PointUpdate{Val: val, Ack: false, TS: time.Now()}); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	fmt.Printf("Set %s = %s\n", pointID, formatValue(val))
	return nil
}
