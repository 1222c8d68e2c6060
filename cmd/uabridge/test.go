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
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/uabridge/client"
	"github.com/edgeo-scada/uabridge/store"
)

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Test the connection to an OPC UA server",
	Long: `Open a session to the endpoint once, without retrying, and close it.

Examples:
  uabridge test -e opc.tcp://localhost:4840
  uabridge test -e opc.tcp://plc:4840 --auth username -u operator -p secret`,
	RunE: runTest,
}

func runTest(cmd *cobra.Command, args []string) error {
	if err := setup(cmd); err != nil {
		return err
	}
	opts, err := clientOptions()
	if err != nil {
		return err
	}
	ep, err := cfg.Client.Endpoint()
	if err != nil {
		return err
	}
	if ep.URL == "" {
		return fmt.Errorf("no endpoint configured (use --endpoint)")
	}

	b := client.New(store.NewMemory(), client.NewGopcuaDialer(logger), opts...)
	ctx, cancel := context.WithTimeout(context.Background(), ep.RequestTimeout+client.DefaultProbeTimeout)
	defer cancel()

	start := time.Now()
	if err := b.Test(ctx, ep); err != nil {
		return fmt.Errorf("connection to %s failed: %w", ep.URL, err)
	}
	fmt.Printf("Connected to %s (%s, %s) in %s\n", ep.URL, ep.SecurityMode, shortPolicy(string(ep.SecurityPolicy)),
		time.Since(start).Round(time.Millisecond))
	return nil
}

// shortPolicy strips the policy URI down to its name, e.g. "Basic256Sha256".
func shortPolicy(uri string) string {
	return uri[strings.LastIndex(uri, "#")+1:]
}
