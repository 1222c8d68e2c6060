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
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/uabridge/internal/config"
)

var (
	cfgFile  string
	v        = config.New()
	cfg      *config.Config
	logLevel = new(slog.LevelVar)
	logger   = slog.Default()
	initErr  error
)

var rootCmd = &cobra.Command{
	Use:   "uabridge",
	Short: "OPC UA state store bridge",
	Long: `Synchronize OPC UA variables with a key-value state store.

In the client role the bridge mirrors remote nodes into the store and writes
unacknowledged store values back to the server. In the server role it exposes
store points as OPC UA variables.

Examples:
  uabridge run --config uabridge.yaml
  uabridge run --role server --store redis
  uabridge browse -e opc.tcp://localhost:4840 -n "i=85" --depth 2
  uabridge read -e opc.tcp://localhost:4840 -n "ns=2;s=Line/Speed"
  uabridge write -e opc.tcp://localhost:4840 -n "ns=2;s=Line/Speed" 42`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "", "Configuration file (YAML)")
	flags.String("role", "client", "Bridge role: client or server")
	flags.String("namespace", "opcua.0", "Namespace prefixing every point id")
	flags.StringP("endpoint", "e", "", "OPC UA server endpoint URL")
	flags.StringP("security-policy", "s", "None", "Security policy (None, Basic128Rsa15, Basic256, Basic256Sha256, Aes128Sha256RsaOaep, Aes256Sha256RsaPss)")
	flags.StringP("security-mode", "m", "", "Security mode (None, Sign, SignAndEncrypt); defaults from --auth")
	flags.String("auth", "anonymous", "Authentication: anonymous, username or certificate")
	flags.StringP("username", "u", "", "User name")
	flags.StringP("password", "p", "", "Password")
	flags.String("cert", "", "Path to client certificate file (PEM or DER)")
	flags.String("key", "", "Path to client private key file (PEM)")
	flags.DurationP("timeout", "t", 0, "Request timeout (default 5s)")
	flags.String("store", "memory", "State store: memory, redis or nats")
	flags.String("log-level", "info", "Log level: debug, info, warn, error")
	flags.String("log-format", "text", "Log format: text or json")

	bind := map[string]string{
		"role":                   "role",
		"namespace":              "namespace",
		"client.endpoint":        "endpoint",
		"client.security_policy": "security-policy",
		"client.security_mode":   "security-mode",
		"client.auth":            "auth",
		"client.username":        "username",
		"client.password":        "password",
		"client.cert_file":       "cert",
		"client.key_file":        "key",
		"store.kind":             "store",
		"log.level":              "log-level",
		"log.format":             "log-format",
	}
	for key, flag := range bind {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(browseCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(gencertCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	initErr = config.ReadFile(v, cfgFile)
}

// setup loads and validates the configuration and builds the logger.
func setup(cmd *cobra.Command) error {
	if initErr != nil {
		return initErr
	}
	loaded, err := config.Load(v)
	if err != nil {
		return err
	}
	if t, _ := cmd.Flags().GetDuration("timeout"); t > 0 {
		loaded.Client.RequestTimeout = t
	}
	cfg = loaded
	logger = config.NewLogger(os.Stderr, cfg.Log, logLevel)
	slog.SetDefault(logger)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
