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
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/uabridge/server"
)

var (
	certOutput      string
	keyOutput       string
	certName        string
	certOrg         string
	certCountry     string
	certLocality    string
	certAppURI      string
	certDNSNames    string
	certIPAddresses string
	certValidDays   int
	certKeySize     int
)

var gencertCmd = &cobra.Command{
	Use:   "gencert",
	Short: "Generate a self-signed certificate for OPC UA",
	Long: `Generate a self-signed X.509 certificate and private key usable by both
roles: the certificate carries the server and client authentication usages and
the application URI as a subject alternative name.

Examples:
  uabridge gencert
  uabridge gencert --cert ./pki/cert.pem --key ./pki/key.pem
  uabridge gencert --app-uri "urn:plant:uabridge" --dns "localhost,gw.local" --ip "127.0.0.1,10.0.0.5"`,
	RunE: runGencert,
}

func init() {
	gencertCmd.Flags().StringVar(&certOutput, "cert", "uabridge-cert.pem", "Output path for certificate")
	gencertCmd.Flags().StringVar(&keyOutput, "key", "uabridge-key.pem", "Output path for private key")
	gencertCmd.Flags().StringVar(&certName, "name", "uabridge", "Common name")
	gencertCmd.Flags().StringVar(&certOrg, "org", "Edgeo SCADA", "Organization name")
	gencertCmd.Flags().StringVar(&certCountry, "country", "", "Country code (2 letters)")
	gencertCmd.Flags().StringVar(&certLocality, "locality", "", "Locality/City name")
	gencertCmd.Flags().StringVar(&certAppURI, "app-uri", "", "OPC UA Application URI (default: generated)")
	gencertCmd.Flags().StringVar(&certDNSNames, "dns", "", "Comma-separated DNS names (default: localhost and the host name)")
	gencertCmd.Flags().StringVar(&certIPAddresses, "ip", "", "Comma-separated IP addresses (default: 127.0.0.1)")
	gencertCmd.Flags().IntVar(&certValidDays, "days", 365, "Certificate validity in days")
	gencertCmd.Flags().IntVar(&certKeySize, "key-size", 2048, "RSA key size in bits (2048 or 4096)")
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func runGencert(cmd *cobra.Command, args []string) error {
	req := server.CertificateRequest{
		CommonName:     certName,
		Organization:   certOrg,
		Country:        certCountry,
		Locality:       certLocality,
		ApplicationURI: certAppURI,
		DNSNames:       splitList(certDNSNames),
		ValidFor:       time.Duration(certValidDays) * 24 * time.Hour,
		KeySize:        certKeySize,
	}
	for _, s := range splitList(certIPAddresses) {
		ip := net.ParseIP(s)
		if ip == nil {
			return fmt.Errorf("invalid IP address: %s", s)
		}
		req.IPAddresses = append(req.IPAddresses, ip)
	}

	fmt.Printf("Generating %d-bit RSA key pair...\n", certKeySize)
	der, key, err := server.GenerateSelfSigned(req)
	if err != nil {
		return err
	}
	certPEM, keyPEM := server.EncodePEM(der, key)

	for _, out := range []struct {
		path string
		data []byte
		mode os.FileMode
	}{
		{certOutput, certPEM, 0o644},
		{keyOutput, keyPEM, 0o600},
	} {
		if dir := filepath.Dir(out.path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}
		if err := os.WriteFile(out.path, out.data, out.mode); err != nil {
			return fmt.Errorf("failed to write %s: %w", out.path, err)
		}
	}

	cert, _, err := server.LoadCertificate(certPEM)
	if err != nil {
		return err
	}
	fmt.Printf("Certificate: %s\n", certOutput)
	fmt.Printf("Private key: %s\n", keyOutput)
	fmt.Printf("  Subject:   %s\n", cert.Subject)
	for _, u := range cert.URIs {
		fmt.Printf("  URI:       %s\n", u)
	}
	fmt.Printf("  Valid:     %s to %s\n", cert.NotBefore.Format(time.RFC3339), cert.NotAfter.Format(time.RFC3339))
	return nil
}
