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

package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
)

// CertificateRequest describes a self-signed application instance
// certificate.
type CertificateRequest struct {
	CommonName     string
	Organization   string
	Country        string
	Locality       string
	ApplicationURI string
	DNSNames       []string
	IPAddresses    []net.IP
	ValidFor       time.Duration
	KeySize        int
}

func (r *CertificateRequest) applyDefaults() {
	if r.CommonName == "" {
		r.CommonName = DefaultName
	}
	if r.Organization == "" {
		r.Organization = "Edgeo SCADA"
	}
	if r.ApplicationURI == "" {
		r.ApplicationURI = NewApplicationURI(DefaultName)
	}
	if len(r.DNSNames) == 0 {
		r.DNSNames = []string{"localhost"}
		if host, err := os.Hostname(); err == nil && host != "" && host != "localhost" {
			r.DNSNames = append(r.DNSNames, host)
		}
	}
	if len(r.IPAddresses) == 0 {
		r.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
	}
	if r.ValidFor <= 0 {
		r.ValidFor = 365 * 24 * time.Hour
	}
	if r.KeySize == 0 {
		r.KeySize = 2048
	}
}

// NewApplicationURI returns a unique application URI for name.
func NewApplicationURI(name string) string {
	return "urn:" + name + ":" + uuid.NewString()
}

// GenerateSelfSigned creates an RSA key pair and a self-signed certificate
// usable by both roles. The certificate is returned DER encoded.
func GenerateSelfSigned(req CertificateRequest) ([]byte, *rsa.PrivateKey, error) {
	req.applyDefaults()
	if req.KeySize != 2048 && req.KeySize != 4096 {
		return nil, nil, fmt.Errorf("key size must be 2048 or 4096, got %d", req.KeySize)
	}

	key, err := rsa.GenerateKey(rand.Reader, req.KeySize)
	if err != nil {
		return nil, nil, fmt.Errorf("generate private key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial number: %w", err)
	}
	appURI, err := url.Parse(req.ApplicationURI)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid application URI: %w", err)
	}

	subject := pkix.Name{
		CommonName:   req.CommonName,
		Organization: []string{req.Organization},
	}
	if req.Country != "" {
		subject.Country = []string{req.Country}
	}
	if req.Locality != "" {
		subject.Locality = []string{req.Locality}
	}

	notBefore := time.Now().Add(-time.Minute)
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      subject,
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(req.ValidFor),
		KeyUsage: x509.KeyUsageDigitalSignature |
			x509.KeyUsageKeyEncipherment |
			x509.KeyUsageDataEncipherment |
			x509.KeyUsageCertSign,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		DNSNames:              req.DNSNames,
		IPAddresses:           req.IPAddresses,
		URIs:                  []*url.URL{appURI},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	return der, key, nil
}

// EncodePEM encodes a DER certificate and an RSA key as PEM blocks.
func EncodePEM(der []byte, key *rsa.PrivateKey) (certPEM, keyPEM []byte) {
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM
}

// LoadCertificate loads a certificate from PEM encoded bytes. DER input is
// accepted as well.
func LoadCertificate(data []byte) (*x509.Certificate, []byte, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, nil, fmt.Errorf("expected CERTIFICATE, got %s", block.Type)
		}
		der = block.Bytes
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, der, nil
}

// LoadPrivateKey loads an RSA private key from PEM encoded bytes.
func LoadPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("decode PEM block")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse PKCS1 private key: %w", err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse PKCS8 private key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("private key is not RSA")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}
}

// LoadKeyPair reads a certificate and its private key from files.
func LoadKeyPair(certFile, keyFile string) ([]byte, *rsa.PrivateKey, error) {
	certData, err := os.ReadFile(certFile)
	if err != nil {
		return nil, nil, fmt.Errorf("read certificate: %w", err)
	}
	_, der, err := LoadCertificate(certData)
	if err != nil {
		return nil, nil, err
	}
	keyData, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := LoadPrivateKey(keyData)
	if err != nil {
		return nil, nil, err
	}
	return der, key, nil
}
