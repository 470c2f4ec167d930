package signing

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// ServiceAccount holds the identity and key used by GoogleV4.
type ServiceAccount struct {
	ClientEmail string
	PrivateKey  *rsa.PrivateKey
}

type serviceAccountFile struct {
	Type        string `json:"type"`
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

// LoadServiceAccountFile reads a service account JSON key from path.
func LoadServiceAccountFile(path string) (*ServiceAccount, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signing: read service account: %w", err)
	}
	return ParseServiceAccount(data)
}

// ParseServiceAccount decodes a service account JSON key.
func ParseServiceAccount(data []byte) (*ServiceAccount, error) {
	var raw serviceAccountFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("signing: decode service account: %w", err)
	}
	if raw.Type != "" && raw.Type != "service_account" {
		return nil, fmt.Errorf("signing: unsupported credential type %q", raw.Type)
	}
	if raw.ClientEmail == "" {
		return nil, errors.New("signing: service account missing client_email")
	}
	key, err := ParseRSAPrivateKey([]byte(raw.PrivateKey))
	if err != nil {
		return nil, err
	}
	return &ServiceAccount{ClientEmail: raw.ClientEmail, PrivateKey: key}, nil
}

// ParseRSAPrivateKey decodes a PEM encoded PKCS#8 or PKCS#1 RSA key.
func ParseRSAPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("signing: private_key is not PEM encoded")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("signing: private_key is not an RSA key")
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("signing: parse private_key: %w", err)
	}
	return key, nil
}
