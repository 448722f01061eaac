package tunnel

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"strings"

	"github.com/hashicorp/go-rootcerts"
	"github.com/pkg/errors"
)

var ErrUnsupportedCertType = errors.New("unsupported certificate type")

// TLSOptions configures the client side of a TLS session.
type TLSOptions struct {
	ServerName string

	// VerifyPeer verifies the certificate chain.
	VerifyPeer bool
	// VerifyHost verifies that the certificate matches ServerName.
	// It has no effect when VerifyPeer is false.
	VerifyHost bool

	// CAFile is used when it names an existing file.
	// Otherwise CAPath is used when it names a directory other than ".".
	// The system pool is used when neither applies.
	CAFile string
	CAPath string

	CertFile     string
	CertType     string // PEM or DER
	CertPassword string
	KeyFile      string
	KeyType      string // PEM or DER
	KeyPassword  string
}

// Config builds a tls.Config from opts.
func (opts TLSOptions) Config() (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName: opts.ServerName,
		MinVersion: tls.VersionTLS12,
	}

	if opts.VerifyPeer {
		roots, err := loadRoots(opts.CAFile, opts.CAPath)
		if err != nil {
			return nil, errors.Wrap(err, "error setting certificate verify locations")
		}
		cfg.RootCAs = roots

		if !opts.VerifyHost {
			// Verify the chain without the name check.
			cfg.InsecureSkipVerify = true
			cfg.VerifyConnection = func(cs tls.ConnectionState) error {
				return verifyChain(cs, roots)
			}
		}
	} else {
		cfg.InsecureSkipVerify = true
	}

	if opts.CertFile != "" {
		cert, err := loadClientCert(opts)
		if err != nil {
			return nil, errors.Wrap(err, "unable to use client certificate")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func isFile(path string) bool {
	if path == "" {
		return false
	}
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

func isDir(path string) bool {
	if path == "" || path == "." {
		return false
	}
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// loadRoots returns nil for the system pool.
func loadRoots(caFile, caPath string) (*x509.CertPool, error) {
	cfg := &rootcerts.Config{}
	switch {
	case isFile(caFile):
		cfg.CAFile = caFile
	case isDir(caPath):
		cfg.CAPath = caPath
	default:
		return nil, nil
	}

	return rootcerts.LoadCACerts(cfg)
}

func verifyChain(cs tls.ConnectionState, roots *x509.CertPool) error {
	if len(cs.PeerCertificates) == 0 {
		return errors.New("no peer certificate")
	}

	intermediates := x509.NewCertPool()
	for _, cert := range cs.PeerCertificates[1:] {
		intermediates.AddCert(cert)
	}

	_, err := cs.PeerCertificates[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
	})
	return err
}

func readPEM(path, typ, blockType, password string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch strings.ToUpper(typ) {
	case "", "PEM":
	case "DER":
		return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: b}), nil
	default:
		return nil, errors.Wrap(ErrUnsupportedCertType, typ)
	}

	if password == "" {
		return b, nil
	}

	out := make([]byte, 0, len(b))
	for rest := b; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}

		//nolint:staticcheck // Legacy encrypted PEM keys are still in the wild.
		if x509.IsEncryptedPEMBlock(block) {
			der, err := x509.DecryptPEMBlock(block, []byte(password))
			if err != nil {
				return nil, errors.Wrap(err, "decrypting key")
			}
			block = &pem.Block{Type: block.Type, Bytes: der}
		}
		out = append(out, pem.EncodeToMemory(block)...)
	}

	return out, nil
}

func loadClientCert(opts TLSOptions) (tls.Certificate, error) {
	password := opts.KeyPassword
	if password == "" {
		password = opts.CertPassword
	}

	certPEM, err := readPEM(opts.CertFile, opts.CertType, "CERTIFICATE", "")
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "reading certificate")
	}

	keyFile := opts.KeyFile
	if keyFile == "" {
		// The key is in the certificate file.
		keyFile = opts.CertFile
	}
	keyPEM, err := readPEM(keyFile, opts.KeyType, "PRIVATE KEY", password)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "reading key")
	}

	return tls.X509KeyPair(certPEM, keyPEM)
}
