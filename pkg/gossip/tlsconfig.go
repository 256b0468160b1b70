package gossip

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSFiles names the PEM files backing a node's mutual-TLS identity:
// its own leaf certificate and key, plus the CA bundle every peer's
// certificate must chain to.
type TLSFiles struct {
	CACert   string
	NodeCert string
	NodeKey  string
}

// alpnProtocol is advertised in the TLS ClientHello/ServerHello so a
// misconfigured peer speaking an unrelated QUIC protocol on the same
// port fails the handshake immediately rather than at the application
// layer.
const alpnProtocol = "gossipmesh/1"

// buildTLSConfig loads f's certificate, key, and CA bundle into a
// tls.Config requiring mutual authentication on both the listening and
// dialing side: every connection, inbound or outbound, must present a
// certificate chaining to the same CA bundle.
func buildTLSConfig(f TLSFiles) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(f.NodeCert, f.NodeKey)
	if err != nil {
		return nil, fmt.Errorf("gossip: load node cert/key: %w", err)
	}

	caData, err := os.ReadFile(f.CACert)
	if err != nil {
		return nil, fmt.Errorf("gossip: read ca bundle %q: %w", f.CACert, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caData) {
		return nil, fmt.Errorf("gossip: failed to parse ca bundle %q", f.CACert)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{alpnProtocol},
		// Peers are identified by NodeId via the application-layer hello,
		// not by DNS name, so hostname verification is meaningless here.
		// InsecureSkipVerify turns off Go's built-in verification of the
		// server certificate (chain and hostname) on the dialing side;
		// VerifyPeerCertificate below re-checks the chain against pool.
		InsecureSkipVerify: true,
	}
	cfg.VerifyPeerCertificate = chainVerifier(pool)
	return cfg, nil
}

// chainVerifier returns a VerifyPeerCertificate callback that verifies
// the presented certificate chains to pool, without any hostname check.
func chainVerifier(pool *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("gossip: no certificate presented")
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("gossip: parse peer certificate: %w", err)
		}
		intermediates := x509.NewCertPool()
		for _, raw := range rawCerts[1:] {
			if c, err := x509.ParseCertificate(raw); err == nil {
				intermediates.AddCert(c)
			}
		}
		_, err = leaf.Verify(x509.VerifyOptions{
			Roots:         pool,
			Intermediates: intermediates,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		})
		return err
	}
}
