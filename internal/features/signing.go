// internal/features/signing.go
package features

import (
	"crypto/sha1"
	"crypto/x509"
	"debug/pe"
	"encoding/binary"
	"encoding/hex"
	"io"
	"strings"

	"go.mozilla.org/pkcs7"
	"go.uber.org/zap"
)

const (
	winCertTypePKCSSignedData = 0x0002
	winCertHeaderSize         = 8
	maxCertificateTable       = 1 << 20
)

// readSigning decodes the first PKCS#7 entry in the attribute certificate
// table. The security directory address is a file offset, not an RVA.
func (e *Extractor) readSigning(r io.ReaderAt, dir pe.DataDirectory, path string) SigningInfo {
	info := SigningInfo{Present: true}
	if dir.Size < winCertHeaderSize || dir.Size > maxCertificateTable {
		return info
	}

	table := make([]byte, dir.Size)
	if _, err := r.ReadAt(table, int64(dir.VirtualAddress)); err != nil {
		e.logger.Debug("Certificate table unreadable", zap.String("path", path), zap.Error(err))
		return info
	}

	length := binary.LittleEndian.Uint32(table[0:4])
	certType := binary.LittleEndian.Uint16(table[6:8])
	if certType != winCertTypePKCSSignedData || length < winCertHeaderSize || length > dir.Size {
		return info
	}

	p7, err := pkcs7.Parse(table[winCertHeaderSize:length])
	if err != nil {
		e.logger.Debug("Authenticode blob is not valid PKCS#7", zap.String("path", path), zap.Error(err))
		return info
	}
	if len(p7.Certificates) == 0 {
		return info
	}

	leaf := p7.GetOnlySigner()
	if leaf == nil {
		leaf = p7.Certificates[0]
	}
	now := e.now()
	info.LeafExpired = now.After(leaf.NotAfter)

	chain := e.buildChain(leaf, p7.Certificates)
	if chain != nil {
		info.ChainBuilt = true
	} else {
		chain = append([]*x509.Certificate{leaf}, without(p7.Certificates, leaf)...)
	}

	for _, c := range chain {
		info.Thumbprints = append(info.Thumbprints, Thumbprint(c))
		if e.revocation != nil && e.revocation.IsRevoked(c) {
			info.Revoked = true
		}
	}
	return info
}

func (e *Extractor) buildChain(leaf *x509.Certificate, embedded []*x509.Certificate) []*x509.Certificate {
	intermediates := x509.NewCertPool()
	for _, c := range embedded {
		if c != leaf {
			intermediates.AddCert(c)
		}
	}
	roots := e.roots
	if roots == nil {
		var err error
		if roots, err = x509.SystemCertPool(); err != nil {
			return nil
		}
	}
	chains, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   e.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil || len(chains) == 0 {
		return nil
	}
	return chains[0]
}

func without(certs []*x509.Certificate, skip *x509.Certificate) []*x509.Certificate {
	out := make([]*x509.Certificate, 0, len(certs))
	for _, c := range certs {
		if c != skip {
			out = append(out, c)
		}
	}
	return out
}

// Thumbprint returns the upper-case SHA-1 hex digest of the DER certificate.
func Thumbprint(c *x509.Certificate) string {
	sum := sha1.Sum(c.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}
