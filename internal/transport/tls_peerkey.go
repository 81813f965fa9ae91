package transport

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// peerPubKeyPKCS1 extracts the leaf certificate's RSA public key from an
// established TLS session, PKCS#1 DER encoded. Non-RSA leaf keys are
// rejected: the external CredSSP component this is exposed for only
// understands the RSA binding.
func peerPubKeyPKCS1(conn *tls.Conn) ([]byte, error) {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("transport: tls peer pubkey: no peer certificate")
	}

	leaf := state.PeerCertificates[0]
	pub, ok := leaf.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("transport: tls peer pubkey: non-RSA certificate")
	}

	return x509.MarshalPKCS1PublicKey(pub), nil
}
