// Package crypto signs and verifies detached RS256 JWS documents used for
// recipe packs and delivery manifests.
package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
)

// JWS is the flattened JSON serialization. Payload is empty for detached
// signatures; the verifier supplies the payload bytes.
type JWS struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload,omitempty"`
	Signature string `json:"signature"`
}

type header struct {
	Alg string   `json:"alg"`
	Typ string   `json:"typ,omitempty"`
	X5C []string `json:"x5c,omitempty"`
}

// SignDetachedJWS signs payload with an RSA private key. Any certificates in
// chainPEM are embedded as the x5c header, leaf first.
func SignDetachedJWS(payload []byte, privateKeyPEM []byte, chainPEM ...[]byte) (JWS, error) {
	priv, err := ParseRSAPrivateKey(privateKeyPEM)
	if err != nil {
		return JWS{}, err
	}
	hdr := header{Alg: "RS256", Typ: "JOSE"}
	for _, c := range chainPEM {
		certs, err := parseCertificates(c)
		if err != nil {
			return JWS{}, err
		}
		for _, cert := range certs {
			hdr.X5C = append(hdr.X5C, base64.StdEncoding.EncodeToString(cert.Raw))
		}
	}
	hb, err := json.Marshal(hdr)
	if err != nil {
		return JWS{}, err
	}
	protected := base64.RawURLEncoding.EncodeToString(hb)

	h := sha256.Sum256([]byte(signingInput(protected, payload)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, h[:])
	if err != nil {
		return JWS{}, err
	}
	return JWS{
		Protected: protected,
		Signature: base64.RawURLEncoding.EncodeToString(sig),
	}, nil
}

// ParseDetachedJWS decodes a JWS document.
func ParseDetachedJWS(data []byte) (JWS, error) {
	var j JWS
	if err := json.Unmarshal(data, &j); err != nil {
		return JWS{}, err
	}
	if j.Protected == "" || j.Signature == "" {
		return JWS{}, errors.New("jws missing protected header or signature")
	}
	return j, nil
}

// VerifyDetachedJWS checks the signature with the public key of the PEM
// certificate certPEM.
func VerifyDetachedJWS(payload []byte, j JWS, certPEM []byte) error {
	certs, err := parseCertificates(certPEM)
	if err != nil {
		return err
	}
	if len(certs) == 0 {
		return errors.New("no certificate in pem")
	}
	if _, err := decodeHeader(j); err != nil {
		return err
	}
	return verifyWith(certs[0], payload, j)
}

// VerifyDetachedJWSWithX5C verifies the x5c chain against roots and the
// signature against the leaf. It returns the leaf certificate.
func VerifyDetachedJWSWithX5C(payload []byte, j JWS, roots *x509.CertPool) (*x509.Certificate, error) {
	if roots == nil {
		return nil, errors.New("nil trust pool")
	}
	hdr, err := decodeHeader(j)
	if err != nil {
		return nil, err
	}
	if len(hdr.X5C) == 0 {
		return nil, errors.New("jws has no x5c chain")
	}
	var chain []*x509.Certificate
	for i, enc := range hdr.X5C {
		der, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("x5c[%d]: %w", i, err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("x5c[%d]: %w", i, err)
		}
		chain = append(chain, cert)
	}
	inter := x509.NewCertPool()
	for _, c := range chain[1:] {
		inter.AddCert(c)
	}
	leaf := chain[0]
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inter,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, fmt.Errorf("certificate chain: %w", err)
	}
	if err := verifyWith(leaf, payload, j); err != nil {
		return nil, err
	}
	return leaf, nil
}

func verifyWith(cert *x509.Certificate, payload []byte, j JWS) error {
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return errors.New("certificate key is not RSA")
	}
	if j.Payload != "" && j.Payload != base64.RawURLEncoding.EncodeToString(payload) {
		return errors.New("embedded payload differs from detached payload")
	}
	sig, err := base64.RawURLEncoding.DecodeString(j.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	h := sha256.Sum256([]byte(signingInput(j.Protected, payload)))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], sig); err != nil {
		return errors.New("signature mismatch")
	}
	return nil
}

func decodeHeader(j JWS) (header, error) {
	var hdr header
	hb, err := base64.RawURLEncoding.DecodeString(j.Protected)
	if err != nil {
		return hdr, fmt.Errorf("decode protected header: %w", err)
	}
	if err := json.Unmarshal(hb, &hdr); err != nil {
		return hdr, fmt.Errorf("parse protected header: %w", err)
	}
	if hdr.Alg != "RS256" {
		return hdr, fmt.Errorf("unsupported alg %q", hdr.Alg)
	}
	return hdr, nil
}

func signingInput(protected string, payload []byte) string {
	return protected + "." + base64.RawURLEncoding.EncodeToString(payload)
}

// ParseRSAPrivateKey accepts PKCS#1 and PKCS#8 PEM keys.
func ParseRSAPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no pem block")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return key, nil
}

func parseCertificates(pemBytes []byte) ([]*x509.Certificate, error) {
	var out []*x509.Certificate
	rest := pemBytes
	for len(rest) > 0 {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		out = append(out, cert)
	}
	return out, nil
}

// LoadCertPool parses every CERTIFICATE block of the given PEM documents.
func LoadCertPool(pems ...[]byte) (*x509.CertPool, int, error) {
	pool := x509.NewCertPool()
	n := 0
	for _, p := range pems {
		certs, err := parseCertificates(p)
		if err != nil {
			return nil, 0, err
		}
		for _, c := range certs {
			pool.AddCert(c)
			n++
		}
	}
	return pool, n, nil
}

// CertificateNames returns the subject and issuer of the first certificate in
// certPEM.
func CertificateNames(certPEM []byte) (subject, issuer string, err error) {
	certs, err := parseCertificates(certPEM)
	if err != nil {
		return "", "", err
	}
	if len(certs) == 0 {
		return "", "", errors.New("no certificate in pem")
	}
	return certs[0].Subject.String(), certs[0].Issuer.String(), nil
}
