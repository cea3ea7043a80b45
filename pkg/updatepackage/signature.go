package updatepackage

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/lestrrat-go/jwx/jwa"
	"github.com/lestrrat-go/jwx/jwk"
	"github.com/lestrrat-go/jwx/jws"
	"github.com/otelfleet/otaagent/pkg/agenterr"
)

var (
	ErrMalformedSignature = errors.New("malformed signature")
	ErrMissingSignature   = errors.New("package is not signed")
)

// ParsePublicKey decodes a PEM encoded RSA or Ed25519 public key.
func ParsePublicKey(pemData []byte) (any, error) {
	key, err := jwk.ParseKey(pemData, jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return raw, nil
}

func algorithmFor(key any) (jwa.SignatureAlgorithm, error) {
	switch key.(type) {
	case ed25519.PrivateKey, ed25519.PublicKey:
		return jwa.EdDSA, nil
	case *rsa.PrivateKey, *rsa.PublicKey:
		return jwa.RS256, nil
	default:
		return "", errors.New("invalid key type, expected ed25519 or rsa")
	}
}

// Sign produces a detached compact JWS over raw metadata, the format
// carried by the UH-Signature header and the package "signature" entry.
func Sign(raw []byte, key any) ([]byte, error) {
	alg, err := algorithmFor(key)
	if err != nil {
		return nil, err
	}
	sig, err := jws.Sign(raw, alg, key)
	if err != nil {
		return nil, err
	}
	firstIndex := bytes.IndexByte(sig, '.')
	lastIndex := bytes.LastIndexByte(sig, '.')
	buf := new(bytes.Buffer)
	buf.Write(sig[:firstIndex+1])
	buf.Write(sig[lastIndex:])
	return buf.Bytes(), nil
}

// VerifySignature checks a detached signature produced by Sign.
func VerifySignature(raw, sig []byte, key any) error {
	alg, err := algorithmFor(key)
	if err != nil {
		return err
	}
	sig = bytes.TrimSpace(sig)
	firstIndex := bytes.IndexByte(sig, '.')
	lastIndex := bytes.LastIndexByte(sig, '.')
	if firstIndex == -1 || firstIndex == lastIndex {
		return ErrMalformedSignature
	}
	buf := new(bytes.Buffer)
	buf.Write(sig[:firstIndex+1])
	buf.WriteString(base64.RawURLEncoding.EncodeToString(raw))
	buf.Write(sig[lastIndex:])
	if _, err := jws.Verify(buf.Bytes(), alg, key); err != nil {
		return err
	}
	return nil
}

// Verify checks the package signature against key. A nil key disables
// verification.
func (u *UpdatePackage) Verify(key any) error {
	if key == nil {
		return nil
	}
	if len(u.Signature) == 0 {
		return agenterr.Validation("signature", ErrMissingSignature)
	}
	if err := VerifySignature(u.Raw, u.Signature, key); err != nil {
		return agenterr.Validation("signature", err)
	}
	return nil
}
