package checkpoint

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/veraison/go-cose"
)

// ErrSignatureInvalid is returned when a COSE_Sign1 checkpoint signature
// does not verify.
var ErrSignatureInvalid = errors.New("checkpoint signature invalid")

// contentType labels the signed payload.
const contentType = "application/json"

// Signer produces COSE_Sign1 envelopes over canonical checkpoints. The key is
// supplied by the operator; it is never generated or stored here.
type Signer struct {
	signer cose.Signer
}

// NewSigner wraps an Ed25519 private key.
func NewSigner(key ed25519.PrivateKey) (*Signer, error) {
	s, err := cose.NewSigner(cose.AlgorithmEd25519, key)
	if err != nil {
		return nil, fmt.Errorf("create cose signer: %w", err)
	}
	return &Signer{signer: s}, nil
}

// LoadSigningKey reads a PEM-encoded PKCS#8 Ed25519 private key.
func LoadSigningKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("signing key %s: no PEM block", path)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key %s is %T, want ed25519", path, parsed)
	}
	return key, nil
}

// LoadVerifyKey reads a PEM-encoded Ed25519 public key (PKIX). A PKCS#8
// private key is also accepted and its public half returned.
func LoadVerifyKey(path string) (ed25519.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read verify key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("verify key %s: no PEM block", path)
	}
	if block.Type == "PRIVATE KEY" {
		priv, err := LoadSigningKey(path)
		if err != nil {
			return nil, err
		}
		return priv.Public().(ed25519.PublicKey), nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse verify key: %w", err)
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("verify key %s is %T, want ed25519", path, parsed)
	}
	return key, nil
}

// Sign returns the tagged COSE_Sign1 message whose payload is the canonical
// checkpoint.
func (s *Signer) Sign(cp *Checkpoint) ([]byte, error) {
	payload, err := cp.Canonical()
	if err != nil {
		return nil, err
	}
	headers := cose.Headers{
		Protected: cose.ProtectedHeader{
			cose.HeaderLabelAlgorithm:   cose.AlgorithmEd25519,
			cose.HeaderLabelContentType: contentType,
		},
	}
	msg, err := cose.Sign1(rand.Reader, s.signer, headers, payload, nil)
	if err != nil {
		return nil, fmt.Errorf("sign checkpoint %s: %w", cp.Date, err)
	}
	return msg, nil
}

// VerifySignature checks a COSE_Sign1 envelope against pub and returns the
// checkpoint it carries, with its own hash also verified.
func VerifySignature(envelope []byte, pub ed25519.PublicKey) (*Checkpoint, error) {
	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(envelope); err != nil {
		return nil, fmt.Errorf("decode cose envelope: %w", err)
	}
	verifier, err := cose.NewVerifier(cose.AlgorithmEd25519, pub)
	if err != nil {
		return nil, fmt.Errorf("create cose verifier: %w", err)
	}
	if err := msg.Verify(nil, verifier); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	cp, err := Parse(msg.Payload)
	if err != nil {
		return nil, err
	}
	if err := cp.VerifyHash(); err != nil {
		return nil, err
	}
	return cp, nil
}
