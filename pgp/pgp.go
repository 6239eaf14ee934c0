// Package pgp wraps the OpenPGP operations the archive needs: verifying
// upload signatures against a keyring set and signing published Release
// files. Verification reports the signer so the upload pipeline can map a
// signature to an uploader; signing produces both clearsigned and detached
// armored output.
package pgp

import (
	"bytes"
	"crypto"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// VerifyResult is the outcome of checking a possibly-signed document.
type VerifyResult struct {
	// Valid is true when a signature was present and checked out against the
	// keyring set.
	Valid bool
	// Weak is true when the signature uses a digest algorithm that is no
	// longer acceptable for uploads (MD5, SHA-1, RIPEMD-160).
	Weak bool
	// SignerFingerprint is the hex fingerprint of the (sub)key that made the
	// signature.
	SignerFingerprint string
	// PrimaryFingerprint is the hex fingerprint of the signer's primary key.
	PrimaryFingerprint string
	// Cleartext is the payload with any signature armor stripped.
	Cleartext []byte
}

// SignatureError reports a signature that is missing or failed to verify.
type SignatureError struct {
	Reason string
	Err    error
}

func (e *SignatureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signature error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("signature error: %s", e.Reason)
}

func (e *SignatureError) Unwrap() error { return e.Err }

// Verifier validates inline (clearsigned) documents against a set of
// trusted keyrings.
type Verifier struct {
	keyring openpgp.EntityList
}

// NewVerifier loads the given keyring files (armored or binary) into one
// combined keyring.
func NewVerifier(keyringPaths ...string) (*Verifier, error) {
	var combined openpgp.EntityList
	for _, path := range keyringPaths {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading keyring %s: %w", path, err)
		}
		entities, err := readKeyRing(content)
		if err != nil {
			return nil, fmt.Errorf("parsing keyring %s: %w", path, err)
		}
		combined = append(combined, entities...)
	}
	return &Verifier{keyring: combined}, nil
}

// NewVerifierFromKeyring wraps an already-loaded keyring.
func NewVerifierFromKeyring(keyring openpgp.EntityList) *Verifier {
	return &Verifier{keyring: keyring}
}

func readKeyRing(content []byte) (openpgp.EntityList, error) {
	if bytes.Contains(content, []byte("-----BEGIN PGP")) {
		return openpgp.ReadArmoredKeyRing(bytes.NewReader(content))
	}
	return openpgp.ReadKeyRing(bytes.NewReader(content))
}

// Verify checks data, which may be a clearsigned document or plain text.
// When requireSignature is set, unsigned or unverifiable input returns a
// *SignatureError. Otherwise unsigned input passes through with Valid=false.
func (v *Verifier) Verify(data []byte, requireSignature bool) (*VerifyResult, error) {
	block, _ := clearsign.Decode(data)
	if block == nil {
		if requireSignature {
			return nil, &SignatureError{Reason: "no signature found"}
		}
		return &VerifyResult{Cleartext: data}, nil
	}

	sigBytes, err := io.ReadAll(block.ArmoredSignature.Body)
	if err != nil {
		return nil, &SignatureError{Reason: "unreadable signature", Err: err}
	}

	weak := false
	if sig := parseSignaturePacket(sigBytes); sig != nil {
		switch sig.Hash {
		case crypto.MD5, crypto.SHA1, crypto.RIPEMD160:
			weak = true
		}
	}

	signer, err := openpgp.CheckDetachedSignature(
		v.keyring, bytes.NewReader(block.Bytes), bytes.NewReader(sigBytes), nil)
	if err != nil {
		if requireSignature {
			return nil, &SignatureError{Reason: "signature did not verify", Err: err}
		}
		return &VerifyResult{Cleartext: block.Plaintext, Weak: weak}, nil
	}

	res := &VerifyResult{
		Valid:              true,
		Weak:               weak,
		PrimaryFingerprint: Fingerprint(signer.PrimaryKey),
		SignerFingerprint:  signerFingerprint(signer, sigBytes),
		Cleartext:          block.Plaintext,
	}
	return res, nil
}

// parseSignaturePacket extracts the signature packet for algorithm
// inspection. A nil return means the packet could not be parsed; the
// verification call will fail on its own in that case.
func parseSignaturePacket(sigBytes []byte) *packet.Signature {
	p, err := packet.Read(bytes.NewReader(sigBytes))
	if err != nil {
		return nil
	}
	sig, ok := p.(*packet.Signature)
	if !ok {
		return nil
	}
	return sig
}

// signerFingerprint resolves the fingerprint of the exact (sub)key that
// issued the signature, falling back to the primary key.
func signerFingerprint(e *openpgp.Entity, sigBytes []byte) string {
	sig := parseSignaturePacket(sigBytes)
	if sig != nil && sig.IssuerKeyId != nil {
		for _, sub := range e.Subkeys {
			if sub.PublicKey.KeyId == *sig.IssuerKeyId {
				return Fingerprint(sub.PublicKey)
			}
		}
	}
	return Fingerprint(e.PrimaryKey)
}

// Fingerprint renders a public key fingerprint in the uppercase hex form
// keyrings and uploader records use.
func Fingerprint(key *packet.PublicKey) string {
	return strings.ToUpper(fmt.Sprintf("%x", key.Fingerprint))
}

// Signer produces the archive's Release signatures.
type Signer struct {
	entity *openpgp.Entity
}

// NewSigner loads a private key (armored or binary) from path and selects
// the first entity carrying private key material.
func NewSigner(path string) (*Signer, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading signing key %s: %w", path, err)
	}
	return NewSignerFromKey(content)
}

// NewSignerFromKey builds a Signer from in-memory key material.
func NewSignerFromKey(content []byte) (*Signer, error) {
	entities, err := readKeyRing(content)
	if err != nil {
		return nil, fmt.Errorf("parsing signing key: %w", err)
	}
	for _, e := range entities {
		if e.PrivateKey != nil {
			return &Signer{entity: e}, nil
		}
	}
	return nil, fmt.Errorf("no private key found in signing key material")
}

// Clearsign returns the input as an inline-signed (clearsigned) document,
// as used for InRelease.
func (s *Signer) Clearsign(data []byte) ([]byte, error) {
	var out bytes.Buffer
	w, err := clearsign.Encode(&out, s.entity.PrivateKey, nil)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// DetachSign returns an armored detached signature over data, as used for
// Release.gpg.
func (s *Signer) DetachSign(data []byte) ([]byte, error) {
	var out bytes.Buffer
	if err := openpgp.ArmoredDetachSign(&out, s.entity, bytes.NewReader(data), nil); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// PublicKey exports the signer's public key, armored when requested, so the
// publisher can drop it next to the repository for client bootstrap.
func (s *Signer) PublicKey(armored bool) ([]byte, error) {
	var buf bytes.Buffer
	if armored {
		w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
		if err != nil {
			return nil, err
		}
		if err := s.entity.Serialize(w); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	} else {
		if err := s.entity.Serialize(&buf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Fingerprint returns the signing key's primary fingerprint.
func (s *Signer) Fingerprint() string {
	return Fingerprint(s.entity.PrimaryKey)
}
