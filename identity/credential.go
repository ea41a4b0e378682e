// credential.go - Signed attribute credentials.
// SPDX-FileCopyrightText: Copyright (C) 2024 Quilt Authors
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/quiltnet/quilt/vault"
)

// CredentialVersion is the credential format version.
const CredentialVersion = 1

var (
	// ErrBadIdentifier indicates a malformed identifier encoding.
	ErrBadIdentifier = errors.New("identity: malformed identifier")

	// ErrCredentialExpired indicates that the credential's expiry has passed.
	ErrCredentialExpired = errors.New("identity: credential expired")

	// ErrUntrustedIssuer indicates that the credential's issuer is not in
	// the caller-supplied trusted issuer set.
	ErrUntrustedIssuer = errors.New("identity: credential issuer not trusted")

	// ErrBadCredentialSignature indicates that the issuer signature does
	// not sign the credential body.
	ErrBadCredentialSignature = errors.New("identity: signature does not sign credential")

	// ErrVersionMismatch indicates an unsupported credential format version.
	ErrVersionMismatch = errors.New("identity: credential version mismatch")

	// ErrSubjectMismatch indicates that the credential's subject differs
	// from the identity it was presented for.
	ErrSubjectMismatch = errors.New("identity: credential subject mismatch")

	// Reusable encoder with immutable canonical options, safe for
	// concurrent use.
	ccbor cbor.EncMode
)

// Attributes is a set of verified attribute name/value pairs.
type Attributes map[string]string

// Credential is a signed attestation binding a subject identifier to a set
// of attributes, issued by an authority identity, with an expiry.  It is
// immutable once issued.
type Credential struct {
	// Version is the credential format version.
	Version uint32

	// Subject is the identifier the attributes are attested for.
	Subject Identifier

	// Attributes are the attested attribute name/value pairs.
	Attributes Attributes

	// Expiry is the unix time after which the credential is invalid.
	Expiry int64

	// IssuerKeyHash is the identifier of the issuing authority.
	IssuerKeyHash Identifier

	// Signature is the issuer's signature over the credential body.
	Signature []byte
}

// message returns the canonical byte encoding of the signed fields.
func (c *Credential) message() ([]byte, error) {
	m := new(bytes.Buffer)
	if err := binary.Write(m, binary.BigEndian, c.Version); err != nil {
		return nil, err
	}
	if _, err := m.Write(c.Subject[:]); err != nil {
		return nil, err
	}
	// Attributes are encoded canonically, so the signed bytes are stable.
	attrs, err := ccbor.Marshal(c.Attributes)
	if err != nil {
		return nil, err
	}
	if _, err := m.Write(attrs); err != nil {
		return nil, err
	}
	if err := binary.Write(m, binary.BigEndian, c.Expiry); err != nil {
		return nil, err
	}
	if _, err := m.Write(c.IssuerKeyHash[:]); err != nil {
		return nil, err
	}
	return m.Bytes(), nil
}

// Marshal serializes the credential.
func (c *Credential) Marshal() ([]byte, error) {
	return ccbor.Marshal(c)
}

// UnmarshalCredential deserializes a credential.
func UnmarshalCredential(b []byte) (*Credential, error) {
	c := new(Credential)
	if err := cbor.Unmarshal(b, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Issue creates a credential attesting attrs for subject, signed by the
// issuer identity, valid until expiry.
func Issue(issuer *Identity, subject Identifier, attrs Attributes, expiry time.Time) (*Credential, error) {
	c := &Credential{
		Version:       CredentialVersion,
		Subject:       subject,
		Attributes:    attrs,
		Expiry:        expiry.Unix(),
		IssuerKeyHash: issuer.Identifier(),
	}
	mesg, err := c.message()
	if err != nil {
		return nil, err
	}
	c.Signature = issuer.Vault().Sign(mesg)
	return c, nil
}

// Verify checks the credential against the caller-supplied set of trusted
// issuer identities: format version, expiry, issuer-set membership and
// issuer signature.  On success it returns the attested attributes; any
// failure returns an error and no attributes.  v supplies the signature
// verification capability.
func (c *Credential) Verify(v vault.Vault, trustedIssuers []*PublicIdentity) (Attributes, error) {
	if c.Version != CredentialVersion {
		return nil, ErrVersionMismatch
	}
	if time.Now().Unix() >= c.Expiry {
		return nil, ErrCredentialExpired
	}

	var issuer *PublicIdentity
	for _, candidate := range trustedIssuers {
		if candidate.Identifier == c.IssuerKeyHash {
			issuer = candidate
			break
		}
	}
	if issuer == nil {
		return nil, ErrUntrustedIssuer
	}

	mesg, err := c.message()
	if err != nil {
		return nil, err
	}
	if !v.Verify(issuer.SignKey, mesg, c.Signature) {
		return nil, ErrBadCredentialSignature
	}
	return c.Attributes, nil
}

func init() {
	opts := cbor.CanonicalEncOptions()
	var err error
	ccbor, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
}
