package sign

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	"github.com/pkg/errors"
)

// Outcome is the tri-state result of a signature check: spec §4.2 requires
// exactly these three states and nothing finer-grained.
type Outcome int

const (
	// Unsigned means no signature was presented (no InRelease, no
	// Release.gpg alongside Release), or one was presented but the
	// supplied keyring is empty. Whether this is acceptable is a
	// trust-policy decision made by the caller, never by this package.
	Unsigned Outcome = iota
	// Verified means a signature was presented and validated against the
	// supplied keyring.
	Verified
	// Invalid means a signature was presented but failed to validate; per
	// spec §7 this is always fatal and the caller must not proceed as if
	// the content were trustworthy.
	Invalid
)

func (o Outcome) String() string {
	switch o {
	case Unsigned:
		return "Unsigned"
	case Verified:
		return "Verified"
	case Invalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}

// LoadKeyring parses a set of armored public keys (as supplied via config,
// spec §6 "apt_repos[].key") into an openpgp.EntityList.
func LoadKeyring(armoredKeys ...string) (openpgp.EntityList, error) {
	var keyring openpgp.EntityList
	for i, armored := range armoredKeys {
		if strings.TrimSpace(armored) == "" {
			continue
		}
		entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
		if err != nil {
			return nil, errors.Wrapf(err, "sign: parsing keyring entry %d", i)
		}
		keyring = append(keyring, entities...)
	}
	return keyring, nil
}

// VerifyClearsigned checks an InRelease-style clear-signed document. It
// returns the enclosed content (the Release body with the signature
// wrapper stripped) alongside the verification outcome; the content is
// returned even when the outcome is not Verified, so the caller can decide
// whether an Unsigned document is acceptable under its trust policy (but
// must never trust Invalid content).
func VerifyClearsigned(data []byte, keyring openpgp.EntityList) (Outcome, []byte, error) {
	block, rest := clearsign.Decode(data)
	if block == nil {
		// Not a clear-signed document at all: treat the whole input as
		// unsigned content.
		return Unsigned, data, nil
	}
	if len(keyring) == 0 {
		return Unsigned, block.Plaintext, nil
	}
	if _, err := openpgp.CheckDetachedSignature(keyring, bytes.NewReader(block.Bytes), block.ArmoredSignature.Body, nil); err != nil {
		return Invalid, block.Plaintext, errors.Wrap(err, "sign: clearsign verification failed")
	}
	if len(rest) > 0 && len(bytes.TrimSpace(rest)) > 0 {
		// Trailing garbage after the signed block is not itself a
		// correctness problem for the signed part, but is surfaced so
		// callers can decide whether to reject it.
		return Verified, block.Plaintext, fmt.Errorf("sign: %d trailing bytes after clearsigned block", len(rest))
	}
	return Verified, block.Plaintext, nil
}

// VerifyDetached checks a detached signature (Release + Release.gpg) over
// content. sig may be armored or binary.
func VerifyDetached(content, sig []byte, keyring openpgp.EntityList) (Outcome, error) {
	if len(sig) == 0 {
		return Unsigned, nil
	}
	if len(keyring) == 0 {
		return Unsigned, nil
	}

	sigReader := bytes.NewReader(sig)
	_, err := openpgp.CheckDetachedSignature(keyring, bytes.NewReader(content), sigReader, nil)
	if err == nil {
		return Verified, nil
	}

	// Retry assuming an armored signature, since Release.gpg is
	// conventionally ASCII-armored.
	block, armorErr := armor.Decode(bytes.NewReader(sig))
	if armorErr != nil {
		return Invalid, errors.Wrap(err, "sign: detached verification failed")
	}
	if _, err := openpgp.CheckDetachedSignature(keyring, bytes.NewReader(content), block.Body, nil); err != nil {
		return Invalid, errors.Wrap(err, "sign: detached verification failed (armored)")
	}
	return Verified, nil
}
