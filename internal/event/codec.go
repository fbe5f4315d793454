package event

import (
	"encoding/json"
	"strings"

	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
)

// Codec serializes envelopes and their payloads. A nil cipher disables field
// encryption; payloads are then written as plain canonical JSON.
type Codec struct {
	cipher Cipher
}

func NewCodec(c Cipher) *Codec {
	return &Codec{cipher: c}
}

// Encrypting reports whether Seal produces ciphertext payloads.
func (c *Codec) Encrypting() bool {
	return c.cipher != nil
}

// Seal serializes payload into env.Payload, encrypting it when a cipher is set.
func (c *Codec) Seal(env *Envelope, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errs.E(errs.Serialization, "codec.Seal", err)
	}
	if c.cipher == nil {
		env.Payload = string(raw)
		return nil
	}
	sealed, err := c.cipher.Encrypt(raw)
	if err != nil {
		return errs.E(errs.Transient, "codec.Seal", err)
	}
	env.Payload = sealed
	return nil
}

// Open decodes env.Payload into v. Plaintext payloads are accepted even when
// a cipher is configured so producers can be upgraded one at a time.
//
// A payload that cannot be decrypted yields a Decryption error; a payload that
// decrypts (or was plain) but does not fit v yields a Serialization error.
func (c *Codec) Open(env Envelope, v any) error {
	raw := []byte(env.Payload)
	if IsEncrypted(env.Payload) {
		if c.cipher == nil {
			return errs.Errorf(errs.Decryption, "codec.Open", "event %s carries an encrypted payload but no key is configured", env.EventID)
		}
		plain, err := c.cipher.Decrypt(env.Payload)
		if err != nil {
			return err
		}
		raw = plain
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.E(errs.Serialization, "codec.Open", err)
	}
	return nil
}

// Marshal renders the envelope as JSON.
func (c *Codec) Marshal(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errs.E(errs.Serialization, "codec.Marshal", err)
	}
	return data, nil
}

// Unmarshal parses and validates an envelope.
func (c *Codec) Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errs.E(errs.Serialization, "codec.Unmarshal", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// IsEncrypted treats any non-empty payload that is not canonical JSON as
// ciphertext. Legacy producers write plain JSON, so this is enough to tell
// the two apart during a rolling upgrade.
func IsEncrypted(payload string) bool {
	if strings.TrimSpace(payload) == "" {
		return false
	}
	return !json.Valid([]byte(payload))
}
