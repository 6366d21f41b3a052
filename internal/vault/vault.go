// Package vault resolves provider credentials from the resolved key-vault
// configuration. Secrets live only inside the vault and the provider adapters;
// everything else identifies a credential by its fingerprint.
package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/allaspectsdev/switchyard/internal/fault"
)

const serviceName = "switchyard"

// KeySpec is one credential binding from the resolved configuration.
// Type selects how Value is interpreted: "keyring" (name under the
// switchyard keyring service), "env" (environment variable), "file"
// (path to a file holding the secret), or "literal" (the secret itself,
// intended for tests).
type KeySpec struct {
	Type    string
	Value   string
	Enabled bool
}

// entry is one resolved credential. When resolution failed at build time
// the error is kept and surfaced on every Resolve call.
type entry struct {
	secret      string
	fingerprint string
	err         error
}

// Vault holds resolved credentials keyed by providerId/keyId. It is built
// once at startup and read-only afterwards, so lookups need no locking.
type Vault struct {
	entries map[string]entry
}

// Build resolves every enabled key spec and returns the populated vault.
// Disabled keys are skipped; a key whose reference cannot be resolved is
// kept as a missing binding so the failure surfaces per-request rather
// than aborting startup.
func Build(keys map[string]map[string]KeySpec) *Vault {
	v := &Vault{entries: make(map[string]entry)}
	for providerID, byKey := range keys {
		for keyID, spec := range byKey {
			if !spec.Enabled {
				continue
			}
			secret, err := resolveSpec(spec)
			e := entry{err: err}
			if err == nil {
				e.secret = secret
				e.fingerprint = Fingerprint(secret)
			}
			v.entries[bindingKey(providerID, keyID)] = e
		}
	}
	return v
}

func bindingKey(providerID, keyID string) string {
	return providerID + "/" + keyID
}

// Resolve returns the secret for a provider/key binding. Missing or
// unresolvable bindings fail with CredentialMissing; the error names the
// binding, never the secret or its reference value.
func (v *Vault) Resolve(providerID, keyID string) (string, error) {
	e, ok := v.entries[bindingKey(providerID, keyID)]
	if !ok {
		return "", fault.New(fault.CredentialMissing, "no credential for %s/%s", providerID, keyID)
	}
	if e.err != nil {
		return "", fault.Wrap(fault.CredentialMissing, e.err, "credential %s/%s did not resolve", providerID, keyID)
	}
	return e.secret, nil
}

// FingerprintOf returns the stable fingerprint for a provider/key binding.
func (v *Vault) FingerprintOf(providerID, keyID string) (string, error) {
	e, ok := v.entries[bindingKey(providerID, keyID)]
	if !ok || e.err != nil {
		return "", fault.New(fault.CredentialMissing, "no credential for %s/%s", providerID, keyID)
	}
	return e.fingerprint, nil
}

// Has reports whether a binding exists and resolved.
func (v *Vault) Has(providerID, keyID string) bool {
	e, ok := v.entries[bindingKey(providerID, keyID)]
	return ok && e.err == nil
}

// Fingerprint hashes a secret into its stable identifier. The hash is
// one-way; nothing reconstructs the secret from it.
func Fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// resolveSpec dereferences one key spec to its secret.
func resolveSpec(spec KeySpec) (string, error) {
	switch spec.Type {
	case "keyring":
		secret, err := keyring.Get(serviceName, spec.Value)
		if err != nil {
			return "", err
		}
		if secret == "" {
			return "", fault.New(fault.CredentialMissing, "keyring entry %q is empty", spec.Value)
		}
		return secret, nil
	case "env":
		if val := os.Getenv(spec.Value); val != "" {
			return val, nil
		}
		return "", fault.New(fault.CredentialMissing, "environment variable %q is not set", spec.Value)
	case "file":
		data, err := os.ReadFile(spec.Value)
		if err != nil {
			return "", err
		}
		secret := strings.TrimSpace(string(data))
		if secret == "" {
			return "", fault.New(fault.CredentialMissing, "key file %q is empty", spec.Value)
		}
		return secret, nil
	case "literal":
		if spec.Value == "" {
			return "", fault.New(fault.CredentialMissing, "literal key is empty")
		}
		return spec.Value, nil
	default:
		return "", fault.New(fault.CredentialMissing, "unknown key type %q", spec.Type)
	}
}

// Set stores a secret in the OS keychain under the switchyard service.
// Used by the keys CLI; the running proxy never writes the keychain.
func Set(name, secret string) error {
	return keyring.Set(serviceName, name, secret)
}

// Get retrieves a secret from the OS keychain.
func Get(name string) (string, error) {
	return keyring.Get(serviceName, name)
}

// Delete removes a secret from the OS keychain.
func Delete(name string) error {
	return keyring.Delete(serviceName, name)
}
