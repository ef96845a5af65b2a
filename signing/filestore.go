package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/giantswarm/authserver/security"
)

// FileStore persists keys in a single JSON file with every private key sealed
// by an AES-256-GCM Encryptor. The key ID is bound as additional data.
// Writes go to a temporary file that is renamed over the target.
type FileStore struct {
	path string
	enc  *security.Encryptor
}

type keyFile struct {
	Keys []keyRecord `json:"keys"`
}

type keyRecord struct {
	KID        string    `json:"kid"`
	Algorithm  string    `json:"alg"`
	Public     string    `json:"public"`      // base64url
	PrivateEnc string    `json:"private_enc"` // base64 sealed seed
	Created    time.Time `json:"created"`
	RetiredAt  time.Time `json:"retired_at,omitzero"`
}

// NewFileStore creates a store for path using enc to seal private keys
func NewFileStore(path string, enc *security.Encryptor) *FileStore {
	return &FileStore{path: path, enc: enc}
}

// Load reads and decrypts every key. A missing file yields no keys.
func (f *FileStore) Load() ([]*Key, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	var file keyFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}

	keys := make([]*Key, 0, len(file.Keys))
	for _, rec := range file.Keys {
		if rec.Algorithm != Algorithm {
			return nil, fmt.Errorf("key %s: unsupported algorithm %q", rec.KID, rec.Algorithm)
		}
		sealed, err := base64.StdEncoding.DecodeString(rec.PrivateEnc)
		if err != nil {
			return nil, fmt.Errorf("key %s: decode private key: %w", rec.KID, err)
		}
		seed, err := f.enc.Open(sealed, []byte(rec.KID))
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", rec.KID, err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("key %s: invalid seed length %d", rec.KID, len(seed))
		}
		priv := ed25519.NewKeyFromSeed(seed)
		keys = append(keys, &Key{
			ID:        rec.KID,
			Private:   priv,
			Public:    priv.Public().(ed25519.PublicKey),
			Created:   rec.Created,
			RetiredAt: rec.RetiredAt,
		})
	}
	return keys, nil
}

// Save seals and writes keys, replacing the file atomically
func (f *FileStore) Save(keys []*Key) error {
	file := keyFile{Keys: make([]keyRecord, 0, len(keys))}
	for _, k := range keys {
		sealed, err := f.enc.Seal(k.Private.Seed(), []byte(k.ID))
		if err != nil {
			return fmt.Errorf("key %s: %w", k.ID, err)
		}
		file.Keys = append(file.Keys, keyRecord{
			KID:        k.ID,
			Algorithm:  Algorithm,
			Public:     base64.RawURLEncoding.EncodeToString(k.Public),
			PrivateEnc: base64.StdEncoding.EncodeToString(sealed),
			Created:    k.Created,
			RetiredAt:  k.RetiredAt,
		})
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode key file: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".keys-*.json")
	if err != nil {
		return fmt.Errorf("create temp key file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write key file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close key file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("chmod key file: %w", err)
	}
	return os.Rename(tmp.Name(), f.path)
}

// LoadKeyRing loads keys from the file, builds a ring and writes it back if a
// key had to be generated.
func (f *FileStore) LoadKeyRing(retireAfter time.Duration) (*KeyRing, error) {
	keys, err := f.Load()
	if err != nil {
		return nil, err
	}
	ring, err := NewKeyRing(retireAfter, keys...)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		if err := f.Save(ring.Keys()); err != nil {
			return nil, err
		}
	}
	return ring, nil
}
