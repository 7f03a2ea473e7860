// Package file implements the encrypted-local-file keystore.Backend (spec
// §4.A): AES-256-GCM keyed by PBKDF2-SHA256 over a passphrase, disk layout
// salt(32) ∥ iv(16) ∥ tag(16) ∥ ciphertext. It is explicitly logged as
// development-only; production deployments select the kms backend.
package file

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/bridgevalidator/node/internal/crypto/curve"
	"github.com/bridgevalidator/node/internal/keystore"
	"github.com/bridgevalidator/node/internal/log"
)

const (
	saltLen       = 32
	ivLen         = 16
	tagLen        = 16
	pbkdf2Rounds  = 100_000
	aesKeyLenBits = 256
	dirPerm       = 0o700
	filePerm      = 0o600
)

var (
	errShortFile = errors.New("file: encrypted share is shorter than the minimum salt+iv+tag header")
)

// record is the plaintext JSON payload AES-GCM protects.
type record struct {
	Share     []byte            `json:"share"`
	Algorithm keystore.Algorithm `json:"algorithm"`
	CreatedAt int64             `json:"created_at"`
	Usages    []string          `json:"usages"`
}

// Backend stores one encrypted file per key id under dir.
type Backend struct {
	mu         sync.Mutex
	dir        string
	passphrase []byte
	log        log.Logger
}

// New returns a file-backed keystore.Backend rooted at dir, encrypting every
// share with passphrase. It logs once at construction that this backend is
// development-only (spec §4.A).
func New(l log.Logger, dir string, passphrase []byte) (*Backend, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("file: creating keystore dir: %w", err)
	}
	l.Warnw("encrypted file keystore selected: development only, production deployments must use a remote backend", "dir", dir)
	return &Backend{dir: dir, passphrase: passphrase, log: l}, nil
}

func (b *Backend) path(keyID string) string {
	return filepath.Join(b.dir, keyID+".share")
}

func (b *Backend) Put(keyID string, share curve.Scalar, meta keystore.Metadata, overwrite bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.path(keyID)
	if !overwrite {
		if _, err := os.Stat(p); err == nil {
			return keystore.ErrKeyExists
		}
	}

	rec := record{
		Share:     share.Bytes(),
		Algorithm: meta.Algorithm,
		CreatedAt: meta.CreatedAt.Unix(),
		Usages:    meta.Usages,
	}
	plaintext, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("file: marshaling share record: %w", err)
	}

	blob, err := encrypt(plaintext, b.passphrase)
	if err != nil {
		return fmt.Errorf("file: encrypting share: %w", err)
	}
	if err := os.WriteFile(p, blob, filePerm); err != nil {
		return fmt.Errorf("file: writing share: %w", err)
	}
	return nil
}

func (b *Backend) readRecord(keyID string) (record, error) {
	blob, err := os.ReadFile(b.path(keyID))
	if errors.Is(err, os.ErrNotExist) {
		return record{}, keystore.ErrKeyNotFound
	}
	if err != nil {
		return record{}, fmt.Errorf("%w: %s", keystore.ErrBackendUnavailable, err)
	}
	plaintext, err := decrypt(blob, b.passphrase)
	if err != nil {
		return record{}, fmt.Errorf("file: decrypting share: %w", err)
	}
	var rec record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return record{}, fmt.Errorf("file: unmarshaling share record: %w", err)
	}
	return rec, nil
}

func (b *Backend) Sign(keyID string, challenge, nonceShare curve.Scalar) (curve.Scalar, error) {
	b.mu.Lock()
	rec, err := b.readRecord(keyID)
	b.mu.Unlock()
	if err != nil {
		return curve.Scalar{}, err
	}
	share, err := curve.ScalarFromBytes(rec.Share)
	if err != nil {
		return curve.Scalar{}, fmt.Errorf("file: corrupt share for %s: %w", keyID, err)
	}
	return nonceShare.Add(challenge.Mul(share)), nil
}

func (b *Backend) PublicKey(keyID string) (curve.Point, error) {
	b.mu.Lock()
	rec, err := b.readRecord(keyID)
	b.mu.Unlock()
	if err != nil {
		return curve.Point{}, err
	}
	share, err := curve.ScalarFromBytes(rec.Share)
	if err != nil {
		return curve.Point{}, fmt.Errorf("file: corrupt share for %s: %w", keyID, err)
	}
	return share.BasePointMul(), nil
}

func (b *Backend) List() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", keystore.ErrBackendUnavailable, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		const suffix = ".share"
		if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
			ids = append(ids, name[:len(name)-len(suffix)])
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *Backend) Delete(keyID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := os.Remove(b.path(keyID))
	if errors.Is(err, os.ErrNotExist) {
		return keystore.ErrKeyNotFound
	}
	return err
}

func deriveKey(passphrase, salt []byte) []byte {
	return pbkdf2.Key(passphrase, salt, pbkdf2Rounds, aesKeyLenBits/8, sha256.New)
}

func encrypt(plaintext, passphrase []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return nil, err
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	out := make([]byte, 0, saltLen+ivLen+tagLen+len(ciphertext))
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return out, nil
}

func decrypt(blob, passphrase []byte) ([]byte, error) {
	if len(blob) < saltLen+ivLen+tagLen {
		return nil, errShortFile
	}
	salt := blob[:saltLen]
	iv := blob[saltLen : saltLen+ivLen]
	tag := blob[saltLen+ivLen : saltLen+ivLen+tagLen]
	ciphertext := blob[saltLen+ivLen+tagLen:]

	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return nil, err
	}
	sealedWithTag := append(append([]byte{}, ciphertext...), tag...)
	return gcm.Open(nil, iv, sealedWithTag, nil)
}

var _ keystore.Backend = (*Backend)(nil)
