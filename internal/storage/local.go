package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mailhook/mailhook/internal/parser"
)

const (
	metaSuffix  = ".meta"
	gcmTagSize  = 16
	gcmIVSize   = 12
	localDirPerm  = 0700
	localFilePerm = 0600
)

var (
	ErrInvalidKeyLength = errors.New("encryption key must be 32 bytes for AES-256")
	ErrMetaMissing      = errors.New("attachment meta file missing")
)

// Meta is the sidecar record written next to every locally staged file.
type Meta struct {
	OriginalName string          `json:"originalName"`
	ContentType  string          `json:"contentType"`
	Size         int64           `json:"size"`
	SavedAt      time.Time       `json:"savedAt"`
	FileID       string          `json:"fileId"`
	Encryption   *EncryptionMeta `json:"encryption,omitempty"`
}

// EncryptionMeta describes how the data file was encrypted at rest.
type EncryptionMeta struct {
	Algorithm string `json:"algorithm"`
	IV        string `json:"iv"`
	AuthTag   string `json:"authTag"`
	Encrypted bool   `json:"encrypted"`
}

// LocalFile is the result of reading a staged attachment back.
type LocalFile struct {
	Data []byte
	Meta Meta
}

// PendingFile is one staged attachment awaiting reconciliation.
type PendingFile struct {
	Path string
	Meta Meta
}

// LocalStore stages attachments on disk when the object store is down or
// unconfigured. With a 32-byte key it encrypts content with AES-256-GCM.
type LocalStore struct {
	path string
	key  []byte
}

// NewLocalStore creates the staging directory (mode 0700) if needed.
func NewLocalStore(path string, encryptionKey []byte) (*LocalStore, error) {
	if len(encryptionKey) != 0 && len(encryptionKey) != 32 {
		return nil, ErrInvalidKeyLength
	}
	if err := os.MkdirAll(path, localDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create local storage directory: %w", err)
	}
	return &LocalStore{path: path, key: encryptionKey}, nil
}

// Save writes the attachment and its meta sidecar, returning the data file
// path and the generated file id.
func (l *LocalStore) Save(att *parser.Attachment) (path, fileID string, err error) {
	fileID = strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
	name := att.Filename
	if name == "" {
		name = "attachment"
	}
	filename := fmt.Sprintf("%d-%s-%s", time.Now().UnixMilli(), fileID, name)
	path = filepath.Join(l.path, filename)

	meta := Meta{
		OriginalName: att.Filename,
		ContentType:  att.ContentType,
		Size:         att.Size,
		SavedAt:      time.Now().UTC(),
		FileID:       fileID,
	}

	data := att.Data
	if len(l.key) == 32 {
		var encMeta *EncryptionMeta
		data, encMeta, err = l.encrypt(att.Data)
		if err != nil {
			return "", "", fmt.Errorf("failed to encrypt attachment: %w", err)
		}
		meta.Encryption = encMeta
	}

	if err := os.WriteFile(path, data, localFilePerm); err != nil {
		return "", "", fmt.Errorf("failed to write attachment: %w", err)
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		_ = os.Remove(path)
		return "", "", fmt.Errorf("failed to encode meta: %w", err)
	}
	if err := os.WriteFile(path+metaSuffix, metaJSON, localFilePerm); err != nil {
		_ = os.Remove(path)
		return "", "", fmt.Errorf("failed to write meta: %w", err)
	}

	return path, fileID, nil
}

// Read loads a staged attachment and decrypts it when the meta says so.
func (l *LocalStore) Read(path string) (*LocalFile, error) {
	metaJSON, err := os.ReadFile(path + metaSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMetaMissing
		}
		return nil, fmt.Errorf("failed to read meta: %w", err)
	}

	var meta Meta
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode meta: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment: %w", err)
	}

	if meta.Encryption != nil && meta.Encryption.Encrypted {
		data, err = l.decrypt(data, meta.Encryption)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt attachment: %w", err)
		}
	}

	return &LocalFile{Data: data, Meta: meta}, nil
}

// Remove unlinks a staged file and its meta sidecar.
func (l *LocalStore) Remove(path string) error {
	dataErr := os.Remove(path)
	metaErr := os.Remove(path + metaSuffix)
	if dataErr != nil && !os.IsNotExist(dataErr) {
		return dataErr
	}
	if metaErr != nil && !os.IsNotExist(metaErr) {
		return metaErr
	}
	return nil
}

// Pending lists staged attachments by scanning for meta sidecars. A meta
// whose data file is gone is an orphan and is deleted on the spot.
func (l *LocalStore) Pending() ([]PendingFile, error) {
	entries, err := os.ReadDir(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to scan local storage: %w", err)
	}

	var pending []PendingFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}

		dataPath := filepath.Join(l.path, strings.TrimSuffix(entry.Name(), metaSuffix))
		if _, err := os.Stat(dataPath); os.IsNotExist(err) {
			_ = os.Remove(filepath.Join(l.path, entry.Name()))
			continue
		}

		metaJSON, err := os.ReadFile(filepath.Join(l.path, entry.Name()))
		if err != nil {
			continue
		}
		var meta Meta
		if err := json.Unmarshal(metaJSON, &meta); err != nil {
			continue
		}

		pending = append(pending, PendingFile{Path: dataPath, Meta: meta})
	}

	return pending, nil
}

// Sweep unlinks staged files older than maxAge along with their metas, and
// returns how many data files were removed.
func (l *LocalStore) Sweep(maxAge time.Duration) int {
	entries, err := os.ReadDir(l.path)
	if err != nil {
		return 0
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(l.path, entry.Name())
		if err := l.Remove(path); err == nil {
			removed++
		}
	}
	return removed
}

// encrypt seals data with AES-256-GCM using a fresh IV. Ciphertext goes to
// the data file; IV and auth tag travel in the meta sidecar.
func (l *LocalStore) encrypt(plaintext []byte) ([]byte, *EncryptionMeta, error) {
	block, err := aes.NewCipher(l.key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, gcmIVSize)
	if err != nil {
		return nil, nil, err
	}

	iv := make([]byte, gcmIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, err
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	return ciphertext, &EncryptionMeta{
		Algorithm: "aes-256-gcm",
		IV:        hex.EncodeToString(iv),
		AuthTag:   hex.EncodeToString(tag),
		Encrypted: true,
	}, nil
}

// decrypt reverses encrypt; a tampered file fails the auth-tag check.
func (l *LocalStore) decrypt(ciphertext []byte, enc *EncryptionMeta) ([]byte, error) {
	if len(l.key) != 32 {
		return nil, ErrInvalidKeyLength
	}

	iv, err := hex.DecodeString(enc.IV)
	if err != nil {
		return nil, fmt.Errorf("invalid iv: %w", err)
	}
	tag, err := hex.DecodeString(enc.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("invalid auth tag: %w", err)
	}

	block, err := aes.NewCipher(l.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return nil, err
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	return gcm.Open(nil, iv, sealed, nil)
}
