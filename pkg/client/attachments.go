package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Nycz-lab/CipherChat/pkg/protocol"
)

const (
	// AttachmentFileMode is the permission for materialized attachments
	AttachmentFileMode = 0o600

	// AttachmentDirMode is the permission for attachment directories
	AttachmentDirMode = 0o700
)

// Kind is the rendering category of a mime type.
type Kind int

const (
	KindOpaque Kind = iota // downloadable blob
	KindText
	KindImage
	KindVideo
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindImage:
		return "image"
	case KindVideo:
		return "video"
	default:
		return "opaque"
	}
}

// videoTypes are the containers the UI can play inline.
var videoTypes = map[string]bool{
	"video/mp4":  true,
	"video/webm": true,
	"video/ogg":  true,
}

// Classify maps any mime string to a Kind. Unknown or malformed types are
// KindOpaque, never an error.
func Classify(mimeType string) Kind {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}

	switch {
	case mt == "text/plain":
		return KindText
	case strings.HasPrefix(mt, "image/") && len(mt) > len("image/"):
		return KindImage
	case videoTypes[mt]:
		return KindVideo
	default:
		return KindOpaque
	}
}

// Renderable reports whether the kind is shown inline rather than offered
// as a download.
func (k Kind) Renderable() bool {
	return k == KindImage || k == KindVideo
}

// AttachmentStore materializes binary envelope payloads to files so that
// persisted history holds a path instead of the inline blob.
type AttachmentStore struct {
	baseDir string
}

// NewAttachmentStore creates a store rooted at baseDir.
func NewAttachmentStore(baseDir string) *AttachmentStore {
	return &AttachmentStore{baseDir: baseDir}
}

// Path returns where the attachment for messageID is stored.
// Format: {baseDir}/{namespace}/{username}/{messageID}
func (s *AttachmentStore) Path(key SessionKey, messageID string) (string, error) {
	dir, err := s.dir(key)
	if err != nil {
		return "", err
	}
	if messageID == "" {
		return "", errors.New("attachment path needs a message id")
	}
	return filepath.Join(dir, escapeComponent(messageID)), nil
}

func (s *AttachmentStore) dir(key SessionKey) (string, error) {
	if key.Namespace == "" || key.Username == "" {
		return "", errors.New("attachment path needs a namespace and a username")
	}
	return filepath.Join(s.baseDir, key.Namespace, escapeComponent(key.Username)), nil
}

// Remove deletes every attachment stored for key.
func (s *AttachmentStore) Remove(key SessionKey) error {
	dir, err := s.dir(key)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove attachments: %w", err)
	}
	return nil
}

// Materialize writes raw to the attachment path for messageID and returns the
// path. Writing the same message again replaces the file with the same bytes.
func (s *AttachmentStore) Materialize(key SessionKey, messageID string, raw []byte) (string, error) {
	path, err := s.Path(key, messageID)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), AttachmentDirMode); err != nil {
		return "", fmt.Errorf("failed to create attachment directory: %w", err)
	}

	// Write atomically by writing to temp file first
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, raw, AttachmentFileMode); err != nil {
		return "", fmt.Errorf("failed to write attachment: %w", err)
	}

	// Rename to final path (atomic on POSIX)
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to save attachment: %w", err)
	}

	return path, nil
}

// Read loads a materialized attachment. History copied to another device
// without its blobs yields ErrAttachmentMissing.
func (s *AttachmentStore) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrAttachmentMissing, path)
		}
		return nil, fmt.Errorf("failed to read attachment: %w", err)
	}
	return data, nil
}

// AttachmentPath returns the local file a stored binary message points at.
// Once materialized, a binary envelope's data holds that path instead of
// base64.
func AttachmentPath(msg protocol.Message) (string, bool) {
	env, err := protocol.ParseEnvelope(msg.Cleartext())
	if err != nil || env.IsText() {
		return "", false
	}
	return env.Data, true
}
