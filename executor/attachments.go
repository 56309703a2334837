package executor

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/Andy963/ads/provider"
)

// maxAttachmentSize bounds a single attachment read into memory.
const maxAttachmentSize = 20 << 20

// DirAttachments resolves attachment ids as file names inside Root.
type DirAttachments struct {
	Root string
}

// Resolve reads the attachment named id. Ids may not leave Root.
func (d DirAttachments) Resolve(_ context.Context, id string) (provider.Part, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return provider.Part{}, fmt.Errorf("invalid attachment id %q", id)
	}
	path := filepath.Join(d.Root, id)
	info, err := os.Stat(path)
	if err != nil {
		return provider.Part{}, err
	}
	if info.Size() > maxAttachmentSize {
		return provider.Part{}, fmt.Errorf("attachment %s is %d bytes, limit is %d", id, info.Size(), maxAttachmentSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return provider.Part{}, err
	}

	mimeType := mime.TypeByExtension(filepath.Ext(id))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	mimeType, _, _ = strings.Cut(mimeType, ";")
	partType := provider.PartFile
	if strings.HasPrefix(mimeType, "image/") {
		partType = provider.PartImage
	}
	return provider.Part{Type: partType, Name: id, MIMEType: mimeType, Data: data}, nil
}
