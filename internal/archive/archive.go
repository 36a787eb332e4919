// Package archive keeps the raw bytes of every upload.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
)

// Archive stores uploads below a base URL (file://, mem:// or any afs scheme).
type Archive struct {
	fs      afs.Service
	baseURL string
}

func New(baseURL string) *Archive {
	return &Archive{fs: afs.New(), baseURL: strings.TrimRight(baseURL, "/")}
}

// Save writes data as owner/fileName and returns its URL. A later save of the
// same owner and file name replaces it.
func (a *Archive) Save(ctx context.Context, owner, fileName string, data []byte) (string, error) {
	URL := a.URL(owner, fileName)
	if err := a.fs.Upload(ctx, URL, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("failed to archive upload: %w", err)
	}
	return URL, nil
}

// Load returns the archived bytes of owner's fileName.
func (a *Archive) Load(ctx context.Context, owner, fileName string) ([]byte, error) {
	URL := a.URL(owner, fileName)
	ok, err := a.fs.Exists(ctx, URL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no archived upload %s", URL)
	}
	return a.fs.DownloadWithURL(ctx, URL)
}

// URL is where owner's fileName is archived. Path separators in either part
// are neutralised so uploads cannot escape the base.
func (a *Archive) URL(owner, fileName string) string {
	return url.Join(a.baseURL, safeName(owner), safeName(path.Base(strings.ReplaceAll(fileName, "\\", "/"))))
}

var unsafeChars = strings.NewReplacer("/", "_", "\\", "_", "..", "_")

func safeName(s string) string {
	s = unsafeChars.Replace(strings.TrimSpace(s))
	if s == "" || s == "." {
		return "_"
	}
	return s
}
