package adapters

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var imageMIMETypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// encodedImage is one attachment ready for a provider request body.
type encodedImage struct {
	MIME string
	Data string // base64, no data-URL prefix
}

func (i encodedImage) dataURL() string {
	return fmt.Sprintf("data:%s;base64,%s", i.MIME, i.Data)
}

// encodeImage reads and base64-encodes an image file.
func encodeImage(path string) (encodedImage, error) {
	mime, ok := imageMIMETypes[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return encodedImage{}, fmt.Errorf("unsupported image type: %s", path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return encodedImage{}, fmt.Errorf("read image: %w", err)
	}
	return encodedImage{MIME: mime, Data: base64.StdEncoding.EncodeToString(raw)}, nil
}
