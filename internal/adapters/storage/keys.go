package storage

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// granuleExtensions are the raster files and sidecars synced from remote sources.
var granuleExtensions = map[string]bool{
	".png": true, ".gif": true, ".jpg": true, ".jpeg": true, ".tif": true, ".tiff": true,
	".pgw": true, ".pngw": true, ".gfw": true, ".gifw": true, ".jgw": true, ".jpgw": true, ".jpegw": true,
	".tfw": true, ".tifw": true, ".tiffw": true, ".wld": true, ".prj": true,
}

// IsGranuleKey reports whether an object key names a raster granule, a
// granule descriptor or one of their sidecar files.
func IsGranuleKey(key string) bool {
	lower := strings.ToLower(key)
	if strings.HasSuffix(lower, ".granule.yaml") || strings.HasSuffix(lower, ".granule.yml") {
		return true
	}
	return granuleExtensions[path.Ext(lower)]
}

// relativeKey strips the source prefix from an object key.
func relativeKey(key, prefix string) string {
	rel := strings.TrimPrefix(key, prefix)
	return strings.TrimPrefix(rel, "/")
}

// joinKey prepends the source prefix to a relative key.
func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimSuffix(prefix, "/") + "/" + key
}

// tempPrefix marks partial downloads. The name has no granule extension, so
// the watcher and the indexer never pick a partial file up.
const tempPrefix = ".tessera-download-"

// writeAtomic copies r to dest through a temporary file in the same
// directory, so dest is either absent, the previous version or complete.
func writeAtomic(dest string, r io.Reader) (err error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, r); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
