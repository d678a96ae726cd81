package install

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// unpack writes the executable named name from an asset stream into dst.
// Tarballs are searched for a regular file of that name; any other asset is
// the executable itself.
func unpack(dst io.Writer, src io.Reader, assetName, name string) error {
	if strings.HasSuffix(assetName, ".tgz") || strings.HasSuffix(assetName, ".tar.gz") {
		return unpackTarGz(dst, src, name)
	}
	n, err := copyLimited(dst, src, maxBinaryBytes)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("empty download")
	}
	return nil
}

func unpackTarGz(dst io.Writer, src io.Reader, name string) error {
	gz, err := gzip.NewReader(src)
	if err != nil {
		return err
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("binary %q not found in archive", name)
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag == tar.TypeReg && path.Base(hdr.Name) == name {
			_, err := copyLimited(dst, tr, maxBinaryBytes)
			return err
		}
	}
}
