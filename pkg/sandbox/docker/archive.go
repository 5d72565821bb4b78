package docker

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// maxDownloadSize caps files copied out of a sandbox.
const maxDownloadSize = 256 << 20

// tarSingleFile wraps one file in the tar stream the Docker copy API expects.
func tarSingleFile(name string, r io.Reader, size int64) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name: name,
		Mode: 0644,
		Size: size,
	}); err != nil {
		return nil, err
	}
	if _, err := io.CopyN(tw, r, size); err != nil {
		return nil, fmt.Errorf("archiving %s: %w", name, err)
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// untarFirstFile returns the contents of the first regular file in a tar stream.
func untarFirstFile(r io.Reader) ([]byte, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, errors.New("no file in archive")
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if hdr.Size > maxDownloadSize {
			return nil, fmt.Errorf("file too large (%d bytes)", hdr.Size)
		}
		return io.ReadAll(tr)
	}
}
