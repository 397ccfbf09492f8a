package executor

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
)

// gzipFile compresses path to path+".gz" and removes the original. A
// partial output file is removed on error.
func gzipFile(path string) (_ string, err error) {
	in, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open capture: %w", err)
	}
	defer in.Close()

	dst := path + ".gz"
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dst, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", dst, cerr)
		}
		if err != nil {
			err = errors.Join(err, os.Remove(dst))
		}
	}()

	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		return "", fmt.Errorf("compress capture: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("compress capture: %w", err)
	}
	// The compressed copy is complete; a stale original is harmless.
	_ = os.Remove(path)
	return dst, nil
}
