package remote

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/samueljero/TCPwn/internal/executor"
)

var errEmptyPath = errors.New("empty path")

// Fetch copies remotePath on node to localPath, creating parent
// directories. A partial local file is removed on error.
func (n *Nodes) Fetch(ctx context.Context, node executor.Node, remotePath, localPath string) (err error) {
	if remotePath == "" || localPath == "" {
		return fmt.Errorf("fetch: %w", errEmptyPath)
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o750); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	s, err := n.session(ctx, node)
	if err != nil {
		return err
	}
	defer s.Close()
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("fetch: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(localPath)
		}
	}()

	var stderr syncBuffer
	s.Stdout = f
	s.Stderr = &stderr
	code, err := exitCode(s.Run(n.wrap("cat " + shellQuote(remotePath))))
	if err != nil {
		return fmt.Errorf("fetch %s:%s: %w", node.IP, remotePath, err)
	}
	if code != 0 {
		return fmt.Errorf("fetch %s:%s exited %d: %s: %w", node.IP, remotePath, code, stderr.String(), executor.ErrRemoteCommand)
	}
	return nil
}

// Push copies localPath (a file or a directory tree) into remoteDir on
// node, creating remoteDir.
func (n *Nodes) Push(ctx context.Context, node executor.Node, localPath, remoteDir string) error {
	if remoteDir == "" || localPath == "" {
		return fmt.Errorf("push: %w", errEmptyPath)
	}
	if _, err := os.Stat(localPath); err != nil {
		return fmt.Errorf("push: %w", err)
	}

	s, err := n.session(ctx, node)
	if err != nil {
		return err
	}
	defer s.Close()
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeTar(pw, localPath))
	}()
	defer pr.Close()

	var out syncBuffer
	s.Stdin = pr
	s.Stdout = &out
	s.Stderr = &out
	q := shellQuote(remoteDir)
	code, err := exitCode(s.Run(n.wrap("mkdir -p " + q + " && tar -xf - -C " + q)))
	if err != nil {
		return fmt.Errorf("push to %s:%s: %w", node.IP, remoteDir, err)
	}
	if code != 0 {
		return fmt.Errorf("push to %s:%s exited %d: %s: %w", node.IP, remoteDir, code, out.String(), executor.ErrRemoteCommand)
	}
	return nil
}

// writeTar streams root as a tar archive whose entries are relative to
// root's parent, so a directory lands under its own name.
func writeTar(w io.Writer, root string) error {
	tw := tar.NewWriter(w)
	base := filepath.Dir(filepath.Clean(root))

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", root, err)
	}
	return tw.Close()
}
