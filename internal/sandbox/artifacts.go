package sandbox

import (
	"archive/tar"
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/BaSui01/toolguard/types"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// DefaultMaxArtifactBytes caps the uncompressed size of extracted artifacts.
const DefaultMaxArtifactBytes int64 = 64 << 20

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// ErrArtifactEscape is returned for archive entries that would land outside
// the output directory.
var ErrArtifactEscape = errors.New("artifact path escapes output directory")

// ExtractArtifacts reads a tar stream (plain, gzip or zstd) and writes its
// regular files below dest. An empty dest only digests the files. Entries
// with absolute paths, parent references, escaping links or device nodes
// reject the whole archive.
func ExtractArtifacts(r io.Reader, dest string, maxBytes int64) ([]types.Artifact, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxArtifactBytes
	}
	if dest != "" {
		dest = filepath.Clean(dest)
		if err := os.MkdirAll(dest, 0o750); err != nil {
			return nil, fmt.Errorf("create artifact dir: %w", err)
		}
	}

	stream, closeFn, err := decompress(r)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var (
		tr        = tar.NewReader(stream)
		artifacts []types.Artifact
		total     int64
	)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return artifacts, fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Name == "" {
			continue
		}
		rel, err := cleanEntryName(hdr.Name)
		if err != nil {
			return artifacts, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if dest != "" {
				target, err := safeJoin(dest, rel)
				if err != nil {
					return artifacts, err
				}
				if err := os.MkdirAll(target, 0o750); err != nil {
					return artifacts, fmt.Errorf("create dir: %w", err)
				}
			}
		case tar.TypeReg:
			if total+hdr.Size > maxBytes {
				return artifacts, fmt.Errorf("artifacts exceed %d bytes", maxBytes)
			}
			a, err := writeArtifact(tr, dest, rel, maxBytes-total)
			if err != nil {
				return artifacts, err
			}
			total += a.Size
			artifacts = append(artifacts, a)
		case tar.TypeSymlink, tar.TypeLink:
			// Links are never materialized; one pointing outside the
			// archive root poisons the whole archive.
			if !linkStaysInside(rel, hdr.Linkname, hdr.Typeflag) {
				return artifacts, fmt.Errorf("%w: link %s -> %s", ErrArtifactEscape, hdr.Name, hdr.Linkname)
			}
		case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
			return artifacts, fmt.Errorf("device entry %s not allowed", hdr.Name)
		default:
			// pax headers and other metadata
		}
	}
	return artifacts, nil
}

func decompress(r io.Reader) (io.Reader, func(), error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(4)
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("open gzip stream: %w", err)
		}
		return gz, func() { _ = gz.Close() }, nil
	case bytes.HasPrefix(head, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("open zstd stream: %w", err)
		}
		return zr, zr.Close, nil
	default:
		return br, func() {}, nil
	}
}

func cleanEntryName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if path.IsAbs(name) || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: absolute path %s", ErrArtifactEscape, name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %s", ErrArtifactEscape, name)
		}
	}
	clean := path.Clean(name)
	if clean == "." {
		return "", fmt.Errorf("%w: empty entry", ErrArtifactEscape)
	}
	return clean, nil
}

func safeJoin(basePath, relPath string) (string, error) {
	full := filepath.Join(basePath, filepath.FromSlash(relPath))
	if !strings.HasPrefix(full, filepath.Clean(basePath)+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrArtifactEscape, relPath)
	}
	return full, nil
}

func linkStaysInside(entry, target string, typ byte) bool {
	if target == "" || path.IsAbs(target) {
		return false
	}
	resolved := target
	if typ == tar.TypeSymlink {
		resolved = path.Join(path.Dir(entry), target)
	}
	resolved = path.Clean(resolved)
	return resolved != ".." && !strings.HasPrefix(resolved, "../")
}

func writeArtifact(r io.Reader, dest, rel string, budget int64) (types.Artifact, error) {
	hasher := blake3.New()
	var w io.Writer = hasher

	var file *os.File
	if dest != "" {
		target, err := safeJoin(dest, rel)
		if err != nil {
			return types.Artifact{}, err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return types.Artifact{}, fmt.Errorf("create parent dir: %w", err)
		}
		file, err = os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
		if err != nil {
			return types.Artifact{}, fmt.Errorf("create file: %w", err)
		}
		defer file.Close()
		w = io.MultiWriter(file, hasher)
	}

	n, err := io.Copy(w, io.LimitReader(r, budget+1))
	if err != nil {
		return types.Artifact{}, fmt.Errorf("write %s: %w", rel, err)
	}
	if n > budget {
		return types.Artifact{}, fmt.Errorf("artifacts exceed size limit")
	}
	return types.Artifact{
		Path:   rel,
		Size:   n,
		BLAKE3: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}
