package artifact

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"

	"github.com/vyvo/compute/rootfs/pkg/layer"
)

// EnvironmentFile is generated in every image from its environment table so
// the variables are set at boot.
const EnvironmentFile = "/etc/environment"

var epoch = time.Unix(0, 0).UTC()

type entry struct {
	path string
	info os.FileInfo
	link string
	data []byte
}

// Render writes the merged view of stack as a zstd-compressed tar to w. Paths
// are sorted and times and ownership are zeroed, so equal content always
// renders to equal bytes. It returns the sha256 of the uncompressed tar.
func Render(stack *layer.Stack, env map[string]string, w io.Writer) (string, error) {
	entries, err := collect(stack, env)
	if err != nil {
		return "", err
	}

	enc, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1), zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return "", fmt.Errorf("create zstd encoder: %w", err)
	}
	h := sha256.New()
	tw := tar.NewWriter(io.MultiWriter(h, enc))

	for _, e := range entries {
		if err := writeEntry(tw, stack.FS(), e); err != nil {
			enc.Close()
			return "", fmt.Errorf("write %s: %w", e.path, err)
		}
	}
	if err := tw.Close(); err != nil {
		enc.Close()
		return "", fmt.Errorf("close tar: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("close zstd: %w", err)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

func collect(stack *layer.Stack, env map[string]string) ([]entry, error) {
	links := stack.Links()
	byPath := map[string]entry{}
	err := afero.Walk(stack.FS(), "/", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		p = path.Clean("/" + p)
		if p == "/" {
			return nil
		}
		if _, isLink := links[p]; isLink {
			return nil
		}
		if info.IsDir() || info.Mode().IsRegular() {
			byPath[p] = entry{path: p, info: info}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk layer view: %w", err)
	}
	for target, source := range links {
		byPath[target] = entry{path: target, link: source}
	}
	if _, ok := byPath["/etc"]; !ok {
		byPath["/etc"] = entry{path: "/etc"}
	}
	byPath[EnvironmentFile] = entry{path: EnvironmentFile, data: environmentFile(env)}

	paths := make([]string, 0, len(byPath))
	for p := range byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	out := make([]entry, 0, len(paths))
	for _, p := range paths {
		out = append(out, byPath[p])
	}
	return out, nil
}

func writeEntry(tw *tar.Writer, fs afero.Fs, e entry) error {
	name := strings.TrimPrefix(e.path, "/")
	hdr := &tar.Header{Name: name, ModTime: epoch, Format: tar.FormatPAX}
	switch {
	case e.link != "":
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = e.link
		hdr.Mode = 0o777
		return tw.WriteHeader(hdr)
	case e.data != nil:
		hdr.Typeflag = tar.TypeReg
		hdr.Mode = 0o644
		hdr.Size = int64(len(e.data))
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err := tw.Write(e.data)
		return err
	case e.info == nil || e.info.IsDir():
		hdr.Typeflag = tar.TypeDir
		hdr.Name += "/"
		hdr.Mode = 0o755
		if e.info != nil {
			hdr.Mode = int64(e.info.Mode().Perm())
		}
		return tw.WriteHeader(hdr)
	default:
		hdr.Typeflag = tar.TypeReg
		hdr.Mode = int64(e.info.Mode().Perm())
		hdr.Size = e.info.Size()
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := fs.Open(e.path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	}
}

func environmentFile(env map[string]string) []byte {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strconv.Quote(env[k]))
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
