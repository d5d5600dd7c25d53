package image

import (
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rstms/wfs"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ManifestEntry records one extracted entry.
type ManifestEntry struct {
	Path   string `yaml:"path"`
	Kind   string `yaml:"kind"`
	Size   uint32 `yaml:"size,omitempty"`
	Mode   uint32 `yaml:"mode"`
	BLAKE3 string `yaml:"blake3,omitempty"`
	Target string `yaml:"target,omitempty"`
	Error  string `yaml:"error,omitempty"`
}

type Manifest struct {
	Image   string          `yaml:"image"`
	Entries []ManifestEntry `yaml:"entries"`
	Errors  int             `yaml:"errors"`
}

func (m *Manifest) Write(w io.Writer) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	err := encoder.Encode(m)
	if err != nil {
		return Fatal(err)
	}
	return encoder.Close()
}

func (m *Manifest) WriteFile(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return Fatal(err)
	}
	defer f.Close()
	err = m.Write(f)
	if err != nil {
		return err
	}
	return f.Close()
}

func ReadManifest(filename string) (*Manifest, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, Fatal(err)
	}
	var m Manifest
	err = yaml.Unmarshal(data, &m)
	if err != nil {
		return nil, Fatal(err)
	}
	return &m, nil
}

// Extract copies every entry of the image below dstDir. All writes go
// through an os.Root on dstDir, so links created from the image cannot
// lead outside it. Entries that cannot be read, and entries with a "."
// or ".." segment, are recorded in the manifest and skipped; only host
// errors on the destination stop the extraction.
func (i *Image) Extract(dstDir string) (*Manifest, error) {
	records, err := i.ScanFiles()
	if err != nil {
		return nil, err
	}
	err = os.MkdirAll(dstDir, 0700)
	if err != nil {
		return nil, Fatal(err)
	}
	root, err := os.OpenRoot(dstDir)
	if err != nil {
		return nil, Fatal(err)
	}
	defer root.Close()

	manifest := Manifest{Image: i.Filename, Entries: []ManifestEntry{}}
	for _, record := range records {
		entry := ManifestEntry{Path: record.Name, Kind: record.Kind.String(), Mode: record.Mode}
		if record.Err != nil {
			entry.Kind = ""
			entry.Error = record.Err.Error()
			manifest.Entries = append(manifest.Entries, entry)
			manifest.Errors++
			continue
		}
		rel, ok := hostPath(record.Name)
		if !ok {
			entry.Error = "unsafe path"
			manifest.Entries = append(manifest.Entries, entry)
			manifest.Errors++
			continue
		}
		switch record.Kind {
		case wfs.KindDirectory:
			err = root.MkdirAll(rel, 0700)
		case wfs.KindLink:
			entry.Target = record.Target
			err = root.Symlink(record.Target, rel)
		case wfs.KindFile:
			entry.Size = record.Size
			var sum string
			sum, err = i.extractFile(root, record.Name, rel)
			if err != nil {
				if _, ok := wfs.AsError(err); ok {
					entry.Error = err.Error()
					manifest.Errors++
					err = nil
				}
			}
			entry.BLAKE3 = sum
		}
		if err != nil {
			return &manifest, Fatal(err)
		}
		manifest.Entries = append(manifest.Entries, entry)
	}
	return &manifest, nil
}

// hostPath converts an entry path into a path relative to the
// extraction root. Paths with a "." or ".." segment have no safe host
// equivalent.
func hostPath(name string) (string, bool) {
	segments := strings.FieldsFunc(name, func(r rune) bool { return r == '/' })
	if len(segments) == 0 {
		return "", false
	}
	for _, segment := range segments {
		if segment == "." || segment == ".." || strings.ContainsRune(segment, filepath.Separator) {
			return "", false
		}
	}
	return filepath.Join(segments...), true
}

// extractFile copies one file to rel below root and returns its BLAKE3
// digest. A file that fails to read is removed.
func (i *Image) extractFile(root *os.Root, name, rel string) (string, error) {
	stream, err := i.Open(name)
	if err != nil {
		return "", err
	}
	f, err := root.OpenFile(rel, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return "", err
	}
	hasher := blake3.New()
	_, err = io.Copy(io.MultiWriter(f, hasher), stream)
	closeErr := f.Close()
	if err != nil {
		root.Remove(rel)
		return "", err
	}
	if closeErr != nil {
		return "", closeErr
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Digest returns the BLAKE3 digest of a file in the image.
func (i *Image) Digest(name string) (string, error) {
	hasher := blake3.New()
	_, err := i.CopyFile(hasher, name)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
