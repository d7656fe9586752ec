package wheel

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/csv"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	recordFile = "RECORD"
	wheelFile  = "WHEEL"
)

// FindDistInfo locates the *.dist-info directory at the unpacked
// package root.
func FindDistInfo(root string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("scanning package root: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), ".dist-info") {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, wheelFile)); err == nil {
			return dir, nil
		}
	}
	return "", fmt.Errorf("no dist-info directory with a %s file under %s", wheelFile, root)
}

// RewriteWheelTags replaces the Tag lines in the WHEEL metadata file
// with the given python-abi-platform triples. Every other line is
// preserved as found.
func RewriteWheelTags(distInfoDir string, tags []string) error {
	path := filepath.Join(distInfoDir, wheelFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var out []string
	inserted := false
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if strings.HasPrefix(line, "Tag:") {
			if !inserted {
				for _, tag := range tags {
					out = append(out, "Tag: "+tag)
				}
				inserted = true
			}
			continue
		}
		out = append(out, line)
	}
	if !inserted {
		for _, tag := range tags {
			out = append(out, "Tag: "+tag)
		}
	}
	return os.WriteFile(path, []byte(strings.Join(out, "\n")+"\n"), 0o644)
}

// WriteRecord regenerates the RECORD file from the unpacked tree:
// every file's sha256 (urlsafe base64, unpadded) and size, with the
// RECORD entry itself carrying empty hash and size fields.
func WriteRecord(root, distInfoDir string) error {
	recordRel, err := filepath.Rel(root, filepath.Join(distInfoDir, recordFile))
	if err != nil {
		return err
	}
	recordRel = filepath.ToSlash(recordRel)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == recordRel {
			return w.Write([]string{rel, "", ""})
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(data)
		digest := "sha256=" + base64.RawURLEncoding.EncodeToString(sum[:])
		return w.Write([]string{rel, digest, strconv.Itoa(len(data))})
	})
	if err != nil {
		return fmt.Errorf("hashing package contents: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(distInfoDir, recordFile), buf.Bytes(), 0o644)
}
