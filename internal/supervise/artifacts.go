package supervise

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/vberezny/agentgate/internal/store"
)

// IndexArtifacts lists the regular files directly under dir with size and
// SHA-256. Subdirectories and symlinks are skipped; a missing directory
// yields the empty list.
func IndexArtifacts(dir string) ([]store.Artifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []store.Artifact{}, nil
		}
		return nil, err
	}
	artifacts := []store.Artifact{}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		info, err := e.Info()
		if err != nil {
			continue
		}
		sum, err := hashFile(path)
		if err != nil {
			continue
		}
		artifacts = append(artifacts, store.Artifact{
			Name:   e.Name(),
			Path:   path,
			Bytes:  info.Size(),
			SHA256: sum,
		})
	}
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Name < artifacts[j].Name })
	return artifacts, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
