package results

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

const manifestFileName = "manifest.yaml"

// Manifest is the signed metadata embedded in a result archive. Published
// benchmark results carry it so consumers can verify nothing was edited
// after the suite ran.
type Manifest struct {
	Version          string         `yaml:"version"`
	CreatedAt        time.Time      `yaml:"created_at"`
	SuiteID          string         `yaml:"suite_id,omitempty"`
	SigningPublicKey string         `yaml:"signing_public_key,omitempty"`
	Signature        string         `yaml:"signature,omitempty"`
	Files            []ManifestFile `yaml:"files"`
}

// SigningBytes marshals the manifest without its signature for signing and
// verification.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// ManifestFile describes one file inside the archive.
type ManifestFile struct {
	Path   string `yaml:"path"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}

// Archive bundles a results tree into a signed tar.zst and returns the
// manifest that was embedded.
func Archive(ctx context.Context, resultsDir, output, suiteID string, signer *Signer) (*Manifest, error) {
	if resultsDir == "" {
		return nil, errors.New("results directory is required")
	}
	if output == "" {
		return nil, errors.New("output path is required")
	}
	if signer == nil {
		return nil, errors.New("signer is required")
	}

	info, err := os.Stat(resultsDir)
	if err != nil {
		return nil, fmt.Errorf("stat results dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("results dir %q is not a directory", resultsDir)
	}

	files, err := collectFiles(ctx, resultsDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.New("no result files to archive")
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	manifest := &Manifest{
		Version:          "1",
		CreatedAt:        time.Now().UTC().Truncate(time.Second),
		SuiteID:          suiteID,
		SigningPublicKey: signer.PublicKeyBase64(),
		Files:            files,
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for signing: %w", err)
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}
	manifest.Signature = sig

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeArchive(output, manifestBytes, resultsDir, files); err != nil {
		return nil, err
	}
	return manifest, nil
}

func collectFiles(ctx context.Context, root string) ([]ManifestFile, error) {
	var files []ManifestFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", path, err)
		}
		rel = filepath.ToSlash(rel)

		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %q: %w", path, err)
		}
		hash := sha256.New()
		size, err := io.Copy(hash, file)
		file.Close()
		if err != nil {
			return fmt.Errorf("hash %q: %w", path, err)
		}

		files = append(files, ManifestFile{
			Path:   rel,
			Size:   size,
			SHA256: hex.EncodeToString(hash.Sum(nil)),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func writeArchive(output string, manifest []byte, resultsDir string, files []ManifestFile) error {
	if dir := filepath.Dir(output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	out, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	encoder, err := zstd.NewWriter(out)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	defer encoder.Close()

	tw := tar.NewWriter(encoder)
	defer tw.Close()

	manifestHeader := &tar.Header{
		Name:     manifestFileName,
		Mode:     0o644,
		Size:     int64(len(manifest)),
		ModTime:  time.Now().UTC(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(manifestHeader); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(manifest); err != nil {
		return fmt.Errorf("write manifest body: %w", err)
	}

	for _, entry := range files {
		fullPath := filepath.Join(resultsDir, filepath.FromSlash(entry.Path))
		info, err := os.Stat(fullPath)
		if err != nil {
			return fmt.Errorf("stat %q: %w", entry.Path, err)
		}
		file, err := os.Open(fullPath)
		if err != nil {
			return fmt.Errorf("open %q: %w", entry.Path, err)
		}

		header := &tar.Header{
			Name:     "results/" + entry.Path,
			Mode:     int64(info.Mode().Perm()),
			Size:     info.Size(),
			ModTime:  info.ModTime(),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(header); err != nil {
			file.Close()
			return fmt.Errorf("write header for %q: %w", entry.Path, err)
		}
		if _, err := io.Copy(tw, file); err != nil {
			file.Close()
			return fmt.Errorf("copy %q: %w", entry.Path, err)
		}
		file.Close()
	}

	return nil
}

// VerifyArchive reads an archive, checks the manifest signature, and verifies
// every file hash. It returns the verified manifest.
func VerifyArchive(ctx context.Context, bundlePath string, signer *Signer) (*Manifest, error) {
	if bundlePath == "" {
		return nil, errors.New("archive path is required")
	}
	if signer == nil {
		return nil, errors.New("signer is required")
	}

	in, err := os.Open(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer in.Close()

	decoder, err := zstd.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	tr := tar.NewReader(decoder)

	var manifestBytes []byte
	hashes := map[string]string{}
	sizes := map[string]int64{}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := filepath.ToSlash(filepath.Clean(header.Name))
		if name == manifestFileName {
			manifestBytes, err = io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("read manifest: %w", err)
			}
			continue
		}

		hash := sha256.New()
		size, err := io.Copy(hash, tr)
		if err != nil {
			return nil, fmt.Errorf("hash %q: %w", name, err)
		}
		hashes[name] = hex.EncodeToString(hash.Sum(nil))
		sizes[name] = size
	}

	if len(manifestBytes) == 0 {
		return nil, errors.New("archive missing manifest.yaml")
	}

	var manifest Manifest
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != "1" {
		return nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}
	if manifest.Signature == "" {
		return nil, errors.New("manifest missing signature")
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if err := signer.Verify(payload, manifest.Signature, manifest.SigningPublicKey); err != nil {
		return nil, fmt.Errorf("verify manifest signature: %w", err)
	}

	for _, entry := range manifest.Files {
		name := "results/" + entry.Path
		got, ok := hashes[name]
		if !ok {
			return nil, fmt.Errorf("file %q missing from archive", entry.Path)
		}
		if got != entry.SHA256 {
			return nil, fmt.Errorf("sha256 mismatch for %q", entry.Path)
		}
		if sizes[name] != entry.Size {
			return nil, fmt.Errorf("size mismatch for %q: expected %d got %d", entry.Path, entry.Size, sizes[name])
		}
	}

	return &manifest, nil
}
