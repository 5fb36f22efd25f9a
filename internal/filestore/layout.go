// Package filestore maps assets to paths on the two storage tiers and moves
// files between them.
package filestore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuongbtq/asset-pipeline/internal/domain"
)

// Tier is a storage area; inactive assets live in the protected tier,
// published ones in the public tier.
type Tier string

const (
	TierProtected Tier = "protected"
	TierPublic    Tier = "public"
)

// Opposite returns the other tier
func (t Tier) Opposite() Tier {
	if t == TierPublic {
		return TierProtected
	}
	return TierPublic
}

// Layout resolves asset paths
type Layout struct {
	dirs map[Tier]string
}

// NewLayout creates both tier directories
func NewLayout(protectedDir, publicDir string) (*Layout, error) {
	for _, dir := range []string{protectedDir, publicDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage dir %s: %w", dir, err)
		}
	}
	return &Layout{dirs: map[Tier]string{
		TierProtected: protectedDir,
		TierPublic:    publicDir,
	}}, nil
}

// TierOf returns the tier an asset's files belong in right now
func (l *Layout) TierOf(asset *domain.Asset) Tier {
	if asset.IsPublic {
		return TierPublic
	}
	return TierProtected
}

// Path is where the original (nil variation) or a variation is expected
func (l *Layout) Path(asset *domain.Asset, variation *domain.VariationSpec) string {
	return l.PathIn(asset, variation, l.TierOf(asset))
}

// PathIn is Path for an explicit tier
func (l *Layout) PathIn(asset *domain.Asset, variation *domain.VariationSpec, tier Tier) string {
	dir := l.dirs[tier]
	if variation != nil {
		dir = filepath.Join(dir, variation.Name)
	}
	return filepath.Join(dir, asset.ID+extension(asset, variation))
}

// TempPath is the stage-specific write target, e.g. <id>_pass2.png
func (l *Layout) TempPath(asset *domain.Asset, variation *domain.VariationSpec, stage domain.Stage) string {
	final := l.Path(asset, variation)
	ext := filepath.Ext(final)
	return strings.TrimSuffix(final, ext) + "_" + string(stage) + ext
}

func extension(asset *domain.Asset, variation *domain.VariationSpec) string {
	if variation != nil && variation.MimeType != "" {
		return domain.ExtensionOf(variation.MimeType)
	}
	return domain.ExtensionOf(asset.MimeType)
}

// Stat returns the file info, or nil when the file does not exist
func Stat(path string) (os.FileInfo, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fi, nil
}

// Exists reports whether path exists
func Exists(path string) bool {
	fi, err := Stat(path)
	return err == nil && fi != nil
}

// Replace atomically renames src over dest, creating dest's directory
func Replace(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create dir for %s: %w", dest, err)
	}
	if err := os.Rename(src, dest); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", src, dest, err)
	}
	return nil
}

// Remove deletes path, ignoring a missing file
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Prepare ensures the parent directory of a stage's destination exists
func Prepare(dest string) error {
	return os.MkdirAll(filepath.Dir(dest), 0o755)
}
