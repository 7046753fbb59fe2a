package regen

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/prn-tf/alexander-backup/internal/domain"
)

// OverwritePolicy controls whether an existing output file is replaced.
type OverwritePolicy int

const (
	// OverwriteNever keeps any existing file.
	OverwriteNever OverwritePolicy = iota

	// OverwriteAlways replaces any existing file.
	OverwriteAlways

	// OverwriteNewer replaces the file when the stored version is newer
	// than the one on disk.
	OverwriteNewer

	// OverwriteOlder replaces the file when the stored version is older
	// than the one on disk.
	OverwriteOlder
)

// AuthFailAction controls what happens to an output file whose content did
// not authenticate.
type AuthFailAction int

const (
	// AuthFailKeep leaves the corrupt file in place.
	AuthFailKeep AuthFailAction = iota

	// AuthFailRename renames the file to <name>-CORRUPT-<digest>.
	AuthFailRename

	// AuthFailDelete unlinks the file.
	AuthFailDelete
)

// RestoreOptions configures a subtree recovery.
type RestoreOptions struct {
	Authenticate bool
	Overwrite    OverwritePolicy
	AuthFail     AuthFailAction
	SetPerms     bool
	SetXattrs    bool
	SetACLs      bool
	Recurse      bool

	// Hardlinks, when non-nil, maps each multiply-linked inode to the
	// first path it was written to; later occurrences become hard links.
	Hardlinks map[domain.InodeKey]string
}

// RestoreResult counts what a subtree recovery did.
type RestoreResult struct {
	Files       int
	Directories int
	Links       int
	Skipped     int
	Errors      int
}

// shouldOverwrite applies the overwrite policy against an existing output
// path. Missing files are always written.
func shouldOverwrite(path string, storedMTime int64, policy OverwritePolicy) bool {
	st, err := os.Lstat(path)
	if err != nil {
		return true
	}
	switch policy {
	case OverwriteNever:
		return false
	case OverwriteAlways:
		return true
	case OverwriteNewer:
		return st.ModTime().Before(time.Unix(storedMTime, 0))
	case OverwriteOlder:
		return !st.ModTime().Before(time.Unix(storedMTime, 0))
	default:
		return false
	}
}

// RecoverSubtree recursively materializes the tree rooted at info under
// outDir. A failing entry is counted and its siblings continue; only
// setup-level failures abort the walk.
func (r *Regenerator) RecoverSubtree(ctx context.Context, info *domain.FileVersion, bset int64, outDir string, opts RestoreOptions) (RestoreResult, error) {
	var res RestoreResult
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return res, fmt.Errorf("failed to create output directory: %w", err)
	}
	r.recoverObject(ctx, info, bset, outDir, opts, &res)
	return res, nil
}

// recoverObject recovers one entry into outDir.
func (r *Regenerator) recoverObject(ctx context.Context, info *domain.FileVersion, bset int64, outDir string, opts RestoreOptions, res *RestoreResult) {
	name, err := r.env.DecryptFilename(info.Name)
	if err != nil {
		r.logger.Error().Err(err).Msg("unable to decrypt filename")
		res.Errors++
		return
	}
	outName := filepath.Join(outDir, string(name))

	switch {
	case info.Dir:
		r.recoverDirectory(ctx, info, bset, outName, opts, res)
	case info.Link:
		r.recoverSymlink(ctx, info, outName, res)
	default:
		r.recoverRegular(ctx, info, outName, opts, res)
	}
}

// recoverDirectory creates the directory and recurses into its children.
func (r *Regenerator) recoverDirectory(ctx context.Context, info *domain.FileVersion, bset int64, outName string, opts RestoreOptions, res *RestoreResult) {
	if err := os.MkdirAll(outName, 0755); err != nil {
		r.logger.Error().Err(err).Str("path", outName).Msg("unable to create directory")
		res.Errors++
		return
	}
	res.Directories++

	children, err := r.store.ReadDirectory(ctx, info.Key, bset)
	if err != nil {
		r.logger.Error().Err(err).Str("path", outName).Msg("unable to read directory")
		res.Errors++
		return
	}
	for i := range children {
		child := &children[i]
		if child.Dir && !opts.Recurse {
			continue
		}
		r.recoverObject(ctx, child, bset, outName, opts, res)
	}

	r.applyMetadata(ctx, info, outName, opts, res)
}

// recoverSymlink reads the stored link target and creates the link.
func (r *Regenerator) recoverSymlink(ctx context.Context, info *domain.FileVersion, outName string, res *RestoreResult) {
	if info.Checksum == "" {
		r.logger.Warn().Str("path", outName).Msg("symlink has no stored target")
		res.Errors++
		return
	}
	content, err := r.RecoverChecksum(ctx, info.Checksum, false)
	if err != nil {
		r.logger.Error().Err(err).Str("path", outName).Msg("unable to recover link target")
		res.Errors++
		return
	}
	target, err := io.ReadAll(content)
	_ = content.Close()
	if err != nil {
		r.logger.Error().Err(err).Str("path", outName).Msg("unable to read link target")
		res.Errors++
		return
	}

	_ = os.Remove(outName)
	if err := os.Symlink(string(target), outName); err != nil {
		r.logger.Error().Err(err).Str("path", outName).Msg("unable to create symlink")
		res.Errors++
		return
	}
	res.Links++
}

// recoverRegular streams file content to disk, honoring overwrite policy,
// hardlink preservation and the authentication failure action.
func (r *Regenerator) recoverRegular(ctx context.Context, info *domain.FileVersion, outName string, opts RestoreOptions, res *RestoreResult) {
	if !shouldOverwrite(outName, info.MTime, opts.Overwrite) {
		r.logger.Warn().Str("path", outName).Msg("skipping existing file")
		res.Skipped++
		return
	}

	// Re-link additional occurrences of a multiply-linked inode instead of
	// materializing them again.
	if opts.Hardlinks != nil && info.NLinks > 1 {
		if first, ok := opts.Hardlinks[info.Key]; ok {
			_ = os.Remove(outName)
			if err := os.Link(first, outName); err != nil {
				r.logger.Error().Err(err).Str("path", outName).Msg("unable to create hard link")
				res.Errors++
				return
			}
			r.logger.Debug().Str("path", outName).Str("target", first).Msg("created hard link")
			res.Files++
			return
		}
		opts.Hardlinks[info.Key] = outName
	}

	if info.Checksum == "" {
		// Zero-length files may have no content blob.
		if err := os.WriteFile(outName, nil, 0644); err != nil {
			r.logger.Error().Err(err).Str("path", outName).Msg("unable to create empty file")
			res.Errors++
			return
		}
		r.applyMetadata(ctx, info, outName, opts, res)
		res.Files++
		return
	}

	content, err := r.RecoverChecksum(ctx, info.Checksum, opts.Authenticate)
	if err != nil {
		r.logger.Error().Err(err).Str("path", outName).Msg("unable to recover content")
		res.Errors++
		return
	}
	defer content.Close()

	out, err := os.Create(outName)
	if err != nil {
		r.logger.Error().Err(err).Str("path", outName).Msg("unable to create output file")
		res.Errors++
		return
	}

	_, copyErr := io.Copy(out, content)
	if cerr := out.Close(); copyErr == nil {
		copyErr = cerr
	}

	if copyErr != nil {
		if errors.Is(copyErr, domain.ErrAuthenticationFailed) {
			r.handleAuthFailure(outName, content, opts.AuthFail)
			res.Errors++
			return
		}
		r.logger.Error().Err(copyErr).Str("path", outName).Msg("unable to write content")
		res.Errors++
		return
	}

	r.applyMetadata(ctx, info, outName, opts, res)
	res.Files++
}

// handleAuthFailure applies the configured action to a corrupt output file.
func (r *Regenerator) handleAuthFailure(outName string, content io.ReadCloser, action AuthFailAction) {
	if r.metrics != nil {
		r.metrics.AuthFailuresTotal.Inc()
	}

	digest := ""
	if ar, ok := content.(*AuthReader); ok {
		digest = ar.Digest()
	}

	switch action {
	case AuthFailKeep:
		r.logger.Error().Str("path", outName).Str("digest", digest).Msg("file did not authenticate, keeping")
	case AuthFailRename:
		target := fmt.Sprintf("%s-CORRUPT-%s", outName, digest)
		if err := os.Rename(outName, target); err != nil {
			r.logger.Error().Err(err).Str("path", outName).Msg("file did not authenticate and could not be renamed")
			return
		}
		r.logger.Error().Str("path", outName).Str("renamed_to", target).Msg("file did not authenticate, renamed")
	case AuthFailDelete:
		if err := os.Remove(outName); err != nil {
			r.logger.Error().Err(err).Str("path", outName).Msg("file did not authenticate and could not be removed")
			return
		}
		r.logger.Error().Str("path", outName).Msg("file did not authenticate, deleted")
	}
}

// applyMetadata restores permissions, ownership, extended attributes and
// ACLs onto a written entry, best effort.
func (r *Regenerator) applyMetadata(ctx context.Context, info *domain.FileVersion, outName string, opts RestoreOptions, res *RestoreResult) {
	if opts.SetPerms {
		if err := os.Chmod(outName, os.FileMode(info.Mode&0o7777)); err != nil {
			r.logger.Warn().Err(err).Str("path", outName).Msg("unable to set permissions")
		}
		// Group first: only root can change the owner, and that may fail.
		if err := os.Chown(outName, -1, info.GID); err != nil {
			r.logger.Warn().Err(err).Str("path", outName).Msg("unable to set group")
		}
		if err := os.Chown(outName, info.UID, -1); err != nil {
			r.logger.Warn().Err(err).Str("path", outName).Msg("unable to set owner")
		}
	}

	if opts.SetXattrs && info.Xattrs != "" {
		if err := r.applyXattrs(ctx, info.Xattrs, outName); err != nil {
			r.logger.Warn().Err(err).Str("path", outName).Msg("unable to apply extended attributes")
		}
	}
	if opts.SetACLs && info.Acl != "" {
		if err := r.applyACL(ctx, info.Acl, outName); err != nil {
			r.logger.Warn().Err(err).Str("path", outName).Msg("unable to apply ACL")
		}
	}
}

// applyXattrs recovers the xattrs blob (a JSON map of attribute name to
// base64 value) and sets each attribute on the output path.
func (r *Regenerator) applyXattrs(ctx context.Context, checksum, outName string) error {
	stream, err := r.RecoverChecksum(ctx, checksum, false)
	if err != nil {
		return err
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return err
	}
	attrs := map[string]string{}
	if err := json.Unmarshal(data, &attrs); err != nil {
		return fmt.Errorf("malformed xattr blob: %w", err)
	}

	for attr, encoded := range attrs {
		value, derr := base64.StdEncoding.DecodeString(encoded)
		if derr != nil {
			return fmt.Errorf("malformed xattr value for %s: %w", attr, derr)
		}
		if err := unix.Setxattr(outName, attr, value, 0); err != nil {
			r.logger.Warn().Err(err).Str("attr", attr).Str("path", outName).Msg("unable to set extended attribute")
		}
	}
	return nil
}

// applyACL recovers the ACL blob (the raw value of the POSIX access ACL
// xattr captured at backup time) and reinstates it.
func (r *Regenerator) applyACL(ctx context.Context, checksum, outName string) error {
	stream, err := r.RecoverChecksum(ctx, checksum, false)
	if err != nil {
		return err
	}
	defer stream.Close()

	value, err := io.ReadAll(stream)
	if err != nil {
		return err
	}
	return unix.Setxattr(outName, "system.posix_acl_access", value, 0)
}
