// Package overlay builds and tears down the per-container layered file system:
// lower (extracted image), upper (writable delta), work (overlay bookkeeping)
// and merged (the mounted union view), plus an optional bind mounted volume.
package overlay

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"
	"github.com/criyle/minidocker/pkg/mount"
	"github.com/criyle/minidocker/pkg/platform"
	"github.com/moby/go-archive"
	"github.com/moby/sys/atomicwriter"
	"github.com/sirupsen/logrus"
)

const (
	imageExt = ".tar"
	dirPerm  = 0755
	filePerm = 0644
)

// Workspace is the directory quadruple of one container
type Workspace struct {
	Lower, Upper, Work, Merged string
}

func (w Workspace) dirs() []string {
	return []string{w.Lower, w.Upper, w.Work, w.Merged}
}

// Manager owns the overlay directories and the image store
type Manager struct {
	root    string
	images  string
	mounter platform.Mounter
	log     logrus.FieldLogger
}

// NewManager creates a manager keeping workspaces under root and image
// archives under images
func NewManager(root, images string, mounter platform.Mounter, log logrus.FieldLogger) *Manager {
	return &Manager{
		root:    root,
		images:  images,
		mounter: mounter,
		log:     log,
	}
}

// Dir returns the overlay directory of id
func (m *Manager) Dir(id string) string {
	return filepath.Join(m.root, id)
}

// Workspace returns the workspace paths of id
func (m *Manager) Workspace(id string) Workspace {
	d := m.Dir(id)
	return Workspace{
		Lower:  filepath.Join(d, "lower"),
		Upper:  filepath.Join(d, "upper"),
		Work:   filepath.Join(d, "work"),
		Merged: filepath.Join(d, "merged"),
	}
}

// ImagePath returns the archive path of the named image
func (m *Manager) ImagePath(image string) string {
	return filepath.Join(m.images, image+imageExt)
}

// NewWorkspace extracts the image (once), mounts the union view at merged and
// bind mounts the volume (if any) inside it
func (m *Manager) NewWorkspace(id, image, volume string) (Workspace, error) {
	w := m.Workspace(id)
	log := m.log.WithField("container", id)

	imagePath := m.ImagePath(image)
	if _, err := os.Stat(imagePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return w, fmt.Errorf("overlay: image %s %w", image, errdefs.ErrNotFound)
		}
		return w, fmt.Errorf("overlay: stat image %w", err)
	}

	// existing lower directory is reused as is
	if _, err := os.Stat(w.Lower); errors.Is(err, os.ErrNotExist) {
		log.WithField("image", image).Debug("extracting image")
		if err := extract(imagePath, w.Lower); err != nil {
			return w, err
		}
	} else if err != nil {
		return w, fmt.Errorf("overlay: stat lower %w", err)
	}

	for _, d := range []string{w.Upper, w.Work, w.Merged} {
		if err := os.MkdirAll(d, dirPerm); err != nil {
			return w, fmt.Errorf("overlay: mkdir %s %w", d, err)
		}
	}

	b := mount.NewBuilder().WithOverlay(w.Lower, w.Upper, w.Work, w.Merged)
	if volume == "" {
		if err := m.mountAll(b); err != nil {
			return w, err
		}
		log.Debug(b)
		return w, nil
	}

	v, err := ParseVolume(volume)
	if err != nil {
		return w, err
	}
	if err := isDir(v.Host); err != nil {
		return w, fmt.Errorf("overlay: volume host path %w", err)
	}
	if err := m.mountAll(b); err != nil {
		return w, err
	}
	// target is only visible once the union view is mounted
	target := v.Target(w.Merged)
	if err := isDir(target); err != nil {
		m.unmountQuiet(w.Merged)
		return w, fmt.Errorf("overlay: volume container path %w", err)
	}
	bind := mount.NewBuilder().WithBind(v.Host, target, false)
	if err := m.mountAll(bind); err != nil {
		m.unmountQuiet(w.Merged)
		return w, err
	}
	log.Debug(b, bind)
	return w, nil
}

// DeleteWorkspace unmounts the volume, then merged, then removes the four
// directories. It fails if the workspace is not mounted or still busy.
func (m *Manager) DeleteWorkspace(id, volume string) error {
	w := m.Workspace(id)
	if volume != "" {
		v, err := ParseVolume(volume)
		if err != nil {
			return err
		}
		if err := m.mounter.Unmount(v.Target(w.Merged), 0); err != nil {
			return fmt.Errorf("overlay: unmount volume %w", err)
		}
	}
	if err := m.mounter.Unmount(w.Merged, 0); err != nil {
		return fmt.Errorf("overlay: unmount merged %w", err)
	}
	for _, d := range w.dirs() {
		if err := os.RemoveAll(d); err != nil {
			return fmt.Errorf("overlay: remove %w", err)
		}
	}
	m.log.WithField("container", id).Debug("workspace deleted")
	return nil
}

// Remove deletes whatever is left of the overlay directory of id
func (m *Manager) Remove(id string) error {
	if err := os.RemoveAll(m.Dir(id)); err != nil {
		return fmt.Errorf("overlay: remove %w", err)
	}
	return nil
}

// Commit archives the merged view of id as the named image
func (m *Manager) Commit(id, image string) error {
	merged := m.Workspace(id).Merged
	if err := isDir(merged); err != nil {
		return fmt.Errorf("overlay: workspace of %s %w", id, err)
	}
	if err := os.MkdirAll(m.images, dirPerm); err != nil {
		return fmt.Errorf("overlay: mkdir images %w", err)
	}
	rc, err := archive.TarWithOptions(merged, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("overlay: tar %w", err)
	}
	defer rc.Close()

	w, err := atomicwriter.New(m.ImagePath(image), filePerm)
	if err != nil {
		return fmt.Errorf("overlay: create image %w", err)
	}
	if _, err := io.Copy(w, rc); err != nil {
		w.Close()
		return fmt.Errorf("overlay: write image %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("overlay: write image %w", err)
	}
	return nil
}

func (m *Manager) mountAll(b *mount.Builder) error {
	for _, mt := range b.Mounts {
		if err := m.mounter.Mount(mt); err != nil {
			return fmt.Errorf("overlay: %w", err)
		}
	}
	return nil
}

func (m *Manager) unmountQuiet(target string) {
	if err := m.mounter.Unmount(target, 0); err != nil {
		m.log.WithError(err).Warn("unmount after failed volume mount")
	}
}

func extract(archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("overlay: open image %w", err)
	}
	defer f.Close()

	if err := os.MkdirAll(dest, dirPerm); err != nil {
		return fmt.Errorf("overlay: mkdir lower %w", err)
	}
	if err := archive.Untar(f, dest, &archive.TarOptions{}); err != nil {
		os.RemoveAll(dest)
		return fmt.Errorf("overlay: extract image %w", err)
	}
	return nil
}

func isDir(p string) error {
	fi, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s %w", p, errdefs.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory %w", p, errdefs.ErrInvalidArgument)
	}
	return nil
}
