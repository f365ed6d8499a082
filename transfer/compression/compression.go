package compression

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/zstd"
)

// ArchiveDependencyChecker ...
type ArchiveDependencyChecker interface {
	CheckDependencies() bool
}

// DependencyChecker ...
type DependencyChecker struct {
	logger  log.Logger
	envRepo env.Repository
}

// NewDependencyChecker ...
func NewDependencyChecker(logger log.Logger, envRepo env.Repository) *DependencyChecker {
	return &DependencyChecker{
		logger:  logger,
		envRepo: envRepo,
	}
}

// CheckDependencies reports whether both the tar and zstd binaries are installed.
func (dc *DependencyChecker) CheckDependencies() bool {
	return dc.checkDependency("tar") && dc.checkDependency("zstd")
}

func (dc *DependencyChecker) checkDependency(binaryName string) bool {
	cmdFactory := command.NewFactory(dc.envRepo)
	cmd := cmdFactory.Create("which", []string{binaryName}, nil)
	dc.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	_, err := cmd.RunAndReturnTrimmedCombinedOutput()
	return err == nil
}

// Archiver produces tar.zst streams that can be handed to the block uploader directly.
type Archiver struct {
	logger                   log.Logger
	envRepo                  env.Repository
	archiveDependencyChecker ArchiveDependencyChecker
	level                    int
}

// NewArchiver ...
func NewArchiver(logger log.Logger, envRepo env.Repository, archiveDependencyChecker ArchiveDependencyChecker, level int) *Archiver {
	return &Archiver{
		logger:                   logger,
		envRepo:                  envRepo,
		archiveDependencyChecker: archiveDependencyChecker,
		level:                    level,
	}
}

// Stream archives the provided files and folders into a zstd compressed tar stream.
// The archive is produced while the returned reader is consumed, nothing is written to disk.
// Closing the reader early stops the archiving.
func (a *Archiver) Stream(includePaths []string) io.ReadCloser {
	pr, pw := io.Pipe()

	go func() {
		var err error
		if a.archiveDependencyChecker.CheckDependencies() {
			a.logger.Debugf("Using installed zstd binary")
			err = a.streamWithBinary(pw, includePaths)
		} else {
			a.logger.Debugf("Falling back to native implementation of zstd.")
			err = a.streamWithGoLib(pw, includePaths)
		}
		if err != nil {
			err = fmt.Errorf("compress files: %w", err)
		}
		_ = pw.CloseWithError(err)
	}()

	return pr
}

func (a *Archiver) streamWithGoLib(w io.Writer, includePaths []string) error {
	zstdWriter, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(a.level)))
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zstdWriter)

	for _, p := range includePaths {
		if err := filepath.Walk(filepath.Clean(p), func(file string, fi os.FileInfo, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			return writeEntry(tw, file, fi)
		}); err != nil {
			zstdWriter.Close() //nolint:errcheck
			return fmt.Errorf("iterate on files: %w", err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	if err := zstdWriter.Close(); err != nil {
		return fmt.Errorf("close zstd writer: %w", err)
	}

	return nil
}

func writeEntry(tw *tar.Writer, file string, fi os.FileInfo) error {
	var link string
	if fi.Mode()&os.ModeSymlink != 0 {
		var err error
		if link, err = os.Readlink(file); err != nil {
			return fmt.Errorf("read symlink: %w", err)
		}
	}

	header, err := tar.FileInfoHeader(fi, link)
	if err != nil {
		return fmt.Errorf("create file info header: %w", err)
	}
	header.Name = filepath.ToSlash(filepath.Clean(file))

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write tar file header: %w", err)
	}

	// nothing more to do for non-regular files or directories
	if !fi.Mode().IsRegular() {
		return nil
	}

	data, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer data.Close() //nolint:errcheck

	if _, err := io.Copy(tw, data); err != nil {
		return fmt.Errorf("copy file to archive: %w", err)
	}

	return nil
}

func (a *Archiver) streamWithBinary(w io.Writer, includePaths []string) error {
	cmdFactory := command.NewFactory(a.envRepo)

	/*
		tar arguments:
		--use-compress-program: Pipe the output to zstd instead of using the built-in gzip compression
		-P: Alias for --absolute-paths in BSD tar and --absolute-names in GNU tar
		-c: Create archive
		-f -: Write the archive to stdout
	*/
	tarArgs := []string{
		"--use-compress-program", fmt.Sprintf("zstd -%d --threads=0", a.level),
		"-P",
		"-c",
		"-f", "-",
	}
	tarArgs = append(tarArgs, includePaths...)

	var stderr bytes.Buffer
	cmd := cmdFactory.Create("tar", tarArgs, &command.Opts{Stdout: w, Stderr: &stderr})
	a.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("command failed with exit status %d (%s):\n%w", exitErr.ExitCode(), cmd.PrintableCommandArgs(), errors.New(strings.TrimSpace(stderr.String())))
		}
		return fmt.Errorf("executing command failed (%s): %w", cmd.PrintableCommandArgs(), err)
	}

	return nil
}

// Extract unpacks a tar.zst stream into destinationDirectory.
// Entries are stored with absolute paths, so an empty destination restores them in place.
func Extract(r io.Reader, destinationDirectory string) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar file: %w", err)
		}

		target, err := entryTarget(destinationDirectory, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("create target directories: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("create target directories: %w", err)
			}
			fileToWrite, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode))
			if err != nil {
				return fmt.Errorf("create file: %w", err)
			}
			if _, err := io.Copy(fileToWrite, tr); err != nil {
				fileToWrite.Close() //nolint:errcheck
				return fmt.Errorf("copy content to file: %w", err)
			}
			// closed per file, a defer would keep every file open until the archive ends
			if err := fileToWrite.Close(); err != nil {
				return fmt.Errorf("write file: %w", err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("create target directories: %w", err)
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("symlink file: %w", err)
			}
		}
	}

	return nil
}

func entryTarget(destinationDirectory, name string) (string, error) {
	target := filepath.FromSlash(name)
	if destinationDirectory == "" {
		return target, nil
	}

	root := filepath.Clean(destinationDirectory)
	target = filepath.Join(root, target)
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %s escapes %s", name, destinationDirectory)
	}

	return target, nil
}

// AreAllPathsEmpty checks if the provided paths are all nonexistent files or empty directories
func AreAllPathsEmpty(includePaths []string) bool {
	allEmpty := true

	for _, path := range includePaths {
		fileInfo, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			continue
		}

		if !fileInfo.IsDir() {
			allEmpty = false
			break
		}

		file, err := os.Open(path)
		if err != nil {
			continue
		}
		_, err = file.Readdirnames(1) // query only 1 child
		file.Close()                  //nolint:errcheck
		if errors.Is(err, io.EOF) {
			continue
		}
		if err == nil {
			allEmpty = false
			break
		}
	}

	return allEmpty
}
