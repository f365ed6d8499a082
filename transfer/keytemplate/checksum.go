package keytemplate

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// checksum returns the hex-encoded SHA-256 of the files matching paths. Paths can be
// doublestar patterns relative to the working directory.
// Files are hashed in alphabetical order, so the result doesn't depend on the argument order.
func (m Model) checksum(paths ...string) string {
	workingDir, err := os.Getwd()
	if err != nil {
		m.logger.Errorf(err.Error())
		return ""
	}

	files := regularFiles(m.expand(workingDir, paths))
	if len(files) == 0 {
		m.logger.Warnf("No files to include in the checksum")
		return ""
	}
	sort.Strings(files)

	m.logger.Debugf("Files included in checksum:")
	for _, path := range files {
		m.logger.Debugf("- %s", path)
	}

	if len(files) == 1 {
		sum, err := sumFile(files[0])
		if err != nil {
			m.logger.Warnf("Error while computing checksum %s: %s", files[0], err)
			return ""
		}
		return hex.EncodeToString(sum)
	}

	combined := sha256.New()
	for _, path := range files {
		sum, err := sumFile(path)
		if err != nil {
			m.logger.Warnf("Error while hashing %s: %s", path, err)
			continue
		}
		combined.Write(sum)
	}

	return hex.EncodeToString(combined.Sum(nil))
}

func (m Model) expand(workingDir string, paths []string) []string {
	var expanded []string
	for _, path := range paths {
		if !strings.Contains(path, "*") {
			expanded = append(expanded, path)
			continue
		}

		matches, err := doublestar.Glob(os.DirFS(workingDir), path)
		if err != nil {
			m.logger.Warnf("Error in pattern '%s': %s", path, err)
			continue
		}
		if len(matches) == 0 {
			m.logger.Warnf("No match for pattern: %s", path)
			continue
		}
		expanded = append(expanded, matches...)
	}

	return expanded
}

func sumFile(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close() //nolint:errcheck

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return nil, err
	}
	return hash.Sum(nil), nil
}

func regularFiles(paths []string) []string {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		files = append(files, path)
	}
	return files
}
