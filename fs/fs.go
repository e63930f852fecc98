// Package fs holds the file system helpers of the hub and the CLI.
package fs

import (
	"fmt"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"sort"
)

const (
	defaultDirectoryPermission = 0740
	secureFilePermission       = 0600
)

// HomeFolder returns the home folder of the current user, or the working
// directory when it cannot be determined.
func HomeFolder() string {
	u, err := user.Current()
	if err != nil || u.HomeDir == "" {
		return "."
	}
	return u.HomeDir
}

// CreateSecureFolder creates folder with owner only write permission if it is
// missing. An existing folder is kept as is.
func CreateSecureFolder(folder string) (string, error) {
	exists, err := Exists(folder)
	if err != nil {
		return "", fmt.Errorf("checking folder %s: %w", folder, err)
	}
	if !exists {
		if err := os.MkdirAll(folder, defaultDirectoryPermission); err != nil {
			return "", fmt.Errorf("creating folder %s: %w", folder, err)
		}
		return folder, nil
	}
	info, err := os.Stat(folder)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a folder", folder)
	}
	return folder, nil
}

// Exists returns whether the given file or directory exists.
func Exists(filePath string) (bool, error) {
	_, err := os.Stat(filePath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return true, err
}

// CreateSecureFile creates or truncates a file readable and writable by the
// user only and returns the file handle.
func CreateSecureFile(file string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(file), defaultDirectoryPermission); err != nil {
		return nil, err
	}
	fd, err := os.OpenFile(file, os.O_RDWR|os.O_CREATE|os.O_TRUNC, secureFilePermission)
	if err != nil {
		return nil, err
	}
	if err := fd.Chmod(secureFilePermission); err != nil {
		fd.Close()
		return nil, err
	}
	return fd, nil
}

// WriteSecureFile writes data to file with CreateSecureFile permissions.
func WriteSecureFile(file string, data []byte) error {
	fd, err := CreateSecureFile(file)
	if err != nil {
		return err
	}
	if _, err := fd.Write(data); err != nil {
		fd.Close()
		return err
	}
	return fd.Close()
}

// Files returns the sorted paths of the regular files directly under
// folderPath whose name matches pattern. An empty pattern matches all.
func Files(folderPath, pattern string) ([]string, error) {
	entries, err := os.ReadDir(folderPath)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if pattern != "" {
			ok, err := filepath.Match(pattern, e.Name())
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		files = append(files, path.Join(folderPath, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}
