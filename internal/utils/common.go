package utils

import (
	"os"
	"strings"
)

func cmdlinePath() string {
	if p := os.Getenv("HOST_PROC_CMDLINE"); p != "" {
		return p
	}
	return "/proc/cmdline"
}

// ReadCMDLine returns the fields of the running kernel command line.
func ReadCMDLine() []string {
	cmdLine, err := os.ReadFile(cmdlinePath())
	if err != nil {
		return []string{}
	}
	return strings.Fields(string(cmdLine))
}

// CleanupSlice removes empty and blank entries.
func CleanupSlice(slice []string) []string {
	var cleanSlice []string
	for _, item := range slice {
		if strings.TrimSpace(item) == "" {
			continue
		}
		cleanSlice = append(cleanSlice, item)
	}
	return cleanSlice
}

// UniqueSlice removes duplicates keeping the first occurrence.
func UniqueSlice(slice []string) []string {
	keys := make(map[string]bool)
	var list []string
	for _, entry := range slice {
		if _, value := keys[entry]; !value {
			keys[entry] = true
			list = append(list, entry)
		}
	}
	return list
}

func CreateIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModePerm)
	}
	return nil
}

// IsSystemMountPoint reports if p is one of the mount points the booted system depends on.
func IsSystemMountPoint(p string, system []string) bool {
	for _, s := range system {
		if p == s {
			return true
		}
	}
	return false
}
