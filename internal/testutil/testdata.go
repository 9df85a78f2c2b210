// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"embed"
	"encoding/json"
	"path"
	"testing"
)

//go:embed testdata
var fixtures embed.FS

// ReadFile returns the named fixture from testdata.
func ReadFile(name string) ([]byte, error) {
	return fixtures.ReadFile(path.Join("testdata", name))
}

// Fixture is ReadFile that fails the test on error.
func Fixture(t testing.TB, name string) []byte {
	t.Helper()
	b, err := ReadFile(name)
	if err != nil {
		t.Fatalf("fixture %s: %v", name, err)
	}
	return b
}

// LoadJSON decodes the named fixture into a generic map and, if given,
// into target as well.
func LoadJSON(name string, target ...any) (map[string]any, error) {
	data, err := ReadFile(name)
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	if len(target) > 0 && target[0] != nil {
		if err := json.Unmarshal(data, target[0]); err != nil {
			return nil, err
		}
	}
	return result, nil
}
