package regen

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldOverwrite_MissingFileAlwaysWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent")
	for _, policy := range []OverwritePolicy{OverwriteNever, OverwriteAlways, OverwriteNewer, OverwriteOlder} {
		assert.True(t, shouldOverwrite(path, time.Now().Unix(), policy))
	}
}

func TestShouldOverwrite_TruthTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "existing")
	require.NoError(t, os.WriteFile(path, []byte("on disk"), 0644))

	onDisk := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, onDisk, onDisk))

	older := onDisk.Add(-time.Hour).Unix() // stored version older than disk
	newer := onDisk.Add(time.Hour).Unix()  // stored version newer than disk

	cases := []struct {
		name   string
		policy OverwritePolicy
		stored int64
		want   bool
	}{
		{"never/stored newer", OverwriteNever, newer, false},
		{"never/stored older", OverwriteNever, older, false},
		{"always/stored newer", OverwriteAlways, newer, true},
		{"always/stored older", OverwriteAlways, older, true},
		{"newer/stored newer", OverwriteNewer, newer, true},
		{"newer/stored older", OverwriteNewer, older, false},
		{"older/stored newer", OverwriteOlder, newer, false},
		{"older/stored older", OverwriteOlder, older, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, shouldOverwrite(path, tc.stored, tc.policy))
		})
	}
}
