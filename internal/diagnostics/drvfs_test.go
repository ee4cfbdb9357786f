package diagnostics

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wslMounts = `rootfs / ext4 rw 0 0
/dev/sdc / ext4 rw,relatime 0 0
C:\134 /mnt/c drvfs rw,noatime 0 0
D:\134 /mnt/d 9p rw,relatime 0 0
tmpfs /mnt/c/tmp tmpfs rw 0 0
`

func TestOnDrvFS(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/home/aigerim/cw.db", false},
		{"/mnt/c/Users/aigerim/cw.db", true},
		{"/mnt/c", true},
		{"/mnt/cdrom/cw.db", false},
		{"/mnt/d/data/cw.db", true},
		{"/mnt/c/tmp/cw.db", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := onDrvFS(strings.NewReader(wslMounts), tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLooksLikeDriveMount(t *testing.T) {
	assert.True(t, looksLikeDriveMount("/mnt/c/data"))
	assert.True(t, looksLikeDriveMount("/mnt/e"))
	assert.False(t, looksLikeDriveMount("/mnt/wsl/data"))
	assert.False(t, looksLikeDriveMount("/var/lib/cw"))
}

func TestStorageWarnings(t *testing.T) {
	assert.Empty(t, StorageWarnings("", t.TempDir()))

	if runtime.GOOS != "linux" {
		on, err := IsDrvFSPath("C:/Users")
		require.NoError(t, err)
		assert.False(t, on)
	}
}
