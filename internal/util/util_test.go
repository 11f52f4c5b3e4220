package util

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFormatDurationFromSecs(t *testing.T) {
	tests := []struct {
		secs int64
		want string
	}{
		{0, "0:00"},
		{59, "0:59"},
		{61, "1:01"},
		{3600, "1:00:00"},
		{3725, "1:02:05"},
		{-5, "0:00"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, FormatDurationFromSecs(tt.secs), "secs %d", tt.secs)
	}
}

func TestFormatBytesReadable(t *testing.T) {
	require.Equal(t, "512 B", FormatBytesReadable(512))
	require.Equal(t, "1.00 KiB", FormatBytesReadable(1024))
	require.Equal(t, "1.50 MiB", FormatBytesReadable(3<<19))
	require.Equal(t, "2.00 GiB", FormatBytesReadable(2<<30))
}

func TestFormatBitrate(t *testing.T) {
	require.Equal(t, "750.0 kbps", FormatBitrate(750_000))
	require.Equal(t, "2.50 Mbps", FormatBitrate(2_500_000))
	require.Equal(t, "900 bps", FormatBitrate(900))
}

func TestCalculateDeviation(t *testing.T) {
	require.InDelta(t, 10.0, CalculateDeviation(100, 110), 1e-9)
	require.InDelta(t, -25.0, CalculateDeviation(200, 150), 1e-9)
	require.Zero(t, CalculateDeviation(0, 5))
}

func TestCapWorkers(t *testing.T) {
	n, capped := CapWorkers(4, 640, 360)
	require.GreaterOrEqual(t, n, 1)
	require.LessOrEqual(t, n, 4)
	require.Equal(t, n < 4, capped)

	n, _ = CapPictures(1, 3840, 2160)
	require.Equal(t, 1, n)
	require.Equal(t, uint64(1920*1080*3/2*3), PictureBytes(1920, 1080))
	require.Positive(t, LogicalCores())
}

func TestTempFileCommit(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.vp9")
	f, err := CreateTempFile(target, "vp9pipe")
	require.NoError(t, err)
	_, err = f.WriteString("frames")
	require.NoError(t, err)
	require.NoError(t, f.Commit())
	require.NoError(t, f.Cleanup())

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "frames", string(data))
}

func TestTempFileCleanup(t *testing.T) {
	dir := t.TempDir()
	f, err := CreateTempFile(filepath.Join(dir, "out.vp9"), "vp9pipe")
	require.NoError(t, err)
	path := f.Path()
	require.NoError(t, f.Cleanup())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))

	_, err = CreateTempFile(filepath.Join(dir, "missing", "out.vp9"), "vp9pipe")
	require.Error(t, err)
}

func TestCleanupStaleTempFiles(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "vp9pipe_abcd.tmp")
	fresh := filepath.Join(dir, "vp9pipe_ef01.tmp")
	other := filepath.Join(dir, "keep.tmp")
	for _, p := range []string{old, fresh, other} {
		require.NoError(t, os.WriteFile(p, nil, 0o644))
	}
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.Chtimes(other, past, past))

	n, err := CleanupStaleTempFiles(dir, "vp9pipe", 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = os.Stat(fresh)
	require.NoError(t, err)
	_, err = os.Stat(other)
	require.NoError(t, err)
}

func TestEnsureDirectoryWritable(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, EnsureDirectoryWritable(dir))
	require.Error(t, EnsureDirectoryWritable(filepath.Join(dir, "missing")))

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	require.Error(t, EnsureDirectoryWritable(file))
	require.True(t, CheckDiskSpace(dir, nil) || GetAvailableSpace(dir) > 0)
}
