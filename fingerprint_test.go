package featurecache

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFingerprintBytes_Deterministic(t *testing.T) {
	data := []byte("hello world")

	fp1 := FingerprintBytes(data)
	fp2 := FingerprintBytes(data)

	require.Equal(t, fp1, fp2)
	require.False(t, fp1.IsZero())
}

func TestFingerprintBytes_DistinctContent(t *testing.T) {
	fp1 := FingerprintBytes([]byte("image-a"))
	fp2 := FingerprintBytes([]byte("image-b"))

	require.NotEqual(t, fp1, fp2)
}

func TestFingerprint_String(t *testing.T) {
	fp := FingerprintBytes([]byte("content"))

	s := fp.String()
	require.Len(t, s, FingerprintSize*2)
	require.Equal(t, strings.ToLower(s), s)

	require.Equal(t, s[:16], fp.ShortString())
}

func TestFingerprint_Shard(t *testing.T) {
	fp := FingerprintBytes([]byte("content"))
	require.Equal(t, fp[0], fp.Shard())
}

func TestParseFingerprint_RoundTrip(t *testing.T) {
	fp := FingerprintBytes([]byte("round trip"))

	parsed, err := ParseFingerprint(fp.String())
	require.NoError(t, err)
	require.Equal(t, fp, parsed)
}

func TestParseFingerprint_Invalid(t *testing.T) {
	_, err := ParseFingerprint("abc123")
	require.Error(t, err)

	_, err = ParseFingerprint(strings.Repeat("zz", FingerprintSize))
	require.Error(t, err)
}

func TestFingerprintReader_MatchesBytes(t *testing.T) {
	data := []byte("streamed content of nontrivial size")

	fp, n, err := FingerprintReader(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), n)
	require.Equal(t, FingerprintBytes(data), fp)
}

func TestHashingReader(t *testing.T) {
	data := []byte("spooled upload")

	hr := NewHashingReader(bytes.NewReader(data))
	var buf bytes.Buffer
	_, err := buf.ReadFrom(hr)
	require.NoError(t, err)

	require.Equal(t, data, buf.Bytes())
	require.Equal(t, int64(len(data)), hr.BytesRead())
	require.Equal(t, FingerprintBytes(data), hr.Sum())
}
