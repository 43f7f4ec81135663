package hashing

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }

func TestCompute(t *testing.T) {
	data := bytes.Repeat([]byte("left-pad"), 1000)

	h, err := Compute(bytes.NewReader(data))
	require.NoError(t, err)

	m := md5.Sum(data)
	s1 := sha1.Sum(data)
	s256 := sha256.Sum256(data)
	s512 := sha512.Sum512(data)

	assert.Equal(t, int64(len(data)), h.Size)
	assert.Equal(t, hex.EncodeToString(m[:]), h.MD5)
	assert.Equal(t, hex.EncodeToString(s1[:]), h.SHA1)
	assert.Equal(t, hex.EncodeToString(s256[:]), h.SHA256)
	assert.Equal(t, hex.EncodeToString(s512[:]), h.SHA512)
	assert.Equal(t, "sha256:"+h.SHA256, h.Digest().String())
}

func TestCompute_Empty(t *testing.T) {
	h, err := Compute(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Equal(t, int64(0), h.Size)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", h.SHA256)
}

func TestCompute_ReadError(t *testing.T) {
	_, err := Compute(failingReader{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDigest)
}

func TestHasher_ResumeAfterSnapshot(t *testing.T) {
	first := bytes.Repeat([]byte{0xab}, 4096)
	second := bytes.Repeat([]byte{0xcd}, 4096)

	h := New()
	_, _ = h.Write(first)
	state, err := h.MarshalBinary()
	require.NoError(t, err)

	resumed := New()
	require.NoError(t, resumed.UnmarshalBinary(state))
	assert.Equal(t, int64(4096), resumed.Size())
	_, _ = resumed.Write(second)

	want, err := Compute(bytes.NewReader(append(append([]byte{}, first...), second...)))
	require.NoError(t, err)
	assert.Equal(t, want, resumed.Sum())
}

func TestHasher_SumDoesNotReset(t *testing.T) {
	h := New()
	_, _ = h.Write([]byte("abc"))
	first := h.Sum()
	assert.Equal(t, first, h.Sum())
}

func TestHasher_UnmarshalGarbage(t *testing.T) {
	h := New()
	assert.Error(t, h.UnmarshalBinary([]byte("not json")))
}

func TestIntegrity(t *testing.T) {
	h, err := Compute(bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	sum := sha512.Sum512([]byte("hello"))
	assert.Equal(t, "sha512-"+base64.StdEncoding.EncodeToString(sum[:]), h.Integrity())
}

func TestParseSHA256(t *testing.T) {
	hex64 := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"bare hex", hex64, hex64, false},
		{"oci digest", "sha256:" + hex64, hex64, false},
		{"uppercase", "E3B0C44298FC1C149AFBF4C8996FB92427AE41E4649B934CA495991B7852B855", "", true},
		{"short", "abc", "", true},
		{"sha512 algorithm", "sha512:" + hex64 + hex64, "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSHA256(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidDigest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
