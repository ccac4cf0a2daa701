package version

import (
	"crypto/sha1" //nolint:gosec
	"encoding/hex"
	"hash/adler32"
	"hash/crc32"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyTable(t *testing.T) {
	tests := []struct {
		release          string
		bucket           ManagedVersion
		sstableVersion   string
		checksum         string
		algorithm        Algorithm
		digestCompressed bool
	}{
		{
			release:          "2.0.0",
			bucket:           V20,
			sstableVersion:   "ks-tbl-jb",
			checksum:         "{sha1}  ks-tbl-jb-1-Data.db",
			algorithm:        SHA1,
			digestCompressed: false,
		},
		{
			release:          "2,1",
			bucket:           V21,
			sstableVersion:   "jb",
			checksum:         "{sha1}",
			algorithm:        SHA1,
			digestCompressed: true,
		},
		{
			release:          "2.2.8",
			bucket:           V22,
			sstableVersion:   "lb",
			checksum:         "{sha1}",
			algorithm:        Adler32,
			digestCompressed: true,
		},
		{
			release:          "3.11.4",
			bucket:           V3x,
			sstableVersion:   "mb",
			checksum:         "{sha1}",
			algorithm:        CRC32,
			digestCompressed: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.release, func(t *testing.T) {
			p, err := PolicyForRelease(tt.release)
			require.NoError(t, err)

			assert.Equal(t, tt.bucket, p.Bucket())
			assert.Equal(t, tt.sstableVersion, p.SSTableVersion("ks", "tbl"))
			assert.Equal(t, tt.checksum, p.Checksum("ks", "tbl", "{sha1}"))
			assert.Equal(t, tt.algorithm, p.Algorithm())
			assert.Equal(t, tt.digestCompressed, p.CreateDigest(true))
			assert.True(t, p.CreateDigest(false))
		})
	}
}

func TestPolicy_CommaRelease(t *testing.T) {
	r, err := Parse("2,1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r.Major())
	assert.Equal(t, uint64(1), r.Minor())
	assert.Equal(t, uint64(0), r.Patch())

	b, err := BucketOf(r)
	require.NoError(t, err)
	require.Equal(t, V21, b)

	p, err := PolicyFor(b)
	require.NoError(t, err)
	assert.True(t, p.CreateDigest(true))
	assert.True(t, p.CreateDigest(false))
}

func TestPolicyForRelease_Errors(t *testing.T) {
	_, err := PolicyForRelease("banana")
	require.ErrorIs(t, err, ErrMalformedVersion)

	_, err = PolicyForRelease("1.2.0")
	require.ErrorIs(t, err, ErrUnsupportedVersion)

	_, err = PolicyFor("9.9")
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestPolicy_DigestFileName(t *testing.T) {
	p20, _ := PolicyFor(V20)
	p22, _ := PolicyFor(V22)
	p3x, _ := PolicyFor(V3x)

	assert.Equal(t, "ks-tbl-jb-1-Digest.sha1", p20.DigestFileName("ks-tbl-jb-1-Data.db"))
	assert.Equal(t, "lb-3-big-Digest.adler32", p22.DigestFileName("lb-3-big-Data.db"))
	assert.Equal(t, "mb-1-big-Digest.crc32", p3x.DigestFileName("mb-1-big-Data.db"))
}

func TestPolicy_VerifyDigest(t *testing.T) {
	data := "some sstable bytes"

	sha := sha1.Sum([]byte(data)) //nolint:gosec
	shaHex := hex.EncodeToString(sha[:])
	adler := strconv.FormatUint(uint64(adler32.Checksum([]byte(data))), 10)
	crc := strconv.FormatUint(uint64(crc32.ChecksumIEEE([]byte(data))), 10)

	tests := []struct {
		name    string
		bucket  ManagedVersion
		digest  string
		wantErr bool
	}{
		{name: "2.0 line form", bucket: V20, digest: shaHex + "  ks-tbl-jb-1-Data.db"},
		{name: "2.1 raw sha1", bucket: V21, digest: shaHex + "\n"},
		{name: "2.1 upper case sha1", bucket: V21, digest: strings.ToUpper(shaHex)},
		{name: "2.2 raw adler32", bucket: V22, digest: adler},
		{name: "3.x raw crc32", bucket: V3x, digest: crc},
		{name: "3.x wrong value", bucket: V3x, digest: adler, wantErr: true},
		{name: "empty digest", bucket: V3x, digest: "  ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := PolicyFor(tt.bucket)
			require.NoError(t, err)

			err = p.VerifyDigest(strings.NewReader(data), tt.digest)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrDigestMismatch)
				return
			}
			require.NoError(t, err)
		})
	}
}
