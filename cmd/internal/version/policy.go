package version

import (
	"crypto/sha1" //nolint:gosec
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"hash/adler32"
	"hash/crc32"
	"io"
	"strconv"
	"strings"
)

// ManagedVersion is a coarse release bucket selecting on-disk naming and checksum conventions.
type ManagedVersion string

const (
	V20 ManagedVersion = "2.0"
	V21 ManagedVersion = "2.1"
	V22 ManagedVersion = "2.2"
	V3x ManagedVersion = "3.x"
)

// ErrDigestMismatch is returned when a data file does not match its digest component
var ErrDigestMismatch = errors.New("digest mismatch")

var newestBoundary = NewRelease(3, 0, 0)

var exactBuckets = map[[2]uint64]ManagedVersion{
	{2, 0}: V20,
	{2, 1}: V21,
	{2, 2}: V22,
}

// BucketOf maps a release to its bucket. Releases from 3.0.0 on share the newest bucket,
// older ones need an exact major.minor match.
func BucketOf(r Release) (ManagedVersion, error) {
	if !r.LessThan(newestBoundary) {
		return V3x, nil
	}
	b, ok := exactBuckets[[2]uint64{r.Major(), r.Minor()}]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedVersion, r)
	}
	return b, nil
}

// Algorithm names the checksum used for digest components.
type Algorithm string

const (
	SHA1    Algorithm = "sha1"
	Adler32 Algorithm = "adler32"
	CRC32   Algorithm = "crc32"
)

// Policy holds the conventions of one bucket.
type Policy struct {
	bucket    ManagedVersion
	tag       string
	algorithm Algorithm
	// prefixed marks the 2.0 layout where sstable names carry keyspace and table
	prefixed bool
}

var policies = map[ManagedVersion]Policy{
	V20: {bucket: V20, tag: "jb", algorithm: SHA1, prefixed: true},
	V21: {bucket: V21, tag: "jb", algorithm: SHA1},
	V22: {bucket: V22, tag: "lb", algorithm: Adler32},
	V3x: {bucket: V3x, tag: "mb", algorithm: CRC32},
}

// PolicyFor returns the conventions of the given bucket.
func PolicyFor(b ManagedVersion) (Policy, error) {
	p, ok := policies[b]
	if !ok {
		return Policy{}, fmt.Errorf("%w: unknown bucket %q", ErrUnsupportedVersion, b)
	}
	return p, nil
}

// PolicyForRelease parses text and returns the conventions of its bucket.
func PolicyForRelease(text string) (Policy, error) {
	r, err := Parse(text)
	if err != nil {
		return Policy{}, err
	}
	b, err := BucketOf(r)
	if err != nil {
		return Policy{}, err
	}
	return PolicyFor(b)
}

func (p Policy) Bucket() ManagedVersion { return p.bucket }

func (p Policy) Algorithm() Algorithm { return p.algorithm }

// SSTableVersion returns the sstable version tag, prefixed with keyspace and table for 2.0.
func (p Policy) SSTableVersion(keyspace, table string) string {
	if p.prefixed {
		return fmt.Sprintf("%s-%s-%s", keyspace, table, p.tag)
	}
	return p.tag
}

// Checksum renders the content of a digest component for the given checksum value.
func (p Policy) Checksum(keyspace, table, value string) string {
	if p.prefixed {
		return fmt.Sprintf("%s  %s-1-Data.db", value, p.SSTableVersion(keyspace, table))
	}
	return value
}

// ParseChecksum extracts the checksum value from the content of a digest component.
func (p Policy) ParseChecksum(content string) string {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// CreateDigest tells whether a digest component is written for an sstable.
func (p Policy) CreateDigest(isCompressed bool) bool {
	if p.bucket == V20 {
		return !isCompressed
	}
	return true
}

// DigestFileName returns the digest component belonging to a Data.db component.
func (p Policy) DigestFileName(dataFile string) string {
	return strings.TrimSuffix(dataFile, "Data.db") + "Digest." + string(p.algorithm)
}

// NewHash returns a fresh hash of the bucket's algorithm.
func (p Policy) NewHash() hash.Hash {
	switch p.algorithm {
	case Adler32:
		return adler32.New()
	case CRC32:
		return crc32.NewIEEE()
	default:
		return sha1.New() //nolint:gosec
	}
}

// Sum renders a finished hash in the representation used by digest components.
func (p Policy) Sum(h hash.Hash) string {
	switch p.algorithm {
	case Adler32, CRC32:
		if h32, ok := h.(hash.Hash32); ok {
			return strconv.FormatUint(uint64(h32.Sum32()), 10)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyDigest hashes data and compares it with the value in digestContent.
func (p Policy) VerifyDigest(data io.Reader, digestContent string) error {
	want := p.ParseChecksum(digestContent)
	if want == "" {
		return fmt.Errorf("%w: empty digest", ErrDigestMismatch)
	}

	h := p.NewHash()
	if _, err := io.Copy(h, data); err != nil {
		return fmt.Errorf("unable to hash data: %w", err)
	}

	got := p.Sum(h)
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: expected %s %s, got %s", ErrDigestMismatch, p.algorithm, want, got)
	}
	return nil
}
