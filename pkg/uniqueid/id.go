package uniqueid

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/oklog/ulid"
	"github.com/pkg/errors"
)

// ID is the cluster-wide 128-bit identifier used by the coordinator for queries
// and fragment instances. It mirrors the (hi, lo) pair carried by the
// coordinator-to-worker RPC messages, so two IDs are equal iff both halves are.
type ID struct {
	Hi int64
	Lo int64
}

// Zero is the unset ID.
var Zero = ID{}

// New returns a random ID derived from a fresh ULID, so that IDs generated on the
// same node sort by creation time.
func New() ID {
	u := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader)
	return FromBytes(u[:])
}

// FromBytes builds an ID from 16 big-endian bytes.
func FromBytes(b []byte) ID {
	return ID{
		Hi: int64(binary.BigEndian.Uint64(b[0:8])),
		Lo: int64(binary.BigEndian.Uint64(b[8:16])),
	}
}

// Bytes returns the 16 big-endian bytes of the ID.
func (id ID) Bytes() [16]byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], uint64(id.Hi))
	binary.BigEndian.PutUint64(b[8:16], uint64(id.Lo))
	return b
}

// Hash returns a stable 64-bit hash of the ID, used to pick a shard.
func (id ID) Hash() uint64 {
	b := id.Bytes()
	return xxhash.Sum64(b[:])
}

// IsZero reports whether the ID is unset.
func (id ID) IsZero() bool {
	return id == Zero
}

// String renders the ID the way the rest of the cluster prints it: both halves
// as 16 hex digits separated by a dash.
func (id ID) String() string {
	return fmt.Sprintf("%016x-%016x", uint64(id.Hi), uint64(id.Lo))
}

// Parse is the inverse of String.
func Parse(s string) (ID, error) {
	hi, lo, ok := strings.Cut(s, "-")
	if !ok || len(hi) != 16 || len(lo) != 16 {
		return Zero, errors.Errorf("invalid unique id %q", s)
	}
	h, err := strconv.ParseUint(hi, 16, 64)
	if err != nil {
		return Zero, errors.Wrapf(err, "invalid unique id %q", s)
	}
	l, err := strconv.ParseUint(lo, 16, 64)
	if err != nil {
		return Zero, errors.Wrapf(err, "invalid unique id %q", s)
	}
	return ID{Hi: int64(h), Lo: int64(l)}, nil
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
