package codec

import (
	"testing"

	"github.com/sourced-io/sourced/testutil"
)

func TestBinaryCodec(t *testing.T) {
	is := testutil.NewIs(t)

	_, err := Binary.Marshal("foo")
	is.Err(err, nil)

	var s string
	err = Binary.Unmarshal([]byte("foo"), &s)
	is.Err(err, nil)

	b, err := Binary.Marshal([]byte("foo"))
	is.NoErr(err)
	is.Equal(b, []byte("foo"))

	// Unmarshal resets the slice and copies, so later writes to the
	// source cannot leak through.
	x := []byte("barr")
	err = Binary.Unmarshal(b, &x)
	is.NoErr(err)
	is.Equal(x, []byte("foo"))

	b[0] = 'b'
	is.Equal(x, []byte("foo"))
}
