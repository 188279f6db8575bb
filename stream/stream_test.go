package stream_test

import (
	"bytes"
	"io/ioutil"
	"testing"

	"github.com/grailbio/tardiff/stream"
	"github.com/stretchr/testify/require"
)

func TestFileStreamSeekable(t *testing.T) {
	f, err := ioutil.TempFile(t.TempDir(), "stream-test-")
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString("hello world")
	require.NoError(t, err)

	s := stream.NewFile(f)
	require.True(t, stream.Seekable(s))

	ok, err := s.TrySeek(6)
	require.NoError(t, err)
	require.True(t, ok)
	got, err := ioutil.ReadAll(s)
	require.NoError(t, err)
	require.Equal(t, "world", string(got))
}

func TestPipeStreamNotSeekable(t *testing.T) {
	s := stream.NewPipe(&bytes.Buffer{})
	require.False(t, stream.Seekable(s))
	ok, err := s.TrySeek(0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGzipRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := stream.NewGzipWriter(stream.NewPipe(&buf))
	_, err := w.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := stream.NewGzipReader(stream.NewPipe(bytes.NewBuffer(buf.Bytes())))
	require.NoError(t, err)
	require.False(t, stream.Seekable(r))
	got, err := ioutil.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))
	require.NoError(t, r.Close())
}
