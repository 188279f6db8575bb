package tardiff_test

import (
	"bytes"
	"io/ioutil"
	"os"
	"testing"

	"github.com/grailbio/tardiff/block"
	"github.com/grailbio/tardiff/encoding/tardiff"
	"github.com/grailbio/tardiff/stream"
	"github.com/stretchr/testify/require"
)

func buildBlocks(tags ...byte) []byte {
	var buf bytes.Buffer
	for _, tag := range tags {
		buf.Write(bytes.Repeat([]byte{tag}, block.Size))
	}
	return buf.Bytes()
}

func genDiff(t *testing.T, source, target []byte) []byte {
	t.Helper()
	var diff bytes.Buffer
	err := tardiff.GenerateDiff(bytes.NewReader(source), bytes.NewReader(target), &diff, tardiff.GenerateOptions{
		TmpDir:            t.TempDir(),
		IndexCacheRecords: 16,
		V11:               true,
	})
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(diff.Bytes(), []byte(tardiff.Magic)))
	return diff.Bytes()
}

func tempFileWith(t *testing.T, data []byte) *os.File {
	t.Helper()
	f, err := ioutil.TempFile(t.TempDir(), "tardiff-test-")
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	_, err = f.Seek(0, 0)
	require.NoError(t, err)
	return f
}

func TestForwardPatchRoundTrip(t *testing.T) {
	source := buildBlocks('A', 'B', 'C', 'D')
	target := buildBlocks('A', 'B', 'X', 'D', 'Y')
	diff := genDiff(t, source, target)

	sourceFile := tempFileWith(t, source)
	defer sourceFile.Close()
	sourceStream := stream.NewFile(sourceFile)

	var out bytes.Buffer
	err := tardiff.ApplyForward(bytes.NewReader(diff[tardiff.MagicLen:]), sourceStream, &out)
	require.NoError(t, err)
	require.Equal(t, target, out.Bytes())
}

func TestForwardPatchIdenticalFiles(t *testing.T) {
	source := buildBlocks('A', 'B', 'C')
	diff := genDiff(t, source, source)

	sourceFile := tempFileWith(t, source)
	defer sourceFile.Close()

	var out bytes.Buffer
	err := tardiff.ApplyForward(bytes.NewReader(diff[tardiff.MagicLen:]), stream.NewFile(sourceFile), &out)
	require.NoError(t, err)
	require.Equal(t, source, out.Bytes())
}

func TestForwardPatchEmptyTarget(t *testing.T) {
	source := buildBlocks('A', 'B')
	diff := genDiff(t, source, nil)

	sourceFile := tempFileWith(t, source)
	defer sourceFile.Close()

	var out bytes.Buffer
	err := tardiff.ApplyForward(bytes.NewReader(diff[tardiff.MagicLen:]), stream.NewFile(sourceFile), &out)
	require.NoError(t, err)
	require.Empty(t, out.Bytes())
}

func TestBackwardPatchRoundTrip(t *testing.T) {
	source := buildBlocks('A', 'B', 'C', 'D')
	target := buildBlocks('A', 'B', 'X', 'D', 'Y')
	diff := genDiff(t, source, target)

	outFile := tempFileWith(t, nil)
	defer outFile.Close()

	err := tardiff.ApplyBackward(bytes.NewReader(diff[tardiff.MagicLen:]), bytes.NewReader(source), stream.NewFile(outFile), t.TempDir())
	require.NoError(t, err)

	_, err = outFile.Seek(0, 0)
	require.NoError(t, err)
	got, err := ioutil.ReadAll(outFile)
	require.NoError(t, err)
	require.Equal(t, target, got)
}

func TestBackwardPatchRequiresSeekableOutput(t *testing.T) {
	err := tardiff.ApplyBackward(bytes.NewReader(nil), bytes.NewReader(nil), stream.NewPipe(&bytes.Buffer{}), t.TempDir())
	require.Error(t, err)
}

func TestForwardPatchDigestMismatch(t *testing.T) {
	source := buildBlocks('A', 'B')
	target := buildBlocks('A', 'B')
	diff := genDiff(t, source, target)

	// Corrupt the first byte of the target digest trailer (which precedes
	// the 16-byte source digest trailer, since genDiff writes v1.1 output).
	corrupt := append([]byte(nil), diff...)
	corrupt[len(corrupt)-32] ^= 0xFF

	sourceFile := tempFileWith(t, source)
	defer sourceFile.Close()

	var out bytes.Buffer
	err := tardiff.ApplyForward(bytes.NewReader(corrupt[tardiff.MagicLen:]), stream.NewFile(sourceFile), &out)
	require.Error(t, err)
}
