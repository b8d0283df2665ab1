package slide

import (
	"bytes"
	"context"
	"errors"
	"image"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func bufferLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, nil))
}

type fakeHandle struct {
	size   image.Point
	closed int
}

func (h *fakeHandle) Dimensions() []image.Point { return []image.Point{h.size} }

func (h *fakeHandle) Read(ctx context.Context, level int, region image.Rectangle) (image.Image, error) {
	return image.NewGray(region), nil
}

func (h *fakeHandle) Close() error {
	h.closed++
	return nil
}

func TestRegistryAbsenceIsUniform(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Put("a", "/slides/a.svs", &fakeHandle{size: image.Pt(100, 80)}, nil)
	reg.Put("b", "/slides/b.svs", nil, errors.New("corrupt header"))

	rec, ok := reg.Get("a")
	require.True(t, ok)
	require.Equal(t, Loaded, rec.Status)
	require.Equal(t, -1, rec.Rank)

	failedRec, failedOK := reg.Get("b")
	missingRec, missingOK := reg.Get("never-seen")
	require.False(t, failedOK)
	require.False(t, missingOK)
	require.Equal(t, missingRec, failedRec)

	require.Equal(t, []string{"a"}, reg.AllLoaded())
	require.True(t, reg.Known("b"))
	require.Equal(t, []Failure{{ID: "b", Source: "/slides/b.svs", Reason: "corrupt header"}}, reg.Failures())
}

func TestRegistryReportsEachFailureOnce(t *testing.T) {
	var buf bytes.Buffer
	reg := NewRegistry(bufferLogger(&buf))
	reg.Put("b", "/slides/b.svs", nil, errors.New("corrupt header"))
	require.Equal(t, 1, strings.Count(buf.String(), "level=WARN"))
	require.Contains(t, buf.String(), "slide=b")

	buf.Reset()
	rec := reg.Recall("c", "/slides/c.svs", "corrupt header")
	require.Empty(t, buf.String())
	require.Equal(t, FailedToLoad, rec.Status)
	require.Equal(t, "corrupt header", rec.Reason)
	_, ok := reg.Get("c")
	require.False(t, ok)
	require.Len(t, reg.Failures(), 2)
}

func TestRegistryGetIsIdempotent(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Put("b", "/slides/b.svs", nil, errors.New("unreadable"))
	for i := 0; i < 3; i++ {
		_, ok := reg.Get("b")
		require.False(t, ok)
	}
	require.Len(t, reg.Failures(), 1)
}

func TestRegistryReplaceKeepsOrderAndClosesHandle(t *testing.T) {
	var buf bytes.Buffer
	reg := NewRegistry(bufferLogger(&buf))
	first := &fakeHandle{size: image.Pt(10, 10)}
	reg.Put("a", "/x/a.svs", first, nil)
	reg.Put("b", "b.svs", &fakeHandle{size: image.Pt(10, 10)}, nil)
	require.Empty(t, buf.String())
	reg.Put("a", "/y/a.svs", &fakeHandle{size: image.Pt(20, 20)}, nil)

	out := buf.String()
	require.Equal(t, 1, strings.Count(out, "level=WARN"))
	require.Contains(t, out, "slide registered again")
	require.Contains(t, out, "slide=a")
	require.Contains(t, out, "previous_source=/x/a.svs")
	require.Contains(t, out, "source=/y/a.svs")

	require.Equal(t, []string{"a", "b"}, reg.AllLoaded())
	require.Equal(t, 1, first.closed)
	rec, _ := reg.Get("a")
	require.Equal(t, image.Pt(20, 20), rec.Size())

	require.NoError(t, reg.Close())
	require.Equal(t, 2, reg.Len())
}

func TestAssignNamesSuffixesDuplicates(t *testing.T) {
	n := AssignNames([]string{"/a/x.svs", "/b/x.ndpi", "/c/y.ome.tiff"})
	require.Equal(t, "x_0", n.ID("/a/x.svs"))
	require.Equal(t, "x_1", n.ID("/b/x.ndpi"))
	require.Equal(t, "y", n.ID("/c/y.ome.tiff"))
	require.Equal(t, []string{"x_0", "x_1"}, n.Ambiguous("x"))
	require.Nil(t, n.Ambiguous("y"))
	require.True(t, n.Has("y"))
	require.False(t, n.Has("x"))
}

func TestRecordChainOrder(t *testing.T) {
	rec := &Record{}
	require.Equal(t, 1, rec.Chain().Len())
	require.Equal(t, float64(0), rec.Footprint())
}
