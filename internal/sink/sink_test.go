package sink

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srg/musebridge/internal/testutils"
)

func eegDesc(name string) Desc {
	return Desc{
		Name:         name,
		Type:         "EEG",
		Labels:       []string{"TP9", "AF7"},
		ChannelCount: 2,
		ChunkSize:    12,
		BufferLength: 1,
		SampleRate:   48,
		Format:       "float32",
	}
}

type MemorySinkTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	sink   *MemorySink
}

func (s *MemorySinkTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.sink = NewMemorySink(s.helper.Logger)
}

func (s *MemorySinkTestSuite) TestPushAndDrain() {
	out, err := s.sink.Open(eegDesc("Muse-1E7F"))
	s.Require().NoError(err)

	s.Require().NoError(out.PushFloat32([][]float32{{1, 2}, {3, 4}}, []float64{10, 11}))
	s.Require().NoError(out.PushFloat64([][]float64{{5, 6}}, []float64{12}))

	mo, ok := s.sink.Outlet("Muse-1E7F")
	s.Require().True(ok)
	chunks := mo.Drain()
	s.Require().Len(chunks, 2)
	s.Equal([][]float64{{1, 2}, {3, 4}}, chunks[0].Rows)
	s.Equal([]float64{10, 11}, chunks[0].Timestamps)
	s.Equal([][]float64{{5, 6}}, chunks[1].Rows)
	s.EqualValues(2, mo.Pushed())
	s.Empty(mo.Drain())
}

func (s *MemorySinkTestSuite) TestRejectsBadShapes() {
	out, err := s.sink.Open(eegDesc("a"))
	s.Require().NoError(err)

	s.Error(out.PushFloat64([][]float64{{1, 2, 3}}, []float64{0}), "wrong channel count")
	s.Error(out.PushFloat64([][]float64{{1, 2}}, nil), "missing timestamps")

	_, err = s.sink.Open(Desc{Name: "", ChannelCount: 2})
	s.Error(err)
}

func (s *MemorySinkTestSuite) TestRingOverwritesOldest() {
	out, err := s.sink.Open(eegDesc("ring"))
	s.Require().NoError(err)

	const pushes = 64
	for i := 0; i < pushes; i++ {
		s.Require().NoError(out.PushFloat64([][]float64{{float64(i), 0}}, []float64{float64(i)}))
	}

	mo, _ := s.sink.Outlet("ring")
	chunks := mo.Drain()
	s.Require().NotEmpty(chunks)
	s.Less(len(chunks), pushes)
	s.Positive(mo.Overwritten())
	s.Equal(float64(pushes-1), chunks[len(chunks)-1].Rows[0][0])
}

func (s *MemorySinkTestSuite) TestClose() {
	out, err := s.sink.Open(eegDesc("c"))
	s.Require().NoError(err)
	s.Require().NoError(out.Close())
	s.Require().NoError(out.Close())
	s.ErrorIs(out.PushFloat64([][]float64{{1, 2}}, []float64{0}), ErrOutletClosed)

	mo, _ := s.sink.Outlet("c")
	s.True(mo.Closed())
}

func (s *MemorySinkTestSuite) TestClock() {
	s.sink.SetClock(func() float64 { return 42.5 })
	s.Equal(42.5, s.sink.LocalClock())
}

func TestMemorySinkTestSuite(t *testing.T) {
	suite.Run(t, new(MemorySinkTestSuite))
}

func TestCSVSink_RecordsRows(t *testing.T) {
	dir := t.TempDir()
	s, err := NewCSVSink(filepath.Join(dir, "rec"), testutils.NewTestHelper(t).Logger)
	require.NoError(t, err)

	out, err := s.Open(eegDesc("Muse/1E7F"))
	require.NoError(t, err)
	require.NoError(t, out.PushFloat32([][]float32{{-1000, 0.5}, {999.5, 1}}, []float64{1.25, 1.5}))
	require.NoError(t, out.Close())
	assert.ErrorIs(t, out.PushFloat32([][]float32{{0, 0}}, []float64{0}), ErrOutletClosed)

	f, err := os.Open(filepath.Join(dir, "rec", "Muse_1E7F.csv"))
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"timestamp", "TP9", "AF7"},
		{"1.250000", "-1000", "0.5"},
		{"1.500000", "999.5", "1"},
	}, records)
}

func TestCSVSink_ReopenAppendsWithoutHeader(t *testing.T) {
	dir := t.TempDir()
	s, err := NewCSVSink(dir, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		out, err := s.Open(eegDesc("s"))
		require.NoError(t, err)
		require.NoError(t, out.PushFloat64([][]float64{{1, 2}}, []float64{float64(i)}))
		require.NoError(t, out.Close())
	}

	data, err := os.ReadFile(filepath.Join(dir, "s.csv"))
	require.NoError(t, err)
	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 3)
}
