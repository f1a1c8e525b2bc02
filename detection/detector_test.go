package detection

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"
)

// stubPorts replaces the enumerator for one test. Tests using it must not
// run in parallel.
func stubPorts(t *testing.T, ports []*enumerator.PortDetails, err error) {
	t.Helper()
	orig := listPorts
	listPorts = func() ([]*enumerator.PortDetails, error) { return ports, err }
	t.Cleanup(func() { listPorts = orig })
}

func samplePorts() []*enumerator.PortDetails {
	return []*enumerator.PortDetails{
		{Name: "/dev/ttyS0"},
		{Name: "/dev/ttyUSB0", IsUSB: true, VID: "1a86", PID: "7523", Product: "USB Serial"},
		{Name: "/dev/ttyACM0", IsUSB: true, VID: "2341", PID: "0043"},
		{Name: "/dev/ttyUSB1", IsUSB: true, VID: "0403", PID: "6001", SerialNumber: "A10K"},
	}
}

// recordingProbe answers on the given paths and records probe order.
type recordingProbe struct {
	answer map[string]int
	order  []string
	mu     sync.Mutex
}

func (p *recordingProbe) probe(_ context.Context, path string, _ *Options) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.order = append(p.order, path)
	if n, ok := p.answer[path]; ok {
		return n, nil
	}
	return 0, errors.New("no reply")
}

func testOptions(p *recordingProbe) *Options {
	opts := DefaultOptions()
	opts.Probe = p.probe
	opts.ProbeTimeout = time.Second
	return &opts
}

func TestDetect_ProbesBridgesFirst(t *testing.T) {
	stubPorts(t, samplePorts(), nil)
	p := &recordingProbe{answer: map[string]int{"/dev/ttyUSB1": 24}}

	devices, err := Detect(context.Background(), testOptions(p))
	require.NoError(t, err)
	require.Len(t, devices, 1)

	assert.Equal(t, "/dev/ttyUSB1", devices[0].Path)
	assert.Equal(t, "0403:6001", devices[0].VIDPID)
	assert.Equal(t, High, devices[0].Confidence)
	assert.Equal(t, 24, devices[0].Channels)
	assert.Equal(t, []string{"/dev/ttyUSB0", "/dev/ttyUSB1", "/dev/ttyS0"}, p.order,
		"bridges first, blocklisted Arduino skipped")
}

func TestDetect_FirstOnly(t *testing.T) {
	stubPorts(t, samplePorts(), nil)
	p := &recordingProbe{answer: map[string]int{"/dev/ttyUSB0": 12, "/dev/ttyUSB1": 24}}
	opts := testOptions(p)
	opts.FirstOnly = true

	devices, err := Detect(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "/dev/ttyUSB0", devices[0].Path)
	assert.Len(t, p.order, 1)
}

func TestDetect_CachedPortFirst(t *testing.T) {
	stubPorts(t, samplePorts(), nil)
	cacheFile := filepath.Join(t.TempDir(), "port.yaml")
	require.NoError(t, SaveCache(cacheFile, DeviceInfo{Path: "/dev/ttyS0"}))

	p := &recordingProbe{answer: map[string]int{"/dev/ttyS0": 8, "/dev/ttyUSB1": 24}}
	opts := testOptions(p)
	opts.CacheFile = cacheFile

	devices, err := Detect(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "/dev/ttyS0", p.order[0])
	assert.Equal(t, "/dev/ttyS0", devices[0].Path)
}

func TestDetect_SavesCache(t *testing.T) {
	stubPorts(t, samplePorts(), nil)
	cacheFile := filepath.Join(t.TempDir(), "nested", "port.yaml")
	p := &recordingProbe{answer: map[string]int{"/dev/ttyUSB1": 24}}
	opts := testOptions(p)
	opts.CacheFile = cacheFile

	_, err := Detect(context.Background(), opts)
	require.NoError(t, err)

	entry, err := LoadCache(cacheFile)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB1", entry.Path)
	assert.Equal(t, "0403:6001", entry.VIDPID)
	assert.Equal(t, 24, entry.Channels)
	assert.False(t, entry.SavedAt.IsZero())
}

func TestDetect_NothingAnswers(t *testing.T) {
	stubPorts(t, samplePorts(), nil)
	_, err := Detect(context.Background(), testOptions(&recordingProbe{}))
	assert.ErrorIs(t, err, ErrNoDevicesFound)
}

func TestDetect_NoPorts(t *testing.T) {
	stubPorts(t, nil, nil)
	_, err := Detect(context.Background(), testOptions(&recordingProbe{}))
	assert.ErrorIs(t, err, ErrNoDevicesFound)
}

func TestDetect_EnumerationError(t *testing.T) {
	boom := errors.New("enumeration unsupported")
	stubPorts(t, nil, boom)
	_, err := Detect(context.Background(), testOptions(&recordingProbe{}))
	assert.ErrorIs(t, err, boom)
}

func TestDetect_Passive(t *testing.T) {
	stubPorts(t, samplePorts(), nil)
	p := &recordingProbe{}
	opts := testOptions(p)
	opts.Mode = Passive
	opts.IgnorePaths = []string{"/dev/ttyS0"}

	devices, err := Detect(context.Background(), opts)
	require.NoError(t, err)
	assert.Empty(t, p.order)
	require.Len(t, devices, 2)
	assert.Equal(t, Medium, devices[0].Confidence)
	assert.Equal(t, "1A86:7523", devices[0].VIDPID)
}

func TestDetect_CancelledContext(t *testing.T) {
	stubPorts(t, samplePorts(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Detect(ctx, testOptions(&recordingProbe{}))
	assert.ErrorIs(t, err, ErrDetectionTimeout)
}

func TestConfidence_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "low", Low.String())
	assert.Equal(t, "medium", Medium.String())
	assert.Equal(t, "high", High.String())
	assert.Equal(t, "unknown", Confidence(99).String())
}

func TestDeviceInfo_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/dev/ttyUSB0 (confidence: high) [1A86:7523]",
		DeviceInfo{Path: "/dev/ttyUSB0", VIDPID: "1A86:7523", Confidence: High}.String())
	assert.Equal(t, "COM3 (confidence: low)", DeviceInfo{Path: "COM3"}.String())
}
