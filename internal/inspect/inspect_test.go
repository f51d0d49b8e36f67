package inspect_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/Tao/internal/executor"
	"github.com/CZERTAINLY/Tao/internal/inspect"
	"github.com/stretchr/testify/require"
)

const meminfo = `MemTotal:       16318588 kB
MemFree:         1235412 kB
MemAvailable:    8447236 kB
Buffers:          512000 kB`

const df = `Filesystem     1K-blocks      Used Available Use% Mounted on
/dev/sda1      102400000  51200000  51200000  50% /
tmpfs            1048576         0   1048576   0% /run
total          103448576  51200000  52248576  50% -`

// fakeRunner answers units by their first argument
type fakeRunner struct {
	outputs map[string]string
	units   chan *executor.ExecutionUnit
}

func (f *fakeRunner) ExecuteWait(ctx context.Context, consumer executor.OutputConsumer, _ time.Duration, unit *executor.ExecutionUnit) (int, error) {
	if f.units != nil {
		f.units <- unit
	}
	if err := ctx.Err(); err != nil {
		return executor.InternalError, err
	}
	out, ok := f.outputs[unit.Arguments()[0]]
	if !ok {
		return 127, nil
	}
	for _, line := range strings.Split(out, "\n") {
		consumer.Consume(line)
	}
	return 0, nil
}

func TestParseLoadAverage(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     float64
	}{
		{
			scenario: "linux",
			given:    " 10:01:02 up 3 days,  2:03,  2 users,  load average: 0.52, 0.58, 0.59",
			then:     0.52,
		},
		{
			scenario: "bsd",
			given:    "10:01  up 3 days, 2 users, load averages: 1.25 1.10 1.00",
			then:     1.25,
		},
		{
			scenario: "garbage",
			given:    "load average: n/a",
			then:     0,
		},
		{
			scenario: "missing",
			given:    "nothing here",
			then:     0,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.then, inspect.ParseLoadAverage([]string{tc.given}))
		})
	}
}

func TestParseMemInfo(t *testing.T) {
	t.Parallel()
	total, avail := inspect.ParseMemInfo(strings.Split(meminfo, "\n"))
	require.Equal(t, int64(15936), total)
	require.Equal(t, int64(8249), avail)

	// without MemAvailable
	total, avail = inspect.ParseMemInfo([]string{"MemTotal: 2048 kB", "MemFree: 1024 kB"})
	require.Equal(t, int64(2), total)
	require.Equal(t, int64(1), avail)
}

func TestParseDiskFree(t *testing.T) {
	t.Parallel()
	total, used := inspect.ParseDiskFree(strings.Split(df, "\n"))
	require.Equal(t, int64(98), total)
	require.Equal(t, int64(48), used)

	total, used = inspect.ParseDiskFree([]string{"/dev/sda1 1 1 0 100% /"})
	require.Zero(t, total)
	require.Zero(t, used)
}

func TestParseWMIC(t *testing.T) {
	t.Parallel()
	require.Equal(t, 12.0, inspect.ParseWMICLoad([]string{"", "LoadPercentage=12", ""}))

	total, free := inspect.ParseWMICMemory([]string{"FreePhysicalMemory=2097152", "TotalVisibleMemorySize=8388608"})
	require.Equal(t, int64(8192), total)
	require.Equal(t, int64(2048), free)

	size, used := inspect.ParseWMICDisk([]string{
		"FreeSpace=10737418240", "Size=21474836480",
		"FreeSpace=0", "Size=10737418240",
	})
	require.Equal(t, int64(30), size)
	require.Equal(t, int64(20), used)
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{outputs: map[string]string{
		"uptime": "up 1 day, load average: 2.00, 1.00, 0.50",
		"cat":    meminfo,
		"df":     df,
	}}
	info, err := inspect.New(runner, inspect.Target{Host: "localhost"}).Snapshot(t.Context())
	require.NoError(t, err)
	require.Equal(t, inspect.Info{
		ProcessorUsage:    2,
		TotalMemoryMB:     15936,
		AvailableMemoryMB: 8249,
		TotalDiskGB:       98,
		UsedDiskGB:        48,
	}, info)
	require.True(t, info.Satisfies(4096, 50))
	require.False(t, info.Satisfies(10000, 1))
	require.False(t, info.Satisfies(1, 51))
}

func TestSnapshotFailedProbe(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{outputs: map[string]string{
		"cat": meminfo,
	}}
	info, err := inspect.New(runner, inspect.Target{Host: "localhost"}).Snapshot(t.Context())
	require.NoError(t, err)
	require.Zero(t, info.ProcessorUsage)
	require.Zero(t, info.TotalDiskGB)
	require.Equal(t, int64(15936), info.TotalMemoryMB)
}

func TestSnapshotCanceled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := inspect.New(&fakeRunner{}, inspect.Target{Host: "localhost"}).Snapshot(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSnapshotRemoteWindows(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{
		outputs: map[string]string{
			"wmic": "LoadPercentage=5",
		},
		units: make(chan *executor.ExecutionUnit, 3),
	}
	target := inspect.Target{Host: "win1", User: "admin", Password: "pwd", Remote: true, OS: inspect.Windows}
	info, err := inspect.New(runner, target).Snapshot(t.Context())
	require.NoError(t, err)
	require.Equal(t, 5.0, info.ProcessorUsage)
	close(runner.units)
	for unit := range runner.units {
		require.Equal(t, executor.SSH2, unit.Type())
		require.Equal(t, "win1", unit.Host())
		require.Equal(t, "wmic", unit.Arguments()[0])
	}
}
