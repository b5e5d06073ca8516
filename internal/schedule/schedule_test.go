package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/nfse-harvester/internal/harvest"
)

type fakeStarter struct {
	got []harvest.JobParameters
	err error
}

func (f *fakeStarter) StartExecution(p harvest.JobParameters) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.got = append(f.got, p)
	return int64(len(f.got)), nil
}

func entry() Entry {
	return Entry{Name: "monthly", Spec: "0 6 1 * *", CNPJ: "11.222.333/0001-81", Password: "pw", Headless: true}
}

func TestPreviousMonth(t *testing.T) {
	t.Parallel()

	start, end := PreviousMonth(time.Date(2025, 8, 1, 6, 0, 0, 0, time.UTC))
	require.Equal(t, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), start)
	require.Equal(t, time.Date(2025, 7, 31, 0, 0, 0, 0, time.UTC), end)

	start, end = PreviousMonth(time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC))
	require.Equal(t, time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC), start)
	require.Equal(t, time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC), end)

	_, end = PreviousMonth(time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC))
	require.Equal(t, 29, end.Day(), "leap february")
}

func TestTriggerStartsPreviousMonth(t *testing.T) {
	t.Parallel()

	starter := &fakeStarter{}
	s, err := New(starter, []Entry{entry()}, nil)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2025, 8, 1, 6, 0, 0, 0, time.UTC) }

	id, err := s.Trigger(entry())
	require.NoError(t, err)
	require.Equal(t, int64(1), id)
	require.Len(t, starter.got, 1)
	p := starter.got[0]
	require.Equal(t, "11222333000181", p.CNPJ)
	require.Equal(t, "2025-07-01", p.StartDate.Format(harvest.DateLayout))
	require.Equal(t, "2025-07-31", p.EndDate.Format(harvest.DateLayout))
	require.True(t, p.Headless)
}

func TestFireLogsCapacityRejection(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	starter := &fakeStarter{err: harvest.E(harvest.KindCapacityExceeded, "start execution", harvest.ErrCapacityExceeded)}
	s, err := New(starter, nil, zap.New(core))
	require.NoError(t, err)

	s.fire(entry())
	require.Equal(t, 1, logs.FilterMessage("scheduled execution rejected at capacity").Len())
}

func TestNewValidatesEntries(t *testing.T) {
	t.Parallel()

	bad := entry()
	bad.Spec = "every tuesday"
	_, err := New(&fakeStarter{}, []Entry{bad}, nil)
	require.ErrorContains(t, err, "invalid cron expression")

	bad = entry()
	bad.CNPJ = "123"
	_, err = New(&fakeStarter{}, []Entry{bad}, nil)
	require.ErrorContains(t, err, "invalid cnpj")

	bad = entry()
	bad.Password = ""
	_, err = New(&fakeStarter{}, []Entry{bad}, nil)
	require.Error(t, err)

	_, err = New(nil, nil, nil)
	require.Error(t, err)

	s, err := New(&fakeStarter{}, []Entry{entry(), {Name: "m", Spec: "@monthly", CNPJ: "11222333000181", Password: "x"}}, nil)
	require.NoError(t, err)
	s.Start()
	<-s.Stop().Done()
}
