package gentime

import (
	"bytes"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Ticket struct {
	ID        int64
	Subject   string
	OpenedAt  time.Time  `gentime:"creation;source:vm"`
	ChangedAt time.Time  `gentime:"update;source:vm;version"`
	ClosedAt  *time.Time `gentime:"soft_delete"`
	SyncedAt  time.Time  `gentime:"update"`
}

var ticketTime = time.Date(2024, 2, 29, 23, 59, 58, 987654321, time.UTC)

func fixedClock(t time.Time) Clock {
	return ClockFunc(func() time.Time { return t })
}

func newTestPipeline(t *testing.T, dialect string, opts ...PipelineOption) *Pipeline {
	caps, err := CapabilitiesFor(dialect)
	require.NoError(t, err)
	return NewPipeline(caps, append([]PipelineOption{WithClock(fixedClock(ticketTime))}, opts...)...)
}

func TestPrepareInsert(t *testing.T) {
	p := newTestPipeline(t, DialectPgSQL)
	ticket := &Ticket{Subject: "printer"}

	plan, err := p.Prepare(EventInsert, MustMapping(Ticket{}), ticket)
	require.NoError(t, err)

	stamped := ticketTime.Truncate(time.Microsecond)
	assert.Equal(t, stamped, ticket.OpenedAt)
	assert.Equal(t, stamped, ticket.ChangedAt)
	assert.Nil(t, ticket.ClosedAt)
	assert.Nil(t, plan.Version)

	assert.Equal(t, []string{"opened_at", "changed_at", "synced_at"}, plan.ColumnsGenerated())
	assert.Equal(t, []string{"synced_at"}, plan.ReturningColumns())
	assert.Empty(t, plan.FetchColumns())
	assert.Equal(t, []string{"closed_at"}, plan.FrozenColumns())
	assert.False(t, plan.NeedsFetch())
	assert.Equal(t, map[string]interface{}{"opened_at": stamped, "changed_at": stamped}, plan.Values())
}

func TestPrepareInsertWithoutReturning(t *testing.T) {
	p := newTestPipeline(t, DialectMySQL)
	plan, err := p.Prepare(EventInsert, MustMapping(Ticket{}), &Ticket{})
	require.NoError(t, err)
	assert.Empty(t, plan.ReturningColumns())
	assert.Equal(t, []string{"synced_at"}, plan.FetchColumns())
	assert.True(t, plan.NeedsFetch())
}

func TestPrepareRejectsDirectAssignment(t *testing.T) {
	p := newTestPipeline(t, DialectPgSQL)
	closed := time.Now()

	tests := []struct {
		name   string
		ticket *Ticket
		column string
	}{
		{"vm attribute", &Ticket{OpenedAt: time.Now()}, "opened_at"},
		{"db attribute", &Ticket{SyncedAt: time.Now()}, "synced_at"},
		{"attribute not triggered on insert", &Ticket{ClosedAt: &closed}, "closed_at"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := *tt.ticket
			_, err := p.Prepare(EventInsert, MustMapping(Ticket{}), tt.ticket)
			require.True(t, IsDirectAssignment(err), "got %v", err)
			assert.Equal(t, tt.column, err.(Error).Code)
			assert.Equal(t, before, *tt.ticket)
		})
	}
}

func TestPrepareUpdateBumpsVersion(t *testing.T) {
	p := newTestPipeline(t, DialectPgSQL)
	loaded := ticketTime.Add(-time.Hour).Truncate(time.Microsecond)
	ticket := &Ticket{ID: 1, OpenedAt: loaded, ChangedAt: loaded, SyncedAt: loaded}

	plan, err := p.Prepare(EventUpdate, MustMapping(Ticket{}), ticket)
	require.NoError(t, err)
	require.NotNil(t, plan.Version)
	assert.Equal(t, loaded, plan.Version.Previous)
	assert.Equal(t, loaded, plan.Version.Stored())

	assert.Equal(t, loaded, ticket.OpenedAt)
	assert.True(t, ticket.ChangedAt.After(loaded))
	assert.Equal(t, []string{"opened_at", "closed_at"}, plan.FrozenColumns())
	assert.Equal(t, []string{"synced_at"}, plan.ReturningColumns())
}

func TestPrepareVersionAlwaysAdvances(t *testing.T) {
	p := newTestPipeline(t, DialectPgSQL)
	// the stored version is ahead of the clock
	ahead := ticketTime.Add(time.Minute).Truncate(time.Microsecond)
	ticket := &Ticket{ID: 1, OpenedAt: ahead, ChangedAt: ahead}

	_, err := p.Prepare(EventForceIncrement, MustMapping(Ticket{}), ticket)
	require.NoError(t, err)
	assert.Equal(t, ahead.Add(time.Microsecond), ticket.ChangedAt)
}

func TestPrepareMillisecondVersionAdvances(t *testing.T) {
	type counter struct {
		ID      int64
		Version int64 `gentime:"events:insert,update;source:vm;version"`
	}
	const loaded = int64(1700000000000)

	tests := []struct {
		name  string
		clock time.Time
		want  int64
	}{
		{"clock moved less than a millisecond", time.UnixMilli(loaded).Add(500 * time.Microsecond), loaded + 1},
		{"clock did not move", time.UnixMilli(loaded), loaded + 1},
		{"clock moved past the next millisecond", time.UnixMilli(loaded).Add(2500 * time.Microsecond), loaded + 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPipeline(t, DialectPgSQL, WithClock(fixedClock(tt.clock)))
			c := &counter{ID: 1, Version: loaded}

			plan, err := p.Prepare(EventUpdate, MustMapping(counter{}), c)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Version)
			assert.Equal(t, loaded, plan.Version.Stored())
			assert.Equal(t, map[string]interface{}{"version": tt.want}, plan.Values())
		})
	}
}

func TestPrepareRequiresLoadedVersion(t *testing.T) {
	p := newTestPipeline(t, DialectPgSQL)
	_, err := p.Prepare(EventUpdate, MustMapping(Ticket{}), &Ticket{ID: 1})
	assert.True(t, IsErrorType(err, ErrorTypeValidation))
}

func TestPrepareForceIncrement(t *testing.T) {
	p := newTestPipeline(t, DialectPgSQL)
	loaded := ticketTime.Add(-time.Hour)
	ticket := &Ticket{ID: 1, OpenedAt: loaded, ChangedAt: loaded, SyncedAt: loaded}

	plan, err := p.Prepare(EventForceIncrement, MustMapping(Ticket{}), ticket)
	require.NoError(t, err)
	assert.Equal(t, []string{"changed_at"}, plan.ColumnsGenerated())
	assert.Equal(t, []string{"opened_at", "closed_at", "synced_at"}, plan.FrozenColumns())
	assert.Equal(t, loaded, ticket.SyncedAt)

	type unversioned struct {
		At time.Time `gentime:"update"`
	}
	_, err = p.Prepare(EventForceIncrement, MustMapping(unversioned{}), &unversioned{})
	assert.True(t, IsUnsupported(err))
}

func TestPrepareSoftDelete(t *testing.T) {
	p := newTestPipeline(t, DialectSQLite)
	loaded := ticketTime.Add(-time.Hour)
	ticket := &Ticket{ID: 1, OpenedAt: loaded, ChangedAt: loaded, SyncedAt: loaded}

	plan, err := p.Prepare(EventSoftDelete, MustMapping(Ticket{}), ticket)
	require.NoError(t, err)
	assert.Empty(t, plan.Assigned)
	assert.Equal(t, []string{"closed_at"}, plan.FetchColumns())
	assert.Equal(t, "strftime('%Y-%m-%d %H:%M:%f+00:00', 'now')", p.Capabilities().CurrentTimestampExpr())

	type noSoftDelete struct {
		At time.Time `gentime:"update"`
	}
	_, err = p.Prepare(EventSoftDelete, MustMapping(noSoftDelete{}), &noSoftDelete{At: loaded})
	assert.True(t, IsUnsupported(err))
}

func TestPrepareInvalidArguments(t *testing.T) {
	p := newTestPipeline(t, DialectPgSQL)
	m := MustMapping(Ticket{})

	_, err := p.Prepare(EventType(0), m, &Ticket{})
	assert.True(t, IsInvalidArgument(err))
	_, err = p.Prepare(EventInsert, m, Ticket{})
	assert.True(t, IsInvalidArgument(err))
	_, err = p.PreparePartial(EventType(12), m)
	assert.True(t, IsInvalidArgument(err))
}

func TestPlanRevert(t *testing.T) {
	p := newTestPipeline(t, DialectPgSQL)
	loaded := ticketTime.Add(-time.Hour)
	ticket := &Ticket{ID: 1, OpenedAt: loaded, ChangedAt: loaded, SyncedAt: loaded}

	plan, err := p.Prepare(EventUpdate, MustMapping(Ticket{}), ticket)
	require.NoError(t, err)
	require.NotEqual(t, loaded, ticket.ChangedAt)

	plan.Revert()
	assert.Equal(t, loaded, ticket.ChangedAt)
	assert.Equal(t, loaded, ticket.OpenedAt)

	partial, err := p.PreparePartial(EventUpdate, MustMapping(Ticket{}))
	require.NoError(t, err)
	assert.NotPanics(t, partial.Revert)
}

func TestPreparePartial(t *testing.T) {
	p := newTestPipeline(t, DialectPgSQL, WithPrecision(time.Second), WithLocation(time.FixedZone("EST", -5*3600)))

	plan, err := p.PreparePartial(EventUpdate, MustMapping(Ticket{}))
	require.NoError(t, err)
	require.Len(t, plan.Assigned, 1)
	assert.Equal(t, "changed_at", plan.Assigned[0].Attribute.Column)
	assert.Equal(t, 0, plan.Assigned[0].Value.Nanosecond())
	assert.Equal(t, -5*3600, offset(plan.Assigned[0].Value))
	assert.Nil(t, plan.Version)
	assert.Equal(t, []string{"synced_at"}, columns(plan.Generated))
	assert.Equal(t, []string{"synced_at"}, plan.ReturningColumns())
	assert.Empty(t, plan.FetchColumns())
}

func TestPreparePartialWithoutReturning(t *testing.T) {
	p := newTestPipeline(t, DialectMySQL)

	plan, err := p.PreparePartial(EventUpdate, MustMapping(Ticket{}))
	require.NoError(t, err)
	assert.Empty(t, plan.ReturningColumns())
	assert.Equal(t, []string{"synced_at"}, plan.FetchColumns())
	assert.True(t, plan.NeedsFetch())
}

func offset(t time.Time) int {
	_, off := t.Zone()
	return off
}

func TestPlanIsEmpty(t *testing.T) {
	type softOnly struct {
		DeletedAt *time.Time `gentime:"soft_delete;source:vm"`
	}
	p := newTestPipeline(t, DialectPgSQL)
	plan, err := p.Prepare(EventUpdate, MustMapping(softOnly{}), &softOnly{})
	require.NoError(t, err)
	assert.True(t, plan.IsEmpty())
}

func TestGuardUpdates(t *testing.T) {
	m := MustMapping(Ticket{})

	assert.NoError(t, GuardUpdates(m, map[string]interface{}{"subject": "x", "ID": 2}))

	err := GuardUpdates(m, map[string]interface{}{"subject": "x", "synced_at": time.Now(), "OpenedAt": time.Now()})
	require.True(t, IsDirectAssignment(err))
	assert.Equal(t, "OpenedAt", err.(Error).Code)
	assert.Contains(t, err.Error(), "OpenedAt, synced_at")
}

func TestPipelineTracesPlans(t *testing.T) {
	var buf bytes.Buffer
	p := newTestPipeline(t, DialectPgSQL, WithLogger(zerolog.New(&buf).Level(zerolog.DebugLevel)))

	_, err := p.Prepare(EventInsert, MustMapping(Ticket{}), &Ticket{})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"entity":"Ticket"`)
	assert.Contains(t, buf.String(), `"event":"insert"`)
	assert.Contains(t, buf.String(), `"returning":["synced_at"]`)
}

func TestPipelineIsSafeForConcurrentUse(t *testing.T) {
	p := newTestPipeline(t, DialectPgSQL)
	m := MustMapping(Ticket{})

	done := make(chan error)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := p.Prepare(EventInsert, m, &Ticket{})
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		assert.NoError(t, <-done)
	}
}
