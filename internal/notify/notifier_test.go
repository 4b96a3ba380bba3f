package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	name   string
	err    error
	titles []string
	bodies []string
}

func (f *fakeSender) Send(_ context.Context, title, message string) error {
	f.titles = append(f.titles, title)
	f.bodies = append(f.bodies, message)
	return f.err
}

func (f *fakeSender) Name() string { return f.name }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAlertFiltersEvents(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{s}, []string{"emergency"}, testLogger())

	n.Alert(context.Background(), "step_committed", nil)
	assert.Empty(t, s.titles)

	n.Alert(context.Background(), "emergency", map[string]any{"user": "0xaa"})
	require.Len(t, s.titles, 1)
	assert.Equal(t, "loopkeeper: emergency", s.titles[0])
}

func TestAlertEmptyFilterAllowsAll(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{s}, nil, testLogger())

	n.Alert(context.Background(), "anything", nil)
	require.Len(t, s.titles, 1)
	assert.Equal(t, "(no detail)", s.bodies[0])
}

func TestAlertSenderFailureDoesNotBlockOthers(t *testing.T) {
	bad := &fakeSender{name: "bad", err: errors.New("boom")}
	good := &fakeSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, testLogger())

	n.Alert(context.Background(), "emergency", nil)

	assert.Len(t, bad.titles, 1)
	assert.Len(t, good.titles, 1)
}

func TestFormatDetailSortsKeys(t *testing.T) {
	out := formatDetail(map[string]any{
		"user":   "0xaa",
		"debt":   "120",
		"health": "0.98",
	})
	assert.Equal(t, "debt: 120\nhealth: 0.98\nuser: 0xaa", out)
}

func TestNotifyRespectsFilter(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{s}, []string{"emergency"}, testLogger())

	n.Notify(context.Background(), "step_failed", "title", "msg")
	assert.Empty(t, s.titles)

	n.Notify(context.Background(), "emergency", "title", "msg")
	require.Len(t, s.titles, 1)
	assert.Equal(t, "title", s.titles[0])
	assert.Equal(t, "msg", s.bodies[0])
}
