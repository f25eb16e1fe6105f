package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocdev21/l1sentry/internal/config"
	"github.com/ocdev21/l1sentry/internal/events"
	"github.com/ocdev21/l1sentry/internal/models"
)

func writeLog(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestAnalyzeTextLog(t *testing.T) {
	path := writeLog(t, t.TempDir(), "ue.log",
		"2025-03-14 09:00:00 UE 1001 attach failed cause: congestion",
		"2025-03-14 09:00:01 UE 1002 attach complete",
		"totally unrelated line",
		"2025-03-14 09:00:02 UE 1002 detach normal",
	)

	eng := New(config.Default(), Options{})
	report, err := eng.AnalyzeFile(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, models.FormatTextLog, report.Format)
	assert.Equal(t, 3, report.Records)
	assert.Equal(t, 1, report.Malformed)
	assert.Greater(t, report.Windows, 0)

	var sessionFailures []models.AnomalyRecord
	for _, a := range report.Anomalies {
		if a.Type == "UE Session Failure" {
			sessionFailures = append(sessionFailures, a)
		}
	}
	require.Len(t, sessionFailures, 1)
	rec := sessionFailures[0]
	assert.Equal(t, 1.0, rec.Confidence)
	assert.Contains(t, rec.Description, "1001")
	assert.Equal(t, path, rec.SourceFile)
	assert.NotEmpty(t, rec.Context)
	assert.Contains(t, rec.Context, ">")
}

func TestAnalyzeUnknownFormatFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob.bin")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xff, 0xff, 0xff}, 0o644))

	eng := New(config.Default(), Options{})
	_, err := eng.AnalyzeFile(context.Background(), path)
	assert.Error(t, err)
}

func TestDeterministicAcrossFreshEngines(t *testing.T) {
	// All events land in one feature window, keeping the ensemble out of
	// the run; two fresh engines must agree record for record.
	path := writeLog(t, t.TempDir(), "ue.log",
		"2025-03-14 09:00:00 UE 7 attach timeout",
		"2025-03-14 09:00:00 UE 7 attach timeout",
		"2025-03-14 09:00:00 UE 8 attach complete",
	)

	run := func() []models.AnomalyRecord {
		report, err := New(config.Default(), Options{}).AnalyzeFile(context.Background(), path)
		require.NoError(t, err)
		return report.Anomalies
	}

	first, second := run(), run()
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Category, second[i].Category)
		assert.Equal(t, first[i].Type, second[i].Type)
		assert.Equal(t, first[i].Confidence, second[i].Confidence)
		assert.Equal(t, first[i].RecordIdx, second[i].RecordIdx)
		assert.Equal(t, first[i].Context, second[i].Context)
	}
}

func TestRetrainAtFileThreshold(t *testing.T) {
	dir := t.TempDir()
	lines := []string{
		"2025-03-14 09:00:00.000 UE 1 attach complete",
		"2025-03-14 09:00:00.200 UE 2 attach complete",
		"2025-03-14 09:00:00.400 UE 3 attach complete",
		"2025-03-14 09:00:00.600 UE 4 attach complete",
	}
	first := writeLog(t, dir, "a.log", lines...)
	second := writeLog(t, dir, "b.log", lines...)

	cfg := config.Default()
	cfg.Ensemble.RetrainFileThreshold = 2

	bus := events.NewBus(&events.Config{EnableBatching: false})
	var retrained []*events.Event
	bus.Subscribe(events.EventModelRetrained, func(ev *events.Event) {
		retrained = append(retrained, ev)
	})

	eng := New(cfg, Options{Bus: bus})
	report, err := eng.AnalyzeFile(context.Background(), first)
	require.NoError(t, err)
	assert.True(t, report.ModelTrained)
	assert.Empty(t, retrained)

	report, err = eng.AnalyzeFile(context.Background(), second)
	require.NoError(t, err)
	assert.False(t, report.RetrainFailed)
	require.Len(t, retrained, 1)
	info := retrained[0].Data.(*RetrainInfo)
	assert.Equal(t, 2, info.Files)
}

func TestWatcherPicksUpFiles(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "ue.log",
		"2025-03-14 09:00:00 UE 1001 attach failed",
		"2025-03-14 09:00:01 UE 1001 attach failed",
	)

	eng := New(config.Default(), Options{})
	w := NewWatcher(eng, 20*time.Millisecond)

	var reports []*FileReport
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := w.Watch(ctx, dir, func(r *FileReport) {
		reports = append(reports, r)
		cancel()
	})
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled))

	require.Len(t, reports, 1)
	assert.Equal(t, 2, reports[0].Records)
	assert.NotEmpty(t, reports[0].Anomalies)
}

func TestContextSnippet(t *testing.T) {
	mk := func(src int) *models.ParsedEvent {
		return &models.ParsedEvent{
			SourceIndex: src,
			Timestamp:   time.Date(2025, 3, 14, 9, 0, src, 0, time.UTC),
			PayloadLen:  64,
		}
	}
	evs := []*models.ParsedEvent{mk(0), mk(1), mk(3), mk(4), mk(5)}

	// Source index 3 sits at slice position 2 despite the malformed hole.
	snippet := contextSnippet(evs, 3, 2)
	assert.Contains(t, snippet, "> [     3]")
	assert.Contains(t, snippet, "  [     1]")
	assert.Contains(t, snippet, "  [     5]")

	assert.Empty(t, contextSnippet(nil, 0, 2))
	assert.Empty(t, contextSnippet(evs, 3, 0))
}

func TestSummarize(t *testing.T) {
	reports := []*FileReport{
		{Records: 10, Malformed: 1, Anomalies: []models.AnomalyRecord{
			{Category: models.CategoryRACH, Severity: models.SeverityHigh},
			{Category: models.CategoryCRC, Severity: models.SeverityLow},
		}},
		nil,
		{Records: 5, Anomalies: []models.AnomalyRecord{
			{Category: models.CategoryRACH, Severity: models.SeverityLow},
		}},
	}

	s := Summarize(reports)
	assert.Equal(t, 2, s.Files)
	assert.Equal(t, 15, s.Records)
	assert.Equal(t, 1, s.Malformed)
	assert.Equal(t, 3, s.Anomalies)
	assert.Equal(t, 2, s.ByCategory[string(models.CategoryRACH)])
	assert.Equal(t, 1, s.BySeverity[string(models.SeverityHigh)])
}
