// Package engine wires the parsers, baselines, temporal analysis, ensemble,
// and detectors into the per-file analysis pipeline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ocdev21/l1sentry/internal/baseline"
	"github.com/ocdev21/l1sentry/internal/config"
	"github.com/ocdev21/l1sentry/internal/detect"
	"github.com/ocdev21/l1sentry/internal/events"
	"github.com/ocdev21/l1sentry/internal/logging"
	"github.com/ocdev21/l1sentry/internal/metrics"
	"github.com/ocdev21/l1sentry/internal/ml"
	"github.com/ocdev21/l1sentry/internal/models"
	"github.com/ocdev21/l1sentry/internal/parser"
	"github.com/ocdev21/l1sentry/internal/temporal"
)

// Options carries the engine's external attachments. All are optional.
type Options struct {
	// ModelDir enables model persistence through an ml.FileStore. An
	// unusable directory degrades to an in-memory run with a warning.
	ModelDir string

	Bus     *events.Bus
	Metrics *metrics.Metrics
}

// Engine analyzes files sequentially, carrying baseline, temporal, and
// model state forward from file to file. Not safe for concurrent use; run
// one engine per goroutine.
type Engine struct {
	cfg       *config.Config
	parserCfg parser.ParserConfig
	tracker   *baseline.Tracker
	analyzer  *temporal.Analyzer
	suite     *detect.Suite
	extractor *ml.Extractor
	manager   *ml.Manager
	bus       *events.Bus
	metrics   *metrics.Metrics
	log       *logging.Logger
}

// New assembles an engine from configuration.
func New(cfg *config.Config, opts Options) *Engine {
	log := logging.EngineLogger()

	var store ml.Store
	if opts.ModelDir != "" {
		fs, err := ml.NewFileStore(opts.ModelDir)
		if err != nil {
			log.Warn("model store unavailable, running in-memory",
				"dir", opts.ModelDir, logging.Err(fmt.Errorf("%w: %w", ml.ErrStoreUnavailable, err)))
		} else {
			store = fs
		}
	}

	tracker := baseline.New(cfg.Baseline)
	analyzer := temporal.New(cfg.Temporal)
	return &Engine{
		cfg:       cfg,
		parserCfg: parser.DefaultParserConfig(),
		tracker:   tracker,
		analyzer:  analyzer,
		suite:     detect.NewSuite(cfg, tracker, analyzer),
		extractor: ml.NewExtractor(cfg.Ensemble),
		manager:   ml.NewManager(cfg.Ensemble, store),
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		log:       log,
	}
}

// FileReport summarizes one analyzed file.
type FileReport struct {
	File      string                 `json:"file"`
	Format    models.SourceFormat    `json:"format"`
	Records   int                    `json:"records"`
	Malformed int                    `json:"malformed"`
	Windows   int                    `json:"windows"`
	Anomalies []models.AnomalyRecord `json:"anomalies"`

	ModelState     ml.ManagerState `json:"model_state"`
	ModelTrained   bool            `json:"model_trained"`
	RetrainFailed  bool            `json:"retrain_failed,omitempty"`
	DurationMillis int64           `json:"duration_ms"`
}

// FileInfo is the bus payload for file lifecycle events.
type FileInfo struct {
	Path   string              `json:"path"`
	Format models.SourceFormat `json:"format,omitempty"`
	Error  string              `json:"error,omitempty"`
}

// RetrainInfo is the bus payload for model lifecycle events.
type RetrainInfo struct {
	Files int    `json:"files"`
	Error string `json:"error,omitempty"`
}

// AnalyzeFile runs the full pipeline over one input file: parse, extract
// feature windows, score with the ensemble, run the nine detectors, and
// attach context snippets to every anomaly.
func (e *Engine) AnalyzeFile(ctx context.Context, path string) (*FileReport, error) {
	start := time.Now()

	format, err := parser.Sniff(path)
	if err != nil {
		return nil, e.fail(path, err)
	}
	e.publishNow(events.EventFileStarted, &FileInfo{Path: path, Format: format})

	p, err := parser.ForFormat(format, e.parserCfg)
	if err != nil {
		return nil, e.fail(path, err)
	}

	var evs []*models.ParsedEvent
	stats, err := p.Parse(ctx, path, func(ev *models.ParsedEvent) error {
		evs = append(evs, ev)
		return nil
	})
	if err != nil {
		return nil, e.fail(path, fmt.Errorf("parse %s: %w", path, err))
	}

	features, metas := e.extractor.Windows(evs)

	var verdicts []ml.Verdict
	retrainFailed := false
	if len(features) > 0 {
		pending := e.manager.FilesProcessed()
		verdicts, err = e.manager.ProcessFile(ctx, features)
		var retrainErr *ml.RetrainError
		switch {
		case errors.As(err, &retrainErr):
			// Serving models and accumulation stay intact; keep going.
			retrainFailed = true
			e.log.Warn("retrain failed, previous models retained",
				"file", path, logging.Err(err))
			e.publishNow(events.EventModelRetrainFailed,
				&RetrainInfo{Files: retrainErr.FilesProcessed, Error: retrainErr.Err.Error()})
			if e.metrics != nil {
				e.metrics.RetrainFailures.Inc()
			}
		case errors.Is(err, ml.ErrTooFewWindows):
			// Accumulation still happened; the file is just too small to
			// score.
			e.log.Debug("skipping ensemble scoring", "file", path, logging.Err(err))
			verdicts = nil
		case err != nil:
			return nil, e.fail(path, fmt.Errorf("score %s: %w", path, err))
		case e.manager.FilesProcessed() == 0 && pending > 0:
			e.log.Info("ensemble retrained", "files", pending+1)
			e.publishNow(events.EventModelRetrained, &RetrainInfo{Files: pending + 1})
			if e.metrics != nil {
				e.metrics.Retrains.Inc()
			}
		}
	}

	records := e.suite.Run(&detect.Input{
		File:     path,
		Format:   format,
		Events:   evs,
		Features: features,
		Metas:    metas,
		Verdicts: verdicts,
	})
	for i := range records {
		records[i].Context = contextSnippet(evs, records[i].RecordIdx, e.cfg.Detect.ContextSize)
		if e.bus != nil {
			e.bus.PublishAnomaly(&records[i])
		}
		if e.metrics != nil {
			e.metrics.ObserveAnomaly(&records[i])
		}
		e.log.Info("anomaly detected",
			logging.Record(path, records[i].RecordIdx, string(records[i].Category)),
			logging.Anomaly(string(records[i].Category), records[i].Confidence, string(records[i].Severity)))
	}

	report := &FileReport{
		File:           path,
		Format:         format,
		Records:        stats.Records,
		Malformed:      stats.Malformed,
		Windows:        len(features),
		Anomalies:      records,
		ModelState:     e.manager.State(),
		ModelTrained:   e.manager.Trained(),
		RetrainFailed:  retrainFailed,
		DurationMillis: time.Since(start).Milliseconds(),
	}

	if e.metrics != nil {
		e.metrics.FilesProcessed.WithLabelValues(string(format)).Inc()
		e.metrics.RecordsParsed.Add(float64(stats.Records))
		e.metrics.MalformedRecords.Add(float64(stats.Malformed))
		e.metrics.ProcessingDuration.WithLabelValues(string(format)).Observe(time.Since(start).Seconds())
	}
	e.publishNow(events.EventFileCompleted, &FileInfo{Path: path, Format: format})
	e.log.Info("file analyzed",
		"file", path,
		"format", string(format),
		"records", stats.Records,
		"malformed", stats.Malformed,
		"anomalies", len(records))

	return report, nil
}

func (e *Engine) fail(path string, err error) error {
	e.publishNow(events.EventFileFailed, &FileInfo{Path: path, Error: err.Error()})
	if e.metrics != nil {
		e.metrics.FileFailures.Inc()
	}
	return err
}

func (e *Engine) publishNow(t events.Type, data any) {
	if e.bus != nil {
		e.bus.PublishImmediate(t, data)
	}
}

// AnalyzeFiles processes paths with up to parallel independent engines and
// merges the reports in input order. Engines do not share the model store;
// persistence and cross-file learning apply to sequential runs only.
func AnalyzeFiles(ctx context.Context, cfg *config.Config, opts Options, paths []string, parallel int) ([]*FileReport, error) {
	if parallel <= 1 || len(paths) == 1 {
		eng := New(cfg, opts)
		reports := make([]*FileReport, 0, len(paths))
		for _, path := range paths {
			report, err := eng.AnalyzeFile(ctx, path)
			if err != nil {
				return reports, err
			}
			reports = append(reports, report)
		}
		return reports, nil
	}

	opts.ModelDir = ""
	reports := make([]*FileReport, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, path := range paths {
		g.Go(func() error {
			report, err := New(cfg, opts).AnalyzeFile(ctx, path)
			if err != nil {
				return err
			}
			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

// Summary aggregates a run's reports.
type Summary struct {
	Files      int            `json:"files"`
	Records    int            `json:"records"`
	Malformed  int            `json:"malformed"`
	Anomalies  int            `json:"anomalies"`
	ByCategory map[string]int `json:"by_category,omitempty"`
	BySeverity map[string]int `json:"by_severity,omitempty"`
}

// Summarize folds file reports into one run summary.
func Summarize(reports []*FileReport) *Summary {
	s := &Summary{ByCategory: map[string]int{}, BySeverity: map[string]int{}}
	for _, r := range reports {
		if r == nil {
			continue
		}
		s.Files++
		s.Records += r.Records
		s.Malformed += r.Malformed
		s.Anomalies += len(r.Anomalies)
		for _, a := range r.Anomalies {
			s.ByCategory[string(a.Category)]++
			s.BySeverity[string(a.Severity)]++
		}
	}
	return s
}

// contextSnippet renders the records around idx, one line each, with the
// anomalous record marked. Events are addressed by source index since
// malformed records leave holes in the slice.
func contextSnippet(evs []*models.ParsedEvent, idx, size int) string {
	if len(evs) == 0 || size <= 0 {
		return ""
	}
	pos := sort.Search(len(evs), func(i int) bool { return evs[i].SourceIndex >= idx })
	if pos == len(evs) {
		pos = len(evs) - 1
	}

	lo := pos - size
	if lo < 0 {
		lo = 0
	}
	hi := pos + size + 1
	if hi > len(evs) {
		hi = len(evs)
	}

	var b strings.Builder
	for i := lo; i < hi; i++ {
		ev := evs[i]
		marker := "  "
		if i == pos {
			marker = "> "
		}
		cats := make([]string, 0, 2)
		for _, c := range ev.Indicators.Categories() {
			cats = append(cats, string(c))
		}
		label := strings.Join(cats, ",")
		if label == "" {
			label = string(ev.Hint)
		}
		fmt.Fprintf(&b, "%s[%6d] %s len=%d %s\n",
			marker, ev.SourceIndex, ev.Timestamp.Format("15:04:05.000000"), ev.PayloadLen, label)
	}
	return strings.TrimRight(b.String(), "\n")
}
