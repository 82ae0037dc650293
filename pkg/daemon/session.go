package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/charlie0129/tfcal/pkg/calibration"
	"github.com/charlie0129/tfcal/pkg/config"
	"github.com/charlie0129/tfcal/pkg/engine"
	"github.com/charlie0129/tfcal/pkg/events"
	"github.com/charlie0129/tfcal/pkg/instrument"
	"github.com/charlie0129/tfcal/pkg/record"
	"github.com/charlie0129/tfcal/pkg/version"
)

var (
	ErrSweepInProgress = &sessionError{"sweep already in progress"}
	ErrSweepNotRunning = &sessionError{"sweep not running"}
	ErrNoResult        = &sessionError{"no sweep has finished yet"}
)

type sessionError struct{ msg string }

func (e *sessionError) Error() string { return e.msg }

// Connector opens the instrument and the waveform generator for one session.
// The returned closer releases both.
type Connector func() (instrument.Instrument, instrument.WaveformGenerator, io.Closer, error)

// DialInstruments returns a Connector that dials the addresses in conf.
func DialInstruments(conf config.Config) Connector {
	return func() (instrument.Instrument, instrument.WaveformGenerator, io.Closer, error) {
		nanonis, err := instrument.DialNanonis(conf.NanonisAddress(), instrument.WithNanonisTimeout(conf.NanonisTimeout()))
		if err != nil {
			return nil, nil, nil, err
		}
		awg, err := instrument.DialM8195A(conf.AWGAddress(), instrument.WithSampleRate(conf.AWGSampleRate()))
		if err != nil {
			return nil, nil, nil, multierr.Append(err, nanonis.Close())
		}
		return nanonis, awg, closers{nanonis, awg}, nil
	}
}

type closers []io.Closer

func (c closers) Close() error {
	var err error
	for _, cl := range c {
		err = multierr.Append(err, cl.Close())
	}
	return err
}

// Session runs at most one sweep at a time and keeps the status of the
// current or last one.
type Session struct {
	conf    config.Config
	hub     *events.EventHub
	connect Connector
	// engineOpts are appended to the options of every engine the session creates.
	engineOpts []engine.Option

	mu     sync.Mutex
	status calibration.Status
	cancel context.CancelFunc
	done   chan struct{}
	result *record.Record
	// safeIdling is set while SafeIdle holds the instruments.
	safeIdling bool
}

func NewSession(conf config.Config, hub *events.EventHub, connect Connector, opts ...engine.Option) *Session {
	return &Session{
		conf:       conf,
		hub:        hub,
		connect:    connect,
		engineOpts: opts,
		status:     calibration.Status{Phase: calibration.PhaseIdle},
	}
}

// Start begins a sweep in the background. header is stored in the record.
func (s *Session) Start(header string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil || s.safeIdling {
		return ErrSweepInProgress
	}

	cfg, err := config.EngineConfig(s.conf)
	if err != nil {
		return err
	}
	if header == "" {
		header = s.conf.Header()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.status = calibration.Status{
		Phase:      calibration.PhasePreparing,
		TotalSteps: len(cfg.SweepFrequencies),
		StartedAt:  time.Now(),
		CanAbort:   true,
		Message:    "Connecting to instruments",
	}

	logrus.WithFields(logrus.Fields{
		"frequencies": cfg.SweepFrequencies,
		"strategy":    cfg.Strategy.String(),
	}).Info("starting sweep")
	s.publishAction(calibration.ActionStart, fmt.Sprintf("Sweep of %d frequencies started", len(cfg.SweepFrequencies)))

	go s.run(ctx, cfg, header, s.done)
	return nil
}

func (s *Session) run(ctx context.Context, cfg engine.Config, header string, done chan struct{}) {
	defer close(done)

	inst, awg, closer, err := s.connect()
	if err != nil {
		s.finish(nil, pkgerrors.Wrap(err, "failed to connect to instruments"))
		return
	}
	defer func() {
		if err := closer.Close(); err != nil {
			logrus.WithError(err).Warn("failed to close instrument connections")
		}
	}()

	opts := append([]engine.Option{engine.WithObserver(s)}, s.engineOpts...)
	e, err := engine.New(inst, awg, cfg, opts...)
	if err != nil {
		s.finish(nil, err)
		return
	}

	tf, runErr := e.Run(ctx)
	rec := record.New(version.Version, header, tf, e.Reference(), e.Curve())
	s.finish(rec, multierr.Append(runErr, s.save(rec)))
}

// save writes the record and its plots into the output directory. A record
// without reference curve and samples is not written.
func (s *Session) save(rec *record.Record) error {
	if rec.Reference == nil && len(rec.Data.Values) == 0 {
		return nil
	}
	path, err := record.SaveAll(s.conf.OutputDir(), time.Now(), rec)
	if path != "" {
		s.mu.Lock()
		s.status.Record = path
		s.mu.Unlock()
	}
	return err
}

func (s *Session) finish(rec *record.Record, err error) {
	s.mu.Lock()
	s.status.FinishedAt = time.Now()
	s.status.CanAbort = false
	if rec != nil {
		s.result = rec
		s.status.Samples = len(rec.Data.Values)
	}
	switch {
	case err == nil:
		s.status.Phase = calibration.PhaseIdle
		s.status.Message = fmt.Sprintf("Sweep finished in %s", formatDuration(s.status.FinishedAt.Sub(s.status.StartedAt)))
	case errors.Is(err, context.Canceled):
		s.status.Phase = calibration.PhaseIdle
		s.status.Message = "Sweep aborted"
		s.status.LastError = err.Error()
	default:
		s.status.Phase = calibration.PhaseError
		s.status.Message = "Sweep failed"
		s.status.LastError = err.Error()
	}
	st := s.status
	s.cancel()
	s.cancel = nil
	s.mu.Unlock()

	log := logrus.WithFields(logrus.Fields{
		"samples":  st.Samples,
		"duration": st.FinishedAt.Sub(st.StartedAt).String(),
		"record":   st.Record,
	})
	if err != nil {
		log.WithError(err).Error("sweep ended with an error")
	} else {
		log.Info("sweep finished")
	}

	fe := events.FinishedEvent{
		Samples: st.Samples,
		Record:  st.Record,
		Ts:      time.Now().Unix(),
	}
	if err != nil {
		fe.Error = err.Error()
	}
	s.hub.Publish(events.SessionFinished, fe)
}

// Abort cancels the running sweep. The engine returns the setup to safe idle
// before the session finishes.
func (s *Session) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return ErrSweepNotRunning
	}
	s.cancel()
	s.status.CanAbort = false
	s.status.Message = "Aborting, returning to safe idle"
	logrus.Info("aborting sweep")
	s.publishAction(calibration.ActionAbort, "Sweep abort requested")
	return nil
}

// SafeIdle drives the setup into the safe idle configuration using only the
// safety settings. It is refused while a sweep is running.
func (s *Session) SafeIdle() error {
	s.mu.Lock()
	if s.cancel != nil || s.safeIdling {
		s.mu.Unlock()
		return ErrSweepInProgress
	}
	s.safeIdling = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.safeIdling = false
		s.mu.Unlock()
	}()

	inst, _, closer, err := s.connect()
	if err != nil {
		return pkgerrors.Wrap(err, "failed to connect to instruments")
	}
	err = engine.EnterSafeIdle(inst, config.SafetyProfile(s.conf))
	if err = multierr.Append(err, closer.Close()); err != nil {
		return err
	}
	logrus.Info("setup returned to safe idle")
	s.publishAction(calibration.ActionSafeIdle, "Setup returned to safe idle")
	return nil
}

// Running reports whether a sweep is in progress.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil || s.safeIdling
}

// Wait blocks until the current sweep, if any, has finished.
func (s *Session) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Session) Status() calibration.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	if st.Reference != nil {
		ref := *st.Reference
		st.Reference = &ref
	}
	return st
}

// Result returns the record of the last finished sweep.
func (s *Session) Result() (*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return nil, ErrNoResult
	}
	return s.result, nil
}

// PhaseChanged implements engine.Observer.
func (s *Session) PhaseChanged(p calibration.Phase) {
	s.mu.Lock()
	from := s.status.Phase
	s.status.Phase = p
	s.status.Message = phaseMessage(p, s.status)
	msg := s.status.Message
	s.mu.Unlock()

	if from == p {
		return
	}
	s.hub.Publish(events.SessionPhase, events.PhaseEvent{
		From:    string(from),
		To:      string(p),
		Message: msg,
		Ts:      time.Now().Unix(),
	})
}

// ReferenceBuilt implements engine.Observer.
func (s *Session) ReferenceBuilt(ref calibration.ReferenceState, curve calibration.ReferenceCurve) {
	s.mu.Lock()
	s.status.Reference = &ref
	if ref.Condition == calibration.ConditionCeilingExceeded {
		s.status.CeilingEvents++
	}
	s.mu.Unlock()

	s.hub.Publish(events.ReferenceBuilt, events.ReferenceEvent{
		FrequencyHz:        ref.FrequencyHz,
		ReferenceCurrentA:  ref.ReferenceCurrentA,
		MaxSafeAmplitudeUV: ref.MaxSafeAmplitudeUV,
		Condition:          string(ref.Condition),
		Points:             len(curve),
		Ts:                 time.Now().Unix(),
	})
}

// FrequencyTuned implements engine.Observer.
func (s *Session) FrequencyTuned(step, total int, res calibration.TuningResult, sample calibration.Sample) {
	s.mu.Lock()
	s.status.Step = step
	s.status.TotalSteps = total
	s.status.FrequencyHz = sample.FrequencyHz
	s.status.Samples++
	if !res.Converged {
		s.status.NotConverged++
	}
	if res.Condition == calibration.ConditionCeilingExceeded {
		s.status.CeilingEvents++
	}
	s.mu.Unlock()

	s.hub.Publish(events.FrequencyTuned, events.ProgressEvent{
		Step:             step,
		Total:            total,
		FrequencyHz:      sample.FrequencyHz,
		TunedAmplitudeUV: res.TunedAmplitudeUV,
		TransferFunction: sample.TransferFunction,
		Iterations:       res.Iterations,
		Converged:        res.Converged,
		Condition:        string(res.Condition),
		Ts:               time.Now().Unix(),
	})
}

func (s *Session) publishAction(a calibration.Action, msg string) {
	s.hub.Publish(events.SessionAction, events.ActionEvent{
		Action:  string(a),
		Message: msg,
		Ts:      time.Now().Unix(),
	})
}

func phaseMessage(p calibration.Phase, st calibration.Status) string {
	switch p {
	case calibration.PhasePreparing:
		return "Moving tip to the safe position and switching the controller off"
	case calibration.PhaseReference:
		return "Recording the reference curve"
	case calibration.PhaseSweeping:
		return fmt.Sprintf("Tuning frequency %d/%d", st.Step+1, st.TotalSteps)
	case calibration.PhaseTracking:
		return "Correcting drift"
	case calibration.PhaseFinishing:
		return "Returning to safe idle"
	case calibration.PhaseError:
		return "Error, setup returned to safe idle"
	}
	return ""
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	sec := d / time.Second
	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, sec)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, sec)
	}
	return fmt.Sprintf("%ds", sec)
}
