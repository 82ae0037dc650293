package config

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/tfcal/pkg/utils/ptr"
)

var (
	defaultFileConfig = &RawFileConfig{
		NanonisAddress:        ptr.To("127.0.0.1:6501"),
		NanonisTimeoutSeconds: ptr.To(10.0),
		AWGAddress:            ptr.To("127.0.0.1:5025"),
		AWGSampleRate:         ptr.To(16e9),

		SafeBiasVoltage:             ptr.To(1.8),
		SafeSetpointCurrent:         ptr.To(14e-12),
		SafeX:                       ptr.To(0.0),
		SafeY:                       ptr.To(0.0),
		HeightAveragingDelaySeconds: ptr.To(0.1),

		IntegrationTimeSeconds:  ptr.To(0.5),
		MaxAllowedAmplitudeUV:   ptr.To(1_000_000.0),
		Strategy:                ptr.To("half"),
		OldTransferFunction:     ptr.To(""),
		DefaultTransferFunction: ptr.To(0.0),
		SweepFrequencies:        []float64{1_000, 10_000, 100_000},
		DefaultFrequencyHz:      ptr.To(10_000.0),
		ReferenceAmplitudesUV:   []float64{100_000, 200_000, 300_000},
		Tolerance:               ptr.To(0.01),
		MaxTuningIterations:     ptr.To(100),
		SamplesPerReading:       ptr.To(1),

		AtomTrackingIGain:                 ptr.To(570e-12),
		AtomTrackingFrequencyHz:           ptr.To(10.0),
		AtomTrackingAmplitudeM:            ptr.To(100e-12),
		AtomTrackingPhaseDeg:              ptr.To(0.0),
		AtomTrackingSwitchOffDelaySeconds: ptr.To(0.5),
		AtomTrackingDurationSeconds:       ptr.To(5.0),
		AtomTrackingInterval:              ptr.To(10),

		MQTTBroker:      ptr.To(""),
		MQTTTopicPrefix: ptr.To("tfcal"),
		MQTTClientID:    ptr.To("tfcal-daemon"),

		Cron:               ptr.To(""),
		OutputDir:          ptr.To("."),
		Header:             ptr.To(""),
		AllowNonRootAccess: ptr.To(false),
	}
)

var _ Config = &File{}

type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = &RawFileConfig{}
	}

	return &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}
}

// RawFileConfig is the JSON layout of the config file. Unset fields take
// their default. Durations are in seconds.
type RawFileConfig struct {
	NanonisAddress        *string  `json:"nanonisAddress,omitempty"`
	NanonisTimeoutSeconds *float64 `json:"nanonisTimeoutSeconds,omitempty"`
	AWGAddress            *string  `json:"awgAddress,omitempty"`
	AWGSampleRate         *float64 `json:"awgSampleRate,omitempty"`

	SafeBiasVoltage             *float64 `json:"safeBiasVoltage,omitempty"`
	SafeSetpointCurrent         *float64 `json:"safeSetpointCurrent,omitempty"`
	SafeX                       *float64 `json:"safeX,omitempty"`
	SafeY                       *float64 `json:"safeY,omitempty"`
	HeightAveragingDelaySeconds *float64 `json:"heightAveragingDelaySeconds,omitempty"`

	IntegrationTimeSeconds  *float64  `json:"integrationTimeSeconds,omitempty"`
	MaxAllowedAmplitudeUV   *float64  `json:"maxAllowedAmplitudeUV,omitempty"`
	Strategy                *string   `json:"strategy,omitempty"`
	OldTransferFunction     *string   `json:"oldTransferFunction,omitempty"`
	DefaultTransferFunction *float64  `json:"defaultTransferFunction,omitempty"`
	SweepFrequencies        []float64 `json:"sweepFrequencies,omitempty"`
	DefaultFrequencyHz      *float64  `json:"defaultFrequencyHz,omitempty"`
	ReferenceAmplitudesUV   []float64 `json:"referenceAmplitudesUV,omitempty"`
	Tolerance               *float64  `json:"tolerance,omitempty"`
	MaxTuningIterations     *int      `json:"maxTuningIterations,omitempty"`
	SamplesPerReading       *int      `json:"samplesPerReading,omitempty"`

	AtomTrackingIGain                 *float64 `json:"atomTrackingIGain,omitempty"`
	AtomTrackingFrequencyHz           *float64 `json:"atomTrackingFrequencyHz,omitempty"`
	AtomTrackingAmplitudeM            *float64 `json:"atomTrackingAmplitudeM,omitempty"`
	AtomTrackingPhaseDeg              *float64 `json:"atomTrackingPhaseDeg,omitempty"`
	AtomTrackingSwitchOffDelaySeconds *float64 `json:"atomTrackingSwitchOffDelaySeconds,omitempty"`
	AtomTrackingDurationSeconds       *float64 `json:"atomTrackingDurationSeconds,omitempty"`
	AtomTrackingInterval              *int     `json:"atomTrackingInterval,omitempty"`

	MQTTBroker      *string `json:"mqttBroker,omitempty"`
	MQTTTopicPrefix *string `json:"mqttTopicPrefix,omitempty"`
	MQTTClientID    *string `json:"mqttClientID,omitempty"`

	Cron               *string `json:"cron,omitempty"`
	OutputDir          *string `json:"outputDir,omitempty"`
	Header             *string `json:"header,omitempty"`
	AllowNonRootAccess *bool   `json:"allowNonRootAccess,omitempty"`
}

// NewRawFileConfigFromConfig returns the effective configuration with every
// default filled in.
func NewRawFileConfigFromConfig(c Config) (*RawFileConfig, error) {
	if c == nil {
		return nil, pkgerrors.New("config is nil")
	}

	x, y := c.SafePosition()
	d := c.DriftTracking()

	return &RawFileConfig{
		NanonisAddress:        ptr.To(c.NanonisAddress()),
		NanonisTimeoutSeconds: ptr.To(c.NanonisTimeout().Seconds()),
		AWGAddress:            ptr.To(c.AWGAddress()),
		AWGSampleRate:         ptr.To(c.AWGSampleRate()),

		SafeBiasVoltage:             ptr.To(c.SafeBiasVoltage()),
		SafeSetpointCurrent:         ptr.To(c.SafeSetpointCurrent()),
		SafeX:                       ptr.To(x),
		SafeY:                       ptr.To(y),
		HeightAveragingDelaySeconds: ptr.To(c.HeightAveragingDelay().Seconds()),

		IntegrationTimeSeconds:  ptr.To(c.IntegrationTime().Seconds()),
		MaxAllowedAmplitudeUV:   ptr.To(c.MaxAllowedAmplitudeUV()),
		Strategy:                ptr.To(c.Strategy()),
		OldTransferFunction:     ptr.To(c.OldTransferFunction()),
		DefaultTransferFunction: ptr.To(c.DefaultTransferFunction()),
		SweepFrequencies:        c.SweepFrequencies(),
		DefaultFrequencyHz:      ptr.To(c.DefaultFrequencyHz()),
		ReferenceAmplitudesUV:   c.ReferenceAmplitudesUV(),
		Tolerance:               ptr.To(c.Tolerance()),
		MaxTuningIterations:     ptr.To(c.MaxTuningIterations()),
		SamplesPerReading:       ptr.To(c.SamplesPerReading()),

		AtomTrackingIGain:                 ptr.To(d.IGain),
		AtomTrackingFrequencyHz:           ptr.To(d.FrequencyHz),
		AtomTrackingAmplitudeM:            ptr.To(d.AmplitudeM),
		AtomTrackingPhaseDeg:              ptr.To(d.PhaseDeg),
		AtomTrackingSwitchOffDelaySeconds: ptr.To(d.SwitchOffDelay.Seconds()),
		AtomTrackingDurationSeconds:       ptr.To(d.Duration.Seconds()),
		AtomTrackingInterval:              ptr.To(d.Interval),

		MQTTBroker:      ptr.To(c.MQTTBroker()),
		MQTTTopicPrefix: ptr.To(c.MQTTTopicPrefix()),
		MQTTClientID:    ptr.To(c.MQTTClientID()),

		Cron:               ptr.To(c.Cron()),
		OutputDir:          ptr.To(c.OutputDir()),
		Header:             ptr.To(c.Header()),
		AllowNonRootAccess: ptr.To(c.AllowNonRootAccess()),
	}, nil
}

// get returns *v, or *def when v is unset.
func get[T any](f *File, v func(*RawFileConfig) *T, def *T) T {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if p := v(f.c); p != nil {
		return *p
	}
	return *def
}

func getSlice(f *File, v func(*RawFileConfig) []float64, def []float64) []float64 {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if s := v(f.c); len(s) > 0 {
		return append([]float64(nil), s...)
	}
	return append([]float64(nil), def...)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (f *File) NanonisAddress() string {
	return get(f, func(c *RawFileConfig) *string { return c.NanonisAddress }, defaultFileConfig.NanonisAddress)
}

func (f *File) NanonisTimeout() time.Duration {
	return seconds(get(f, func(c *RawFileConfig) *float64 { return c.NanonisTimeoutSeconds }, defaultFileConfig.NanonisTimeoutSeconds))
}

func (f *File) AWGAddress() string {
	return get(f, func(c *RawFileConfig) *string { return c.AWGAddress }, defaultFileConfig.AWGAddress)
}

func (f *File) AWGSampleRate() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.AWGSampleRate }, defaultFileConfig.AWGSampleRate)
}

func (f *File) SafeBiasVoltage() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.SafeBiasVoltage }, defaultFileConfig.SafeBiasVoltage)
}

func (f *File) SafeSetpointCurrent() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.SafeSetpointCurrent }, defaultFileConfig.SafeSetpointCurrent)
}

func (f *File) SafePosition() (x, y float64) {
	x = get(f, func(c *RawFileConfig) *float64 { return c.SafeX }, defaultFileConfig.SafeX)
	y = get(f, func(c *RawFileConfig) *float64 { return c.SafeY }, defaultFileConfig.SafeY)
	return x, y
}

func (f *File) HeightAveragingDelay() time.Duration {
	return seconds(get(f, func(c *RawFileConfig) *float64 { return c.HeightAveragingDelaySeconds }, defaultFileConfig.HeightAveragingDelaySeconds))
}

func (f *File) IntegrationTime() time.Duration {
	return seconds(get(f, func(c *RawFileConfig) *float64 { return c.IntegrationTimeSeconds }, defaultFileConfig.IntegrationTimeSeconds))
}

func (f *File) MaxAllowedAmplitudeUV() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.MaxAllowedAmplitudeUV }, defaultFileConfig.MaxAllowedAmplitudeUV)
}

func (f *File) Strategy() string {
	return get(f, func(c *RawFileConfig) *string { return c.Strategy }, defaultFileConfig.Strategy)
}

func (f *File) OldTransferFunction() string {
	return get(f, func(c *RawFileConfig) *string { return c.OldTransferFunction }, defaultFileConfig.OldTransferFunction)
}

func (f *File) DefaultTransferFunction() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.DefaultTransferFunction }, defaultFileConfig.DefaultTransferFunction)
}

func (f *File) SweepFrequencies() []float64 {
	return getSlice(f, func(c *RawFileConfig) []float64 { return c.SweepFrequencies }, defaultFileConfig.SweepFrequencies)
}

func (f *File) DefaultFrequencyHz() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.DefaultFrequencyHz }, defaultFileConfig.DefaultFrequencyHz)
}

func (f *File) ReferenceAmplitudesUV() []float64 {
	return getSlice(f, func(c *RawFileConfig) []float64 { return c.ReferenceAmplitudesUV }, defaultFileConfig.ReferenceAmplitudesUV)
}

func (f *File) Tolerance() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.Tolerance }, defaultFileConfig.Tolerance)
}

func (f *File) MaxTuningIterations() int {
	return get(f, func(c *RawFileConfig) *int { return c.MaxTuningIterations }, defaultFileConfig.MaxTuningIterations)
}

func (f *File) SamplesPerReading() int {
	return get(f, func(c *RawFileConfig) *int { return c.SamplesPerReading }, defaultFileConfig.SamplesPerReading)
}

func (f *File) DriftTracking() DriftTracking {
	d := defaultFileConfig
	return DriftTracking{
		IGain:          get(f, func(c *RawFileConfig) *float64 { return c.AtomTrackingIGain }, d.AtomTrackingIGain),
		FrequencyHz:    get(f, func(c *RawFileConfig) *float64 { return c.AtomTrackingFrequencyHz }, d.AtomTrackingFrequencyHz),
		AmplitudeM:     get(f, func(c *RawFileConfig) *float64 { return c.AtomTrackingAmplitudeM }, d.AtomTrackingAmplitudeM),
		PhaseDeg:       get(f, func(c *RawFileConfig) *float64 { return c.AtomTrackingPhaseDeg }, d.AtomTrackingPhaseDeg),
		SwitchOffDelay: seconds(get(f, func(c *RawFileConfig) *float64 { return c.AtomTrackingSwitchOffDelaySeconds }, d.AtomTrackingSwitchOffDelaySeconds)),
		Duration:       seconds(get(f, func(c *RawFileConfig) *float64 { return c.AtomTrackingDurationSeconds }, d.AtomTrackingDurationSeconds)),
		Interval:       get(f, func(c *RawFileConfig) *int { return c.AtomTrackingInterval }, d.AtomTrackingInterval),
	}
}

func (f *File) MQTTBroker() string {
	return get(f, func(c *RawFileConfig) *string { return c.MQTTBroker }, defaultFileConfig.MQTTBroker)
}

func (f *File) MQTTTopicPrefix() string {
	return get(f, func(c *RawFileConfig) *string { return c.MQTTTopicPrefix }, defaultFileConfig.MQTTTopicPrefix)
}

func (f *File) MQTTClientID() string {
	return get(f, func(c *RawFileConfig) *string { return c.MQTTClientID }, defaultFileConfig.MQTTClientID)
}

func (f *File) Cron() string {
	return get(f, func(c *RawFileConfig) *string { return c.Cron }, defaultFileConfig.Cron)
}

func (f *File) OutputDir() string {
	return get(f, func(c *RawFileConfig) *string { return c.OutputDir }, defaultFileConfig.OutputDir)
}

func (f *File) Header() string {
	return get(f, func(c *RawFileConfig) *string { return c.Header }, defaultFileConfig.Header)
}

func (f *File) AllowNonRootAccess() bool {
	return get(f, func(c *RawFileConfig) *bool { return c.AllowNonRootAccess }, defaultFileConfig.AllowNonRootAccess)
}

func (f *File) SetCron(s string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.Cron = &s
}

func (f *File) SetOldTransferFunction(path string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.OldTransferFunction = &path
}

func (f *File) SetAllowNonRootAccess(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.AllowNonRootAccess = &b
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fp, err := os.Open(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// A missing file means all defaults. Do not make f.c a nil.
			f.c = &RawFileConfig{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	// Since we want to tell if the file is empty, using json.Decoder will
	// not work.
	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}

	if strings.TrimSpace(string(b)) == "" {
		f.c = &RawFileConfig{}
		return nil
	}

	conf := RawFileConfig{}
	err = json.Unmarshal(b, &conf)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	f.c = &conf

	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	fp, err := os.OpenFile(f.filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	enc := json.NewEncoder(fp)
	enc.SetIndent("", "  ")
	err = enc.Encode(f.c)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config to file %s", f.filepath)
	}

	return nil
}

func (f *File) LogrusFields() logrus.Fields {
	if f.c == nil {
		panic("config is nil")
	}

	x, y := f.SafePosition()
	return logrus.Fields{
		"nanonisAddress":        f.NanonisAddress(),
		"awgAddress":            f.AWGAddress(),
		"safeBiasVoltage":       f.SafeBiasVoltage(),
		"safeSetpointCurrent":   f.SafeSetpointCurrent(),
		"safeX":                 x,
		"safeY":                 y,
		"integrationTime":       f.IntegrationTime(),
		"maxAllowedAmplitudeUV": f.MaxAllowedAmplitudeUV(),
		"strategy":              f.Strategy(),
		"sweepFrequencies":      len(f.SweepFrequencies()),
		"defaultFrequencyHz":    f.DefaultFrequencyHz(),
		"driftInterval":         f.DriftTracking().Interval,
		"mqttBroker":            f.MQTTBroker(),
		"cron":                  f.Cron(),
	}
}
