package instrument

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cwbudde/algo-dsp/dsp/core"
	"github.com/cwbudde/algo-dsp/dsp/signal"
	"github.com/gotmc/query"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	awgDevice = "m8195a"

	// Segment lengths must be a multiple of the waveform granularity.
	awgGranularity = 128
	awgUploadChunk = 4096
	// 8-bit DAC.
	awgDACMax = 127
)

// M8195A drives a Keysight M8195A arbitrary waveform generator over its SCPI
// socket.
type M8195A struct {
	rw         io.ReadWriter
	r          *bufio.Reader
	closer     io.Closer
	sampleRate float64
	maxSegment int
	channel    int
	idn        string
	mu         sync.Mutex
}

// M8195AOption applies an option to the M8195A client.
type M8195AOption func(*M8195A)

// WithSampleRate sets the DAC sample rate in samples per second.
func WithSampleRate(rate float64) M8195AOption {
	return func(a *M8195A) { a.sampleRate = rate }
}

// WithMaxSegmentSamples limits the length of an uploaded waveform segment.
func WithMaxSegmentSamples(n int) M8195AOption {
	return func(a *M8195A) { a.maxSegment = n }
}

// NewM8195A creates a client on an existing connection and reads the
// instrument identification.
func NewM8195A(rw io.ReadWriter, opts ...M8195AOption) (*M8195A, error) {
	a := &M8195A{
		rw:         rw,
		r:          bufio.NewReader(rw),
		sampleRate: 16e9,
		maxSegment: 1 << 24,
		channel:    1,
	}
	if c, ok := rw.(io.Closer); ok {
		a.closer = c
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %g", a.sampleRate)
	}

	idn, err := query.String(a, "*IDN?")
	if err != nil {
		return nil, &CommunicationError{Device: awgDevice, Op: "*IDN?", Err: err}
	}
	a.idn = strings.TrimSpace(idn)
	logrus.WithField("idn", a.idn).Info("connected to waveform generator")

	return a, nil
}

// DialM8195A connects to the SCPI socket at addr (host:port, usually port 5025).
func DialM8195A(addr string, opts ...M8195AOption) (*M8195A, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, &CommunicationError{Device: awgDevice, Op: "dial " + addr, Err: err}
	}
	a, err := NewM8195A(conn, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return a, nil
}

// Close closes the underlying connection.
func (a *M8195A) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}

// Identification returns the *IDN? response read on connect.
func (a *M8195A) Identification() string { return a.idn }

// Command formats according to a format specifier if provided and sends a SCPI
// command terminated by a new line.
func (a *M8195A) Command(format string, args ...any) error {
	cmd := format
	if args != nil {
		cmd = fmt.Sprintf(format, args...)
	}
	cmd = strings.TrimSpace(cmd)
	if len(cmd) < 120 {
		logrus.WithField("cmd", cmd).Trace("awg command")
	}
	if _, err := fmt.Fprintf(a.rw, "%s\n", cmd); err != nil {
		return &CommunicationError{Device: awgDevice, Op: firstWord(cmd), Err: err}
	}
	return nil
}

// Query sends a SCPI query and returns the response line.
func (a *M8195A) Query(cmd string) (string, error) {
	if err := a.Command("%s", cmd); err != nil {
		return "", err
	}
	s, err := a.r.ReadString('\n')
	if err != nil {
		return "", &CommunicationError{Device: awgDevice, Op: cmd, Err: err}
	}
	return strings.TrimSpace(s), nil
}

// ConfigureContinuousSine uploads a segment of numPeriods sine periods at
// frequencyHz and starts continuous playback at startingAmplitudeUV.
//
// The segment length must be a multiple of the waveform granularity. If
// approximateFrequency is false a frequency that cannot be represented
// exactly is an error; otherwise the nearest representable frequency is used.
func (a *M8195A) ConfigureContinuousSine(channel int, frequencyHz float64, numPeriods int, startingAmplitudeUV float64, approximateFrequency bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if frequencyHz <= 0 || numPeriods <= 0 {
		return fmt.Errorf("invalid sine parameters: frequency %g Hz, %d periods", frequencyHz, numPeriods)
	}

	n, actual, err := segmentLength(a.sampleRate, frequencyHz, numPeriods, a.maxSegment, approximateFrequency)
	if err != nil {
		return err
	}

	gen := signal.NewGenerator(core.WithSampleRate(a.sampleRate))
	wave, err := gen.Sine(actual, 1, n)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to synthesize %g Hz sine", actual)
	}

	logrus.WithFields(logrus.Fields{
		"channel":     channel,
		"frequencyHz": actual,
		"samples":     n,
		"amplitudeUV": startingAmplitudeUV,
	}).Debug("configuring continuous sine")

	a.channel = channel
	cmds := []string{
		fmt.Sprintf(":ABOR%d", channel),
		fmt.Sprintf(":TRAC%d:DEL:ALL", channel),
		fmt.Sprintf(":TRAC%d:DEF 1,%d", channel, n),
	}
	for _, c := range cmds {
		if err := a.Command("%s", c); err != nil {
			return err
		}
	}
	if err := a.upload(channel, wave); err != nil {
		return err
	}
	cmds = []string{
		fmt.Sprintf(":TRAC%d:SEL 1", channel),
		fmt.Sprintf(":VOLT%d %s", channel, formatVolts(startingAmplitudeUV)),
		fmt.Sprintf(":OUTP%d ON", channel),
		":INIT:CONT ON",
		":INIT:IMM",
	}
	for _, c := range cmds {
		if err := a.Command("%s", c); err != nil {
			return err
		}
	}
	return a.checkError()
}

// UpdateAmplitude changes the output amplitude of the configured channel.
func (a *M8195A) UpdateAmplitude(amplitudeUV float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.Command(":VOLT%d %s", a.channel, formatVolts(amplitudeUV)); err != nil {
		return err
	}
	// Reading the amplitude back makes sure the write has been applied
	// before the caller samples the detector.
	v, err := query.Float64(a, fmt.Sprintf(":VOLT%d?", a.channel))
	if err != nil {
		return &CommunicationError{Device: awgDevice, Op: ":VOLT?", Err: err}
	}
	if math.Abs(v*1e6-amplitudeUV) > 1 {
		logrus.WithFields(logrus.Fields{
			"requestedUV": amplitudeUV,
			"appliedUV":   v * 1e6,
		}).Warn("waveform generator applied a different amplitude")
	}
	return nil
}

func (a *M8195A) upload(channel int, wave []float64) error {
	sb := &strings.Builder{}
	for off := 0; off < len(wave); off += awgUploadChunk {
		end := off + awgUploadChunk
		if end > len(wave) {
			end = len(wave)
		}
		sb.Reset()
		for i, v := range wave[off:end] {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Itoa(int(math.Round(v * awgDACMax))))
		}
		if err := a.Command(":TRAC%d:DATA 1,%d,%s", channel, off, sb.String()); err != nil {
			return err
		}
	}
	return nil
}

func (a *M8195A) checkError() error {
	resp, err := a.Query(":SYST:ERR?")
	if err != nil {
		return err
	}
	if strings.HasPrefix(resp, "0") || strings.HasPrefix(resp, "+0") {
		return nil
	}
	return &CommunicationError{Device: awgDevice, Op: "configure sine", Err: fmt.Errorf("instrument error: %s", resp)}
}

// segmentLength returns the number of samples of a segment holding at least
// numPeriods whole periods of frequencyHz, and the frequency actually produced
// by that segment. The period count is raised in steps of numPeriods until the
// segment length is a multiple of the granularity or maxSamples is exceeded.
func segmentLength(sampleRate, frequencyHz float64, numPeriods, maxSamples int, approximate bool) (int, float64, error) {
	if frequencyHz >= sampleRate/2 {
		return 0, 0, fmt.Errorf("%g Hz is above the Nyquist frequency at %g Sa/s", frequencyHz, sampleRate)
	}
	for p := numPeriods; ; p += numPeriods {
		exact := sampleRate * float64(p) / frequencyHz
		if exact > float64(maxSamples) {
			break
		}
		blocks := math.Round(exact / awgGranularity)
		if blocks >= 1 && math.Abs(blocks*awgGranularity-exact) < 1e-3 {
			return int(blocks) * awgGranularity, frequencyHz, nil
		}
	}
	if !approximate {
		return 0, 0, fmt.Errorf("%g Hz cannot be produced exactly at %g Sa/s within %d samples", frequencyHz, sampleRate, maxSamples)
	}
	exact := sampleRate * float64(numPeriods) / frequencyHz
	blocks := math.Max(1, math.Round(exact/awgGranularity))
	n := int(blocks) * awgGranularity
	if n > maxSamples {
		return 0, 0, fmt.Errorf("segment of %d samples for %g Hz exceeds the maximum of %d samples", n, frequencyHz, maxSamples)
	}
	return n, sampleRate * float64(numPeriods) / float64(n), nil
}

func formatVolts(uv float64) string {
	return strconv.FormatFloat(uv*1e-6, 'g', 9, 64)
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i > 0 {
		return s[:i]
	}
	return s
}

var _ WaveformGenerator = &M8195A{}
