package instrument

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	nanonisDevice      = "nanonis"
	nanonisNameSize    = 32
	nanonisHeaderSize  = 40
	nanonisMaxBodySize = 1 << 20
)

// Nanonis talks to the Nanonis TCP programming interface.
//
// Requests are serialized on a single connection and every request waits for
// its response, so the instrument has applied a write before the next
// command is issued.
type Nanonis struct {
	rw      io.ReadWriter
	closer  io.Closer
	conn    net.Conn
	timeout time.Duration
	mu      sync.Mutex
}

// NanonisOption applies an option to the Nanonis client.
type NanonisOption func(*Nanonis)

// WithNanonisTimeout sets the per-request read/write deadline. It only has an
// effect on connections created by DialNanonis.
func WithNanonisTimeout(d time.Duration) NanonisOption {
	return func(n *Nanonis) { n.timeout = d }
}

// NewNanonis creates a client on an existing connection.
func NewNanonis(rw io.ReadWriter, opts ...NanonisOption) *Nanonis {
	n := &Nanonis{
		rw:      rw,
		timeout: 10 * time.Second,
	}
	if c, ok := rw.(io.Closer); ok {
		n.closer = c
	}
	if c, ok := rw.(net.Conn); ok {
		n.conn = c
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// DialNanonis connects to the Nanonis TCP server at addr (host:port).
func DialNanonis(addr string, opts ...NanonisOption) (*Nanonis, error) {
	logrus.WithField("addr", addr).Debug("connecting to nanonis")
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, &CommunicationError{Device: nanonisDevice, Op: "dial " + addr, Err: err}
	}
	return NewNanonis(conn, opts...), nil
}

// Close closes the underlying connection.
func (n *Nanonis) Close() error {
	if n.closer == nil {
		return nil
	}
	return n.closer.Close()
}

// call sends cmd with the big-endian encoded args and returns the response
// body with the trailing error block verified and removed. retSize is the
// number of bytes of return values preceding the error block.
func (n *Nanonis) call(cmd string, retSize int, args ...any) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	body := &bytes.Buffer{}
	for _, a := range args {
		if err := binary.Write(body, binary.BigEndian, a); err != nil {
			return nil, pkgerrors.Wrapf(err, "failed to encode argument of %s", cmd)
		}
	}

	req := make([]byte, nanonisHeaderSize, nanonisHeaderSize+body.Len())
	copy(req[:nanonisNameSize], cmd)
	binary.BigEndian.PutUint32(req[32:36], uint32(body.Len()))
	binary.BigEndian.PutUint16(req[36:38], 1) // send response back
	req = append(req, body.Bytes()...)

	logrus.WithFields(logrus.Fields{
		"cmd":  cmd,
		"args": args,
	}).Trace("nanonis request")

	if n.conn != nil && n.timeout > 0 {
		_ = n.conn.SetDeadline(time.Now().Add(n.timeout))
	}

	if _, err := n.rw.Write(req); err != nil {
		return nil, &CommunicationError{Device: nanonisDevice, Op: cmd, Err: err}
	}

	header := make([]byte, nanonisHeaderSize)
	if _, err := io.ReadFull(n.rw, header); err != nil {
		return nil, &CommunicationError{Device: nanonisDevice, Op: cmd, Err: pkgerrors.Wrap(err, "failed to read response header")}
	}
	name := string(bytes.TrimRight(header[:nanonisNameSize], "\x00"))
	if name != cmd {
		return nil, &CommunicationError{Device: nanonisDevice, Op: cmd, Err: fmt.Errorf("response is for %q", name)}
	}
	size := int32(binary.BigEndian.Uint32(header[32:36]))
	if size < 0 || size > nanonisMaxBodySize {
		return nil, &CommunicationError{Device: nanonisDevice, Op: cmd, Err: fmt.Errorf("invalid response body size %d", size)}
	}

	resp := make([]byte, size)
	if _, err := io.ReadFull(n.rw, resp); err != nil {
		return nil, &CommunicationError{Device: nanonisDevice, Op: cmd, Err: pkgerrors.Wrap(err, "failed to read response body")}
	}

	if err := parseNanonisError(resp, retSize); err != nil {
		return nil, &CommunicationError{Device: nanonisDevice, Op: cmd, Err: err}
	}

	logrus.WithFields(logrus.Fields{
		"cmd":  cmd,
		"size": size,
	}).Trace("nanonis response")

	return resp[:retSize], nil
}

func parseNanonisError(resp []byte, offset int) error {
	if len(resp) < offset+8 {
		return fmt.Errorf("response body too short: %d bytes, want at least %d", len(resp), offset+8)
	}
	status := binary.BigEndian.Uint32(resp[offset : offset+4])
	descSize := int(int32(binary.BigEndian.Uint32(resp[offset+4 : offset+8])))
	if status == 0 {
		return nil
	}
	desc := ""
	if descSize > 0 && offset+8+descSize <= len(resp) {
		desc = string(resp[offset+8 : offset+8+descSize])
	}
	return &ServerError{Status: status, Description: desc}
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// ReadDetectorCurrent returns the tunnelling current in amperes.
func (n *Nanonis) ReadDetectorCurrent() (float64, error) {
	b, err := n.call("Current.Get", 4)
	if err != nil {
		return 0, err
	}
	return float64(float32frombits(b)), nil
}

// SetBiasVoltage sets the bias in volts.
func (n *Nanonis) SetBiasVoltage(volts float64) error {
	_, err := n.call("Bias.Set", 0, float32(volts))
	return err
}

// SetCurrentSetpoint sets the Z-controller setpoint in amperes.
func (n *Nanonis) SetCurrentSetpoint(amperes float64) error {
	_, err := n.call("ZCtrl.SetpntSet", 0, float32(amperes))
	return err
}

// ControllerActive returns whether the Z-controller is on.
func (n *Nanonis) ControllerActive() (bool, error) {
	b, err := n.call("ZCtrl.OnOffGet", 4)
	if err != nil {
		return false, err
	}
	return binary.BigEndian.Uint32(b) == 1, nil
}

// SetControllerActive switches the Z-controller on or off.
func (n *Nanonis) SetControllerActive(on bool) error {
	_, err := n.call("ZCtrl.OnOffSet", 0, boolToUint32(on))
	return err
}

// SetHeightAveragingDelay sets the switch-off delay of the Z-controller, during
// which the tip height is averaged before the controller is switched off.
func (n *Nanonis) SetHeightAveragingDelay(d time.Duration) error {
	_, err := n.call("ZCtrl.SwitchOffDelaySet", 0, float32(d.Seconds()))
	return err
}

// MoveToPosition moves the tip to (x, y) in meters using Follow Me.
func (n *Nanonis) MoveToPosition(x, y float64, waitForCompletion bool) error {
	_, err := n.call("FolMe.XYPosSet", 0, x, y, boolToUint32(waitForCompletion))
	return err
}

// SetDriftTrackingParameters applies the atom tracking properties.
func (n *Nanonis) SetDriftTrackingParameters(p DriftProfile) error {
	_, err := n.call("AtomTrack.PropsSet", 0,
		float32(p.IGain),
		float32(p.FrequencyHz),
		float32(p.AmplitudeM),
		float32(p.PhaseDeg),
		float32(p.SwitchOffDelay.Seconds()),
	)
	return err
}

// SetDriftTrackingSubsystem switches an atom tracking subsystem on or off.
func (n *Nanonis) SetDriftTrackingSubsystem(s Subsystem, on bool) error {
	status := uint16(0)
	if on {
		status = 1
	}
	_, err := n.call("AtomTrack.CtrlSet", 0, uint16(s), status)
	return err
}

func float32frombits(b []byte) float32 {
	var f float32
	_ = binary.Read(bytes.NewReader(b), binary.BigEndian, &f)
	return f
}

var _ Instrument = &Nanonis{}
