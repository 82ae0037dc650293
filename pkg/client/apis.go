package client

import (
	"context"
	"encoding/json"
	"net"
	"strconv"

	"github.com/gorilla/websocket"
	pkgerrors "github.com/pkg/errors"

	"github.com/charlie0129/tfcal/pkg/calibration"
	"github.com/charlie0129/tfcal/pkg/config"
	"github.com/charlie0129/tfcal/pkg/events"
	"github.com/charlie0129/tfcal/pkg/record"
)

func (c *Client) GetConfig() (*config.RawFileConfig, error) {
	ret, err := c.Get("/config")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get config")
	}

	var conf config.RawFileConfig
	if err := json.Unmarshal([]byte(ret), &conf); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal config")
	}

	return &conf, nil
}

func (c *Client) GetVersion() (string, error) {
	ret, err := c.Get("/version")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get version")
	}
	var v string
	if err := json.Unmarshal([]byte(ret), &v); err != nil {
		return "", pkgerrors.Wrapf(err, "failed to unmarshal version")
	}
	return v, nil
}

func (c *Client) GetStatus() (*calibration.Status, error) {
	ret, err := c.Get("/status")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get sweep status")
	}
	var st calibration.Status
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal sweep status")
	}
	return &st, nil
}

// StartSweep starts a sweep. header is stored in the record; empty uses the
// configured one.
func (c *Client) StartSweep(header string) (string, error) {
	payload, err := json.Marshal(calibration.SweepRequest{Header: header})
	if err != nil {
		return "", err
	}
	return c.Post("/sweep", string(payload))
}

func (c *Client) AbortSweep() (string, error) {
	return c.Post("/abort", "")
}

func (c *Client) SafeIdle() (string, error) {
	return c.Post("/safe-idle", "")
}

// GetResult returns the record of the last finished sweep.
func (c *Client) GetResult() (*record.Record, error) {
	ret, err := c.Get("/result")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get sweep result")
	}
	var rec record.Record
	if err := json.Unmarshal([]byte(ret), &rec); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal sweep result")
	}
	return &rec, nil
}

// Schedule sets the recalibration cron expression. An empty expression
// disables scheduled sweeps.
func (c *Client) Schedule(cronExpr string) (*calibration.ScheduleResponse, error) {
	payload, err := json.Marshal(cronExpr)
	if err != nil {
		return nil, err
	}
	ret, err := c.Put("/schedule", string(payload))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to set schedule")
	}
	var resp calibration.ScheduleResponse
	if err := json.Unmarshal([]byte(ret), &resp); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal schedule")
	}
	return &resp, nil
}

func (c *Client) PostponeSchedule(minutes int) (string, error) {
	return c.Put("/schedule/postpone", strconv.Itoa(minutes))
}

func (c *Client) SkipSchedule() (string, error) {
	return c.Put("/schedule/skip", "")
}

// WatchEvents streams daemon events to fn until ctx is done, the daemon
// closes the stream or fn returns an error. A nil error from fn keeps the
// stream open; events.ErrStop ends it without error.
func (c *Client) WatchEvents(ctx context.Context, fn func(events.Event) error) error {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialUnix(ctx, c.socketPath)
		},
	}
	conn, _, err := dialer.DialContext(ctx, "ws://unix/events", nil)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to open event stream")
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var e events.Event
		if err := conn.ReadJSON(&e); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return nil
			}
			return pkgerrors.Wrap(err, "event stream broken")
		}
		if err := fn(e); err != nil {
			if pkgerrors.Is(err, events.ErrStop) {
				return nil
			}
			return err
		}
	}
}
