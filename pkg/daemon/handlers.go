package daemon

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/tfcal/pkg/calibration"
	"github.com/charlie0129/tfcal/pkg/config"
	"github.com/charlie0129/tfcal/pkg/events"
	"github.com/charlie0129/tfcal/pkg/version"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Only local clients reach the unix socket.
	CheckOrigin: func(*http.Request) bool { return true },
}

func abortWithError(c *gin.Context, code int, err error) {
	c.IndentedJSON(code, err.Error())
	_ = c.AbortWithError(code, err)
}

func (d *Daemon) getConfig(c *gin.Context) {
	fc, err := config.NewRawFileConfigFromConfig(d.conf)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, fc)
}

func (d *Daemon) getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}

func (d *Daemon) getStatus(c *gin.Context) {
	st := d.session.Status()
	if d.scheduler != nil {
		if next, running := d.scheduler.Status(); running {
			st.ScheduledAt = next
		}
	}
	c.IndentedJSON(http.StatusOK, st)
}

func (d *Daemon) startSweep(c *gin.Context) {
	var req calibration.SweepRequest
	if c.Request.ContentLength > 0 {
		if err := c.BindJSON(&req); err != nil {
			abortWithError(c, http.StatusBadRequest, err)
			return
		}
	}

	err := d.session.Start(req.Header)
	switch {
	case err == nil:
	case errors.Is(err, ErrSweepInProgress):
		abortWithError(c, http.StatusConflict, err)
		return
	default:
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	c.IndentedJSON(http.StatusAccepted, "sweep started")
}

func (d *Daemon) abortSweep(c *gin.Context) {
	if err := d.session.Abort(); err != nil {
		abortWithError(c, http.StatusConflict, err)
		return
	}
	c.IndentedJSON(http.StatusAccepted, "sweep aborting, returning to safe idle")
}

func (d *Daemon) safeIdle(c *gin.Context) {
	err := d.session.SafeIdle()
	switch {
	case err == nil:
	case errors.Is(err, ErrSweepInProgress):
		abortWithError(c, http.StatusConflict, err)
		return
	default:
		logrus.WithError(err).Error("failed to enter safe idle")
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, "setup is in safe idle")
}

func (d *Daemon) getResult(c *gin.Context) {
	rec, err := d.session.Result()
	if err != nil {
		abortWithError(c, http.StatusNotFound, err)
		return
	}
	c.IndentedJSON(http.StatusOK, rec)
}

func (d *Daemon) setSchedule(c *gin.Context) {
	var expr string
	if err := c.BindJSON(&expr); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}

	runs, err := d.schedule(strings.TrimSpace(expr))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	c.IndentedJSON(http.StatusCreated, calibration.ScheduleResponse{Cron: d.conf.Cron(), NextRuns: runs})
}

func (d *Daemon) postponeSchedule(c *gin.Context) {
	var minutes int
	if err := c.BindJSON(&minutes); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	dur := time.Duration(minutes) * time.Minute
	if err := d.scheduler.Postpone(dur); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	d.hub.Publish(events.SessionAction, events.ActionEvent{
		Action:  string(calibration.ActionSchedulePostpone),
		Message: fmt.Sprintf("Scheduled sweep postponed for %s", dur),
		Ts:      time.Now().Unix(),
	})
	c.IndentedJSON(http.StatusCreated, "postponed")
}

func (d *Daemon) skipSchedule(c *gin.Context) {
	if err := d.scheduler.Skip(); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	d.hub.Publish(events.SessionAction, events.ActionEvent{
		Action:  string(calibration.ActionScheduleSkip),
		Message: "Next scheduled sweep skipped",
		Ts:      time.Now().Unix(),
	})
	c.IndentedJSON(http.StatusCreated, "skipped")
}

// streamEvents upgrades the request to a websocket and writes every hub event
// as a JSON message until the client goes away.
func (d *Daemon) streamEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Warn("failed to upgrade events connection")
		return
	}
	defer conn.Close()

	ch := d.hub.Subscribe()
	defer d.hub.Unsubscribe(ch)

	// Reads only serve to notice the peer closing.
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logrus.WithError(err).Debug("events client went away")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	// Send the current status first so clients need not poll.
	st := d.session.Status()
	if err := writeEvent(conn, events.SessionPhase, events.PhaseEvent{To: string(st.Phase), Message: st.Message, Ts: time.Now().Unix()}); err != nil {
		return
	}

	for {
		select {
		case <-gone:
			return
		case <-d.stopped:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "daemon shutting down"),
				time.Now().Add(wsWriteWait))
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				logrus.WithError(err).Debug("failed to write event")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, name string, payload any) error {
	e, err := events.NewEvent(name, payload)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(e)
}
