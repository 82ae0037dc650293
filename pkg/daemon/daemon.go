package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/tfcal/pkg/calibration"
	"github.com/charlie0129/tfcal/pkg/config"
	"github.com/charlie0129/tfcal/pkg/engine"
	"github.com/charlie0129/tfcal/pkg/events"
)

const scheduledHeader = "scheduled recalibration"

// Daemon owns the sweep session, the recalibration scheduler and the event
// hub behind the HTTP API.
type Daemon struct {
	conf      config.Config
	hub       *events.EventHub
	bridge    *events.MQTTBridge
	session   *Session
	scheduler *Scheduler
	stopped   chan struct{}
}

// New creates a daemon. Instruments are dialed through connect at the start
// of every sweep. When an MQTT broker is configured, events are forwarded to
// it as well.
func New(conf config.Config, connect Connector, opts ...engine.Option) *Daemon {
	d := &Daemon{
		conf:    conf,
		stopped: make(chan struct{}),
	}

	var hubOpts []events.HubOption
	if broker := conf.MQTTBroker(); broker != "" {
		bridge, err := events.DialMQTT(broker, conf.MQTTClientID(), conf.MQTTTopicPrefix())
		if err != nil {
			logrus.WithError(err).WithField("broker", broker).Warn("failed to connect to MQTT broker, events stay local")
		} else {
			logrus.WithField("broker", broker).Info("forwarding events to MQTT")
			d.bridge = bridge
			hubOpts = append(hubOpts, events.WithSink(bridge))
		}
	}
	d.hub = events.NewEventHub(hubOpts...)
	d.session = NewSession(conf, d.hub, connect, opts...)
	d.scheduler = NewScheduler(d.runScheduled, d.preCheck, d.onUpcoming, d.onScheduleError)

	if expr := conf.Cron(); expr != "" {
		if err := d.scheduler.Schedule(expr); err != nil {
			logrus.WithError(err).WithField("cron", expr).Error("invalid recalibration schedule in config")
		}
	}
	d.scheduler.Start()
	return d
}

func (d *Daemon) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))
	router.GET("/config", d.getConfig)
	router.GET("/version", d.getVersion)
	router.GET("/status", d.getStatus)
	router.GET("/result", d.getResult)
	router.GET("/events", d.streamEvents)
	router.POST("/sweep", d.startSweep)
	router.POST("/abort", d.abortSweep)
	router.POST("/safe-idle", d.safeIdle)
	router.PUT("/schedule", d.setSchedule)
	router.PUT("/schedule/postpone", d.postponeSchedule)
	router.PUT("/schedule/skip", d.skipSchedule)

	return router
}

// Close stops the scheduler, aborts a running sweep and waits for the setup
// to reach safe idle.
func (d *Daemon) Close() {
	select {
	case <-d.stopped:
		return
	default:
		close(d.stopped)
	}

	d.scheduler.Stop()
	if err := d.session.Abort(); err == nil {
		logrus.Info("waiting for the running sweep to return to safe idle")
	}
	d.session.Wait()
	if d.bridge != nil {
		d.bridge.Close()
	}
}

// schedule sets the cron expression for periodic recalibration and returns
// the next run times. An empty expression disables it.
func (d *Daemon) schedule(cronExpr string) ([]time.Time, error) {
	if cronExpr == "" {
		if d.conf.Cron() == "" {
			return nil, nil
		}
		d.conf.SetCron("")
		if err := d.conf.Save(); err != nil {
			logrus.WithError(err).Error("failed to save config")
			return nil, fmt.Errorf("failed to save config: %w", err)
		}
		d.scheduler.Disable()
		logrus.Info("recalibration schedule disabled")
		d.hub.Publish(events.SessionAction, events.ActionEvent{
			Action:  string(calibration.ActionScheduleDisable),
			Message: "Recalibration schedule disabled",
			Ts:      time.Now().Unix(),
		})
		return nil, nil
	}

	sched, err := ParseCron(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	d.conf.SetCron(cronExpr)
	if err := d.conf.Save(); err != nil {
		logrus.WithError(err).Error("failed to save config")
		return nil, fmt.Errorf("failed to save config: %w", err)
	}
	if err := d.scheduler.Schedule(cronExpr); err != nil {
		return nil, err
	}

	runs := NextRuns(sched, time.Now(), 3)
	logrus.WithFields(logrus.Fields{
		"cron": cronExpr,
		"next": runs[0].Format(time.DateTime),
	}).Info("recalibration scheduled")
	d.hub.Publish(events.SessionAction, events.ActionEvent{
		Action:  string(calibration.ActionSchedule),
		Message: fmt.Sprintf("Recalibration scheduled at %s", runs[0].Format("Jan _2 15:04")),
		Ts:      time.Now().Unix(),
	})
	return runs, nil
}

func (d *Daemon) runScheduled() error {
	header := scheduledHeader
	if h := d.conf.Header(); h != "" {
		header = h + ", " + scheduledHeader
	}
	return d.session.Start(header)
}

func (d *Daemon) preCheck() error {
	if d.session.Running() {
		return ErrSweepInProgress
	}
	return nil
}

func (d *Daemon) onUpcoming(data any) {
	at, _ := data.(time.Time)
	d.hub.Publish(events.SessionAction, events.ActionEvent{
		Action:  string(calibration.ActionSchedule),
		Message: fmt.Sprintf("Recalibration starts at %s", at.Format("15:04")),
		Ts:      time.Now().Unix(),
	})
}

func (d *Daemon) onScheduleError(data any) {
	err, _ := data.(error)
	logrus.WithError(err).Warn("scheduled recalibration")
	d.hub.Publish(events.SessionAction, events.ActionEvent{
		Action:  string(calibration.ActionSchedule),
		Message: fmt.Sprintf("Scheduled recalibration: %v", err),
		Ts:      time.Now().Unix(),
	})
}

func Run(configPath string, unixSocketPath string, allowNonRoot bool) error {
	conf, err := config.NewFile(configPath)
	if err != nil {
		logrus.Fatalf("failed to parse config during startup: %v", err)
	}
	logrus.WithFields(conf.LogrusFields()).Infof("config loaded")

	d := New(conf, DialInstruments(conf))
	router := d.Router()

	// Receive SIGHUP to reload config
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		for range sigc {
			prevCron := conf.Cron()
			if err := conf.Load(); err != nil {
				logrus.Errorf("failed to reload config: %v", err)
				continue
			}
			logrus.WithFields(conf.LogrusFields()).Infof("config reloaded")
			if expr := conf.Cron(); expr != prevCron {
				if expr == "" {
					d.scheduler.Disable()
				} else if err := d.scheduler.Schedule(expr); err != nil {
					logrus.WithError(err).Error("invalid recalibration schedule in reloaded config")
				}
			}
		}
	}()

	srv := &http.Server{
		Handler: router,
	}

	// Create the socket to listen on:
	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		logrus.Fatal(err)
	}

	if conf.AllowNonRootAccess() || allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		err = os.Chmod(unixSocketPath, 0777)
		if err != nil {
			logrus.Fatal(err)
		}
	}

	// Serve HTTP on unix socket
	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatal(err)
		}
	}()

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	// Wait for a SIGINT or SIGTERM:
	sig := <-sigc
	logrus.Infof("caught signal \"%s\": shutting down.", sig)

	// Event streams are hijacked connections, so they are closed before the
	// server waits for active requests.
	d.Close()

	logrus.Info("shutting down http server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = srv.Shutdown(ctx)
	if err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	cancel()

	logrus.Info("exiting")
	return nil
}
