package server

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anshi233/xvc-server-d2xx/pkg/config"
	"github.com/anshi233/xvc-server-d2xx/pkg/ftdi"
	"github.com/anshi233/xvc-server-d2xx/pkg/mpsse"
	"github.com/anshi233/xvc-server-d2xx/pkg/xvc"
)

// restartDelay spaces out instance restarts after a failure.
const restartDelay = time.Second

// hardwareScanner joins the MPSSE engine with its transport's frequency
// control to satisfy the session's Scanner interface.
type hardwareScanner struct {
	*mpsse.Engine
	tr *ftdi.Transport
}

func (h *hardwareScanner) SetFrequency(hz uint32) (uint32, error) {
	return h.tr.SetFrequency(hz)
}

// Supervisor runs every enabled instance from the configuration, each
// confined to its own goroutine, and restarts instances that die. The
// vendor driver handle of an instance is only ever touched from that
// instance's session, so no cross-instance locking is needed.
type Supervisor struct {
	cfg *config.Config
	lg  *logrus.Logger
}

// NewSupervisor creates a supervisor for the loaded configuration.
func NewSupervisor(cfg *config.Config, lg *logrus.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, lg: lg}
}

// Run blocks until the context is canceled. With a single configured
// instance it runs inline and propagates startup failures directly, so
// the process can exit non-zero. With several instances, failures are
// logged and the instance is restarted after a short delay.
func (s *Supervisor) Run(ctx context.Context) error {
	instances := s.cfg.EnabledInstances()
	if len(instances) == 1 {
		return s.runOnce(ctx, instances[0])
	}

	var wg sync.WaitGroup
	for _, ic := range instances {
		wg.Add(1)
		go func(ic config.Instance) {
			defer wg.Done()
			s.runWithRestart(ctx, ic)
		}(ic)
	}
	wg.Wait()
	return nil
}

func (s *Supervisor) runWithRestart(ctx context.Context, ic config.Instance) {
	lg := s.lg.WithField("instance", ic.ID)
	for {
		err := s.runOnce(ctx, ic)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			lg.Errorf("instance failed: %v; restarting in %s", err, restartDelay)
		} else {
			lg.Warnf("instance exited; restarting in %s", restartDelay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(restartDelay):
		}
	}
}

// runOnce opens the adapter, brings up MPSSE and serves the instance until
// it stops.
func (s *Supervisor) runOnce(ctx context.Context, ic config.Instance) error {
	lg := s.lg.WithField("instance", ic.ID)
	lg.Infof("starting on port %d, device %s", ic.Port, ic.Device)

	tr, err := ftdi.Open(ic.Device, lg)
	if err != nil {
		return err
	}
	defer tr.Close()

	if err := tr.ConfigureMPSSE(); err != nil {
		return err
	}
	if err := tr.SetLatencyTimer(ic.LatencyMS); err != nil {
		return err
	}
	if _, err := tr.SetFrequency(ic.InitialFrequencyHz()); err != nil {
		return err
	}

	eng := mpsse.New(tr, lg)
	if err := eng.ResetTAP(); err != nil {
		return err
	}

	filter, err := NewFilter(ic.Allow, ic.Block)
	if err != nil {
		return err
	}

	ins := NewInstance(ic.ID, ic.Port,
		&hardwareScanner{Engine: eng, tr: tr},
		xvc.Config{VectorCapBytes: ic.VectorCapBytes, FrequencyHz: ic.FrequencyHz},
		filter, ic.ClientLockTimeout, lg)
	return ins.Run(ctx)
}
