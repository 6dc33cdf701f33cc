// Package emulator manages a local Cloud Datastore emulator process for
// development runs, so the connector can be pointed at real Datastore
// semantics without a cloud project.
package emulator

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"gcloud-connector/internal/datastore/config"
	"gcloud-connector/internal/shared/errors"
	"gcloud-connector/internal/shared/logger"
)

const hostEnvVar = "DATASTORE_EMULATOR_HOST"

// Supervisor starts and stops a `gcloud beta emulators datastore start`
// process and exports its address through DATASTORE_EMULATOR_HOST.
type Supervisor struct {
	cfg *config.EmulatorConfig
	log logger.Logger

	cmd  *exec.Cmd
	host string
}

func NewSupervisor(cfg *config.EmulatorConfig, log logger.Logger) *Supervisor {
	if log == nil {
		log = logger.NewLogger()
	}
	return &Supervisor{cfg: cfg, log: log.WithComponent("emulator")}
}

// Host returns the address the emulator listens on. Empty until Start
// succeeds or an external emulator was configured.
func (s *Supervisor) Host() string {
	return s.host
}

// Start launches the emulator unless DATASTORE_EMULATOR_HOST already points
// at a running one, then blocks until the port accepts connections.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.cfg.Host != "" {
		if err := waitReachable(ctx, s.cfg.Host, s.cfg.StartTimeout); err != nil {
			return errors.NewInfrastructureError("configured emulator is not reachable").
				WithDetail("host", s.cfg.Host).
				WithCause(err)
		}
		s.host = s.cfg.Host
		s.log.Info("Using externally managed emulator at ", s.host)
		return nil
	}

	gcloud, err := exec.LookPath(s.cfg.GCloudPath)
	if err != nil {
		return errors.NewInfrastructureError("gcloud executable not found").
			WithDetail("path", s.cfg.GCloudPath).
			WithCause(err)
	}

	port, err := freePort()
	if err != nil {
		return errors.NewInfrastructureError("no free port for the emulator").WithCause(err)
	}
	host := fmt.Sprintf("localhost:%d", port)

	// The process must outlive the Start context: ctx only bounds the
	// readiness wait, while the process itself ends through Stop.
	cmd := exec.Command(gcloud,
		"beta", "emulators", "datastore", "start",
		"--project="+s.cfg.ProjectID,
		"--host-port="+host,
		"--no-store-on-disk",
		"--consistency=1.0",
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return errors.NewInfrastructureError("failed to start the emulator").WithCause(err)
	}
	s.cmd = cmd

	if err := waitReachable(ctx, host, s.cfg.StartTimeout); err != nil {
		s.Stop()
		return errors.NewInfrastructureError("emulator did not become ready").
			WithDetail("host", host).
			WithCause(err)
	}

	s.host = host
	os.Setenv(hostEnvVar, host)
	s.log.Info("Emulator ready at ", host)
	return nil
}

// Stop terminates the emulator process if this supervisor started it. The
// process gets a SIGTERM first so it can flush; kill follows after a grace
// period.
func (s *Supervisor) Stop() {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	_ = s.cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		_ = s.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		if err := s.cmd.Process.Kill(); err != nil {
			s.log.Warn("Failed to kill emulator process: ", err)
		}
		<-done
	}
	s.cmd = nil
	if s.host != "" && os.Getenv(hostEnvVar) == s.host {
		os.Unsetenv(hostEnvVar)
	}
	s.host = ""
}

func waitReachable(ctx context.Context, host string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", host, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s: %w", host, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
