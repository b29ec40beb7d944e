package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kardianos/service"
)

const serviceName = "sdlora-server"

// serviceStopTimeout bounds how long Stop waits for run to return. It sits
// above the default SHUTDOWN_TIMEOUT so a graceful drain can finish.
const serviceStopTimeout = 90 * time.Second

// Program implements service.Interface so the server can run under the
// Windows service manager, systemd or launchd.
type Program struct {
	stop     chan struct{}
	exit     chan struct{}
	exitCode int
}

// Start is called when the service is started. It must not block.
func (p *Program) Start(s service.Service) error {
	p.stop = make(chan struct{})
	p.exit = make(chan struct{})

	go func() {
		defer close(p.exit)
		p.exitCode = run(p.stop)
	}()
	return nil
}

// Stop requests a graceful shutdown and waits for it.
func (p *Program) Stop(s service.Service) error {
	close(p.stop)

	select {
	case <-p.exit:
		return nil
	case <-time.After(serviceStopTimeout):
		return fmt.Errorf("timeout waiting for service to stop")
	}
}

// ServiceConfig returns the service definition used by every sub-command.
func ServiceConfig() *service.Config {
	return &service.Config{
		Name:        serviceName,
		DisplayName: "Stable Diffusion LoRA Server",
		Description: "Text-to-image HTTP API backed by Stable Diffusion with a LoRA adapter",
		Option: service.KeyValue{
			"StartType": "automatic",
			"Restart":   "on-failure",
		},
	}
}

func newService(prg *Program) (service.Service, error) {
	s, err := service.New(prg, ServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	return s, nil
}

// RunAsService runs the server under the OS service manager.
// Returns false without doing anything when started from a terminal.
func RunAsService() (bool, error) {
	if service.Interactive() {
		return false, nil
	}

	prg := &Program{}
	s, err := newService(prg)
	if err != nil {
		return false, err
	}
	if err := s.Run(); err != nil {
		return true, fmt.Errorf("service run failed: %w", err)
	}
	return true, nil
}

// serviceActions maps sub-commands to service.Control actions.
var serviceActions = map[string]string{
	"install":   "install",
	"uninstall": "uninstall",
	"remove":    "uninstall",
	"start":     "start",
	"stop":      "stop",
	"restart":   "restart",
}

// HandleServiceCommand handles service-related command-line arguments.
// Returns true if a service command was handled, false otherwise.
func HandleServiceCommand(args []string) bool {
	return handleServiceCommand(args, os.Stdout, os.Stderr, os.Exit)
}

func handleServiceCommand(args []string, stdout, stderr io.Writer, exit func(int)) bool {
	if len(args) < 2 {
		return false
	}

	cmd := args[1]
	switch cmd {
	case "help", "-h", "--help", "-help":
		printServiceUsage(stdout)
		return true
	case "status":
		s, err := newService(&Program{})
		if err == nil {
			var status service.Status
			status, err = s.Status()
			if err == nil {
				fmt.Fprintln(stdout, statusText(status))
				return true
			}
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		exit(1)
		return true
	}

	action, ok := serviceActions[cmd]
	if !ok {
		return false
	}
	s, err := newService(&Program{})
	if err == nil {
		err = service.Control(s, action)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to %s service: %v\n", action, err)
		exit(1)
		return true
	}
	fmt.Fprintf(stdout, "Service %s succeeded\n", action)
	return true
}

func statusText(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "Service is running"
	case service.StatusStopped:
		return "Service is stopped"
	default:
		return "Service status unknown"
	}
}

func printServiceUsage(w io.Writer) {
	fmt.Fprintln(w, "Stable Diffusion LoRA Server")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Usage: %s [command]\n", serviceName)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  install    Install as a system service")
	fmt.Fprintln(w, "  uninstall  Remove the system service (alias: remove)")
	fmt.Fprintln(w, "  start      Start the system service")
	fmt.Fprintln(w, "  stop       Stop the system service")
	fmt.Fprintln(w, "  restart    Restart the system service")
	fmt.Fprintln(w, "  status     Show the current service status")
	fmt.Fprintln(w, "  help       Show this help message")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run without arguments to start the server in the foreground.")
}
