package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/BrianJOC/gameserver-installer/pkg/installservice"
	"github.com/BrianJOC/gameserver-installer/pkg/serverinstall"
)

var errNoTerminal = errors.New("a sudo password is required but stdin is not a terminal; pass it with --sudo-password-stdin")

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <target>",
		Short: "Report what installing a target would need",
		Long:  "Targets: " + strings.Join(installservice.Targets(), ", "),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(nil)
			if err != nil {
				return err
			}
			svc := installservice.New(cfg, installservice.WithLogger(log.StandardLogger()), installservice.KeepExistingLock())
			valid := svc.ValidateParams(args[0], nil)
			if !valid.IsValid {
				return errors.New(valid.Error)
			}

			req := svc.CheckRequirements(valid.SanitizedTarget)
			status := svc.Status()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Target:               %s\n", valid.SanitizedTarget)
			fmt.Fprintf(out, "Install root:         %s\n", cfg.InstallRoot)
			fmt.Fprintf(out, "Can proceed:          %s\n", yesNo(req.CanProceed))
			fmt.Fprintf(out, "Needs sudo password:  %s\n", yesNo(req.RequiresElevatedCredential))
			if len(req.MissingDependencies) > 0 {
				fmt.Fprintf(out, "Missing dependencies: %s\n", strings.Join(req.MissingDependencies, ", "))
			}
			if status.Locked {
				fmt.Fprintf(out, "Locked since:         %s\n", status.LockedSince.Format(time.RFC3339))
			}
			fmt.Fprintln(out, req.Message)
			return nil
		},
	}
}

func newInstallCmd(opts *rootOptions) *cobra.Command {
	var passwordStdin bool
	cmd := &cobra.Command{
		Use:   "install <target>",
		Short: "Install a target and stream its progress",
		Long:  "Targets: " + strings.Join(installservice.Targets(), ", "),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(nil)
			if err != nil {
				return err
			}
			svc := installservice.New(cfg, installservice.WithLogger(log.StandardLogger()), installservice.KeepExistingLock())
			valid := svc.ValidateParams(args[0], nil)
			if !valid.IsValid {
				return errors.New(valid.Error)
			}
			target := valid.SanitizedTarget

			req := svc.CheckRequirements(target)
			if !req.CanProceed {
				return errors.New(req.Message)
			}

			var credential *string
			switch {
			case passwordStdin:
				pw, err := readSecretLine(cmd.InOrStdin())
				if err != nil {
					return err
				}
				credential = &pw
			case req.RequiresElevatedCredential:
				fmt.Fprintln(cmd.ErrOrStderr(), req.Message)
				pw, err := promptPassword(cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				credential = &pw
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			done := make(chan struct{})
			defer close(done)
			go func() {
				select {
				case <-sigCh:
					fmt.Fprintln(cmd.ErrOrStderr(), "\nCancelling installation...")
					if !svc.Cancel(target).Success {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s installs cannot be cancelled; waiting for it to finish\n", target)
					}
				case <-done:
				}
			}()

			printer := newEventPrinter(cmd.OutOrStdout())
			res := svc.Install(cmd.Context(), target, printer.print, credential)
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			if res.Status == installservice.StatusSuccess {
				return nil
			}
			if res.CredentialRequired {
				return fmt.Errorf("%s (pass the sudo password with --sudo-password-stdin)", res.Error)
			}
			return errors.New(res.Error)
		},
	}
	cmd.Flags().BoolVar(&passwordStdin, "sudo-password-stdin", false, "read the sudo password from the first line of stdin")
	return cmd
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

// readSecretLine returns the first line of r without its line ending.
func readSecretLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty password on stdin")
	}
	return line, nil
}

func promptPassword(out io.Writer) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errNoTerminal
	}
	fmt.Fprint(out, "Sudo password: ")
	bytePassword, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(bytePassword), nil
}

// eventPrinter writes one line per distinct message, prefixed with the
// phase position and its own percentage.
// Events may arrive from more than one goroutine.
type eventPrinter struct {
	out io.Writer

	mu   sync.Mutex
	last map[string]string
}

func newEventPrinter(out io.Writer) *eventPrinter {
	return &eventPrinter{out: out, last: make(map[string]string)}
}

func (p *eventPrinter) print(ev serverinstall.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.Message == "" || p.last[ev.Phase] == ev.Message {
		return
	}
	p.last[ev.Phase] = ev.Message
	fmt.Fprintf(p.out, "[%d/%d] %-20s %3d%%  %s\n", ev.OverallPhase, ev.TotalPhases, ev.Phase, ev.PhasePercent, ev.Message)
}
