package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/b0ase/path402/apps/minesim/internal/client"
	"github.com/b0ase/path402/apps/minesim/internal/watchui"
)

var (
	watchDevice    string
	watchAPI       string
	watchStart     bool
	watchStatus    time.Duration
	watchHeartbeat time.Duration
	watchTUI       bool
)

var watchCmd = &cobra.Command{
	Use:          "watch",
	Short:        "Drive one device against a running daemon and print its balance",
	Args:         cobra.NoArgs,
	RunE:         watchCmdF,
	SilenceUsage: true,
}

func init() {
	watchCmd.Flags().StringVar(&watchDevice, "device", "", "device id (a fresh one is generated when empty)")
	watchCmd.Flags().StringVar(&watchAPI, "api", "", "daemon URL (defaults to the configured bind and port)")
	watchCmd.Flags().BoolVar(&watchStart, "start", false, "start mining before watching")
	watchCmd.Flags().DurationVar(&watchStatus, "status-interval", time.Minute, "status poll interval while mining")
	watchCmd.Flags().DurationVar(&watchHeartbeat, "heartbeat-interval", 30*time.Second, "heartbeat interval while mining")
	watchCmd.Flags().BoolVar(&watchTUI, "tui", false, "full-screen view instead of log lines")
	rootCmd.AddCommand(watchCmd)
}

func watchCmdF(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	base := watchAPI
	if base == "" {
		base = fmt.Sprintf("http://%s:%d", cfg.API.Bind, cfg.API.Port)
	}
	device := watchDevice
	if device == "" {
		if device, err = client.NewDeviceID(); err != nil {
			return err
		}
		log.Infof("Generated device id %s", device)
	}

	onChange := func(s client.State) {
		log.WithFields(log.Fields{
			"device":  device,
			"mining":  s.IsMining,
			"paused":  s.IsMiningPaused,
			"balance": s.Balance.String(),
		}).Info("State changed")
	}

	c := client.New(base)
	ccfg := client.ControllerConfig{
		DeviceID:          device,
		StatusInterval:    watchStatus,
		HeartbeatInterval: watchHeartbeat,
		OnChange:          onChange,
	}
	ctx, cancel := signalContext()
	defer cancel()

	if watchTUI {
		params, err := cfg.Params()
		if err != nil {
			return err
		}
		var ctrl *client.Controller
		prog := tea.NewProgram(watchui.New(watchui.Options{
			DeviceID: device,
			API:      base,
			Period:   params.PeriodDuration,
			OnStart:  func() error { return ctrl.Start(ctx) },
		}), tea.WithAltScreen(), tea.WithContext(ctx))
		ccfg.OnChange = func(s client.State) { prog.Send(watchui.StateMsg(s)) }
		if ctrl, err = client.NewController(c, c, ccfg); err != nil {
			return err
		}
		return runTUI(ctx, cancel, prog, ctrl)
	}

	ctrl, err := client.NewController(c, c, ccfg)
	if err != nil {
		return err
	}
	if watchStart {
		if err := ctrl.Start(ctx); err != nil {
			return fmt.Errorf("start: %w", err)
		}
	}
	log.Infof("Watching %s on %s (Ctrl-C to stop)", device, base)
	return ctrl.Run(ctx)
}

// runTUI owns the terminal until the user quits; log output would tear the
// screen so it is discarded meanwhile.
func runTUI(ctx context.Context, cancel context.CancelFunc, prog *tea.Program, ctrl *client.Controller) error {
	prev := log.StandardLogger().Out
	log.SetOutput(io.Discard)
	defer log.SetOutput(prev)

	done := make(chan error, 1)
	go func() {
		if watchStart {
			if err := ctrl.Start(ctx); err != nil {
				prog.Send(watchui.ErrMsg{Err: err})
			}
		}
		done <- ctrl.Run(ctx)
	}()

	_, err := prog.Run()
	cancel()
	if runErr := <-done; runErr != nil {
		return runErr
	}
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}
