package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Hara602/idGuard/internal/eventlog"
	"github.com/Hara602/idGuard/internal/model"
	"github.com/Hara602/idGuard/internal/registry"
	"github.com/Hara602/idGuard/internal/service"
	"github.com/Hara602/idGuard/internal/sysutil"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	startDeviceID string
	startHost     string
	noFile        bool
	noBackup      bool
	noDatabase    bool

	statusJSON bool

	eventsTail   int
	eventsFollow bool

	workerSession string
)

func init() {
	for _, c := range []*cobra.Command{startCmd, runCmd} {
		c.Flags().StringVar(&startDeviceID, "device-id", "", "identity to enforce (required)")
		c.Flags().StringVar(&startHost, "host", "vscode", "host application key (vscode, cursor, or one from --settings)")
		c.Flags().BoolVar(&noFile, "no-file", false, "do not guard the identity record file")
		c.Flags().BoolVar(&noBackup, "no-backup", false, "do not remove backup copies")
		c.Flags().BoolVar(&noDatabase, "no-database", false, "do not guard the state database")
		c.MarkFlagRequired("device-id")
	}
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print status as JSON")
	eventsCmd.Flags().IntVarP(&eventsTail, "tail", "n", 20, "number of recent events to print")
	eventsCmd.Flags().BoolVarP(&eventsFollow, "follow", "f", false, "keep printing new events")
	workerCmd.Flags().StringVar(&workerSession, "session", "", "session id the worker belongs to")
}

func targetFromFlags() (model.TargetIdentity, model.Monitors) {
	return model.TargetIdentity{DeviceID: startDeviceID, SelectedHost: startHost},
		model.Monitors{File: !noFile, Backup: !noBackup, Database: !noDatabase}
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start guarding in a detached worker (falls back to this process)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctl, err := newController(false)
		if err != nil {
			return err
		}
		target, mon := targetFromFlags()
		res := ctl.StartGuarding(cmd.Context(), target, mon)
		if !res.Success {
			return errors.New(res.Message)
		}
		if res.Mode == model.ModeInProcess {
			// 无法脱离当前进程时退化为前台运行，直到收到信号
			sysutil.Log.Warn("⚠️ running in-process, press Ctrl+C to stop", zap.String("session", res.Session))
			ctl.Wait(cmd.Context())
			ctl.StopGuarding(context.Background())
			return nil
		}
		sysutil.Log.Info("🛡️ guarding started", zap.String("mode", string(res.Mode)),
			zap.Int("pid", res.PID), zap.String("session", res.Session))
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the guardian worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctl, err := newController(false)
		if err != nil {
			return err
		}
		res := ctl.StopGuarding(cmd.Context())
		if !res.Success {
			return errors.New(res.Message)
		}
		sysutil.Log.Info("🛑 guarding stopped")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the identity is being guarded",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctl, err := newController(false)
		if err != nil {
			return err
		}
		st := ctl.GetStatus()
		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}
		printStatus(st)
		return nil
	},
}

func printStatus(st model.GuardStatus) {
	if !st.IsGuarding {
		fmt.Println("✗ Not guarding")
	} else {
		fmt.Printf("✓ Guarding %s (%s, pid %d, detected by %s)\n", st.SelectedHost, st.Mode, st.PID, st.DetectedBy)
		fmt.Printf("  device id: %s\n", st.DeviceID)
		if !st.StartTime.IsZero() {
			fmt.Printf("  since:     %s (%s)\n", st.StartTime.Format(time.RFC3339), time.Since(st.StartTime).Round(time.Second))
		}
		s := st.Stats
		fmt.Printf("  restored:  %d files, %d rows   removed: %d backups, %d swaps, %d rows   drift: %d\n",
			s.FilesRestored, s.RowsRestored, s.BackupsRemoved, s.SwapsRemoved, s.RowsPurged, s.DriftDetected)
		if s.LastEvent != nil {
			fmt.Printf("  last:      %s\n", s.LastEvent)
		}
		if st.Degraded {
			fmt.Println("  🚨 degraded: repeated permission errors, see worker log")
		}
	}
	if st.Stale {
		fmt.Println("  ⚠️ stale state files found")
	}
	for _, w := range st.Warnings {
		fmt.Println("  ⚠️", w)
	}
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print recent interception events",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := paths()
		if err != nil {
			return err
		}
		evs, err := eventlog.Tail(p.Events(), eventsTail)
		if err != nil {
			return err
		}
		for _, ev := range evs {
			fmt.Println(ev)
		}
		if !eventsFollow {
			return nil
		}
		ctl, err := newController(false)
		if err != nil {
			return err
		}
		for ev := range ctl.Events(cmd.Context(), 64) {
			fmt.Println(ev)
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Guard in the foreground (for systemd, launchd or a terminal)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctl, err := newController(true)
		if err != nil {
			return err
		}
		target, mon := targetFromFlags()
		res := ctl.StartGuarding(cmd.Context(), target, mon)
		if !res.Success {
			return errors.New(res.Message)
		}
		sysutil.Log.Info("🛡️ guarding in foreground", zap.String("host", target.SelectedHost), zap.String("session", res.Session))
		ctl.Wait(cmd.Context())
		ctl.StopGuarding(context.Background())
		return nil
	},
}

var workerCmd = &cobra.Command{
	Use:    registry.WorkerArg,
	Short:  "Detached guardian worker (internal)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := paths()
		if err != nil {
			return err
		}
		if err := p.Ensure(); err != nil {
			return err
		}
		// worker 没有终端，日志写到状态目录
		if err := sysutil.InitLogger(sysutil.LogOptions{File: p.WorkerLog(), Verbose: verbose}); err != nil {
			return err
		}
		defer sysutil.Log.Sync()

		s, _, err := loadSettings()
		if err != nil {
			sysutil.Log.Error("load settings", zap.Error(err))
			return err
		}
		err = service.RunWorker(cmd.Context(), service.WorkerOptions{
			Paths:     p,
			Settings:  s,
			SessionID: strings.TrimSpace(workerSession),
			Logger:    sysutil.Log,
		})
		if err != nil {
			sysutil.Log.Error("worker exited with error", zap.Error(err))
		}
		return err
	},
}
