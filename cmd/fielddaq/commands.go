package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/loykin/fielddaq"
	"github.com/loykin/fielddaq/internal/logger"
	"github.com/loykin/fielddaq/internal/station"
	"github.com/loykin/fielddaq/internal/transfer"
	"github.com/loykin/fielddaq/internal/transport"
	"github.com/loykin/fielddaq/pkg/client"
)

// cliLogger logs to stderr only so one-shot commands never write to the
// daemon's log file.
func cliLogger(cfg *fielddaq.Config, w io.Writer) *slog.Logger {
	lc := logConfig(cfg)
	lc.File = ""
	lc.Console = w
	l, _, err := logger.New(lc)
	if err != nil {
		return slog.Default()
	}
	return l
}

// openStation builds the pipeline of a single instrument without a remote.
func openStation(f *InstrumentFlags, errOut io.Writer) (*station.Station, error) {
	cfg, err := loadConfig(f.ConfigPath)
	if err != nil {
		return nil, err
	}
	if f.Instrument == "" {
		return nil, fmt.Errorf("instrument name is required")
	}
	ic, err := cfg.Instrument(f.Instrument)
	if err != nil {
		return nil, err
	}
	if f.Simulate {
		ic.Simulate = true
	}
	return station.New(station.Options{Instrument: ic, Log: cliLogger(cfg, errOut)})
}

func createSendCmdCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &InstrumentFlags{}
	cmd := &cobra.Command{
		Use:   "send-cmd",
		Short: "Send a raw command to one instrument and print the reply",
		Example: `  fielddaq send-cmd --instrument=49i --cmd="o3"
  fielddaq send-cmd --instrument=49i --cmd="set mode remote"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = globalFlags.ConfigPath
			return runSendCmd(cmd.Context(), f, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&f.Instrument, "instrument", "", "instrument name")
	cmd.Flags().StringVar(&f.Cmd, "cmd", "", "command to send")
	cmd.Flags().BoolVar(&f.Simulate, "simulate", false, "use the simulated driver")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 30*time.Second, "overall command timeout")
	return cmd
}

func runSendCmd(ctx context.Context, f *InstrumentFlags, out, errOut io.Writer) error {
	if f.Cmd == "" {
		return fmt.Errorf("command is required")
	}
	st, err := openStation(f, errOut)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, f.Timeout)
	defer cancel()
	reply, err := st.SendCommand(ctx, f.Cmd)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, reply)
	return nil
}

func createDumpBufferCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &InstrumentFlags{}
	cmd := &cobra.Command{
		Use:   "dump-buffer",
		Short: "Download an instrument's internal record buffer into a zipped data file",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = globalFlags.ConfigPath
			return runDumpBuffer(cmd.Context(), f, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&f.Instrument, "instrument", "", "instrument name")
	cmd.Flags().BoolVar(&f.Simulate, "simulate", false, "use the simulated driver")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 10*time.Minute, "overall download timeout")
	return cmd
}

func runDumpBuffer(ctx context.Context, f *InstrumentFlags, out, errOut io.Writer) error {
	st, err := openStation(f, errOut)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, f.Timeout)
	defer cancel()
	archive, err := st.DumpBuffer(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, archive)
	return nil
}

func createDownloadCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &InstrumentFlags{}
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Fetch a portal instrument's history (AVO) into its data directory",
		Long: `Run one download for an instrument whose data comes from a web portal.
The files land in the data directory and are zipped by the next stage job
of a running daemon.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = globalFlags.ConfigPath
			return runDownload(cmd.Context(), f, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&f.Instrument, "instrument", "", "instrument name")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 2*time.Minute, "overall download timeout")
	return cmd
}

func runDownload(ctx context.Context, f *InstrumentFlags, out, errOut io.Writer) error {
	st, err := openStation(f, errOut)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, f.Timeout)
	defer cancel()
	paths, err := st.Download(ctx)
	for _, p := range paths {
		_, _ = fmt.Fprintln(out, p)
	}
	return err
}

func createTransferCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &TransferFlags{}
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Run one transfer pass for every instrument",
		Long: `Push every staged archive to the configured remote. Files are deleted
locally only after the remote size matches (remove_on_success).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = globalFlags.ConfigPath
			return runTransfer(cmd.Context(), f, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 0, "overall timeout (0 = none)")
	return cmd
}

type transferSummary struct {
	Instrument  string              `json:"instrument"`
	Transferred []string            `json:"transferred"`
	Retained    []transfer.Retained `json:"retained,omitempty"`
	Bytes       int64               `json:"bytes"`
}

func runTransfer(ctx context.Context, f *TransferFlags, out, errOut io.Writer) error {
	cfg, err := loadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	if cfg.Transfer.Backend == "" {
		return fmt.Errorf("transfer is disabled: set transfer.backend")
	}
	fleet, err := fielddaq.NewFleet(cfg, fielddaq.Deps{Log: cliLogger(cfg, errOut)})
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, f.Timeout)
	defer cancel()
	reports, err := fleet.TransferAll(ctx)
	names := make([]string, 0, len(reports))
	for n := range reports {
		names = append(names, n)
	}
	sort.Strings(names)
	summary := make([]transferSummary, 0, len(names))
	for _, n := range names {
		r := reports[n]
		summary = append(summary, transferSummary{Instrument: n, Transferred: r.Transferred, Retained: r.Retained, Bytes: r.Bytes})
	}
	printJSON(out, summary)
	return err
}

func createCheckRemoteCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &TransferFlags{}
	cmd := &cobra.Command{
		Use:   "check-remote",
		Short: "Connect to the configured remote and list its root",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = globalFlags.ConfigPath
			return runCheckRemote(cmd.Context(), f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 30*time.Second, "connection timeout")
	return cmd
}

func runCheckRemote(ctx context.Context, f *TransferFlags, out io.Writer) error {
	cfg, err := loadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	remote, err := transfer.FromConfig(cfg.Transfer)
	if err != nil {
		return err
	}
	if remote == nil {
		return fmt.Errorf("transfer is disabled: set transfer.backend")
	}
	ctx, cancel := withTimeout(ctx, f.Timeout)
	defer cancel()
	sess, err := remote.Connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()
	root := cfg.Transfer.RemoteRoot
	if root == "" {
		root = "."
	}
	entries, err := sess.List(ctx, root)
	if err != nil {
		return fmt.Errorf("list %s: %w", root, err)
	}
	_, _ = fmt.Fprintf(out, "connected to %s\n", remote)
	for _, e := range entries {
		_, _ = fmt.Fprintln(out, "  "+e)
	}
	return nil
}

func createJobsCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "Print the schedule the daemon would run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobs(globalFlags.ConfigPath, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func runJobs(configPath string, out, errOut io.Writer) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	fleet, err := fielddaq.NewFleet(cfg, fielddaq.Deps{Log: cliLogger(cfg, errOut)})
	if err != nil {
		return err
	}
	if err := fleet.Register(); err != nil {
		return err
	}
	for _, j := range fleet.Jobs() {
		_, _ = fmt.Fprintf(out, "%-28s %-28s next %s\n", j.Name, j.Schedule, j.NextRun.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func createConfigCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML (secrets omitted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(globalFlags.ConfigPath, cmd.OutOrStdout())
		},
	})
	return cmd
}

func runConfigShow(configPath string, out io.Writer) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

func createPortsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List the serial ports present on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := transport.Ports()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "no serial ports found")
			}
			for _, p := range ports {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}

func createStatusCommand() *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running daemon's status API",
		Example: `  fielddaq status
  fielddaq status --name=49i
  fielddaq status --jobs --api-url=http://station:8080/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "instrument name (default: all)")
	cmd.Flags().BoolVar(&f.Jobs, "jobs", false, "show the scheduler instead")
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "daemon API base URL (default http://localhost:8080/api)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "API request timeout")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS verification for https API URLs")
	return cmd
}

func runStatus(ctx context.Context, f *StatusFlags, out io.Writer) error {
	c := client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout, Insecure: f.Insecure})
	var (
		v   any
		err error
	)
	switch {
	case f.Jobs:
		v, err = c.Jobs(ctx)
	case f.Name != "":
		v, err = c.Status(ctx, f.Name)
	default:
		v, err = c.Statuses(ctx)
	}
	if err != nil {
		if !c.IsReachable(ctx) {
			return errors.Join(fmt.Errorf("daemon not reachable at %s", c.BaseURL()), err)
		}
		return err
	}
	printJSON(out, v)
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
