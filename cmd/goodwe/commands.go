package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/tlmnb/gogoodwe"
	"github.com/tlmnb/gogoodwe/capture"
	"github.com/tlmnb/gogoodwe/internal/config"
	"github.com/tlmnb/gogoodwe/internal/logging"
	"github.com/tlmnb/gogoodwe/sensor"
)

// session holds the parsed common options of a command.
type session struct {
	cfg      config.Config
	format   string
	logger   zerolog.Logger
	recorder *capture.Recorder
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *string, *config.Config, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg := &config.Config{}
	configPath := fs.String("config", "", "configuration file")
	fs.StringVar(&cfg.Host, "host", "", "inverter host")
	fs.IntVar(&cfg.Port, "port", 0, "inverter UDP port")
	fs.StringVar(&cfg.Family, "family", "", "inverter family (ET, ES, DT, ...), detected when empty")
	fs.IntVar(&cfg.CommAddr, "comm-addr", 0, "communication address, family default when 0")
	fs.DurationVar(&cfg.Timeout, "timeout", 0, "response timeout per attempt")
	fs.IntVar(&cfg.Retries, "retries", 0, "attempts per request")
	fs.StringVar(&cfg.Capture, "capture", "", "append every exchange to this CBOR file")
	fs.StringVar(&cfg.Log.Level, "log-level", "", "log level")
	format := fs.String("format", "text", "output format: text, json or yaml")
	return fs, configPath, cfg, format
}

// parse parses args and merges the flags over the configuration file.
func parse(name string, args []string, stderr io.Writer) (*session, *flag.FlagSet, error) {
	fs, configPath, flags, format := newFlagSet(name, stderr)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, nil, err
	}
	if flags.Host != "" {
		cfg.Host = flags.Host
	}
	if flags.Port != 0 {
		cfg.Port = flags.Port
	}
	if flags.Family != "" {
		cfg.Family = flags.Family
	}
	if flags.CommAddr != 0 {
		cfg.CommAddr = flags.CommAddr
	}
	if flags.Timeout != 0 {
		cfg.Timeout = flags.Timeout
	}
	if flags.Retries != 0 {
		cfg.Retries = flags.Retries
	}
	if flags.Capture != "" {
		cfg.Capture = flags.Capture
	}
	if flags.Log.Level != "" {
		cfg.Log.Level = flags.Log.Level
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	s := &session{cfg: cfg, format: *format}
	s.logger = logging.NewWriter(stderr, "goodwe", cfg.Log.Level, cfg.Log.Console)
	if cfg.Capture != "" {
		if s.recorder, err = capture.NewFileRecorder(cfg.Capture); err != nil {
			return nil, nil, err
		}
	}
	return s, fs, nil
}

func (s *session) options() gogoodwe.Options {
	opts := s.cfg.Options()
	opts.Logger = &s.logger
	if s.recorder != nil {
		opts.Recorder = s.recorder
	}
	return opts
}

func (s *session) close() {
	if s.recorder != nil {
		s.recorder.Close()
	}
}

func (s *session) connect(ctx context.Context) (gogoodwe.Inverter, error) {
	if s.cfg.Host == "" {
		return nil, errors.New("no inverter host, use -host or " + config.EnvHost)
	}
	return gogoodwe.Connect(ctx, s.cfg.Host, s.cfg.Family, s.options())
}

// print writes v in the session's format. Maps print sorted by key in text format.
func (s *session) print(w io.Writer, v any) error {
	switch s.format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		return yaml.NewEncoder(w).Encode(v)
	}
	switch v := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "%-32s %v\n", k, display(v[k]))
		}
	default:
		fmt.Fprintln(w, display(v))
	}
	return nil
}

func display(v any) any {
	switch v := v.(type) {
	case nil:
		return "-"
	case time.Time:
		return v.Format(time.DateTime)
	default:
		return v
	}
}

// fail reports err and returns the exit code of a failed command.
func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitFailure
}

func withSession(name string, args []string, stderr io.Writer, fn func(s *session, fs *flag.FlagSet) error) int {
	s, fs, err := parse(name, args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitSuccess
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCommandError
	}
	defer s.close()
	if err := fn(s, fs); err != nil {
		return fail(stderr, err)
	}
	return exitSuccess
}

func runSearch(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return withSession("search", args, stderr, func(s *session, _ *flag.FlagSet) error {
		reply, err := gogoodwe.Search(ctx, s.options())
		if err != nil {
			return err
		}
		return s.print(stdout, reply)
	})
}

func runDiscover(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return withSession("discover", args, stderr, func(s *session, _ *flag.FlagSet) error {
		s.cfg.Family = ""
		inv, err := s.connect(ctx)
		if err != nil {
			return err
		}
		return s.print(stdout, map[string]any{"family": string(inv.Family()), "info": inv.Info()})
	})
}

func runInfo(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return withSession("info", args, stderr, func(s *session, _ *flag.FlagSet) error {
		inv, err := s.connect(ctx)
		if err != nil {
			return err
		}
		info := inv.Info()
		if s.format != "text" {
			return s.print(stdout, info)
		}
		return s.print(stdout, map[string]any{
			"family":        string(inv.Family()),
			"model_name":    info.ModelName,
			"serial_number": info.SerialNumber,
			"firmware":      info.Firmware,
			"software":      info.SoftwareVersion,
			"arm_firmware":  info.ARMFirmware,
			"rated_power":   info.RatedPower,
		})
	})
}

func runRuntime(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return withSession("runtime", args, stderr, func(s *session, _ *flag.FlagSet) error {
		inv, err := s.connect(ctx)
		if err != nil {
			return err
		}
		data, err := inv.ReadRuntimeData(ctx)
		if err != nil {
			return err
		}
		return s.print(stdout, withUnits(data, inv.Sensors(), s.format))
	})
}

func runSettings(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return withSession("settings", args, stderr, func(s *session, _ *flag.FlagSet) error {
		inv, err := s.connect(ctx)
		if err != nil {
			return err
		}
		data, err := inv.ReadSettingsData(ctx)
		if err != nil {
			return err
		}
		return s.print(stdout, withUnits(data, inv.Settings(), s.format))
	})
}

// withUnits appends units to the values of text output.
func withUnits(data map[string]any, descriptors []sensor.Descriptor, format string) map[string]any {
	if format != "text" {
		return data
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	for _, d := range descriptors {
		if v, ok := out[d.ID]; ok && v != nil && d.Unit != "" {
			out[d.ID] = fmt.Sprintf("%v %s", display(v), d.Unit)
		}
	}
	return out
}

func runGet(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return withSession("get", args, stderr, func(s *session, fs *flag.FlagSet) error {
		if fs.NArg() != 1 {
			return errors.New("usage: goodwe get [options] <sensor or setting id>")
		}
		id := fs.Arg(0)
		inv, err := s.connect(ctx)
		if err != nil {
			return err
		}
		var v any
		if _, ok := findDescriptor(inv.Settings(), id); ok {
			v, err = inv.ReadSetting(ctx, id)
		} else {
			v, err = inv.ReadSensor(ctx, id)
		}
		if err != nil {
			return err
		}
		return s.print(stdout, map[string]any{id: v})
	})
}

func findDescriptor(descriptors []sensor.Descriptor, id string) (sensor.Descriptor, bool) {
	for _, d := range descriptors {
		if d.ID == id {
			return d, true
		}
	}
	return sensor.Descriptor{}, false
}

func runSet(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return withSession("set", args, stderr, func(s *session, fs *flag.FlagSet) error {
		if fs.NArg() != 2 {
			return errors.New("usage: goodwe set [options] <setting id> <value>")
		}
		id, value := fs.Arg(0), fs.Arg(1)
		inv, err := s.connect(ctx)
		if err != nil {
			return err
		}
		if err := inv.WriteSetting(ctx, id, value); err != nil {
			return err
		}
		v, err := inv.ReadSetting(ctx, id)
		if err != nil {
			return err
		}
		return s.print(stdout, map[string]any{id: v})
	})
}

func runMode(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return withSession("mode", args, stderr, func(s *session, fs *flag.FlagSet) error {
		inv, err := s.connect(ctx)
		if err != nil {
			return err
		}
		switch fs.NArg() {
		case 0:
			mode, err := inv.OperationMode(ctx)
			if err != nil {
				return err
			}
			modes := make([]string, 0)
			for _, m := range inv.OperationModes(true) {
				modes = append(modes, m.String())
			}
			return s.print(stdout, map[string]any{"mode": mode.String(), "supported": modes})
		case 1, 2, 3:
			mode, err := gogoodwe.ParseOperationMode(fs.Arg(0))
			if err != nil {
				return err
			}
			power, soc := 100, 100
			if fs.NArg() >= 2 {
				if power, err = strconv.Atoi(fs.Arg(1)); err != nil {
					return fmt.Errorf("eco mode power: %w", err)
				}
			}
			if fs.NArg() == 3 {
				if soc, err = strconv.Atoi(fs.Arg(2)); err != nil {
					return fmt.Errorf("eco mode soc: %w", err)
				}
			}
			return inv.SetOperationMode(ctx, mode, power, soc)
		default:
			return errors.New("usage: goodwe mode [options] [mode [eco mode power [eco mode soc]]]")
		}
	})
}

func runRaw(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return withSession("raw", args, stderr, func(s *session, fs *flag.FlagSet) error {
		if fs.NArg() < 1 || fs.NArg() > 2 {
			return errors.New("usage: goodwe raw [options] <register> [value]")
		}
		register, err := strconv.ParseUint(fs.Arg(0), 0, 16)
		if err != nil {
			return fmt.Errorf("register: %w", err)
		}
		id := fmt.Sprintf("modbus.%d", register)
		inv, err := s.connect(ctx)
		if err != nil {
			return err
		}
		if fs.NArg() == 2 {
			if err := inv.WriteSetting(ctx, id, fs.Arg(1)); err != nil {
				return err
			}
		}
		v, err := inv.ReadSetting(ctx, id)
		if err != nil {
			return err
		}
		return s.print(stdout, map[string]any{id: v})
	})
}

func runDump(_ context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitSuccess
		}
		return exitCommandError
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: goodwe dump <capture file>")
		return exitCommandError
	}
	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return fail(stderr, err)
	}
	defer f.Close()
	records, err := capture.Read(f)
	for _, r := range records {
		fmt.Fprintln(stdout, r)
	}
	if err != nil {
		return fail(stderr, err)
	}
	return exitSuccess
}
