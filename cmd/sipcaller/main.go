package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/sebas/sipcaller/internal/banner"
	"github.com/sebas/sipcaller/internal/caller"
	"github.com/sebas/sipcaller/internal/config"
	"github.com/sebas/sipcaller/internal/engine/sipua"
	"github.com/sebas/sipcaller/internal/logger"
	"github.com/sebas/sipcaller/internal/report"
)

const (
	exitOK      = 0
	exitFailure = 1
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return exitFailure
	}
	switch args[0] {
	case "call":
		return runCall(args[1:], stdout, stderr)
	case "version", "--version":
		fmt.Fprintln(stdout, "sipcaller", version)
		return exitOK
	case "help", "-h", "--help":
		printUsage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		printUsage(stderr)
		return exitFailure
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: sipcaller call --dest NUMBER --wav FILE [flags]")
	fmt.Fprintln(w, "       sipcaller version")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "run 'sipcaller call -h' for the list of call flags")
}

// overrideFlag binds a CLI flag to a config setting key.
type overrideFlag struct {
	name  string
	key   string
	kind  string
	usage string
}

var overrideFlags = []overrideFlag{
	{"server", "server", "string", "SIP server host"},
	{"port", "port", "int", "SIP server port"},
	{"user", "user", "string", "SIP user / extension"},
	{"password", "password", "string", "SIP password"},
	{"transport", "transport", "string", "signaling transport: udp, tcp or tls"},
	{"srtp", "srtp", "string", "media encryption: disabled, optional or mandatory"},
	{"tls-verify", "tls_verify_server", "bool", "verify the TLS server certificate"},
	{"local-port", "local_port", "int", "local signaling port (0 = any)"},

	{"timeout", "timeout", "int", "seconds to wait for answer"},
	{"pre-delay", "pre_delay", "float", "seconds to wait after answer before playback"},
	{"post-delay", "post_delay", "float", "seconds to wait after playback before hangup"},
	{"inter-delay", "inter_delay", "float", "seconds of silence between repeats"},
	{"repeat", "repeat", "int", "number of times to play the WAV"},
	{"wait-for-silence", "wait_for_silence", "float", "seconds of remote silence to wait for before playback (0 = off)"},

	{"stun-servers", "stun_servers", "string", "comma-separated STUN servers (host:port)"},
	{"ice", "ice_enabled", "bool", "enable ICE for media"},
	{"turn-server", "turn_server", "string", "TURN relay (host:port); implies TURN enabled"},
	{"turn-username", "turn_username", "string", "TURN username"},
	{"turn-password", "turn_password", "string", "TURN password"},
	{"turn-transport", "turn_transport", "string", "TURN transport: udp, tcp or tls"},
	{"keepalive", "keepalive_sec", "int", "keepalive interval in seconds (0 = off)"},
	{"public-address", "public_address", "string", "public IP to advertise in SIP and SDP"},

	{"log-level", "log_level", "string", "log level: trace, debug, info, warn, error"},
	{"engine-log-level", "engine_level", "int", "engine log verbosity 0-6"},
}

func registerOverrides(fs *flag.FlagSet) map[string]string {
	keys := make(map[string]string, len(overrideFlags))
	for _, f := range overrideFlags {
		keys[f.name] = f.key
		switch f.kind {
		case "int":
			fs.Int(f.name, 0, f.usage)
		case "float":
			fs.Float64(f.name, 0, f.usage)
		case "bool":
			fs.Bool(f.name, false, f.usage)
		default:
			fs.String(f.name, "", f.usage)
		}
	}
	return keys
}

// collectOverrides returns the settings of flags given on the command line.
func collectOverrides(fs *flag.FlagSet, keys map[string]string) map[string]string {
	out := map[string]string{}
	fs.Visit(func(f *flag.Flag) {
		if key, ok := keys[f.Name]; ok {
			out[key] = f.Value.String()
		}
	})
	return out
}

type callArgs struct {
	dest       string
	wav        string
	configPath string
	record     string
	reportPath string
	transcript string
	verbose    bool
	overrides  map[string]string
}

func parseCallArgs(args []string, stderr io.Writer) (*callArgs, error) {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	fs.SetOutput(stderr)

	ca := &callArgs{}
	fs.StringVar(&ca.dest, "dest", "", "destination number or SIP URI (required)")
	fs.StringVar(&ca.wav, "wav", "", "WAV file to play (required)")
	fs.StringVar(&ca.configPath, "config", "", "YAML config file")
	fs.StringVar(&ca.record, "record", "", "record the remote party to this WAV file")
	fs.StringVar(&ca.reportPath, "report", "", "write a JSON call report to this file")
	fs.StringVar(&ca.transcript, "transcript", "", "text file whose contents go in the report transcript")
	fs.BoolVar(&ca.verbose, "v", false, "debug logging")
	keys := registerOverrides(fs)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if ca.dest == "" || ca.wav == "" {
		return nil, errors.New("--dest and --wav are required")
	}
	if ca.transcript != "" && ca.reportPath == "" {
		return nil, errors.New("--transcript needs --report")
	}
	ca.overrides = collectOverrides(fs, keys)
	return ca, nil
}

func runCall(args []string, stdout, stderr io.Writer) int {
	ca, err := parseCallArgs(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFailure
	}

	log := logger.InitLogger(stdout)
	routeSIPStackLogs(stdout)

	cfg, err := config.Load(ca.configPath, ca.overrides)
	if err != nil {
		log.Error("[Main] Configuration error", "error", err)
		return exitFailure
	}
	level := logger.ParseLevel(cfg.Log.Level)
	if ca.verbose && level > slog.LevelDebug {
		level = slog.LevelDebug
	}
	logger.SetLevel(logger.LevelName(level))
	if level <= slog.LevelDebug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	banner.Fprint(stdout, "Outbound SIP caller "+version, bannerLines(cfg, ca))

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()
	metrics, err := caller.NewMetrics(mp)
	if err != nil {
		log.Error("[Main] Metrics setup failed", "error", err)
		return exitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := caller.New(cfg, sipua.New(),
		caller.WithLogger(log),
		caller.WithMetrics(metrics),
	)
	if err != nil {
		log.Error("[Main] Configuration error", "error", err)
		return exitFailure
	}

	if err := c.Start(ctx); err != nil {
		log.Error("[Main] SIP registration failed", "error", err)
		return exitFailure
	}

	opts := c.DefaultCallOptions()
	opts.RecordPath = ca.record
	res, err := c.MakeCall(ctx, ca.dest, ca.wav, opts)
	engineLog := c.EngineLogs()
	// Stop finalises the recording, so it runs before the report reads it.
	c.Stop()
	logMetrics(ctx, log, reader)

	if err != nil {
		log.Error("[Main] Call failed", "error", err)
		return exitFailure
	}

	if ca.reportPath != "" {
		rep, err := buildReport(ca, res, engineLog)
		if err != nil {
			log.Error("[Main] Reading transcript failed", "path", ca.transcript, "error", err)
			return exitFailure
		}
		if err := report.Write(ca.reportPath, rep); err != nil {
			log.Error("[Main] Writing report failed", "path", ca.reportPath, "error", err)
			return exitFailure
		}
		log.Info("[Main] Report written", "path", ca.reportPath)
	}

	if !res.Answered || !res.Success {
		return exitFailure
	}
	return exitOK
}

// buildReport assembles the call report, attaching the transcript file when
// one was given.
func buildReport(ca *callArgs, res *caller.CallResult, engineLog []string) (*report.Report, error) {
	rep := report.FromResult(res, engineLog)
	if ca.transcript == "" {
		return rep, nil
	}
	text, err := os.ReadFile(ca.transcript)
	if err != nil {
		return nil, err
	}
	return rep.WithTranscript(strings.TrimSpace(string(text))), nil
}

// routeSIPStackLogs sends the signaling library's zerolog JSON through the
// slog formatter.
func routeSIPStackLogs(w io.Writer) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	zlog.Logger = zerolog.New(logger.NewJSONParsingWriter(w)).With().Timestamp().Logger()
}

func bannerLines(cfg *config.Config, ca *callArgs) []banner.ConfigLine {
	lines := []banner.ConfigLine{
		{Label: "Server", Value: cfg.SIP.Server + ":" + strconv.Itoa(cfg.SIP.Port)},
		{Label: "User", Value: cfg.SIP.User},
		{Label: "Transport", Value: cfg.SIP.Transport},
		{Label: "SRTP", Value: cfg.SIP.SRTP},
		{Label: "Destination", Value: ca.dest},
		{Label: "WAV", Value: ca.wav},
		{Label: "Repeat", Value: strconv.Itoa(cfg.Call.Repeat)},
		{Label: "Timeout", Value: strconv.Itoa(cfg.Call.Timeout) + "s"},
	}
	if ca.record != "" {
		lines = append(lines, banner.ConfigLine{Label: "Record", Value: ca.record})
	}
	if ca.reportPath != "" {
		lines = append(lines, banner.ConfigLine{Label: "Report", Value: ca.reportPath})
	}
	if ca.transcript != "" {
		lines = append(lines, banner.ConfigLine{Label: "Transcript", Value: ca.transcript})
	}
	return lines
}
