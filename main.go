package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
)

var (
	appName        = "smsgw"
	version        = "1.0.0"
	build          = "" // git build number, set by the linker
	debugLog       = false
	configFileName = "smsgw.yaml"
)

func init() {
	fmt.Fprintf(os.Stderr, "### %s %s", appName, version)
	if build != "" {
		fmt.Fprintf(os.Stderr, " [#%s]", build)
	}
	fmt.Fprintln(os.Stderr)

	flag.StringVar(&configFileName, "config", configFileName, "configuration `fileName`")
	flag.BoolVar(&debugLog, "debug", debugLog, "log debug messages")
}

// installLogging applies the level and re-installs the file hook; called
// at start and again on SIGHUP so rotated logs reopen.
func installLogging(core *CoreConfig) {
	level := logrus.InfoLevel
	if debugLog {
		level = logrus.DebugLevel
	}
	if core.LogLevel != "" {
		if l, err := logrus.ParseLevel(core.LogLevel); err == nil {
			level = l
		}
	}
	logrus.SetLevel(level)
	if core.LogFile == "" {
		return
	}
	hook := lfshook.NewHook(lfshook.PathMap{
		logrus.DebugLevel: core.LogFile,
		logrus.InfoLevel:  core.LogFile,
		logrus.WarnLevel:  core.LogFile,
		logrus.ErrorLevel: core.LogFile,
		logrus.FatalLevel: core.LogFile,
		logrus.PanicLevel: core.LogFile,
	}, &logrus.TextFormatter{DisableColors: true})
	std := logrus.StandardLogger()
	std.ReplaceHooks(make(logrus.LevelHooks))
	std.AddHook(hook)
}

func main() {
	flag.Parse()
	signal.Ignore(syscall.SIGPIPE)
	for { // load, run, wait for a signal, stop; reload loops back
		logrus.WithField("config", configFileName).Info("loading configuration")
		config, err := LoadConfig(configFileName)
		if err != nil {
			logrus.WithError(err).Fatal("configuration error")
		}
		installLogging(&config.Core)
		bb, err := NewBearerbox(config)
		if err != nil {
			logrus.WithError(err).Fatal("startup error")
		}
		if err := bb.Start(); err != nil {
			logrus.WithError(err).Fatal("startup error")
		}
		sig := waitSignals(bb)
		if sig == syscall.SIGUSR1 {
			bb.Stop(true)
			logrus.Info("reload signal")
			continue
		}
		// graceful stop; a second interrupt during the drain exits hard
		go hardStopWatch()
		bb.Stop(true)
		logrus.Info("gateway stopped")
		return
	}
}

// waitSignals blocks until a terminating or reload signal arrives.
// SIGHUP only re-opens the log file and keeps waiting.
func waitSignals(bb *Bearerbox) os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(ch)
	for {
		sig := <-ch
		if sig == syscall.SIGHUP {
			logrus.Info("re-opening log files")
			installLogging(&bb.cfg.Core)
			continue
		}
		return sig
	}
}

// hardStopWatch turns a second interrupt during the graceful drain into
// an immediate exit.
func hardStopWatch() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	logrus.Warning("second interrupt, hard stop")
	os.Exit(1)
}
