// Command rft is the reference CLI for the file-transfer protocol,
// structured the way
// github.com/librescoot/bluetooth-service/cmd/bluetooth-service wires
// flags, a logger, and a long-lived connection together: flag.* for
// configuration, log.SetFlags once at startup, and a signal handler
// for graceful shutdown.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/librescoot/rft/internal/fsio"
	"github.com/librescoot/rft/internal/transport/serialport"
	"github.com/librescoot/rft/pkg/session"
	"github.com/librescoot/rft/pkg/telemetry"
)

var (
	mode = flag.String("mode", "", "Operation mode: send or receive")

	serialDevice = flag.String("serial", "/dev/ttyUSB0", "Serial device path")
	baudRate     = flag.Int("baud", 115200, "Serial baud rate")

	outputDir = flag.String("out", ".", "Directory to write received files into (receive mode)")

	packetSize  = flag.Int("packet-size", 4096, "Proposed packet size in bytes")
	minTimeout  = flag.Duration("min-timeout", 200*time.Millisecond, "Minimum adaptive timeout")
	maxTimeout  = flag.Duration("max-timeout", 8*time.Second, "Maximum adaptive timeout")
	resumeMode  = flag.String("resume-mode", "crc_tail_or_zero", "Resume mode: never, skip_existing, crc_tail, crc_tail_or_zero, crc_full, crc_full_or_zero")
	listOnly    = flag.Bool("list-only", false, "Negotiate and validate metadata without transferring data (dry run)")
	verbose     = flag.Bool("verbose", false, "Dump negotiated handshake parameters before transferring")

	redisAddr = flag.String("redis-addr", "", "Redis server address for telemetry (disabled if empty)")
	redisPass = flag.String("redis-pass", "", "Redis password")
	redisDB   = flag.Int("redis-db", 0, "Redis database number")
	sessionID = flag.String("session-id", "default", "Session identifier used in telemetry events")
)

func parseResumeMode(s string) (session.ResumeMode, error) {
	switch s {
	case "never":
		return session.ResumeNever, nil
	case "skip_existing":
		return session.ResumeSkipExisting, nil
	case "crc_tail":
		return session.ResumeCRCTail, nil
	case "crc_tail_or_zero":
		return session.ResumeCRCTailOrZero, nil
	case "crc_full":
		return session.ResumeCRCFull, nil
	case "crc_full_or_zero":
		return session.ResumeCRCFullOrZero, nil
	default:
		return 0, fmt.Errorf("unknown resume mode %q", s)
	}
}

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if *mode != "send" && *mode != "receive" {
		log.Fatalf("-mode must be \"send\" or \"receive\"")
	}
	rm, err := parseResumeMode(*resumeMode)
	if err != nil {
		log.Fatalf("%v", err)
	}

	log.Printf("Opening serial device %s at %d baud", *serialDevice, *baudRate)
	port, err := serialport.Open(*serialDevice, *baudRate)
	if err != nil {
		log.Fatalf("Failed to open serial device: %v", err)
	}
	defer port.Close()

	var tel *telemetry.Client
	if *redisAddr != "" {
		tel, err = telemetry.New(*redisAddr, *redisPass, *redisDB)
		if err != nil {
			log.Printf("Warning: telemetry disabled: %v", err)
		} else {
			defer tel.Close()
			log.Printf("Telemetry connected to %s", *redisAddr)
		}
	}

	cfg := &session.Config{
		Transport:          port,
		Filesystem:         fsio.New(),
		ProposedPacketSize: *packetSize,
		MinTimeout:         *minTimeout,
		MaxTimeout:         *maxTimeout,
		ResumeMode:         rm,
		OutputDir:          *outputDir,
		Logger:             log.Default(),
		MinLevel:           verboseLevel(*verbose),
		OnProgress: func(ev session.ProgressEvent) {
			log.Printf("progress: %s %d/%d bytes (window=%d)", ev.Filename, ev.BytesDone, ev.TotalBytes, ev.WindowPkts)
			publishProgress(tel, ev)
		},
		OnFileStart: func(filename string, size int64) {
			log.Printf("starting %s (%d bytes)", filename, size)
			publishFileStart(tel, filename, size)
		},
		OnFileDone: func(r session.FileResult) {
			log.Printf("finished %s: outcome=%v bytes=%d err=%v", r.Filename, r.Outcome, r.BytesSent, r.Err)
			publishFileDone(tel, r)
		},
	}
	if *listOnly {
		cfg.Validator = func(meta session.Metadata) session.Verdict {
			log.Printf("would transfer: %s (%d bytes, crc=%08x)", meta.Filename, meta.Size, meta.CRC32)
			return session.VerdictSkip
		}
	}

	sess, err := session.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("Signal received, requesting cancellation...")
		sess.EmergencyCancel()
	}()

	switch *mode {
	case "send":
		paths := flag.Args()
		if len(paths) == 0 {
			log.Fatalf("send mode requires at least one file path argument")
		}
		result, err := sess.SendFiles(paths)
		printBatchSummary(result.Files, err)
	case "receive":
		result, err := sess.ReceiveFiles()
		printBatchSummary(result.Files, err)
	}
}

func verboseLevel(v bool) session.LogLevel {
	if v {
		return session.LogDebug
	}
	return session.LogWarning
}

func printBatchSummary(files []session.FileResult, err error) {
	var okCount, skipCount, abortCount int
	var totalBytes int64
	for _, f := range files {
		switch f.Outcome {
		case session.OutcomeOK:
			okCount++
		case session.OutcomeSkipped:
			skipCount++
		case session.OutcomeAborted:
			abortCount++
		}
		totalBytes += f.BytesSent
	}
	log.Printf("batch summary: %d ok, %d skipped, %d aborted, %d bytes total", okCount, skipCount, abortCount, totalBytes)
	if err != nil {
		log.Fatalf("session error: %v", err)
	}
	if abortCount > 0 {
		os.Exit(1)
	}
}

func publishProgress(tel *telemetry.Client, ev session.ProgressEvent) {
	if tel == nil {
		return
	}
	_ = tel.Publish(telemetry.Event{
		Kind: telemetry.EventProgress, SessionID: *sessionID,
		Filename: ev.Filename, BytesDone: ev.BytesDone, TotalBytes: ev.TotalBytes, Mode: ev.WindowPkts,
	})
}

func publishFileStart(tel *telemetry.Client, filename string, size int64) {
	if tel == nil {
		return
	}
	_ = tel.Publish(telemetry.Event{
		Kind: telemetry.EventFileStarted, SessionID: *sessionID,
		Filename: filename, TotalBytes: size,
	})
}

func publishFileDone(tel *telemetry.Client, r session.FileResult) {
	if tel == nil {
		return
	}
	msg := ""
	if r.Err != nil {
		msg = r.Err.Error()
	}
	_ = tel.Publish(telemetry.Event{
		Kind: telemetry.EventFileDone, SessionID: *sessionID,
		Filename: r.Filename, BytesDone: r.BytesSent, Message: msg,
	})
}
