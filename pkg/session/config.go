package session

import (
	"io"
	"time"

	"github.com/librescoot/rft/pkg/framer"
)

// Logger is the optional debug sink (§6 debug.{log,context,min_level}).
// The default implementation wraps the standard log package exactly the
// way github.com/librescoot/bluetooth-service/cmd/bluetooth-service
// configures log.SetFlags once and calls log.Printf everywhere else —
// no logging library is introduced because the teacher never reaches
// for one either.
type Logger interface {
	Printf(format string, args ...interface{})
}

// LogLevel mirrors §6's OFF..TRACE scale.
type LogLevel int

const (
	LogOff LogLevel = iota
	LogCritical
	LogWarning
	LogInfo
	LogDebug
	LogTrace
)

// nopLogger discards everything; used when Config.Logger is nil.
type nopLogger struct{}

func (nopLogger) Printf(string, ...interface{}) {}

// leveledLogger gates calls to an underlying Logger by MinLevel, the
// "cheap filter in front of a stdlib sink" shape the teacher uses for
// its conditional log.Printf warnings.
type leveledLogger struct {
	sink     Logger
	minLevel LogLevel
}

func (l *leveledLogger) logf(level LogLevel, format string, args ...interface{}) {
	if level > l.minLevel || l.sink == nil {
		return
	}
	l.sink.Printf(format, args...)
}

// File is the per-open-file handle the host's Filesystem returns. It
// mirrors the POSIX fread/fwrite/fseek/ftell/fclose contract of §6
// using Go's standard io interfaces instead of re-deriving them.
type File interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
}

// FileInfo is the subset of local-file metadata the resume engine (C7)
// needs.
type FileInfo struct {
	Exists bool
	Size   int64
}

// Filesystem is the host-supplied filesystem contract (§6). All paths
// are UTF-8 strings; the core never touches a real filesystem directly.
type Filesystem interface {
	Stat(path string) (FileInfo, error)
	// OpenRead opens path for reading (sender's source file).
	OpenRead(path string) (File, error)
	// OpenWrite opens path for writing. If truncate is true the file is
	// created/truncated ("wb"); otherwise the existing contents are kept
	// and the caller seeks to the resume offset before writing.
	OpenWrite(path string, truncate bool) (File, error)
}

// Clock is the host-supplied monotonic clock (§6). The default
// implementation wraps time.Now, whose monotonic reading already
// satisfies "monotonic, wrap-safe, used only in subtraction" without
// the core needing to re-implement millisecond wraparound arithmetic.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// ResumeMode selects the receiver's local-file resume policy (§4.6).
type ResumeMode int

const (
	ResumeNever ResumeMode = iota
	ResumeSkipExisting
	ResumeCRCTail
	ResumeCRCTailOrZero
	ResumeCRCFull
	ResumeCRCFullOrZero
)

// Verdict is the optional metadata validator's decision (§4.6).
type Verdict int

const (
	VerdictAccept Verdict = iota
	VerdictSkip
	VerdictAbort
)

// MetadataValidator is the optional host policy hook invoked after
// metadata is received but before resume logic runs.
type MetadataValidator func(meta Metadata) Verdict

// ProgressEvent is delivered to Config.OnProgress during a file's DATA
// loop (sender and receiver both fire it). File boundaries are reported
// separately through OnFileStart and OnFileDone.
type ProgressEvent struct {
	Filename     string
	BytesDone    int64
	TotalBytes   int64
	WindowPkts   int
}

type FileOutcome int

const (
	OutcomeOK FileOutcome = iota
	OutcomeSkipped
	OutcomeAborted
)

func (o FileOutcome) String() string {
	switch o {
	case OutcomeOK:
		return "OK"
	case OutcomeSkipped:
		return "SKIPPED"
	case OutcomeAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

type FileResult struct {
	Filename  string
	BytesSent int64
	Outcome   FileOutcome
	Err       error
}

// Config is the full host-supplied configuration surface (§6).
type Config struct {
	// Transport and Filesystem are the mandatory external collaborators.
	Transport  framer.Transport
	Filesystem Filesystem
	Clock      Clock

	// Buffers.
	SendBuffer        []byte
	RecvBuffer        []byte
	ProposedPacketSize int

	// Timeouts.
	MinTimeout time.Duration
	MaxTimeout time.Duration

	// Retries.
	HandshakeRetries int
	MetaRetries      int
	DataRetries      int
	AckRetries       int
	BackoffBase      time.Duration

	// Resume.
	ResumeMode      ResumeMode
	CRCVerifyBytes  int64

	// Adaptive flow control.
	MaxPerformanceMode    int
	PreferredInitialMode  int
	DegradeErrorThreshold int
	RecoverySuccessThreshold int
	ModeSyncInterval      int

	// Features.
	RequiredFeatures  uint32
	RequestedFeatures uint32

	// Metadata validation.
	Validator MetadataValidator

	// Output directory for the receiver; target paths are always
	// constructed from this plus the sanitized basename, never the
	// sender's advisory path hint (§6 "Persisted state").
	OutputDir string

	// Debug.
	Logger   Logger
	MinLevel LogLevel

	// Progress / lifecycle callbacks (ambient, §7).
	OnProgress  func(ProgressEvent)
	OnFileStart func(filename string, size int64)
	OnFileDone  func(FileResult)

	// ProgressMinInterval throttles OnProgress firing during a single
	// file's DATA loop (supplemented feature, see SPEC_FULL.md). Zero
	// means every chunk.
	ProgressMinInterval time.Duration
}

func (c *Config) withDefaults() *Config {
	cp := *c
	if cp.Clock == nil {
		cp.Clock = systemClock{}
	}
	if cp.ProposedPacketSize <= 0 {
		cp.ProposedPacketSize = 4096
	}
	if cp.HandshakeRetries <= 0 {
		cp.HandshakeRetries = 5
	}
	if cp.MetaRetries <= 0 {
		cp.MetaRetries = 5
	}
	if cp.DataRetries <= 0 {
		cp.DataRetries = 8
	}
	if cp.AckRetries <= 0 {
		cp.AckRetries = 8
	}
	if cp.BackoffBase <= 0 {
		cp.BackoffBase = 100 * time.Millisecond
	}
	if cp.CRCVerifyBytes <= 0 {
		cp.CRCVerifyBytes = 1024
	}
	if cp.MaxPerformanceMode <= 0 {
		cp.MaxPerformanceMode = 64
	}
	if cp.PreferredInitialMode <= 0 {
		cp.PreferredInitialMode = 4
	}
	if cp.DegradeErrorThreshold <= 0 {
		cp.DegradeErrorThreshold = 3
	}
	if cp.RecoverySuccessThreshold <= 0 {
		cp.RecoverySuccessThreshold = 10
	}
	if cp.ModeSyncInterval <= 0 {
		cp.ModeSyncInterval = 16
	}
	return &cp
}

func (c *Config) logger() *leveledLogger {
	l := c.Logger
	if l == nil {
		l = nopLogger{}
	}
	return &leveledLogger{sink: l, minLevel: c.MinLevel}
}
