package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librescoot/rft/internal/transport/pipe"
	"github.com/librescoot/rft/pkg/framer"
	"github.com/librescoot/rft/pkg/rfterr"
)

func newTestConfig(transport framer.Transport, fs *memFS, packetSize int) *Config {
	return &Config{
		Transport:          transport,
		Filesystem:         fs,
		ProposedPacketSize: packetSize,
		MinTimeout:         20 * time.Millisecond,
		MaxTimeout:         500 * time.Millisecond,
		HandshakeRetries:   10,
		MetaRetries:        10,
		DataRetries:        20,
		AckRetries:         20,
		BackoffBase:        5 * time.Millisecond,
		ResumeMode:         ResumeCRCTailOrZero,
		CRCVerifyBytes:     16,
		OutputDir:          "",
	}
}

func TestEndToEndCleanTransfer(t *testing.T) {
	a, b := pipe.New(64)
	senderFS := newMemFS()
	receiverFS := newMemFS()
	content := make([]byte, 10000)
	for i := range content {
		content[i] = byte(i % 251)
	}
	senderFS.put("report.bin", content)

	senderSess, err := New(newTestConfig(a, senderFS, 512))
	require.NoError(t, err)
	recvSess, err := New(newTestConfig(b, receiverFS, 256))
	require.NoError(t, err)

	type sendOutcome struct {
		result BatchResult
		err    error
	}
	type recvOutcome struct {
		result ReceiveResult
		err    error
	}
	sendCh := make(chan sendOutcome, 1)
	recvCh := make(chan recvOutcome, 1)

	go func() {
		r, err := senderSess.SendFiles([]string{"report.bin"})
		sendCh <- sendOutcome{r, err}
	}()
	go func() {
		r, err := recvSess.ReceiveFiles()
		recvCh <- recvOutcome{r, err}
	}()

	sOut := <-sendCh
	rOut := <-recvCh

	require.NoError(t, sOut.err)
	require.NoError(t, rOut.err)
	require.Len(t, sOut.result.Files, 1)
	require.Len(t, rOut.result.Files, 1)
	assert.Equal(t, OutcomeOK, sOut.result.Files[0].Outcome)
	assert.Equal(t, OutcomeOK, rOut.result.Files[0].Outcome)
	assert.Equal(t, content, receiverFS.get("report.bin"))
}

func TestEndToEndMTUNegotiationPicksSmaller(t *testing.T) {
	a, b := pipe.New(64)
	senderFS := newMemFS()
	receiverFS := newMemFS()
	senderFS.put("x.bin", []byte("hello world, this is a small file"))

	senderSess, err := New(newTestConfig(a, senderFS, 4096))
	require.NoError(t, err)
	recvSess, err := New(newTestConfig(b, receiverFS, 128))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_, _ = recvSess.ReceiveFiles()
		close(done)
	}()
	_, err = senderSess.SendFiles([]string{"x.bin"})
	require.NoError(t, err)
	<-done

	assert.Equal(t, 128, senderSess.effMTU)
	assert.Equal(t, []byte("hello world, this is a small file"), receiverFS.get("x.bin"))
}

func TestEndToEndResumeMatchingTailContinuesFromOffset(t *testing.T) {
	a, b := pipe.New(64)
	senderFS := newMemFS()
	receiverFS := newMemFS()

	full := make([]byte, 2000)
	for i := range full {
		full[i] = byte(i % 200)
	}
	senderFS.put("resumed.bin", full)
	receiverFS.put("resumed.bin", full[:1000]) // matching prefix already on disk

	cfgA := newTestConfig(a, senderFS, 256)
	cfgB := newTestConfig(b, receiverFS, 256)
	cfgB.ResumeMode = ResumeCRCTailOrZero
	cfgB.CRCVerifyBytes = 32

	senderSess, err := New(cfgA)
	require.NoError(t, err)
	recvSess, err := New(cfgB)
	require.NoError(t, err)

	done := make(chan ReceiveResult, 1)
	go func() {
		r, _ := recvSess.ReceiveFiles()
		done <- r
	}()
	sr, err := senderSess.SendFiles([]string{"resumed.bin"})
	require.NoError(t, err)
	rr := <-done

	require.Len(t, sr.Files, 1)
	require.Len(t, rr.Files, 1)
	// Only the remaining 1000 bytes should have been sent over the wire.
	assert.Equal(t, int64(1000), sr.Files[0].BytesSent)
	assert.Equal(t, full, receiverFS.get("resumed.bin"))
}

func TestEndToEndResumeMismatchedTailFallsBackToZero(t *testing.T) {
	a, b := pipe.New(64)
	senderFS := newMemFS()
	receiverFS := newMemFS()

	full := make([]byte, 500)
	for i := range full {
		full[i] = byte(i)
	}
	senderFS.put("diverged.bin", full)
	stale := make([]byte, 300)
	for i := range stale {
		stale[i] = byte(255 - i) // diverges from full's tail
	}
	receiverFS.put("diverged.bin", stale)

	cfgA := newTestConfig(a, senderFS, 256)
	cfgB := newTestConfig(b, receiverFS, 256)
	cfgB.ResumeMode = ResumeCRCTailOrZero
	cfgB.CRCVerifyBytes = 32

	senderSess, err := New(cfgA)
	require.NoError(t, err)
	recvSess, err := New(cfgB)
	require.NoError(t, err)

	done := make(chan ReceiveResult, 1)
	go func() {
		r, _ := recvSess.ReceiveFiles()
		done <- r
	}()
	sr, err := senderSess.SendFiles([]string{"diverged.bin"})
	require.NoError(t, err)
	<-done

	require.Len(t, sr.Files, 1)
	assert.Equal(t, int64(500), sr.Files[0].BytesSent, "mismatch should force a full retransmit from zero")
	assert.Equal(t, full, receiverFS.get("diverged.bin"))
}

func TestEndToEndResumeMismatchedTailUnderStrictModeSkipsFile(t *testing.T) {
	a, b := pipe.New(64)
	senderFS := newMemFS()
	receiverFS := newMemFS()

	full := make([]byte, 500)
	for i := range full {
		full[i] = byte(i)
	}
	senderFS.put("diverged.bin", full)
	stale := make([]byte, 300)
	for i := range stale {
		stale[i] = byte(255 - i) // diverges from full's tail
	}
	receiverFS.put("diverged.bin", stale)

	cfgA := newTestConfig(a, senderFS, 256)
	cfgB := newTestConfig(b, receiverFS, 256)
	cfgB.ResumeMode = ResumeCRCTail // strict: no OR_ZERO fallback
	cfgB.CRCVerifyBytes = 32

	senderSess, err := New(cfgA)
	require.NoError(t, err)
	recvSess, err := New(cfgB)
	require.NoError(t, err)

	done := make(chan ReceiveResult, 1)
	go func() {
		r, _ := recvSess.ReceiveFiles()
		done <- r
	}()
	sr, err := senderSess.SendFiles([]string{"diverged.bin"})
	require.NoError(t, err)
	rr := <-done

	require.Len(t, sr.Files, 1)
	require.Len(t, rr.Files, 1)
	assert.Equal(t, OutcomeSkipped, sr.Files[0].Outcome)
	assert.Equal(t, OutcomeSkipped, rr.Files[0].Outcome)
	assert.Equal(t, stale, receiverFS.get("diverged.bin"), "strict mode must leave the receiver's corrupted file untouched")
}

func TestEndToEndSkipExistingSkipsWithoutTransferringBytes(t *testing.T) {
	a, b := pipe.New(64)
	senderFS := newMemFS()
	receiverFS := newMemFS()
	senderFS.put("already.bin", []byte("same content either way"))
	receiverFS.put("already.bin", []byte("pre-existing, never touched"))

	cfgA := newTestConfig(a, senderFS, 256)
	cfgB := newTestConfig(b, receiverFS, 256)
	cfgB.ResumeMode = ResumeSkipExisting

	senderSess, err := New(cfgA)
	require.NoError(t, err)
	recvSess, err := New(cfgB)
	require.NoError(t, err)

	done := make(chan ReceiveResult, 1)
	go func() {
		r, _ := recvSess.ReceiveFiles()
		done <- r
	}()
	sr, err := senderSess.SendFiles([]string{"already.bin"})
	require.NoError(t, err)
	rr := <-done

	require.Len(t, sr.Files, 1)
	assert.Equal(t, OutcomeSkipped, sr.Files[0].Outcome)
	require.Len(t, rr.Files, 1)
	assert.Equal(t, OutcomeSkipped, rr.Files[0].Outcome)
	assert.Equal(t, []byte("pre-existing, never touched"), receiverFS.get("already.bin"))
}

func TestEndToEndBatchOfMultipleFiles(t *testing.T) {
	a, b := pipe.New(64)
	senderFS := newMemFS()
	receiverFS := newMemFS()
	senderFS.put("one.bin", []byte("first file contents"))
	senderFS.put("two.bin", []byte("second file, a bit longer than the first one"))

	senderSess, err := New(newTestConfig(a, senderFS, 256))
	require.NoError(t, err)
	recvSess, err := New(newTestConfig(b, receiverFS, 256))
	require.NoError(t, err)

	done := make(chan ReceiveResult, 1)
	go func() {
		r, _ := recvSess.ReceiveFiles()
		done <- r
	}()
	sr, err := senderSess.SendFiles([]string{"one.bin", "two.bin"})
	require.NoError(t, err)
	rr := <-done

	require.Len(t, sr.Files, 2)
	require.Len(t, rr.Files, 2)
	assert.Equal(t, []byte("first file contents"), receiverFS.get("one.bin"))
	assert.Equal(t, []byte("second file, a bit longer than the first one"), receiverFS.get("two.bin"))
}

func TestEndToEndCancelMidTransferAbortsSender(t *testing.T) {
	a, b := pipe.New(64)
	senderFS := newMemFS()
	receiverFS := newMemFS()
	content := make([]byte, 50000)
	senderFS.put("big.bin", content)

	senderSess, err := New(newTestConfig(a, senderFS, 256))
	require.NoError(t, err)
	recvSess, err := New(newTestConfig(b, receiverFS, 256))
	require.NoError(t, err)

	recvDone := make(chan error, 1)
	go func() {
		_, rerr := recvSess.ReceiveFiles()
		recvDone <- rerr
	}()

	go func() {
		time.Sleep(5 * time.Millisecond)
		senderSess.EmergencyCancel()
	}()

	_, err = senderSess.SendFiles([]string{"big.bin"})
	require.Error(t, err)
	assert.True(t, rfterr.Is(err, rfterr.Aborted))

	recvErr := <-recvDone
	require.Error(t, recvErr)
	assert.True(t, rfterr.Is(recvErr, rfterr.Aborted))
}
