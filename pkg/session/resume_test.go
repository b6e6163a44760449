package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecideResumeNeverAlwaysStartsZero(t *testing.T) {
	d := decideResume(ResumeNever, 500, 1000, 64)
	assert.Equal(t, ResumeActionStartZero, d.action)
}

func TestDecideResumeSkipExistingSkipsWhenPresent(t *testing.T) {
	d := decideResume(ResumeSkipExisting, 500, 1000, 64)
	assert.Equal(t, ResumeActionSkipFile, d.action)
	assert.Equal(t, uint64(500), d.resumeOffset)
}

func TestDecideResumeSkipExistingStartsZeroWhenAbsent(t *testing.T) {
	d := decideResume(ResumeSkipExisting, -1, 1000, 64)
	assert.Equal(t, ResumeActionStartZero, d.action)
}

func TestDecideResumeSkipExistingStartsZeroWhenLocalEmpty(t *testing.T) {
	d := decideResume(ResumeSkipExisting, 0, 1000, 64)
	assert.Equal(t, ResumeActionStartZero, d.action)
}

func TestDecideResumeCRCTailNoLocalFile(t *testing.T) {
	d := decideResume(ResumeCRCTail, -1, 1000, 64)
	assert.Equal(t, ResumeActionStartZero, d.action)
}

func TestDecideResumeCRCTailVerifiesTailWindow(t *testing.T) {
	d := decideResume(ResumeCRCTail, 500, 1000, 64)
	assert.Equal(t, ResumeActionVerifyFirst, d.action)
	assert.Equal(t, uint64(500), d.resumeOffset)
	assert.Equal(t, uint64(436), d.verifyOffset)
	assert.Equal(t, uint64(64), d.verifyLen)
}

func TestDecideResumeCRCTailWindowShrinksWhenLocalSmallerThanVerifyBytes(t *testing.T) {
	d := decideResume(ResumeCRCTail, 40, 1000, 64)
	assert.Equal(t, uint64(0), d.verifyOffset)
	assert.Equal(t, uint64(40), d.verifyLen)
}

func TestDecideResumeCRCTailSkipsWhenLocalLargerThanIncoming(t *testing.T) {
	d := decideResume(ResumeCRCTail, 2000, 1000, 64)
	assert.Equal(t, ResumeActionSkipFile, d.action)
	assert.Equal(t, uint64(2000), d.resumeOffset)
}

func TestDecideResumeCRCTailOrZeroStartsZeroWhenLocalLargerThanIncoming(t *testing.T) {
	d := decideResume(ResumeCRCTailOrZero, 2000, 1000, 64)
	assert.Equal(t, ResumeActionStartZero, d.action)
}

func TestDecideResumeCRCFullVerifiesWholePrefixWhenSmall(t *testing.T) {
	d := decideResume(ResumeCRCFull, 500, 1000, 64)
	assert.Equal(t, ResumeActionVerifyFirst, d.action)
	assert.Equal(t, uint64(0), d.verifyOffset)
	assert.Equal(t, uint64(500), d.verifyLen)
}

func TestDecideResumeCRCFullDegradesToTailAboveSizeCap(t *testing.T) {
	large := int64(maxFullVerifyBytes) + 1024
	d := decideResume(ResumeCRCFull, large, uint64(large)+1000, 64)
	assert.Equal(t, ResumeActionVerifyFirst, d.action)
	assert.Equal(t, uint64(64), d.verifyLen)
	assert.Equal(t, uint64(large)-64, d.verifyOffset)
}

func TestFallbackOnMismatchStrictModesSkip(t *testing.T) {
	_, skip := fallbackOnMismatch(ResumeCRCTail)
	assert.True(t, skip)
	_, skip = fallbackOnMismatch(ResumeCRCFull)
	assert.True(t, skip)
}

func TestFallbackOnMismatchOrZeroModesRestart(t *testing.T) {
	offset, skip := fallbackOnMismatch(ResumeCRCTailOrZero)
	assert.False(t, skip)
	assert.Equal(t, uint64(0), offset)
	offset, skip = fallbackOnMismatch(ResumeCRCFullOrZero)
	assert.False(t, skip)
	assert.Equal(t, uint64(0), offset)
}
