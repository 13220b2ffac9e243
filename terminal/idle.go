package terminal

import (
	"regexp"
	"time"

	zap "go.uber.org/zap"
)

// Idle detection strategies.
const (
	IdleStrategyPattern = "pattern"
	IdleStrategyTimeout = "timeout"
	IdleStrategyHybrid  = "hybrid"
)

// PatternUseStartupOnly makes a hybrid profile match its pattern only for
// the first READY transition, then fall back to timeout.
const PatternUseStartupOnly = "startup_only"

// BracketedPasteMode is a special pattern literal: it matches the bytes the
// child emits when enabling bracketed paste (ESC [ ? 2 0 0 4 h), a reliable
// prompt-redraw marker for several CLIs. The sequence is stripped by the
// render buffer, so it is matched against the raw byte tail instead.
const BracketedPasteMode = "BRACKETED_PASTE_MODE"

// bracketedPasteSeq is the raw byte sequence BracketedPasteMode stands for.
const bracketedPasteSeq = "\x1b\\[\\?2004h"

// idlePatternWindow is the tail window, in characters, that idle patterns
// are matched against.
const idlePatternWindow = 1024

// IdleDetection configures how the controller infers that the child CLI is
// waiting for input.
type IdleDetection struct {
	Strategy   string
	Pattern    string
	PatternUse string
	Timeout    time.Duration
}

// idleDetector is the compiled form of IdleDetection. A pattern that fails
// to compile downgrades the detector to the timeout strategy.
type idleDetector struct {
	strategy    string
	pattern     *regexp.Regexp
	patternRaw  bool // match the raw byte tail, not the rendered text
	startupOnly bool
	timeout     time.Duration

	patternMatched bool // hybrid: first pattern match already happened
}

func newIdleDetector(cfg IdleDetection, logger *zap.Logger) *idleDetector {
	d := &idleDetector{
		strategy:    cfg.Strategy,
		startupOnly: cfg.PatternUse == PatternUseStartupOnly,
		timeout:     cfg.Timeout,
	}
	if d.timeout <= 0 {
		d.timeout = 2 * time.Second
	}

	switch d.strategy {
	case IdleStrategyPattern, IdleStrategyTimeout, IdleStrategyHybrid:
	default:
		d.strategy = IdleStrategyTimeout
	}

	if d.strategy == IdleStrategyPattern || d.strategy == IdleStrategyHybrid {
		src := cfg.Pattern
		if src == BracketedPasteMode {
			src = bracketedPasteSeq
			d.patternRaw = true
		}
		pattern, err := regexp.Compile(src)
		if err != nil {
			logger.Warn("idle pattern failed to compile, falling back to timeout",
				zap.String("pattern", cfg.Pattern),
				zap.Error(err))
			d.strategy = IdleStrategyTimeout
		} else {
			d.pattern = pattern
		}
	}

	return d
}

// isIdle decides whether the child counts as ready for input.
// renderedTail is the rendered text tail, rawTail the raw byte tail;
// lastOutput is nil until the child produces its first byte, which keeps a
// slow-launching CLI from being declared READY before it ever printed
// anything.
func (d *idleDetector) isIdle(renderedTail, rawTail string, lastOutput *time.Time, now time.Time) bool {
	switch d.strategy {
	case IdleStrategyPattern:
		return d.matchPattern(renderedTail, rawTail)
	case IdleStrategyHybrid:
		if !d.patternMatched || !d.startupOnly {
			if d.matchPattern(renderedTail, rawTail) {
				d.patternMatched = true
				return true
			}
			if !d.patternMatched {
				return false
			}
		}
		return d.timeoutElapsed(lastOutput, now)
	default:
		return d.timeoutElapsed(lastOutput, now)
	}
}

func (d *idleDetector) matchPattern(renderedTail, rawTail string) bool {
	if d.pattern == nil {
		return false
	}
	if d.patternRaw {
		return d.pattern.MatchString(rawTail)
	}
	return d.pattern.MatchString(renderedTail)
}

func (d *idleDetector) timeoutElapsed(lastOutput *time.Time, now time.Time) bool {
	if lastOutput == nil {
		return false
	}
	return now.Sub(*lastOutput) >= d.timeout
}
