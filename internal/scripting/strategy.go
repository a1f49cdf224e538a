// Package scripting runs user betting strategies written in JavaScript. A
// strategy defines onRound(ctx) and returns the bet for the coming round.
package scripting

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
)

var (
	ErrNoHandler = errors.New("onRound() function is not defined")
	ErrTimeout   = errors.New("script timed out")
)

const (
	DefaultInitTimeout = 2 * time.Second
	DefaultCallTimeout = 250 * time.Millisecond
)

// LogEntry represents a single log message from the script.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// LastBet is the result of the previous bet, passed back to the script.
type LastBet struct {
	Round     int64   `json:"round"`
	Amount    float64 `json:"amount"`
	Selection int     `json:"selection"`
	CashOut   float64 `json:"cashout"`
	Win       float64 `json:"win"`
	Won       bool    `json:"won"`
}

// RoundContext is what onRound(ctx) sees.
type RoundContext struct {
	Game            string
	Round           int64
	Balance         float64
	Selections      int
	SupportsCashOut bool
	// History holds metrics of resolved rounds, newest first.
	History []float64
	Last    *LastBet
}

// Decision is a bet to place. Skip is set when the script returned nothing
// or a non-positive amount.
type Decision struct {
	Amount    float64
	Selection int
	CashOut   float64
	Skip      bool
}

// Strategy wraps a sandboxed goja runtime holding one user script. It is
// safe for use by one goroutine at a time.
type Strategy struct {
	runtime *goja.Runtime
	handler goja.Callable
	timeout time.Duration
	mu      sync.Mutex

	logs    []LogEntry
	maxLogs int
	stopped bool
}

// NewStrategy evaluates source and resolves its onRound function. A zero
// timeout uses DefaultCallTimeout for each call.
func NewStrategy(source string, timeout time.Duration) (*Strategy, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	s := &Strategy{runtime: goja.New(), timeout: timeout, maxLogs: 500}
	s.injectGlobals()

	if err := s.guard(DefaultInitTimeout, func() error {
		_, err := s.runtime.RunString(source)
		return err
	}); err != nil {
		return nil, fmt.Errorf("script execution error: %w", err)
	}

	fn := s.runtime.Get("onRound")
	if fn == nil || goja.IsUndefined(fn) || goja.IsNull(fn) {
		return nil, ErrNoHandler
	}
	callable, ok := goja.AssertFunction(fn)
	if !ok {
		return nil, fmt.Errorf("onRound is not a function")
	}
	s.handler = callable
	return s, nil
}

func (s *Strategy) injectGlobals() {
	s.runtime.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		if len(s.logs) >= s.maxLogs {
			s.logs = s.logs[1:]
		}
		s.logs = append(s.logs, LogEntry{Time: time.Now(), Message: strings.Join(parts, " ")})
		return goja.Undefined()
	})

	console := s.runtime.NewObject()
	console.Set("log", s.runtime.Get("log"))
	s.runtime.Set("console", console)

	s.runtime.Set("stop", func(goja.FunctionCall) goja.Value {
		s.stopped = true
		return goja.Undefined()
	})

	// Block dangerous globals.
	s.runtime.Set("require", goja.Undefined())
	s.runtime.Set("fetch", goja.Undefined())
	s.runtime.Set("XMLHttpRequest", goja.Undefined())
	s.runtime.Set("eval", goja.Undefined())
	s.runtime.Set("Function", goja.Undefined())
}

// guard runs fn and interrupts the runtime once timeout elapses.
func (s *Strategy) guard(timeout time.Duration, fn func() error) error {
	timer := time.AfterFunc(timeout, func() {
		s.runtime.Interrupt(ErrTimeout)
	})
	defer func() {
		timer.Stop()
		s.runtime.ClearInterrupt()
	}()

	err := fn()
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return ErrTimeout
	}
	return err
}

// Decide calls onRound(ctx) and converts the returned object.
func (s *Strategy) Decide(rc RoundContext) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	arg := s.contextObject(rc)
	var out goja.Value
	err := s.guard(s.timeout, func() error {
		v, err := s.handler(goja.Undefined(), arg)
		out = v
		return err
	})
	if err != nil {
		return Decision{}, fmt.Errorf("onRound() error: %w", err)
	}
	return s.decision(out, rc)
}

func (s *Strategy) contextObject(rc RoundContext) *goja.Object {
	obj := s.runtime.NewObject()
	obj.Set("game", rc.Game)
	obj.Set("round", rc.Round)
	obj.Set("balance", rc.Balance)
	obj.Set("selections", rc.Selections)
	obj.Set("cashoutAllowed", rc.SupportsCashOut)

	history := make([]any, len(rc.History))
	for i, m := range rc.History {
		history[i] = m
	}
	obj.Set("history", s.runtime.NewArray(history...))

	if rc.Last != nil {
		last := s.runtime.NewObject()
		last.Set("round", rc.Last.Round)
		last.Set("amount", rc.Last.Amount)
		last.Set("selection", rc.Last.Selection)
		last.Set("cashout", rc.Last.CashOut)
		last.Set("win", rc.Last.Win)
		last.Set("won", rc.Last.Won)
		obj.Set("last", last)
	} else {
		obj.Set("last", goja.Null())
	}
	return obj
}

func (s *Strategy) decision(v goja.Value, rc RoundContext) (Decision, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return Decision{Skip: true}, nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return Decision{}, fmt.Errorf("onRound() must return an object, got %s", v.String())
	}

	d := Decision{
		Amount:    number(obj.Get("amount")),
		Selection: int(number(obj.Get("selection"))),
		CashOut:   number(obj.Get("cashout")),
	}
	if d.Amount <= 0 {
		return Decision{Skip: true}, nil
	}
	if d.Selection < 0 || (rc.Selections > 0 && d.Selection >= rc.Selections) {
		return Decision{}, fmt.Errorf("selection %d out of range [0,%d)", d.Selection, rc.Selections)
	}
	if d.CashOut != 0 && (!rc.SupportsCashOut || d.CashOut <= 1) {
		return Decision{}, fmt.Errorf("invalid cashout %v", d.CashOut)
	}
	return d, nil
}

func number(v goja.Value) float64 {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return 0
	}
	return v.ToFloat()
}

// Stopped reports whether the script called stop().
func (s *Strategy) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Logs returns a copy of the log buffer.
func (s *Strategy) Logs() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LogEntry, len(s.logs))
	copy(out, s.logs)
	return out
}
