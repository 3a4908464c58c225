// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package gatekeeper

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/sauvegarde/internal/logging"
	"github.com/tomtom215/sauvegarde/internal/metrics"
)

// Verdict is the outcome of scanning one stream.
type Verdict struct {
	Infected  bool
	Signature string
}

// Scanner inspects a stream for malicious content.
type Scanner interface {
	Name() string
	Scan(ctx context.Context, name string, r io.Reader) (Verdict, error)
	State() string
}

// ErrScannerUnavailable wraps failures of an external engine.
var ErrScannerUnavailable = errors.New("malware scanner unavailable")

const scanChunk = 64 << 10

// PatternScanner looks for deny-listed byte sequences.
type PatternScanner struct {
	m *matcher
}

// NewPatternScanner builds a scanner over the non-empty entries of denyList.
func NewPatternScanner(denyList []string) *PatternScanner {
	patterns := make([][]byte, 0, len(denyList))
	for _, p := range denyList {
		patterns = append(patterns, []byte(p))
	}
	return &PatternScanner{m: newMatcher(patterns)}
}

func (s *PatternScanner) Name() string  { return "patterns" }
func (s *PatternScanner) State() string { return fmt.Sprintf("%d patterns", s.m.Len()) }

// Scan streams r through the automaton. Matching state carries across
// reads, so a pattern split between two chunks is still found.
func (s *PatternScanner) Scan(ctx context.Context, name string, r io.Reader) (Verdict, error) {
	if s.m.Len() == 0 {
		_, err := io.Copy(io.Discard, r)
		return Verdict{}, err
	}
	state := s.m.start()
	buf := make([]byte, scanChunk)
	for {
		if err := ctx.Err(); err != nil {
			return Verdict{}, err
		}
		n, err := r.Read(buf)
		if p, found := state.Feed(buf[:n]); found {
			return Verdict{Infected: true, Signature: "deny-list:" + signatureLabel(p)}, nil
		}
		if errors.Is(err, io.EOF) {
			return Verdict{}, nil
		}
		if err != nil {
			return Verdict{}, err
		}
	}
}

func signatureLabel(p []byte) string {
	if len(p) > 24 {
		p = p[:24]
	}
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e {
			return '.'
		}
		return r
	}, string(p))
}

// ClamdScanner streams content to a clamd daemon with the INSTREAM command.
// Calls go through a circuit breaker so a dead daemon fails fast.
type ClamdScanner struct {
	address string
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker[Verdict]
	name    string
}

// NewClamdScanner returns a scanner talking to address (host:port).
// Circuit breaker configuration:
// - 1 probe request in half-open state
// - 1 minute measurement window
// - 30 second cool-down before probing again
// - opens after 3 consecutive failures
func NewClamdScanner(address string, timeout time.Duration) *ClamdScanner {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	cbName := "clamd"
	metrics.CircuitBreakerState.WithLabelValues(cbName).Set(0)

	cb := gobreaker.NewCircuitBreaker[Verdict](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Scanner circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})
	return &ClamdScanner{address: address, timeout: timeout, cb: cb, name: cbName}
}

func (s *ClamdScanner) Name() string  { return "clamd" }
func (s *ClamdScanner) State() string { return s.cb.State().String() }

// Scan sends r to clamd. A transport failure or an open breaker returns an
// error wrapping ErrScannerUnavailable.
func (s *ClamdScanner) Scan(ctx context.Context, name string, r io.Reader) (Verdict, error) {
	v, err := s.cb.Execute(func() (Verdict, error) {
		return s.instream(ctx, r)
	})
	if err != nil {
		metrics.ScannerErrors.Inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			logging.Warn().Err(err).Str("file", name).Msg("Scanner request rejected by circuit breaker")
		}
		return Verdict{}, fmt.Errorf("%w: %v", ErrScannerUnavailable, err)
	}
	return v, nil
}

func (s *ClamdScanner) instream(ctx context.Context, r io.Reader) (Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.address)
	if err != nil {
		return Verdict{}, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		return Verdict{}, err
	}
	buf := make([]byte, scanChunk)
	var size [4]byte
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			binary.BigEndian.PutUint32(size[:], uint32(n))
			if _, err := conn.Write(size[:]); err != nil {
				return Verdict{}, err
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return Verdict{}, err
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return Verdict{}, rerr
		}
	}
	binary.BigEndian.PutUint32(size[:], 0)
	if _, err := conn.Write(size[:]); err != nil {
		return Verdict{}, err
	}

	reply, err := bufio.NewReader(conn).ReadString(0)
	if err != nil && !errors.Is(err, io.EOF) {
		return Verdict{}, err
	}
	return parseClamdReply(strings.TrimRight(reply, "\x00\n"))
}

// parseClamdReply understands "stream: OK" and "stream: <sig> FOUND".
func parseClamdReply(reply string) (Verdict, error) {
	body := strings.TrimPrefix(reply, "stream: ")
	switch {
	case body == "OK":
		return Verdict{}, nil
	case strings.HasSuffix(body, " FOUND"):
		return Verdict{Infected: true, Signature: strings.TrimSuffix(body, " FOUND")}, nil
	default:
		return Verdict{}, fmt.Errorf("unexpected clamd reply %q", reply)
	}
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
