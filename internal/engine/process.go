/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/zonecast/internal/source"
)

const stderrTailLines = 64

// exitStatus is delivered once when the child process ends.
type exitStatus struct {
	code int
	err  error
}

// process wraps one running media pipeline child. outputs carries one
// reader per requested OutputSpec, in order.
type process struct {
	cmd     *exec.Cmd
	outputs []io.ReadCloser
	exited  chan exitStatus
	logger  zerolog.Logger

	mu          sync.Mutex
	stderrLines []string
	stderrPos   int
}

// spawnFunc launches a media pipeline child. Tests substitute a fake.
type spawnFunc func(ctx context.Context, bin string, input source.PlaybackSource, outputs []OutputSpec, logger zerolog.Logger) (*process, error)

// spawnFFmpeg starts ffmpeg with one write channel per output: the
// first on stdout, the rest on inherited descriptors from fd 3 up.
func spawnFFmpeg(ctx context.Context, bin string, input source.PlaybackSource, outputs []OutputSpec, logger zerolog.Logger) (*process, error) {
	args := buildArgs(input, outputs)
	cmd := exec.CommandContext(ctx, bin, args...)

	if input.Pipe != nil && input.Pipe.Stream != nil {
		cmd.Stdin = input.Pipe.Stream
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	p := &process{
		cmd:         cmd,
		outputs:     []io.ReadCloser{stdout},
		exited:      make(chan exitStatus, 1),
		logger:      logger,
		stderrLines: make([]string, 0, stderrTailLines),
	}

	// Extra outputs inherit pipe write ends as fd 3, 4, ...
	var writeEnds []*os.File
	for i := 1; i < len(outputs); i++ {
		r, w, err := os.Pipe()
		if err != nil {
			stdout.Close()
			return nil, fmt.Errorf("extra output pipe: %w", err)
		}
		cmd.ExtraFiles = append(cmd.ExtraFiles, w)
		writeEnds = append(writeEnds, w)
		p.outputs = append(p.outputs, r)
	}

	if err := cmd.Start(); err != nil {
		for _, out := range p.outputs {
			out.Close()
		}
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}

	// The parent's copies must close or the readers never see EOF.
	for _, w := range writeEnds {
		w.Close()
	}

	logger.Debug().Int("pid", cmd.Process.Pid).Strs("args", args).Msg("media pipeline started")

	go p.scanStderr(stderr)
	go p.wait()

	return p, nil
}

func (p *process) scanStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		p.logger.Trace().Str("line", line).Msg("pipeline stderr")

		p.mu.Lock()
		if len(p.stderrLines) < stderrTailLines {
			p.stderrLines = append(p.stderrLines, line)
		} else {
			p.stderrLines[p.stderrPos] = line
		}
		p.stderrPos = (p.stderrPos + 1) % stderrTailLines
		p.mu.Unlock()
	}
}

func (p *process) wait() {
	err := p.cmd.Wait()
	status := exitStatus{}
	if err != nil {
		status.err = err
		if exitErr, ok := err.(*exec.ExitError); ok {
			status.code = exitErr.ExitCode()
		} else {
			status.code = 1
		}
	}
	p.exited <- status
}

// stderrTail returns the most recent stderr lines, oldest first.
func (p *process) stderrTail() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.stderrLines) < stderrTailLines {
		return strings.Join(p.stderrLines, "\n")
	}
	ordered := make([]string, 0, stderrTailLines)
	ordered = append(ordered, p.stderrLines[p.stderrPos:]...)
	ordered = append(ordered, p.stderrLines[:p.stderrPos]...)
	return strings.Join(ordered, "\n")
}

// stop terminates the child, trying SIGTERM before SIGKILL.
func (p *process) stop() {
	if p.cmd == nil || p.cmd.Process == nil {
		// No real child behind this process; synthesize a clean exit.
		select {
		case p.exited <- exitStatus{}:
		default:
		}
		return
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		// Already gone.
		return
	}
	select {
	case status := <-p.exited:
		// Forward so other waiters still observe the exit.
		p.exited <- status
	case <-time.After(3 * time.Second):
		p.logger.Warn().Msg("graceful shutdown timeout, killing pipeline")
		_ = p.cmd.Process.Kill()
	}
}
