package btrfsstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"

	"github.com/amescornish/buttersync/internal/streamrewrite"
	"github.com/amescornish/buttersync/internal/util/bytecounter"
)

const (
	ioprioWhoProcess = 1
	ioprioClassIdle  = 3
	ioprioClassShift = 13
)

// lowerIOPriority sets pid's I/O scheduling class to idle, so a send
// or receive subprocess never starves interactive I/O on the same
// disk. Failure is logged, not fatal: unsupported kernels/filesystems
// (e.g. under a container without CAP_SYS_NICE) simply run at default
// priority.
func lowerIOPriority(ctx context.Context, pid int) {
	ioprio := ioprioClassIdle << ioprioClassShift
	if err := unix.IoprioSet(ioprioWhoProcess, pid, ioprio); err != nil {
		slog.DebugContext(ctx, "btrfsstore: ioprio_set failed, continuing at default priority",
			slog.Int("pid", pid), slog.String("err", err.Error()))
	}
}

// sendProcess drives `btrfs send` as a child process and exposes its
// stdout as a transfer.Reader. The stream rewriter is applied to the
// very first chunk read, per spec §4.5.
type sendProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser

	rewrite     bool
	rewriteOpts streamrewrite.Options
	rewroteOnce bool
}

func startSend(ctx context.Context, binary string, parentPath, path string, rewriteOpts *streamrewrite.Options) (*sendProcess, error) {
	args := []string{"send"}
	if parentPath != "" {
		args = append(args, "-p", parentPath)
	}
	args = append(args, path)

	cmd := exec.CommandContext(ctx, binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("btrfsstore: send stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("btrfsstore: start btrfs send: %w", err)
	}
	lowerIOPriority(ctx, cmd.Process.Pid)

	sp := &sendProcess{cmd: cmd, stdout: stdout}
	if rewriteOpts != nil {
		sp.rewrite = true
		sp.rewriteOpts = *rewriteOpts
	}
	return sp, nil
}

func (p *sendProcess) Read(buf []byte) (int, error) {
	n, err := p.stdout.Read(buf)
	if n > 0 && p.rewrite && !p.rewroteOnce {
		p.rewroteOnce = true
		rewritten, rerr := streamrewrite.Rewrite(context.Background(), buf[:n], p.rewriteOpts)
		if rerr != nil {
			return n, rerr
		}
		n = len(rewritten)
	}
	return n, err
}

func (p *sendProcess) Close() error {
	closeErr := p.stdout.Close()
	waitErr := p.cmd.Wait()
	if waitErr != nil {
		return fmt.Errorf("btrfsstore: %w (childProcessFailed)", waitErr)
	}
	return closeErr
}

// receiveProcess drives `btrfs receive` as a child process and exposes
// its stdin as a transfer.Writer, tracking the partial-file state
// machine from spec §4.5: idle -> writing (first write) -> waiting
// (Close called) -> done | failed.
type receiveProcess struct {
	cmd   *exec.Cmd
	stdin *bytecounter.WriteCloser

	rewrite     bool
	rewriteOpts streamrewrite.Options
	rewroteOnce bool

	state      string
	targetPath string
	root       string
}

func startReceive(ctx context.Context, binary, root, targetPath string, rewriteOpts *streamrewrite.Options) (*receiveProcess, error) {
	cmd := exec.CommandContext(ctx, binary, "receive", root)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("btrfsstore: receive stdin pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("btrfsstore: start btrfs receive: %w", err)
	}
	lowerIOPriority(ctx, cmd.Process.Pid)

	rp := &receiveProcess{cmd: cmd, stdin: bytecounter.NewWriteCloser(stdin), state: "idle", root: root, targetPath: targetPath}
	if rewriteOpts != nil {
		rp.rewrite = true
		rp.rewriteOpts = *rewriteOpts
	}
	return rp, nil
}

func (p *receiveProcess) Write(buf []byte) (int, error) {
	if p.state == "idle" {
		p.state = "writing"
	}
	if p.rewrite && !p.rewroteOnce && len(buf) > 0 {
		p.rewroteOnce = true
		rewritten, err := streamrewrite.Rewrite(context.Background(), buf, p.rewriteOpts)
		if err != nil {
			p.state = "failed"
			return 0, err
		}
		buf = rewritten
	}
	n, err := p.stdin.Write(buf)
	if err != nil {
		p.state = "failed"
	}
	return n, err
}

// Close moves the state machine to waiting, waits for the child, and
// on non-zero exit marks the target partial by renaming it, landing
// the state machine in failed. On success it lands in done.
func (p *receiveProcess) Close() error {
	p.state = "waiting"
	closeErr := p.stdin.Close()
	waitErr := p.cmd.Wait()
	if waitErr != nil {
		p.state = "failed"
		if renameErr := markPartial(p.targetPath); renameErr != nil {
			slog.Error("btrfsstore: failed to mark partial receive",
				slog.String("path", p.targetPath), slog.String("err", renameErr.Error()))
		}
		return fmt.Errorf("btrfsstore: btrfs receive: %w (childProcessFailed)", waitErr)
	}
	p.state = "done"
	slog.Debug("btrfsstore: btrfs receive finished",
		slog.String("path", p.targetPath), slog.Uint64("bytes", p.stdin.Count()))
	return closeErr
}

// markPartial renames path to path.part, or path_<timestamp>.part if
// that name is already taken, per spec §4.5.
func markPartial(path string) error {
	if path == "" {
		return nil
	}
	candidate := path + ".part"
	if _, err := os.Stat(candidate); err == nil {
		candidate = fmt.Sprintf("%s_%d.part", path, time.Now().UnixNano())
	}
	return os.Rename(path, candidate)
}
