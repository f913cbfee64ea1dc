package job

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hereliesaz/hashkitty/pkg/protocol"
)

// Runner executes attacks with a local hashcat binary, one process per job,
// and streams each output line back as a running status.
type Runner struct {
	Binary     string        // path to hashcat
	MaxRuntime time.Duration // default 1h
	Logger     *slog.Logger

	mu   sync.Mutex
	jobs map[string]context.CancelFunc // by run id; job ids from peers may repeat
	wg   sync.WaitGroup
}

// maxOutputLine is the longest hashcat output line the runner accepts.
const maxOutputLine = 1 << 20

// Handle is a Handler that starts the job on its own goroutine.
func (r *Runner) Handle(params protocol.AttackParams, h Handle) {
	timeout := r.MaxRuntime
	if timeout <= 0 {
		timeout = time.Hour
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	runID := uuid.New().String()

	r.mu.Lock()
	if r.jobs == nil {
		r.jobs = make(map[string]context.CancelFunc)
	}
	r.jobs[runID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.jobs, runID)
			r.mu.Unlock()
			cancel()
		}()
		r.run(ctx, params, NewReporter(params, h), r.logger().With("job_id", params.JobID, "conn_id", h.ConnID(), "run_id", runID))
	}()
}

// Running returns the number of jobs in flight.
func (r *Runner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Shutdown cancels every job and waits for their processes to exit.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	for _, cancel := range r.jobs {
		cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// Args builds the hashcat command line for params. Referenced files must exist.
func Args(params protocol.AttackParams) ([]string, error) {
	file, err := existingFile(params.File, "hash file")
	if err != nil {
		return nil, err
	}
	args := []string{"-m", params.Mode, "-a", params.AttackMode}
	if params.User {
		args = append(args, "--username")
	}
	if params.Quiet {
		args = append(args, "--quiet")
	}
	if params.Disable {
		args = append(args, "--potfile-disable")
	}
	args = append(args, file)
	if params.Wordlist != "" {
		wl, err := existingFile(params.Wordlist, "wordlist")
		if err != nil {
			return nil, err
		}
		args = append(args, wl)
	}
	if params.Rules != "" {
		rules, err := existingFile(params.Rules, "rules file")
		if err != nil {
			return nil, err
		}
		args = append(args, "-r", rules)
	}
	return args, nil
}

func existingFile(path, what string) (string, error) {
	clean := filepath.Clean(path)
	if _, err := os.Stat(clean); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%s not found: %s", what, clean)
		}
		return "", fmt.Errorf("%s: %w", what, err)
	}
	return clean, nil
}

func (r *Runner) run(ctx context.Context, params protocol.AttackParams, rep *Reporter, log *slog.Logger) {
	args, err := Args(params)
	if err != nil {
		_ = rep.Failed(err)
		return
	}

	cmd := exec.CommandContext(ctx, r.Binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = rep.Failed(fmt.Errorf("stdout pipe: %w", err))
		return
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		_ = rep.Failed(fmt.Errorf("failed to start hashcat: %w", err))
		return
	}
	log.Info("attack started", "mode", params.Mode, "attack_mode", params.AttackMode)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxOutputLine)
	for scanner.Scan() {
		if err := rep.Running(scanner.Text()); err != nil {
			// Requester is gone; stop the process.
			log.Info("requester unreachable, abandoning attack", "error", err)
			_ = cmd.Cancel()
			_ = cmd.Wait()
			return
		}
	}
	if err := scanner.Err(); err != nil {
		// The pipe is no longer drained, so the process has to go.
		log.Warn("reading hashcat output failed", "error", err)
		_ = cmd.Cancel()
		_ = cmd.Wait()
		_ = rep.Failed(fmt.Errorf("reading hashcat output: %w", err))
		return
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("hashcat stopped: %w", ctx.Err())
		}
		_ = rep.Failed(fmt.Errorf("hashcat process failed: %w", err))
		log.Warn("attack failed", "error", err)
		return
	}

	cracked, err := r.show(ctx, params, args)
	if err != nil {
		log.Warn("listing cracked hashes failed", "error", err)
	}
	_ = rep.Completed("Hashcat process finished.", cracked)
	log.Info("attack completed")
}

// show asks hashcat for the potfile entries matching the job's hash file.
func (r *Runner) show(ctx context.Context, params protocol.AttackParams, args []string) (string, error) {
	if params.Disable {
		return "", nil
	}
	showArgs := []string{"--show", "-m", params.Mode}
	if params.User {
		showArgs = append(showArgs, "--username")
	}
	// The hash file follows the mode and flag arguments.
	showArgs = append(showArgs, args[hashFileIndex(args)])
	out, err := exec.CommandContext(ctx, r.Binary, showArgs...).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(out), "\r\n"), nil
}

func hashFileIndex(args []string) int {
	i := 4 // after -m <mode> -a <attack>
	for i < len(args) && strings.HasPrefix(args[i], "--") {
		i++
	}
	return i
}
