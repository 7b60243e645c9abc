package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// Child is a traced application started by tracetop. Its stdout and stderr
// go to <name>.out and <name>.err in dir.
type Child struct {
	cmd    *exec.Cmd
	logger *slog.Logger
	files  []*os.File

	done chan struct{}
	once sync.Once
}

// Spawn starts command with its output redirected to files in dir. The child
// is reaped as soon as it exits so that it leaves the process table.
func Spawn(command []string, dir string, logger *slog.Logger) (*Child, error) {
	if len(command) == 0 {
		return nil, errors.New("empty command")
	}

	name := filepath.Base(command[0])
	stdout, err := os.Create(filepath.Join(dir, name+".out"))
	if err != nil {
		return nil, fmt.Errorf("create stdout file: %w", err)
	}
	stderr, err := os.Create(filepath.Join(dir, name+".err"))
	if err != nil {
		_ = stdout.Close()
		return nil, fmt.Errorf("create stderr file: %w", err)
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	c := &Child{
		cmd:    cmd,
		logger: logger.With("child_pid", cmd.Process.Pid),
		files:  []*os.File{stdout, stderr},
		done:   make(chan struct{}),
	}
	c.logger.Info("traced application started", "command", command, "stdout", stdout.Name(), "stderr", stderr.Name())

	go func() {
		err := cmd.Wait()
		close(c.done)
		c.logger.Info("traced application exited", "state", cmd.ProcessState.String(), "err", err)
	}()

	return c, nil
}

// PID returns the child's process id.
func (c *Child) PID() int32 {
	return int32(c.cmd.Process.Pid)
}

// exited is closed once the child has been reaped.
func (c *Child) exited() <-chan struct{} {
	return c.done
}

// Kill terminates the child if it is still running, waits for it and closes
// the output files. Safe for repeated use.
func (c *Child) Kill() error {
	var err error
	c.once.Do(func() {
		select {
		case <-c.exited():
		default:
			if killErr := c.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
				err = fmt.Errorf("kill child: %w", killErr)
			}
			<-c.exited()
		}
		for _, f := range c.files {
			if closeErr := f.Close(); closeErr != nil {
				err = errors.Join(err, closeErr)
			}
		}
	})
	return err
}
