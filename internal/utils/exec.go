package utils

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Command is a program invocation with an explicit argument list. It is never passed through a shell.
type Command struct {
	Name string
	Args []string
	// Env is appended to the current environment.
	Env []string
	Dir string
	// Stream sends the output to the console instead of capturing it. Used for long running builds.
	Stream bool
}

func NewCommand(name string, args ...string) Command {
	return Command{Name: name, Args: args}
}

// WithEnv returns a copy of the command with extra environment entries in KEY=value form.
func (c Command) WithEnv(env ...string) Command {
	c.Env = append(append([]string{}, c.Env...), env...)
	return c
}

func (c Command) Streaming() Command {
	c.Stream = true
	return c
}

// String renders the command for logging only.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner executes commands and returns their combined output.
type Runner interface {
	Run(ctx context.Context, cmd Command) (string, error)
}

// ExecRunner runs commands on the host.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, c Command) (string, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	return RunCmd(cmd, c)
}

// RunCmd runs an already built exec.Cmd with the settings of c.
func RunCmd(cmd *exec.Cmd, c Command) (string, error) {
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Dir = c.Dir
	Log.Debug().Str("cmd", c.String()).Str("dir", c.Dir).Msg("Running command")

	var out bytes.Buffer
	if c.Stream {
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
	} else {
		cmd.Stdout = &out
		cmd.Stderr = &out
	}
	err := cmd.Run()
	if err != nil {
		Log.Debug().Err(err).Str("cmd", c.String()).Str("output", out.String()).Msg("Command failed")
		return out.String(), fmt.Errorf("running %s: %w: %s", c.Name, err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

// CommandExists reports if the binary can be found on PATH.
func CommandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
