package applier

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
)

// DefaultKubectl is the kubectl binary looked up in PATH.
const DefaultKubectl = "kubectl"

// Executor runs kubectl.
type Executor interface {
	// Run executes kubectl with args. A nil env inherits the process
	// environment.
	Run(ctx context.Context, args []string, env []string) (stdout, stderr []byte, err error)
}

// KubectlExecutor runs a kubectl binary resolved once from PATH.
type KubectlExecutor struct {
	binary string

	once sync.Once
	path string
	err  error
}

// NewKubectlExecutor creates an executor for binary, a name looked up in
// PATH or a path to the executable.
func NewKubectlExecutor(binary string) *KubectlExecutor {
	if binary == "" {
		binary = DefaultKubectl
	}
	return &KubectlExecutor{binary: binary}
}

// Path returns the resolved kubectl path.
func (e *KubectlExecutor) Path() (string, error) {
	e.once.Do(func() {
		e.path, e.err = exec.LookPath(e.binary)
		if e.err != nil {
			e.err = fmt.Errorf("%w: %w", ErrKubectlNotFound, e.err)
		}
	})
	return e.path, e.err
}

// Run implements Executor.
func (e *KubectlExecutor) Run(ctx context.Context, args []string, env []string) ([]byte, []byte, error) {
	path, err := e.Path()
	if err != nil {
		return nil, nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = env
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err = cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
