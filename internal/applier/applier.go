package applier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/yaml"

	"github.com/giantswarm/clusterlink/internal/instrumentation"
	"github.com/giantswarm/clusterlink/internal/logging"
)

// LastAppliedAnnotation is stripped from manifests before they are applied.
const LastAppliedAnnotation = "kubectl.kubernetes.io/last-applied-configuration"

// Cluster is the target of an Applier.
type Cluster interface {
	ID() string
	// KubeconfigPath returns a kubeconfig with valid credentials for the cluster.
	KubeconfigPath(ctx context.Context) (string, error)
	// HTTPSProxy returns the proxy kubectl must use, or "".
	HTTPSProxy() string
}

// MetricsRecorder records kubectl runs.
type MetricsRecorder interface {
	RecordKubectlRun(ctx context.Context, operation, status string, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordKubectlRun(context.Context, string, string, time.Duration) {}

// Option configures an Applier.
type Option func(*Applier)

// WithExecutor sets how kubectl is run.
func WithExecutor(e Executor) Option {
	return func(a *Applier) {
		if e != nil {
			a.executor = e
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Applier) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(a *Applier) {
		if m != nil {
			a.metrics = m
		}
	}
}

// WithTempDir sets where manifest files are written. Defaults to os.TempDir().
func WithTempDir(dir string) Option {
	return func(a *Applier) {
		a.tempDir = dir
	}
}

// Applier applies, patches and deletes manifests on one cluster with kubectl.
type Applier struct {
	cluster  Cluster
	executor Executor
	logger   *slog.Logger
	metrics  MetricsRecorder
	tempDir  string
}

// New creates an Applier for c. Without WithExecutor it runs kubectl from PATH.
func New(c Cluster, opts ...Option) *Applier {
	a := &Applier{
		cluster: c,
		logger:  slog.Default(),
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.executor == nil {
		a.executor = NewKubectlExecutor(DefaultKubectl)
	}
	a.logger = logging.WithCluster(a.logger, c.ID())
	return a
}

// Apply applies one manifest and returns the object kubectl reports.
// status, metadata.resourceVersion and the last-applied annotation are
// removed first.
func (a *Applier) Apply(ctx context.Context, manifest map[string]any) (*unstructured.Unstructured, error) {
	if len(manifest) == 0 {
		return nil, &ValidationError{Field: "manifest", Reason: "empty"}
	}

	sanitized, err := Sanitize(manifest)
	if err != nil {
		return nil, err
	}
	content, err := yaml.Marshal(sanitized)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}

	kubeconfig, err := a.cluster.KubeconfigPath(ctx)
	if err != nil {
		return nil, err
	}

	file, err := a.writeTempFile(content)
	if err != nil {
		return nil, err
	}
	defer a.remove(file)

	args := []string{"apply", "--kubeconfig", kubeconfig, "-o", "json", "-f", file}
	stdout, err := a.run(ctx, instrumentation.OperationApply, args, false, a.proxyEnv())
	if err != nil {
		return nil, err
	}
	return decodeObject(stdout)
}

// Patch applies an RFC 6902 JSON patch to one object.
func (a *Applier) Patch(ctx context.Context, name, kind string, patch []byte, namespace string) (*unstructured.Unstructured, error) {
	switch {
	case name == "":
		return nil, &ValidationError{Field: "name", Reason: "required"}
	case kind == "":
		return nil, &ValidationError{Field: "kind", Reason: "required"}
	}
	compact, err := ValidatePatch(patch)
	if err != nil {
		return nil, err
	}

	kubeconfig, err := a.cluster.KubeconfigPath(ctx)
	if err != nil {
		return nil, err
	}

	args := []string{"--kubeconfig", kubeconfig, "patch", kind, name}
	if namespace != "" {
		args = append(args, "--namespace", namespace)
	}
	args = append(args, "--type", "json", "--patch", compact, "-o", "json")

	stdout, err := a.run(ctx, instrumentation.OperationPatch, args, false, nil)
	if err != nil {
		return nil, err
	}
	return decodeObject(stdout)
}

// ApplyAll applies YAML documents in one kubectl run. extraArgs default to
// "-o json".
func (a *Applier) ApplyAll(ctx context.Context, manifests []string, extraArgs ...string) (string, error) {
	if extraArgs == nil {
		extraArgs = []string{"-o", "json"}
	}
	return a.runAll(ctx, "apply", instrumentation.OperationApply, manifests, extraArgs)
}

// DeleteAll deletes the objects of YAML documents in one kubectl run.
func (a *Applier) DeleteAll(ctx context.Context, manifests []string, extraArgs ...string) (string, error) {
	return a.runAll(ctx, "delete", instrumentation.OperationDelete, manifests, extraArgs)
}

func (a *Applier) runAll(ctx context.Context, subcommand, operation string, manifests []string, extraArgs []string) (string, error) {
	if len(manifests) == 0 {
		return "", &ValidationError{Field: "manifests", Reason: "none given"}
	}

	kubeconfig, err := a.cluster.KubeconfigPath(ctx)
	if err != nil {
		return "", err
	}

	dir, err := os.MkdirTemp(a.tempDir, "clusterlink-manifests-")
	if err != nil {
		return "", fmt.Errorf("failed to create manifest directory: %w", err)
	}
	defer a.remove(dir)

	for i, manifest := range manifests {
		path := filepath.Join(dir, strconv.Itoa(i)+".yaml")
		if err := os.WriteFile(path, []byte(manifest), 0o600); err != nil {
			return "", fmt.Errorf("failed to write manifest: %w", err)
		}
	}

	args := append([]string{subcommand, "--kubeconfig", kubeconfig}, extraArgs...)
	args = append(args, "-f", dir)

	a.logger.Info("running kubectl", logging.Operation(operation), slog.Int("manifests", len(manifests)))
	stdout, err := a.run(ctx, operation, args, true, nil)
	if err != nil {
		return "", err
	}
	return string(stdout), nil
}

// proxyEnv returns the kubectl environment with the cluster's HTTPS proxy,
// or nil to inherit the process environment.
func (a *Applier) proxyEnv() []string {
	proxy := a.cluster.HTTPSProxy()
	if proxy == "" {
		return nil
	}
	return append(os.Environ(), "HTTPS_PROXY="+proxy)
}

// run executes kubectl with env (nil inherits the process environment) and
// turns failures into ExternalProcessError.
func (a *Applier) run(ctx context.Context, operation string, args []string, multiFile bool, env []string) ([]byte, error) {
	ctx, span := instrumentation.StartSpan(ctx, "kubectl."+operation,
		instrumentation.NewSpanAttributeBuilder().WithCluster(a.cluster.ID()).WithOperation(operation).Build()...)
	defer span.End()
	logger := logging.WithOperation(a.logger, operation)

	start := time.Now()
	stdout, stderr, err := a.executor.Run(ctx, args, env)
	duration := time.Since(start)

	if err != nil {
		a.metrics.RecordKubectlRun(ctx, operation, instrumentation.StatusError, duration)
		if errors.Is(err, ErrKubectlNotFound) {
			instrumentation.SetSpanError(span, err)
			return nil, err
		}
		msg := string(stderr)
		if multiFile {
			msg = fileErrorMessage(msg)
		}
		perr := &ExternalProcessError{Args: args, Stderr: msg, Err: err}
		instrumentation.SetSpanError(span, perr)
		logger.Debug("kubectl failed", logging.Err(perr))
		return nil, perr
	}

	a.metrics.RecordKubectlRun(ctx, operation, instrumentation.StatusSuccess, duration)
	instrumentation.SetSpanSuccess(span)
	return stdout, nil
}

func (a *Applier) writeTempFile(content []byte) (string, error) {
	f, err := os.CreateTemp(a.tempDir, "resource-*.yaml")
	if err != nil {
		return "", fmt.Errorf("failed to create manifest file: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to write manifest file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to write manifest file: %w", err)
	}
	return f.Name(), nil
}

func (a *Applier) remove(path string) {
	if err := os.RemoveAll(path); err != nil {
		a.logger.Warn("failed to remove temporary manifest", slog.String("path", path), logging.Err(err))
	}
}

// Sanitize returns a copy of manifest without the fields the server owns.
func Sanitize(manifest map[string]any) (map[string]any, error) {
	data, err := json.Marshal(manifest)
	if err != nil {
		return nil, &ValidationError{Field: "manifest", Reason: "not serializable", Err: err}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &ValidationError{Field: "manifest", Reason: "not an object", Err: err}
	}

	unstructured.RemoveNestedField(out, "status")
	unstructured.RemoveNestedField(out, "metadata", "resourceVersion")
	unstructured.RemoveNestedField(out, "metadata", "annotations", LastAppliedAnnotation)
	return out, nil
}

var patchOps = map[string]bool{
	"add": true, "remove": true, "replace": true, "move": true, "copy": true, "test": true,
}

// ValidatePatch checks that patch is an RFC 6902 operation list and returns
// it compacted.
func ValidatePatch(patch []byte) (string, error) {
	ops, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return "", &ValidationError{Field: "patch", Reason: "not a JSON patch", Err: err}
	}
	for i, op := range ops {
		if kind := op.Kind(); !patchOps[kind] {
			return "", &ValidationError{Field: "patch", Reason: fmt.Sprintf("operation %d has unsupported op %q", i, kind)}
		}
		if _, err := op.Path(); err != nil {
			return "", &ValidationError{Field: "patch", Reason: fmt.Sprintf("operation %d has no path", i), Err: err}
		}
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, patch); err != nil {
		return "", &ValidationError{Field: "patch", Reason: "not valid JSON", Err: err}
	}
	return buf.String(), nil
}

func decodeObject(stdout []byte) (*unstructured.Unstructured, error) {
	obj := &unstructured.Unstructured{}
	if err := obj.UnmarshalJSON(stdout); err != nil {
		return nil, fmt.Errorf("failed to decode kubectl output: %w", err)
	}
	return obj, nil
}
